package sampler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"funsearch/internal/analysis"
	"funsearch/internal/dispatch"
	"funsearch/internal/llm"
	"funsearch/internal/model"
)

func TestStepDispatchesEveryCandidateTaggedWithPrompt(t *testing.T) {
	a := &recordingWorker{name: "a"}
	b := &recordingWorker{name: "b"}
	prompt := model.Prompt{ID: "p1", Code: "def f(x):", IslandID: 2, Version: 5}

	session, err := NewSession(Config{
		ID:     "s1",
		Store:  newStore(t, prompt),
		Client: newClient(t, 3),
		Policy: newPolicy(t, a, b),
		NewID:  sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	it, err := session.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if it.Prompt.Code != "def f(x):" || it.Prompt.IslandID != 2 || it.Prompt.Version != 5 {
		t.Fatalf("unexpected prompt: %+v", it.Prompt)
	}
	if len(it.Candidates) != 3 || it.Submitted != 3 || it.Failed != 0 {
		t.Fatalf("unexpected iteration: candidates=%d submitted=%d failed=%d", len(it.Candidates), it.Submitted, it.Failed)
	}

	got := append(a.received(), b.received()...)
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 analyse calls, got %d", len(got))
	}
	codes := map[string]int{}
	ids := map[string]bool{}
	for _, sub := range got {
		if sub.IslandID != 2 || sub.Version != 5 {
			t.Fatalf("submission not tagged with prompt island/version: %+v", sub)
		}
		if sub.SamplerID != "s1" || sub.PromptID != prompt.ID {
			t.Fatalf("unexpected submission origin: %+v", sub)
		}
		if !strings.HasPrefix(sub.Code, "def f(x):") {
			t.Fatalf("unexpected candidate code: %q", sub.Code)
		}
		if ids[sub.ID] {
			t.Fatalf("duplicate submission id %q", sub.ID)
		}
		ids[sub.ID] = true
		codes[sub.Code]++
	}
	for _, c := range it.Candidates {
		if codes[c.Code] != 1 {
			t.Fatalf("candidate %q submitted %d times", c.Code, codes[c.Code])
		}
	}

	stats := session.Stats()
	if stats.Iterations != 1 || stats.Candidates != 3 || stats.Submitted != 3 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStepSpreadsCandidatesAcrossWorkers(t *testing.T) {
	a := &recordingWorker{name: "a"}
	b := &recordingWorker{name: "b"}
	prompts := make([]model.Prompt, 20)
	for i := range prompts {
		prompts[i] = model.Prompt{Code: "def f(x):", IslandID: 2, Version: 5}
	}

	session, err := NewSession(Config{
		ID:     "s1",
		Store:  newStore(t, prompts...),
		Client: newClient(t, 3),
		Policy: newPolicy(t, a, b),
		NewID:  sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for i := range prompts {
		if _, err := session.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	gotA, gotB := len(a.received()), len(b.received())
	if gotA+gotB != 60 {
		t.Fatalf("expected 60 analyse calls, got a=%d b=%d", gotA, gotB)
	}
	// 60 fair draws land below 15 on one side with negligible probability.
	if gotA < 15 || gotB < 15 {
		t.Fatalf("expected both workers to receive candidates, got a=%d b=%d", gotA, gotB)
	}
}

func TestStepSingleWorkerReceivesAll(t *testing.T) {
	only := &recordingWorker{name: "only"}
	session, err := NewSession(Config{
		Store:  newStore(t, model.Prompt{Code: "def g():", IslandID: 0, Version: 1}),
		Client: newClient(t, 4),
		Policy: newPolicy(t, only),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := len(only.received()); got != 4 {
		t.Fatalf("expected 4 submissions, got %d", got)
	}
}

func TestStepShortGenerationSubmitsNothing(t *testing.T) {
	w := &recordingWorker{name: "w"}
	client, err := llm.NewClient(backendFunc(func(_ context.Context, req llm.Request) ([]string, error) {
		return []string{"only one"}, nil
	}), 3)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	session, err := NewSession(Config{
		Store:  newStore(t, model.Prompt{Code: "def f(x):", IslandID: 1, Version: 1}),
		Client: client,
		Policy: newPolicy(t, w),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	_, err = session.Step(context.Background())
	if !errors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if got := len(w.received()); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
	if stats := session.Stats(); stats.Candidates != 0 || stats.Iterations != 0 {
		t.Fatalf("unexpected stats after failed generation: %+v", stats)
	}
}

type plainGenerator struct{ err error }

func (g plainGenerator) DrawSamples(context.Context, string) ([]string, error) {
	return nil, g.err
}

func TestStepTypesUntypedGeneratorErrors(t *testing.T) {
	session, err := NewSession(Config{
		Store:  newStore(t, model.Prompt{Code: "x"}),
		Client: plainGenerator{err: errors.New("boom")},
		Policy: newPolicy(t, &recordingWorker{name: "w"}),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	_, err = session.Step(context.Background())
	if !errors.Is(err, llm.ErrGeneration) {
		t.Fatalf("expected generation failure, got %v", err)
	}
}

func TestStepStoreFailureIsTyped(t *testing.T) {
	w := &recordingWorker{name: "w"}
	session, err := NewSession(Config{
		Store:  failingStore{err: errors.New("disk on fire")},
		Client: newClient(t, 2),
		Policy: newPolicy(t, w),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	_, err = session.Step(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("expected cause in error, got %v", err)
	}
	if got := len(w.received()); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
}

func TestStepReturnsContextErrorWhenCancelledWhileWaiting(t *testing.T) {
	session, err := NewSession(Config{
		Store:  newStore(t),
		Client: newClient(t, 2),
		Policy: newPolicy(t, &recordingWorker{name: "w"}),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = session.Step(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("cancellation must not be reported as a store failure: %v", err)
	}
}

func TestStepIsolatesSubmissionFailures(t *testing.T) {
	good := &recordingWorker{name: "good"}
	bad := &recordingWorker{name: "bad", err: errors.New("queue full")}

	var (
		mu       sync.Mutex
		rejected []model.Submission
	)
	session, err := NewSession(Config{
		Store:  newStore(t, model.Prompt{Code: "def f(x):", IslandID: 4, Version: 9}),
		Client: newClient(t, 20),
		Policy: newPolicy(t, good, bad),
		OnSubmissionError: func(sub model.Submission, err error) {
			if !errors.Is(err, analysis.ErrSubmission) {
				t.Errorf("expected submission error type, got %v", err)
			}
			mu.Lock()
			rejected = append(rejected, sub)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	it, err := session.Step(context.Background())
	if err != nil {
		t.Fatalf("submission failures must not fail the iteration: %v", err)
	}
	accepted := good.received()
	if it.Submitted != len(accepted) || it.Failed != len(rejected) {
		t.Fatalf("iteration counts %d/%d, observed %d/%d", it.Submitted, it.Failed, len(accepted), len(rejected))
	}
	if len(accepted)+len(rejected) != 20 {
		t.Fatalf("expected every candidate accounted for, got %d accepted %d rejected", len(accepted), len(rejected))
	}
	if len(rejected) == 0 || len(accepted) == 0 {
		t.Fatalf("expected both outcomes with two workers over 20 candidates, got %d/%d", len(accepted), len(rejected))
	}
	for _, sub := range rejected {
		if sub.IslandID != 4 || sub.Version != 9 {
			t.Fatalf("rejected submission lost its tags: %+v", sub)
		}
	}
}

func TestStepPolicyFailureIsSubmissionFailure(t *testing.T) {
	var failures int
	policy := &flakyPolicy{staticPolicy: staticPolicy{workers: []analysis.Worker{&recordingWorker{name: "w"}}}}
	session, err := NewSession(Config{
		Store:             newStore(t, model.Prompt{Code: "x"}),
		Client:            newClient(t, 2),
		Policy:            policy,
		MaxInFlight:       1,
		OnSubmissionError: func(model.Submission, error) { failures++ },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	it, err := session.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if it.Failed != 2 || failures != 2 {
		t.Fatalf("expected 2 failures, got iteration=%d callback=%d", it.Failed, failures)
	}
}

type flakyPolicy struct {
	staticPolicy
}

func (p *flakyPolicy) Choose() (analysis.Worker, error) {
	return nil, dispatch.ErrNoWorkers
}

func TestStepBoundsConcurrentSubmissions(t *testing.T) {
	w := &recordingWorker{name: "slow", delay: 5 * time.Millisecond}
	session, err := NewSession(Config{
		Store:       newStore(t, model.Prompt{Code: "x"}),
		Client:      newClient(t, 12),
		Policy:      newPolicy(t, w),
		MaxInFlight: 2,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	w.mu.Lock()
	maxActive := w.maxActive
	w.mu.Unlock()
	if maxActive > 2 {
		t.Fatalf("expected at most 2 concurrent submissions, saw %d", maxActive)
	}
	if got := len(w.received()); got != 12 {
		t.Fatalf("expected 12 submissions, got %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	store := newStore(t)
	client := newClient(t, 1)
	policy := newPolicy(t, &recordingWorker{name: "w"})

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "nil store", cfg: Config{Client: client, Policy: policy}, want: errors.NotValid},
		{name: "nil client", cfg: Config{Store: store, Policy: policy}, want: errors.NotValid},
		{name: "nil policy", cfg: Config{Store: store, Client: client}, want: errors.NotValid},
		{name: "no workers", cfg: Config{Store: store, Client: client, Policy: staticPolicy{}}, want: dispatch.ErrNoWorkers},
		{name: "negative in flight", cfg: Config{Store: store, Client: client, Policy: policy, MaxInFlight: -1}, want: errors.NotValid},
		{name: "negative iterations", cfg: Config{Store: store, Client: client, Policy: policy, MaxIterations: -1}, want: errors.NotValid},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := (Config{Store: store, Client: client, Policy: policy}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
