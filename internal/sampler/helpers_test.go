package sampler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"funsearch/internal/analysis"
	"funsearch/internal/dispatch"
	"funsearch/internal/llm"
	"funsearch/internal/model"
	"funsearch/internal/storage"
)

type recordingWorker struct {
	name string
	err  error

	mu    sync.Mutex
	subs  []model.Submission
	delay time.Duration

	active    int
	maxActive int
}

func (w *recordingWorker) Name() string { return w.name }

func (w *recordingWorker) Analyse(_ context.Context, sub model.Submission) error {
	w.mu.Lock()
	w.active++
	if w.active > w.maxActive {
		w.maxActive = w.active
	}
	w.mu.Unlock()

	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	if w.err != nil {
		return w.err
	}
	w.subs = append(w.subs, sub)
	return nil
}

func (w *recordingWorker) received() []model.Submission {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.Submission(nil), w.subs...)
}

type backendFunc func(ctx context.Context, req llm.Request) ([]string, error)

func (f backendFunc) Complete(ctx context.Context, req llm.Request) ([]string, error) {
	return f(ctx, req)
}

type failingStore struct {
	err error
}

func (s failingStore) GetPrompt(context.Context) (model.Prompt, error) {
	return model.Prompt{}, s.err
}

type staticPolicy struct {
	workers []analysis.Worker
}

func (p staticPolicy) Choose() (analysis.Worker, error) {
	if len(p.workers) == 0 {
		return nil, dispatch.ErrNoWorkers
	}
	return p.workers[0], nil
}

func (p staticPolicy) Workers() []analysis.Worker {
	return p.workers
}

func newStore(t *testing.T, prompts ...model.Prompt) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	for _, p := range prompts {
		if _, err := store.EnqueuePrompt(context.Background(), p); err != nil {
			t.Fatalf("enqueue prompt: %v", err)
		}
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newClient(t *testing.T, n int) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(llm.EchoBackend{}, n)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func newPolicy(t *testing.T, workers ...analysis.Worker) *dispatch.Random {
	t.Helper()
	policy, err := dispatch.NewRandom(workers, rand.NewSource(7))
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return policy
}

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("sub-%d", n)
	}
}
