package sampler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"funsearch/internal/analysis"
	"funsearch/internal/llm"
	"funsearch/internal/model"
)

// ErrStoreUnavailable marks a failure to acquire a prompt.
const ErrStoreUnavailable = errors.ConstError("program store unavailable")

// Iteration is the outcome of one Step. Submitted+Failed always equals
// len(Candidates) once Step returns without error.
type Iteration struct {
	Prompt     model.Prompt
	Candidates []model.Submission
	Submitted  int
	Failed     int
}

type Stats struct {
	Iterations int64 `json:"iterations"`
	Candidates int64 `json:"candidates"`
	Submitted  int64 `json:"submitted"`
	Failed     int64 `json:"failed"`
}

// Session is one sampling session: acquire a prompt, draw candidates and
// hand each one to a worker chosen by the policy.
type Session struct {
	cfg Config
	sem *semaphore.Weighted

	iterations atomic.Int64
	candidates atomic.Int64
	submitted  atomic.Int64
	failed     atomic.Int64
}

func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}, nil
}

func (s *Session) ID() string {
	return s.cfg.ID
}

// Step runs one iteration. A cancelled ctx is returned as is; store and
// generation failures are typed ErrStoreUnavailable and llm.ErrGeneration
// and nothing is dispatched for them. Once candidates exist every one of
// them is submitted, even if ctx is cancelled meanwhile.
func (s *Session) Step(ctx context.Context) (Iteration, error) {
	prompt, err := s.cfg.Store.GetPrompt(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Iteration{}, ctx.Err()
		}
		return Iteration{}, errors.WithType(errors.Annotate(err, "acquiring prompt"), ErrStoreUnavailable)
	}
	s.cfg.Metrics.promptAcquired(s.cfg.ID)

	start := s.cfg.Clock.Now()
	samples, err := s.cfg.Client.DrawSamples(ctx, prompt.Code)
	s.cfg.Metrics.generationDone(s.cfg.ID, s.cfg.Clock.Now().Sub(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return Iteration{Prompt: prompt}, ctx.Err()
		}
		if !errors.Is(err, llm.ErrGeneration) {
			err = errors.WithType(err, llm.ErrGeneration)
		}
		return Iteration{Prompt: prompt}, errors.Annotatef(err,
			"prompt %s (island %d, version %d)", prompt.ID, prompt.IslandID, prompt.Version)
	}

	it := Iteration{
		Prompt:     prompt,
		Candidates: make([]model.Submission, 0, len(samples)),
	}
	now := s.cfg.Clock.Now()
	for _, sample := range samples {
		it.Candidates = append(it.Candidates, model.NewSubmission(s.cfg.NewID(), s.cfg.ID, prompt, sample, now))
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	detached := context.WithoutCancel(ctx)
	for _, sub := range it.Candidates {
		// Acquire cannot fail on a context without cancellation.
		_ = s.sem.Acquire(detached, 1)
		wg.Add(1)
		s.cfg.Metrics.inflight(s.cfg.ID, 1)
		go func(sub model.Submission) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.cfg.Metrics.inflight(s.cfg.ID, -1)
			if !s.analyse(detached, sub) {
				failed.Add(1)
			}
		}(sub)
	}
	wg.Wait()

	it.Failed = int(failed.Load())
	it.Submitted = len(it.Candidates) - it.Failed
	s.iterations.Add(1)
	s.candidates.Add(int64(len(it.Candidates)))
	s.submitted.Add(int64(it.Submitted))
	s.failed.Add(int64(it.Failed))
	return it, nil
}

func (s *Session) analyse(ctx context.Context, sub model.Submission) bool {
	worker, err := s.cfg.Policy.Choose()
	if err != nil {
		s.submissionFailed(sub, "", errors.WithType(err, analysis.ErrSubmission))
		return false
	}
	if err := worker.Analyse(ctx, sub); err != nil {
		if !errors.Is(err, analysis.ErrSubmission) {
			err = errors.WithType(err, analysis.ErrSubmission)
		}
		s.submissionFailed(sub, worker.Name(), err)
		return false
	}
	s.cfg.Metrics.submitted(s.cfg.ID, worker.Name())
	return true
}

func (s *Session) submissionFailed(sub model.Submission, worker string, err error) {
	s.cfg.Metrics.submissionFailed(s.cfg.ID, worker)
	s.cfg.Logger.Warningf("sampler %s: submission %s (island %d, version %d) not accepted: %v",
		s.cfg.ID, sub.ID, sub.IslandID, sub.Version, err)
	if s.cfg.OnSubmissionError != nil {
		s.cfg.OnSubmissionError(sub, err)
	}
}

func (s *Session) Stats() Stats {
	return Stats{
		Iterations: s.iterations.Load(),
		Candidates: s.candidates.Load(),
		Submitted:  s.submitted.Load(),
		Failed:     s.failed.Load(),
	}
}

func newSubmissionID() string {
	return uuid.NewString()
}
