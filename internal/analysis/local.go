package analysis

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"funsearch/internal/model"
)

const DefaultQueueSize = 64

// Evaluator scores one submission. Errors are the evaluator's verdict on the
// candidate and never stop the worker.
type Evaluator interface {
	Evaluate(ctx context.Context, sub model.Submission) error
}

type EvaluatorFunc func(ctx context.Context, sub model.Submission) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, sub model.Submission) error {
	return f(ctx, sub)
}

type LocalConfig struct {
	Name      string
	Evaluator Evaluator
	QueueSize int
}

func (c LocalConfig) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.Evaluator == nil {
		return errors.NotValidf("nil Evaluator")
	}
	if c.QueueSize < 0 {
		return errors.NotValidf("negative QueueSize")
	}
	return nil
}

// LocalWorker evaluates submissions in-process, one at a time, from a
// bounded queue. A full queue rejects the submission instead of blocking
// the sampler.
type LocalWorker struct {
	catacomb catacomb.Catacomb

	cfg   LocalConfig
	queue chan model.Submission

	// mu orders Analyse sends before the final drain.
	mu       sync.RWMutex
	stopping bool
}

func NewLocalWorker(cfg LocalConfig) (*LocalWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	w := &LocalWorker{
		cfg:   cfg,
		queue: make(chan model.Submission, cfg.QueueSize),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *LocalWorker) Name() string {
	return w.cfg.Name
}

func (w *LocalWorker) Analyse(ctx context.Context, sub model.Submission) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopping {
		return submissionError(errors.New("worker is stopping"), w.cfg.Name, sub)
	}
	select {
	case w.queue <- sub:
		return nil
	case <-ctx.Done():
		return submissionError(ctx.Err(), w.cfg.Name, sub)
	default:
		return submissionError(errors.Errorf("queue full (%d)", cap(w.queue)), w.cfg.Name, sub)
	}
}

// Kill is part of the worker.Worker interface.
func (w *LocalWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *LocalWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *LocalWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())
	for {
		select {
		case <-w.catacomb.Dying():
			w.mu.Lock()
			w.stopping = true
			w.mu.Unlock()
			w.drain(context.WithoutCancel(ctx))
			return w.catacomb.ErrDying()
		case sub := <-w.queue:
			w.evaluate(ctx, sub)
		}
	}
}

// drain evaluates whatever was accepted before the worker started dying.
func (w *LocalWorker) drain(ctx context.Context) {
	for {
		select {
		case sub := <-w.queue:
			w.evaluate(ctx, sub)
		default:
			return
		}
	}
}

func (w *LocalWorker) evaluate(ctx context.Context, sub model.Submission) {
	if err := w.cfg.Evaluator.Evaluate(ctx, sub); err != nil {
		logger.Warningf("worker %q rejected submission %s (island %d, version %d): %v",
			w.cfg.Name, sub.ID, sub.IslandID, sub.Version, err)
		return
	}
	logger.Tracef("worker %q evaluated submission %s", w.cfg.Name, sub.ID)
}
