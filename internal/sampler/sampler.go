// Package sampler runs the sampling loop: it pulls prompts from the program
// store, draws candidate programs from the generative backend and fans each
// candidate out to an analysis worker.
package sampler

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// Sampler runs a Session until killed, until an iteration fails, or until
// Config.MaxIterations prompts have been sampled.
type Sampler struct {
	catacomb catacomb.Catacomb

	session *Session
}

// NewSampler validates cfg and starts the loop. A configuration without
// workers never starts.
func NewSampler(cfg Config) (*Sampler, error) {
	session, err := NewSession(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	w := &Sampler{session: session}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *Sampler) Session() *Session {
	return w.session
}

// Kill is part of the worker.Worker interface.
func (w *Sampler) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. The current iteration's
// submissions complete before it returns.
func (w *Sampler) Wait() error {
	return w.catacomb.Wait()
}

func (w *Sampler) loop() error {
	cfg := w.session.cfg
	ctx := w.catacomb.Context(context.Background())
	for i := 0; cfg.MaxIterations == 0 || i < cfg.MaxIterations; i++ {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}

		it, err := w.session.Step(ctx)
		if err != nil {
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			default:
			}
			cfg.Logger.Errorf("sampler %s stopped: %v", cfg.ID, err)
			return errors.Trace(err)
		}
		cfg.Logger.Debugf("sampler %s: prompt %s (island %d, version %d): %d candidates, %d failed",
			cfg.ID, it.Prompt.ID, it.Prompt.IslandID, it.Prompt.Version, len(it.Candidates), it.Failed)
	}
	cfg.Logger.Infof("sampler %s finished after %d iterations", cfg.ID, cfg.MaxIterations)
	return nil
}
