// Package dispatch decides which analysis worker receives a candidate.
package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"

	"funsearch/internal/analysis"
)

// ErrNoWorkers is returned when a policy has no workers to choose from.
const ErrNoWorkers = errors.ConstError("no analysis workers configured")

type Policy interface {
	Choose() (analysis.Worker, error)
	Workers() []analysis.Worker
}

// Random picks a worker uniformly at random on every call. Calls are
// independent: there is no round-robin state and no affinity.
type Random struct {
	workers []analysis.Worker

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom copies workers; a nil src is seeded from the wall clock.
func NewRandom(workers []analysis.Worker, src rand.Source) (*Random, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	for i, w := range workers {
		if w == nil {
			return nil, errors.NotValidf("nil worker at index %d", i)
		}
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Random{
		workers: append([]analysis.Worker(nil), workers...),
		rng:     rand.New(src),
	}, nil
}

func (r *Random) Choose() (analysis.Worker, error) {
	switch len(r.workers) {
	case 0:
		return nil, ErrNoWorkers
	case 1:
		return r.workers[0], nil
	}

	r.mu.Lock()
	i := r.rng.Intn(len(r.workers))
	r.mu.Unlock()
	return r.workers[i], nil
}

func (r *Random) Workers() []analysis.Worker {
	return append([]analysis.Worker(nil), r.workers...)
}
