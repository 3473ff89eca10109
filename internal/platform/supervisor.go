// Package platform hosts long-running sampler workers and decides what
// happens when one of them fails.
package platform

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("funsearch.platform")

type SupervisorStrategy string

const (
	// SupervisorStrategyRestart restarts a failed child on its own with
	// exponential backoff; its siblings keep running.
	SupervisorStrategyRestart SupervisorStrategy = "restart"
	// SupervisorStrategyAbort stops every child on the first failure.
	SupervisorStrategyAbort SupervisorStrategy = "abort"
)

func ParseSupervisorStrategy(s string) (SupervisorStrategy, error) {
	switch SupervisorStrategy(s) {
	case "":
		return SupervisorStrategyRestart, nil
	case SupervisorStrategyRestart, SupervisorStrategyAbort:
		return SupervisorStrategy(s), nil
	}
	return "", errors.NotValidf("supervisor strategy %q", s)
}

type SupervisorPolicy struct {
	InitialBackoff time.Duration      `yaml:"initial_backoff"`
	MaxBackoff     time.Duration      `yaml:"max_backoff"`
	BackoffFactor  float64            `yaml:"backoff_factor"`
	MaxRestarts    int                `yaml:"max_restarts"`
	Strategy       SupervisorStrategy `yaml:"strategy"`
}

type ChildState string

const (
	ChildRunning  ChildState = "running"
	ChildBackoff  ChildState = "backoff"
	ChildFinished ChildState = "finished"
	ChildFailed   ChildState = "failed"
	ChildStopped  ChildState = "stopped"
)

type SupervisorChildStatus struct {
	Name      string     `json:"name"`
	State     ChildState `json:"state"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"last_error,omitempty"`
}

type SupervisorHooks struct {
	OnRestart          func(name string, err error, restarts int)
	OnPermanentFailure func(name string, err error, restarts int)
}

// StartFunc starts one incarnation of a child.
type StartFunc func() (worker.Worker, error)

type SupervisorChild struct {
	Name  string
	Start StartFunc
}

type SupervisorConfig struct {
	Children []SupervisorChild
	Policy   SupervisorPolicy
	Hooks    SupervisorHooks
	Clock    clock.Clock
}

func (c SupervisorConfig) Validate() error {
	if len(c.Children) == 0 {
		return errors.NotValidf("supervisor without children")
	}
	seen := make(map[string]bool, len(c.Children))
	for i, child := range c.Children {
		if child.Name == "" {
			return errors.NotValidf("child %d without name", i)
		}
		if seen[child.Name] {
			return errors.NotValidf("duplicate child %q", child.Name)
		}
		seen[child.Name] = true
		if child.Start == nil {
			return errors.NotValidf("child %q without start func", child.Name)
		}
	}
	if _, err := ParseSupervisorStrategy(string(c.Policy.Strategy)); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
		MaxRestarts:    0,
		Strategy:       SupervisorStrategyRestart,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.Strategy == "" {
		policy.Strategy = def.Strategy
	}
	return policy
}

// Supervisor runs a fixed set of children. It finishes when every child has
// finished or failed for good, or when it is killed. Under the abort
// strategy Wait returns the first child error.
type Supervisor struct {
	catacomb catacomb.Catacomb

	policy SupervisorPolicy
	hooks  SupervisorHooks
	clock  clock.Clock

	mu       sync.Mutex
	children []*supervisedChild
}

type supervisedChild struct {
	name  string
	start StartFunc

	state    ChildState
	restarts int
	lastErr  error
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Supervisor{
		policy: normalizeSupervisorPolicy(cfg.Policy),
		hooks:  cfg.Hooks,
		clock:  cfg.Clock,
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	for _, child := range cfg.Children {
		s.children = append(s.children, &supervisedChild{
			name:  child.Name,
			start: child.Start,
			state: ChildRunning,
		})
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Supervisor) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Supervisor) Wait() error {
	return s.catacomb.Wait()
}

func (s *Supervisor) loop() error {
	var wg sync.WaitGroup
	defer wg.Wait()

	results := make(chan error, len(s.children))
	for _, child := range s.children {
		wg.Add(1)
		go func(child *supervisedChild) {
			defer wg.Done()
			results <- s.supervise(child)
		}(child)
	}

	for remaining := len(s.children); remaining > 0; remaining-- {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case err := <-results:
			if err != nil {
				// Children watch Dying, so kill before the deferred Wait.
				s.catacomb.Kill(err)
				return err
			}
		}
	}

	if failed := s.countState(ChildFailed); failed > 0 {
		return errors.Errorf("%d of %d children failed permanently", failed, len(s.children))
	}
	return nil
}

// supervise runs one child until it finishes, fails for good or the
// supervisor dies. Only the abort strategy returns an error.
func (s *Supervisor) supervise(child *supervisedChild) error {
	backoff := s.policy.InitialBackoff
	for {
		s.setState(child, ChildRunning, nil)
		err := s.runOnce(child)

		select {
		case <-s.catacomb.Dying():
			s.setState(child, ChildStopped, err)
			return nil
		default:
		}
		if err == nil {
			logger.Infof("%s finished", child.name)
			s.setState(child, ChildFinished, nil)
			return nil
		}

		restarts := s.restartsOf(child)
		if s.policy.Strategy == SupervisorStrategyAbort ||
			(s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts) {
			logger.Errorf("%s failed after %d restarts: %v", child.name, restarts, err)
			s.setState(child, ChildFailed, err)
			if s.hooks.OnPermanentFailure != nil {
				s.hooks.OnPermanentFailure(child.name, err, restarts)
			}
			if s.policy.Strategy == SupervisorStrategyAbort {
				return errors.Annotatef(err, "%s", child.name)
			}
			return nil
		}

		restarts = s.recordRestart(child, err)
		logger.Warningf("%s failed, restart %d in %s: %v", child.name, restarts, backoff, err)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(child.name, err, restarts)
		}
		select {
		case <-s.catacomb.Dying():
			s.setState(child, ChildStopped, err)
			return nil
		case <-s.clock.After(backoff):
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

func (s *Supervisor) runOnce(child *supervisedChild) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	w, err := child.start()
	if err != nil {
		return errors.Annotate(err, "starting")
	}
	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case err := <-done:
		return err
	case <-s.catacomb.Dying():
		w.Kill()
		return <-done
	}
}

func (s *Supervisor) setState(child *supervisedChild, state ChildState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child.state = state
	if err != nil {
		child.lastErr = err
	}
}

func (s *Supervisor) restartsOf(child *supervisedChild) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return child.restarts
}

func (s *Supervisor) recordRestart(child *supervisedChild, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	child.restarts++
	child.lastErr = err
	child.state = ChildBackoff
	return child.restarts
}

func (s *Supervisor) countState(state ChildState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, child := range s.children {
		if child.state == state {
			n++
		}
	}
	return n
}

func (s *Supervisor) Children() []SupervisorChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SupervisorChildStatus, 0, len(s.children))
	for _, child := range s.children {
		out = append(out, SupervisorChildStatus{
			Name:      child.name,
			State:     child.state,
			Restarts:  child.restarts,
			LastError: errString(child.lastErr),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s SupervisorChildStatus) String() string {
	if s.LastError == "" {
		return fmt.Sprintf("%s %s restarts=%d", s.Name, s.State, s.Restarts)
	}
	return fmt.Sprintf("%s %s restarts=%d last_error=%q", s.Name, s.State, s.Restarts, s.LastError)
}
