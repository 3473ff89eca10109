package storage

import (
	"context"
	"sync"

	"funsearch/internal/model"
)

type MemoryStore struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	queue       []model.Prompt
	wake        chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wake: make(chan struct{})}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.initialized = true
	return nil
}

func (s *MemoryStore) EnqueuePrompt(_ context.Context, prompt model.Prompt) (model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return model.Prompt{}, err
	}
	prompt = stampPrompt(prompt)
	s.queue = append(s.queue, prompt)
	s.broadcastLocked()
	return prompt, nil
}

func (s *MemoryStore) GetPrompt(ctx context.Context) (model.Prompt, error) {
	for {
		s.mu.Lock()
		if err := s.usableLocked(); err != nil {
			s.mu.Unlock()
			return model.Prompt{}, err
		}
		if len(s.queue) > 0 {
			prompt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return prompt, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Prompt{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *MemoryStore) PendingPrompts(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	return len(s.queue), nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	s.queue = nil
	return nil
}

// Close releases any GetPrompt callers still waiting.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.broadcastLocked()
	return nil
}

func (s *MemoryStore) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *MemoryStore) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
