package storage

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/juju/errors"
	bolt "go.etcd.io/bbolt"

	"funsearch/internal/model"
)

var (
	promptsBucket    = []byte("prompts")
	quarantineBucket = []byte("quarantine")
)

// BoltStore keeps the prompt queue in a bbolt file, keyed by the bucket
// sequence so prompts come back out in enqueue order.
type BoltStore struct {
	path string
	opts Options

	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

func NewBoltStore(path string, opts Options) *BoltStore {
	return &BoltStore{path: path, opts: opts.normalize()}
}

func (s *BoltStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.path == "" {
		return errors.NotValidf("empty bolt path")
	}
	if s.db != nil {
		return nil
	}

	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.Annotatef(err, "opening bolt store %q", s.path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{promptsBucket, quarantineBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return errors.Trace(err)
	}
	s.db = db
	return nil
}

func (s *BoltStore) EnqueuePrompt(_ context.Context, prompt model.Prompt) (model.Prompt, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Prompt{}, err
	}

	prompt = stampPrompt(prompt)
	payload, err := EncodePrompt(prompt)
	if err != nil {
		return model.Prompt{}, errors.Trace(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(promptsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), payload)
	})
	if err != nil {
		return model.Prompt{}, errors.Annotatef(err, "enqueue prompt %s", prompt.ID)
	}
	return prompt, nil
}

func (s *BoltStore) GetPrompt(ctx context.Context) (model.Prompt, error) {
	return pollPrompt(ctx, s.opts, s.popPrompt)
}

func (s *BoltStore) popPrompt(_ context.Context) (model.Prompt, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Prompt{}, false, err
	}

	var (
		prompt    model.Prompt
		found     bool
		decodeErr error
	)
	err = db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(promptsBucket).Cursor()
		key, payload := c.First()
		if key == nil {
			return nil
		}
		decoded, err := DecodePrompt(payload)
		if err != nil {
			// Quarantine the record and commit, so it stops blocking the queue.
			decodeErr = errors.Annotatef(err, "decode prompt at sequence %d", binary.BigEndian.Uint64(key))
			if err := tx.Bucket(quarantineBucket).Put(key, payload); err != nil {
				return err
			}
			return c.Delete()
		}
		if err := c.Delete(); err != nil {
			return err
		}
		prompt, found = decoded, true
		return nil
	})
	if err != nil {
		return model.Prompt{}, false, errors.Trace(err)
	}
	if decodeErr != nil {
		return model.Prompt{}, false, errors.WithType(decodeErr, ErrCorruptRecord)
	}
	return prompt, found, nil
}

// QuarantinedPrompts reports how many undecodable records were moved out of
// the queue.
func (s *BoltStore) QuarantinedPrompts(_ context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(quarantineBucket).Stats().KeyN
		return nil
	})
	return n, errors.Trace(err)
}

func (s *BoltStore) PendingPrompts(_ context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(promptsBucket).Stats().KeyN
		return nil
	})
	return n, errors.Trace(err)
}

func (s *BoltStore) Reset(_ context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	return errors.Trace(db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(promptsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(promptsBucket)
		return err
	}))
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BoltStore) getDB() (*bolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
