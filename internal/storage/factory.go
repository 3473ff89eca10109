package storage

import "github.com/juju/errors"

const (
	KindMemory = "memory"
	KindBolt   = "bolt"
	KindSQLite = "sqlite"
)

func DefaultStoreKind() string {
	return KindBolt
}

func NewStore(kind, path string, opts Options) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindBolt:
		return NewBoltStore(path, opts), nil
	case KindSQLite:
		return newSQLiteStore(path, opts)
	default:
		return nil, errors.NotSupportedf("store backend %q", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
