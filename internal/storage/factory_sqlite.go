//go:build sqlite

package storage

func newSQLiteStore(path string, opts Options) (Store, error) {
	return NewSQLiteStore(path, opts), nil
}
