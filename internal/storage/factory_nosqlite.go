//go:build !sqlite

package storage

import "github.com/juju/errors"

func newSQLiteStore(_ string, _ Options) (Store, error) {
	return nil, errors.NotSupportedf("sqlite backend in this build; rebuild with -tags sqlite")
}
