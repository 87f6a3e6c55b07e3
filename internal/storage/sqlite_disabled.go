//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "clippost/pkg/logx"
)

// Built without the sqlite tag: fail loudly instead of silently losing the
// audit trail.
func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite storage requested but binary was built without -tags sqlite")
}
