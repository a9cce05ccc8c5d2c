package ledger

import (
	"errors"
	"strings"
	"time"

	"promobot/pkg/logx"
)

// Store is the persistence behind the live ring.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": persistence disabled
type StoreConfig struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Store interface {
	Append(e Entry) error
	Prune(olderThan time.Time) error
	Close() error
}

// OpenStore initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func OpenStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger store driver: " + driver)
	}
}
