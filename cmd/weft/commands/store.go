package commands

import (
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// openStore opens and migrates the job store at the specified path.
// If dbPath is empty, it resolves the path from config.
func openStore(cfg *config.Config, dbPath string) (*queue.Store, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	store, err := queue.Open(dbPath, cfg.Database.BusyTimeoutMS)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job store at %s", dbPath)
	}
	return store, nil
}
