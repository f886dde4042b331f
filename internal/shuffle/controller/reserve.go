package controller

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

// ReserveSlots creates a writer for every primary and secondary
// replica id. onDfs places the files on the distributed FS instead of
// local disks. On any failure everything allocated so far, on both
// sides, is destroyed before the error is returned, so a failed
// reservation leaves no writers and no file artefacts behind.
func (c *Controller) ReserveSlots(shuffleKey string, primaryIDs, secondaryIDs []string, onDfs bool, wopts storage.WriterOptions) error {
	type created struct {
		id string
		w  *storage.Writer
	}
	var done []created

	rollback := func() {
		for _, cr := range done {
			cr.w.Destroy()
		}
	}

	create := func(sd side, id string) error {
		var (
			w   *storage.Writer
			err error
		)
		if onDfs {
			w, err = c.storage.CreateDfsWriter(shuffleKey, id, wopts)
		} else {
			w, err = c.storage.CreateLocalWriter(shuffleKey, id, wopts)
		}
		if err != nil {
			return fmt.Errorf("reserve %s/%s: %w", shuffleKey, id, err)
		}
		c.register(shuffleKey, id, sd, w)
		done = append(done, created{id: id, w: w})
		return nil
	}

	for _, id := range primaryIDs {
		if err := create(primary, id); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("reserve failed, rolling back")
			rollback()
			return err
		}
	}
	for _, id := range secondaryIDs {
		if err := create(secondary, id); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("reserve failed, rolling back")
			rollback()
			return err
		}
	}

	log.WithFields(log.Fields{
		"shuffle":     shuffleKey,
		"primaries":   len(primaryIDs),
		"secondaries": len(secondaryIDs),
		"dfs":         onDfs,
	}).Info("slots reserved")
	return nil
}
