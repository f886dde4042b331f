package controller

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/events"
)

// DestroyResult is the reply to one Destroy round: the ids that had no
// live writer to tear down.
type DestroyResult struct {
	Status             Status
	FailedPrimaryIDs   []string
	FailedSecondaryIDs []string
}

// Destroy tears down every named writer. Writers found are destroyed
// (their destroy hooks unlink them from the shuffle state); ids with
// no live writer are reported back as failed destroys.
func (c *Controller) Destroy(ctx context.Context, shuffleKey string, primaryIDs, secondaryIDs []string) DestroyResult {
	st, ok := c.getShuffle(shuffleKey)
	if !ok {
		return DestroyResult{
			Status:             StatusShuffleNotRegistered,
			FailedPrimaryIDs:   primaryIDs,
			FailedSecondaryIDs: secondaryIDs,
		}
	}

	var res DestroyResult
	removed := 0
	for _, id := range primaryIDs {
		if w, found := c.lookupOnSide(st, primary, id); found {
			w.Destroy()
			removed++
		} else {
			res.FailedPrimaryIDs = append(res.FailedPrimaryIDs, id)
		}
	}
	for _, id := range secondaryIDs {
		if w, found := c.lookupOnSide(st, secondary, id); found {
			w.Destroy()
			removed++
		} else {
			res.FailedSecondaryIDs = append(res.FailedSecondaryIDs, id)
		}
	}
	c.releaseSlots(st, primaryIDs, secondaryIDs)

	if c.registry != nil {
		if err := c.registry.DeleteShuffle(shuffleKey); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("drop registry entries failed")
		}
	}
	if c.events != nil {
		ev := events.ShuffleDestroyed{ShuffleKey: shuffleKey, RemovedFiles: removed}
		if err := c.events.Emit(ctx, "shuffle_destroyed", ev); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("emit destroy event failed")
		}
	}

	if len(res.FailedPrimaryIDs)+len(res.FailedSecondaryIDs) > 0 {
		res.Status = StatusPartialSuccess
	} else {
		res.Status = StatusSuccess
	}
	log.WithFields(log.Fields{"shuffle": shuffleKey, "removed": removed}).Info("destroy round done")
	return res
}
