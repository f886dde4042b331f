package controller

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/events"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

// Status classifies a commit or destroy round.
type Status int8

const (
	StatusSuccess Status = iota
	StatusPartialSuccess
	StatusShuffleNotRegistered
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialSuccess:
		return "partial_success"
	default:
		return "shuffle_not_registered"
	}
}

// CommitResult is the reply to one CommitFiles round.
type CommitResult struct {
	Status Status

	CommittedPrimaryIDs   []string
	CommittedSecondaryIDs []string
	FailedPrimaryIDs      []string
	FailedSecondaryIDs    []string

	// StorageInfos and MapIDBitmaps are keyed by file id, bitmaps in
	// roaring serialized form.
	StorageInfos map[string]meta.StorageInfo
	MapIDBitmaps map[string][]byte

	// PartitionSizes holds committed sizes at or above the estimation
	// threshold.
	PartitionSizes []int64
	TotalBytes     int64
}

// commitCollector gathers per-writer outcomes from concurrent closes.
// After the deadline fires it seals; late results are ignored.
type commitCollector struct {
	mu     sync.Mutex
	sealed bool
	min    int64
	res    CommitResult
	files  []meta.CommittedFile
	done   map[string]struct{}
}

func newCommitCollector(min int64) *commitCollector {
	return &commitCollector{
		min: min,
		res: CommitResult{
			StorageInfos: make(map[string]meta.StorageInfo),
			MapIDBitmaps: make(map[string][]byte),
		},
		done: make(map[string]struct{}),
	}
}

func (cc *commitCollector) committed(sd side, id string, cf meta.CommittedFile) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.sealed {
		return
	}
	cc.done[id] = struct{}{}
	if sd == primary {
		cc.res.CommittedPrimaryIDs = append(cc.res.CommittedPrimaryIDs, id)
	} else {
		cc.res.CommittedSecondaryIDs = append(cc.res.CommittedSecondaryIDs, id)
	}
	cc.res.StorageInfos[id] = cf.Storage
	if cf.MapIDBitmap != nil {
		cc.res.MapIDBitmaps[id] = cf.MapIDBitmap
	}
	cc.res.TotalBytes += cf.BytesFlushed
	if cf.BytesFlushed >= cc.min {
		cc.res.PartitionSizes = append(cc.res.PartitionSizes, cf.BytesFlushed)
	}
	cc.files = append(cc.files, cf)
}

func (cc *commitCollector) dropped(id string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.sealed {
		return
	}
	cc.done[id] = struct{}{}
}

func (cc *commitCollector) failed(sd side, id string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.sealed {
		return
	}
	cc.done[id] = struct{}{}
	if sd == primary {
		cc.res.FailedPrimaryIDs = append(cc.res.FailedPrimaryIDs, id)
	} else {
		cc.res.FailedSecondaryIDs = append(cc.res.FailedSecondaryIDs, id)
	}
}

// seal marks every id without an outcome as failed and freezes the
// result. Closes still stuck in sink I/O finish on their own; their
// late results are ignored.
func (cc *commitCollector) seal(primaryIDs, secondaryIDs []string) (CommitResult, []meta.CommittedFile) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.sealed = true
	for _, id := range primaryIDs {
		if _, ok := cc.done[id]; !ok {
			cc.res.FailedPrimaryIDs = append(cc.res.FailedPrimaryIDs, id)
		}
	}
	for _, id := range secondaryIDs {
		if _, ok := cc.done[id]; !ok {
			cc.res.FailedSecondaryIDs = append(cc.res.FailedSecondaryIDs, id)
		}
	}
	if len(cc.res.FailedPrimaryIDs)+len(cc.res.FailedSecondaryIDs) > 0 {
		cc.res.Status = StatusPartialSuccess
	} else {
		cc.res.Status = StatusSuccess
	}
	return cc.res, cc.files
}

// CommitFiles closes every named writer of the shuffle in parallel
// under the commit deadline, classifies the outcomes, releases the
// slots and persists the committed metadata. A reply is always
// produced, timeout included: writers that did not finish in time are
// reported failed.
func (c *Controller) CommitFiles(ctx context.Context, shuffleKey string, primaryIDs, secondaryIDs []string, mapperAttempts []int32) CommitResult {
	st, ok := c.getShuffle(shuffleKey)
	if !ok {
		return CommitResult{Status: StatusShuffleNotRegistered}
	}

	// First committer wins; retried commits must not overwrite the
	// attempts the first one recorded.
	st.mu.Lock()
	if st.mapperAttempts == nil && mapperAttempts != nil {
		st.mapperAttempts = append([]int32(nil), mapperAttempts...)
	}
	st.mu.Unlock()

	cc := newCommitCollector(c.opts.MinPartitionSizeToEstimate)

	var g errgroup.Group
	for _, group := range []struct {
		sd  side
		ids []string
	}{{primary, primaryIDs}, {secondary, secondaryIDs}} {
		for _, id := range group.ids {
			sd := group.sd
			w, found := c.lookupOnSide(st, sd, id)
			if !found {
				log.WithFields(log.Fields{"shuffle": shuffleKey, "file": id}).Warn("commit for unknown writer, skipped")
				cc.dropped(id)
				continue
			}
			g.Go(func() error {
				c.commitOne(shuffleKey, sd, id, w, cc)
				return nil
			})
		}
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timeout, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	defer cancel()
	select {
	case <-done:
	case <-timeout.Done():
		log.WithField("shuffle", shuffleKey).Warn("commit round timed out, sealing partial result")
	}

	res, files := cc.seal(primaryIDs, secondaryIDs)
	c.releaseSlots(st, primaryIDs, secondaryIDs)
	c.publishCommit(ctx, shuffleKey, res, files)
	return res
}

func (c *Controller) lookupOnSide(st *shuffleState, sd side, id string) (*storage.Writer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sd == primary {
		w, ok := st.primaries[id]
		return w, ok
	}
	w, ok := st.secondaries[id]
	return w, ok
}

func (c *Controller) commitOne(shuffleKey string, sd side, id string, w *storage.Writer, cc *commitCollector) {
	bytes, err := w.Close()
	if err != nil {
		log.WithFields(log.Fields{"shuffle": shuffleKey, "file": id}).WithError(err).Warn("close failed")
		cc.failed(sd, id)
		return
	}
	info := w.StorageInfo()
	if bytes == 0 || info == nil {
		// Empty partitions and replication-race losers vanish from the
		// reply; their slots are still released.
		cc.dropped(id)
		return
	}
	var bitmap []byte
	if bm := w.MapIDBitmap(); bm != nil {
		if b, err := bm.ToBytes(); err == nil {
			bitmap = b
		} else {
			log.WithField("file", id).WithError(err).Warn("serialize map-id bitmap failed")
		}
	}
	cc.committed(sd, id, meta.CommittedFile{
		ShuffleKey:   shuffleKey,
		FileID:       id,
		Path:         w.FileInfo().FilePath(),
		ChunkOffsets: w.FileInfo().ChunkOffsets(),
		BytesFlushed: bytes,
		Storage:      *info,
		MapIDBitmap:  bitmap,
	})
}

// releaseSlots drops the named writers from the shuffle state.
func (c *Controller) releaseSlots(st *shuffleState, primaryIDs, secondaryIDs []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range primaryIDs {
		delete(st.primaries, id)
	}
	for _, id := range secondaryIDs {
		delete(st.secondaries, id)
	}
}

// publishCommit persists committed metadata and emits the commit
// event, best effort.
func (c *Controller) publishCommit(ctx context.Context, shuffleKey string, res CommitResult, files []meta.CommittedFile) {
	if c.registry != nil && len(files) > 0 {
		if err := c.registry.PutCommitted(files); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("persist committed files failed")
		}
	}
	if c.events != nil {
		ev := events.ShuffleCommitted{
			ShuffleKey:     shuffleKey,
			CommittedFiles: len(res.CommittedPrimaryIDs) + len(res.CommittedSecondaryIDs),
			FailedFiles:    len(res.FailedPrimaryIDs) + len(res.FailedSecondaryIDs),
			TotalBytes:     res.TotalBytes,
			PartitionSizes: res.PartitionSizes,
		}
		if err := c.events.Emit(ctx, "shuffle_committed", ev); err != nil {
			log.WithField("shuffle", shuffleKey).WithError(err).Warn("emit commit event failed")
		}
	}
}
