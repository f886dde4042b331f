package controller

import (
	"runtime"
	"sync"
	"time"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/events"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

// Options wires the controller.
type Options struct {
	// CommitTimeout bounds one whole commit round across all writers.
	CommitTimeout time.Duration
	// MinPartitionSizeToEstimate filters the sizes reported for the
	// master's partition-size estimation.
	MinPartitionSizeToEstimate int64
}

// side labels the replica role of a partition writer.
type side int8

const (
	primary side = iota
	secondary
)

// Controller tracks the live writers of every registered shuffle and
// coordinates reserve, commit and destroy across them.
type Controller struct {
	opts     Options
	storage  *storage.Manager
	registry *meta.Registry // optional
	events   events.Sink    // optional

	mu       sync.Mutex
	shuffles map[string]*shuffleState
}

type shuffleState struct {
	mu             sync.Mutex
	primaries      map[string]*storage.Writer
	secondaries    map[string]*storage.Writer
	mapperAttempts []int32
}

func New(opts Options, st *storage.Manager, registry *meta.Registry, sink events.Sink) *Controller {
	return &Controller{
		opts:     opts,
		storage:  st,
		registry: registry,
		events:   sink,
		shuffles: make(map[string]*shuffleState),
	}
}

// Registered reports whether shuffleKey has live state on this worker.
func (c *Controller) Registered(shuffleKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.shuffles[shuffleKey]
	return ok
}

// LookupWriter finds the live writer for fileID, primaries first.
func (c *Controller) LookupWriter(shuffleKey, fileID string) (*storage.Writer, bool) {
	c.mu.Lock()
	st, ok := c.shuffles[shuffleKey]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if w, ok := st.primaries[fileID]; ok {
		return w, true
	}
	if w, ok := st.secondaries[fileID]; ok {
		return w, true
	}
	return nil, false
}

// MapperAttempts returns the attempt array recorded at commit, if any.
func (c *Controller) MapperAttempts(shuffleKey string) []int32 {
	c.mu.Lock()
	st, ok := c.shuffles[shuffleKey]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]int32(nil), st.mapperAttempts...)
}

func (c *Controller) getOrCreateShuffle(shuffleKey string) *shuffleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.shuffles[shuffleKey]
	if !ok {
		st = &shuffleState{
			primaries:   make(map[string]*storage.Writer),
			secondaries: make(map[string]*storage.Writer),
		}
		c.shuffles[shuffleKey] = st
	}
	return st
}

func (c *Controller) getShuffle(shuffleKey string) (*shuffleState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.shuffles[shuffleKey]
	return st, ok
}

// unlink removes one writer from its shuffle; it is the destroy hook
// installed on every writer this controller creates.
func (c *Controller) unlink(shuffleKey, fileID string) {
	st, ok := c.getShuffle(shuffleKey)
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.primaries, fileID)
	delete(st.secondaries, fileID)
	st.mu.Unlock()
}

// register installs a created writer into the shuffle state.
func (c *Controller) register(shuffleKey, fileID string, sd side, w *storage.Writer) {
	st := c.getOrCreateShuffle(shuffleKey)
	w.RegisterDestroyHook(func() { c.unlink(shuffleKey, fileID) })
	st.mu.Lock()
	if sd == primary {
		st.primaries[fileID] = w
	} else {
		st.secondaries[fileID] = w
	}
	st.mu.Unlock()
}

// GetWorkerInfo summarizes this worker for the master.
type WorkerInfo struct {
	Mounts             []string `json:"mounts"`
	RegisteredShuffles int      `json:"registered_shuffles"`
	OutstandingBuffers int64    `json:"outstanding_buffers"`
}

func (c *Controller) GetWorkerInfo() WorkerInfo {
	c.mu.Lock()
	n := len(c.shuffles)
	c.mu.Unlock()
	return WorkerInfo{
		Mounts:             c.storage.Mounts(),
		RegisteredShuffles: n,
		OutstandingBuffers: c.storage.OutstandingBuffers(),
	}
}

// ThreadDump returns the stacks of every goroutine.
func (c *Controller) ThreadDump() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
