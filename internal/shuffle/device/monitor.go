package device

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// DiskStatus is the health state a disk probe reports for a mount.
type DiskStatus string

const (
	Healthy       DiskStatus = "healthy"
	HighDiskUsage DiskStatus = "high_disk_usage"
	Failed        DiskStatus = "failed"
)

// Observer receives disk-health callbacks. Partition writers implement
// this to poison themselves when their disk goes bad.
type Observer interface {
	NotifyDeviceError(mountPoint string, status DiskStatus)
	NotifyHealthy(mountPoint string)
	NotifyHighDiskUsage(mountPoint string)
}

// Monitor is the per-mount observer registry the disk prober reports
// into. It holds bare memberships only; registering never extends an
// observer's lifetime, and observers unregister themselves on close or
// destroy.
type Monitor struct {
	mu     sync.Mutex
	mounts map[string]map[Observer]struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{mounts: make(map[string]map[Observer]struct{})}
}

func (m *Monitor) Register(mountPoint string, o Observer) {
	m.mu.Lock()
	set, ok := m.mounts[mountPoint]
	if !ok {
		set = make(map[Observer]struct{})
		m.mounts[mountPoint] = set
	}
	set[o] = struct{}{}
	m.mu.Unlock()
}

// Unregister is idempotent; observers may race close against a
// concurrent device-error callback.
func (m *Monitor) Unregister(mountPoint string, o Observer) {
	m.mu.Lock()
	if set, ok := m.mounts[mountPoint]; ok {
		delete(set, o)
		if len(set) == 0 {
			delete(m.mounts, mountPoint)
		}
	}
	m.mu.Unlock()
}

// NumObservers counts observers registered for mountPoint.
func (m *Monitor) NumObservers(mountPoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounts[mountPoint])
}

// ReportError fans a disk failure out to the mount's observers. The
// callbacks run outside the monitor lock so an observer may unregister
// from within one.
func (m *Monitor) ReportError(mountPoint string, status DiskStatus) {
	log.WithFields(log.Fields{"mount": mountPoint, "status": status}).Warn("device error reported")
	for _, o := range m.snapshot(mountPoint) {
		o.NotifyDeviceError(mountPoint, status)
	}
}

func (m *Monitor) ReportHealthy(mountPoint string) {
	for _, o := range m.snapshot(mountPoint) {
		o.NotifyHealthy(mountPoint)
	}
}

func (m *Monitor) ReportHighDiskUsage(mountPoint string) {
	for _, o := range m.snapshot(mountPoint) {
		o.NotifyHighDiskUsage(mountPoint)
	}
}

func (m *Monitor) snapshot(mountPoint string) []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.mounts[mountPoint]
	out := make([]Observer, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	return out
}
