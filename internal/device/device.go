// Package device captures the device and application state attached to
// upload batches and session end messages.
package device

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"telemetry-pipeline/internal/model"
)

// Provider returns a point-in-time device snapshot.
type Provider interface {
	Snapshot() model.DeviceInfo
}

// Data connection descriptors.
const (
	ConnectionOffline = "offline"
	ConnectionWiFi    = "wifi"
	ConnectionMobile  = "mobile"
	ConnectionWired   = "wired"
)

// Screen orientations.
const (
	OrientationUndefined = 0
	OrientationPortrait  = 1
	OrientationLandscape = 2
)

// lowMemoryFraction marks memory as low when less than this share of
// system memory is available.
const lowMemoryFraction = 0.1

// RuntimeProvider reads memory and disk figures from the host and keeps
// the values only the embedding application can know (battery,
// connectivity, orientation) as settable fields.
type RuntimeProvider struct {
	mu             sync.RWMutex
	diskPath       string
	battery        float64
	connection     string
	orientation    int
	barOrientation int
	started        time.Time
	now            func() time.Time
}

// NewRuntimeProvider returns a provider measuring free disk space on the
// filesystem holding diskPath.
func NewRuntimeProvider(diskPath string) *RuntimeProvider {
	if diskPath == "" {
		diskPath = "/"
	}
	return &RuntimeProvider{
		diskPath:   diskPath,
		battery:    -1,
		connection: ConnectionWired,
		started:    time.Now(),
		now:        time.Now,
	}
}

// SetBatteryLevel records the battery charge in percent; -1 if unknown.
func (p *RuntimeProvider) SetBatteryLevel(level float64) {
	p.mu.Lock()
	p.battery = level
	p.mu.Unlock()
}

// SetDataConnection records the active network type.
func (p *RuntimeProvider) SetDataConnection(conn string) {
	p.mu.Lock()
	p.connection = conn
	p.mu.Unlock()
}

// SetOrientation records the screen and status bar orientation.
func (p *RuntimeProvider) SetOrientation(screen, bar int) {
	p.mu.Lock()
	p.orientation = screen
	p.barOrientation = bar
	p.mu.Unlock()
}

// DataConnection returns the last recorded network type.
func (p *RuntimeProvider) DataConnection() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connection
}

func (p *RuntimeProvider) Snapshot() model.DeviceInfo {
	p.mu.RLock()
	info := model.DeviceInfo{
		BatteryLevel:   p.battery,
		DataConnection: p.connection,
		Orientation:    p.orientation,
		BarOrientation: p.barOrientation,
	}
	started := p.started
	p.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.AppMemoryUsage = ms.Alloc
	info.AppMemoryAvailable = ms.Sys - ms.Alloc
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
		info.AppMemoryMax = uint64(limit)
	} else {
		info.AppMemoryMax = ms.Sys
	}
	info.NumCPU = runtime.NumCPU()
	info.UptimeMillis = p.now().Sub(started).Milliseconds()

	sys := readSystemStats(p.diskPath)
	info.TotalMemory = sys.totalMemory
	info.AvailableMemory = sys.availableMemory
	info.MemoryThreshold = uint64(float64(sys.totalMemory) * lowMemoryFraction)
	info.MemoryLow = sys.totalMemory > 0 && sys.availableMemory < info.MemoryThreshold
	info.TotalDisk = sys.totalDisk
	info.AvailableDisk = sys.availableDisk
	return info
}

type systemStats struct {
	totalMemory     uint64
	availableMemory uint64
	totalDisk       uint64
	availableDisk   uint64
}

// Static is a Provider returning a fixed snapshot.
type Static model.DeviceInfo

func (s Static) Snapshot() model.DeviceInfo { return model.DeviceInfo(s) }
