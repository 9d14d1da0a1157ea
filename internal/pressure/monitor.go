// Package pressure tracks process memory usage against a configured budget
// and classifies it into discrete pressure levels.
package pressure

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the current memory pressure classification.
type Level int32

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

// String returns the string representation of a pressure level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Sampler reports the process resident set size in bytes.
type Sampler func() (uint64, error)

// Observer is notified when the pressure level changes. Observers run on the
// monitor's sampling goroutine and must not block.
type Observer func(old, new Level)

// Config configures the pressure monitor.
type Config struct {
	// MemoryBudgetBytes is the RSS budget the thresholds are fractions of.
	MemoryBudgetBytes uint64

	// WarningFraction, CriticalFraction and EmergencyFraction are ascending
	// fractions of the budget at which the level escalates.
	WarningFraction   float64
	CriticalFraction  float64
	EmergencyFraction float64

	// SampleInterval is how often to read the resident set size.
	SampleInterval time.Duration

	// Sampler overrides the platform RSS reader. Nil selects /proc/self/statm.
	Sampler Sampler

	// Logger for monitoring events. Nil selects slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a few-hundred-MB host.
func DefaultConfig() Config {
	return Config{
		MemoryBudgetBytes: 256 << 20,
		WarningFraction:   0.70,
		CriticalFraction:  0.85,
		EmergencyFraction: 0.95,
		SampleInterval:    5 * time.Second,
	}
}

// Monitor samples process RSS on a fixed interval and notifies observers on
// level transitions. Observers are only called when the level changes, never
// on repeated samples at the same level.
type Monitor struct {
	config Config
	logger *slog.Logger

	mu            sync.RWMutex
	level         Level
	rssBytes      uint64
	heapAlloc     uint64
	heapSys       uint64
	lastSample    time.Time
	observers     []Observer
	samplerBroken bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMonitor creates a pressure monitor. Zero config fields are replaced with
// defaults.
func NewMonitor(config Config) *Monitor {
	def := DefaultConfig()
	if config.MemoryBudgetBytes == 0 {
		config.MemoryBudgetBytes = def.MemoryBudgetBytes
	}
	if config.WarningFraction <= 0 {
		config.WarningFraction = def.WarningFraction
	}
	if config.CriticalFraction <= 0 {
		config.CriticalFraction = def.CriticalFraction
	}
	if config.EmergencyFraction <= 0 {
		config.EmergencyFraction = def.EmergencyFraction
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.Sampler == nil {
		config.Sampler = readProcRSS
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Monitor{
		config: config,
		logger: config.Logger,
		level:  LevelNormal,
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers an observer for level transitions.
func (m *Monitor) Subscribe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start begins sampling in the background.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("pressure monitor already running")
	}

	m.logger.Info("starting pressure monitor",
		"budget_bytes", m.config.MemoryBudgetBytes,
		"sample_interval", m.config.SampleInterval)

	m.Sample()

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	return nil
}

// Stop stops background sampling.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil // already stopped
	}

	close(m.stopCh)
	m.wg.Wait()

	return nil
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample reads the RSS once, updates the level, and returns it. It is called
// by the background loop and may also be called directly to force a check.
// Heap figures ride along for the status and metrics surfaces; the level is
// classified from RSS alone.
func (m *Monitor) Sample() Level {
	rss, err := m.config.Sampler()
	if err != nil {
		return m.handleSamplerError(err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	newLevel := m.levelFor(rss)

	m.mu.Lock()
	m.rssBytes = rss
	m.heapAlloc = ms.HeapAlloc
	m.heapSys = ms.HeapSys
	m.lastSample = time.Now()
	oldLevel := m.level
	if newLevel == oldLevel {
		m.mu.Unlock()
		return newLevel
	}
	m.level = newLevel
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Info("memory pressure level changed",
		"from", oldLevel.String(),
		"to", newLevel.String(),
		"rss_bytes", rss,
		"budget_bytes", m.config.MemoryBudgetBytes)

	for _, fn := range observers {
		fn(oldLevel, newLevel)
	}

	return newLevel
}

// handleSamplerError pins the level at normal when RSS cannot be read, for
// example on platforms without /proc. The failure is logged once, not per
// sample.
func (m *Monitor) handleSamplerError(err error) Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.samplerBroken {
		m.samplerBroken = true
		m.logger.Warn("memory sampling unavailable, pressure reporting disabled", "error", err)
	}
	m.level = LevelNormal
	return LevelNormal
}

// levelFor maps an RSS reading to a pressure level.
func (m *Monitor) levelFor(rss uint64) Level {
	usage := float64(rss) / float64(m.config.MemoryBudgetBytes)
	switch {
	case usage >= m.config.EmergencyFraction:
		return LevelEmergency
	case usage >= m.config.CriticalFraction:
		return LevelCritical
	case usage >= m.config.WarningFraction:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Level returns the most recently computed pressure level.
func (m *Monitor) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Stats is a snapshot of the monitor state.
type Stats struct {
	Level          Level     `json:"level"`
	RSSBytes       uint64    `json:"rss_bytes"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64    `json:"heap_sys_bytes"`
	BudgetBytes    uint64    `json:"budget_bytes"`
	UsageFraction  float64   `json:"usage_fraction"`
	LastSample     time.Time `json:"last_sample"`
}

// GetStats returns a snapshot of the monitor state.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Level:          m.level,
		RSSBytes:       m.rssBytes,
		HeapAllocBytes: m.heapAlloc,
		HeapSysBytes:   m.heapSys,
		BudgetBytes:    m.config.MemoryBudgetBytes,
		UsageFraction:  float64(m.rssBytes) / float64(m.config.MemoryBudgetBytes),
		LastSample:     m.lastSample,
	}
}

// readProcRSS reads the resident set size from /proc/self/statm. The second
// field is resident pages.
func readProcRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, fmt.Errorf("reading statm: %w", err)
	}

	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}

	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing statm resident field: %w", err)
	}

	return pages * uint64(os.Getpagesize()), nil
}
