package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calgate/calgate/pkg/errors"
)

// BatchFunc executes one combined operation for a closed window. It receives
// the member payloads in arrival order and returns one result per member in
// the same order, or an error that fans out to every member.
type BatchFunc func(ctx context.Context, items []interface{}) ([]interface{}, error)

// BatchConfig configures request batching.
type BatchConfig struct {
	// Window is how long the first member of a batch waits for company.
	Window time.Duration

	// MaxSize dispatches a window early once this many members joined.
	MaxSize int

	// Run executes the combined operation for a window.
	Run BatchFunc

	// OnDispatch is called once per dispatched window with the trigger
	// ("size", "time" or "close") and the member count.
	OnDispatch func(trigger string, size int)

	// Logger receives dispatch diagnostics. Nil selects slog.Default.
	Logger *slog.Logger
}

// DefaultBatchConfig returns defaults tuned for collapsing near-simultaneous
// calendar queries.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Window:  25 * time.Millisecond,
		MaxSize: 16,
	}
}

type windowState int

const (
	windowOpen windowState = iota
	windowDispatched
)

// batchMember is one caller waiting inside a window.
type batchMember struct {
	item string
	// payload travels into the combined operation in arrival order.
	payload interface{}
	// result is buffered so dispatch never blocks on an abandoned caller.
	result chan memberResult
}

type memberResult struct {
	value interface{}
	err   error
}

// batchWindow collects members for one batch key until a bound closes it.
type batchWindow struct {
	key     string
	members []*batchMember
	timer   *time.Timer
	state   windowState
}

// BatchStats tracks batching counters.
type BatchStats struct {
	Windows        uint64  `json:"windows"`
	Members        uint64  `json:"members"`
	SizeDispatches uint64  `json:"size_dispatches"`
	TimeDispatches uint64  `json:"time_dispatches"`
	FlushedOnClose uint64  `json:"flushed_on_close"`
	Failures       uint64  `json:"failures"`
	AvgBatchSize   float64 `json:"avg_batch_size"`
	OpenWindows    int     `json:"open_windows"`
}

// Batcher groups requests that share a batch key into dispatch windows. A
// window closes when it reaches MaxSize or when Window elapses since its
// first member, whichever comes first; at the boundary the size bound wins.
// Each member receives the result slot matching its arrival position.
type Batcher struct {
	config BatchConfig
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*batchWindow
	closed  bool

	stats struct {
		windows        uint64
		members        uint64
		sizeDispatches uint64
		timeDispatches uint64
		flushedOnClose uint64
		failures       uint64
	}
}

// NewBatcher creates a batcher. Config.Run is required; zero bounds are
// replaced with defaults.
func NewBatcher(config BatchConfig) *Batcher {
	def := DefaultBatchConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.MaxSize < 2 {
		config.MaxSize = def.MaxSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Batcher{
		config:  config,
		logger:  logger,
		windows: make(map[string]*batchWindow),
	}
}

// Submit joins the open window for key, waiting for the combined operation to
// complete. The item travels to BatchFunc in arrival order. Cancelling ctx
// abandons the wait without cancelling the window for its other members.
func (b *Batcher) Submit(ctx context.Context, key string, payload interface{}) (interface{}, error) {
	member := &batchMember{
		item:    key,
		payload: payload,
		result:  make(chan memberResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeShuttingDown, "batcher is closed")
	}
	b.stats.members++

	w, exists := b.windows[key]
	if !exists {
		w = &batchWindow{key: key}
		w.timer = time.AfterFunc(b.config.Window, func() {
			b.dispatchOnTimer(w)
		})
		b.windows[key] = w
		b.stats.windows++
	}
	w.members = append(w.members, member)

	var full *batchWindow
	if len(w.members) >= b.config.MaxSize {
		b.closeWindowLocked(w)
		b.stats.sizeDispatches++
		full = w
	}
	b.mu.Unlock()

	// The member that filled the window runs the combined operation; its
	// own result arrives through the channel like everyone else's.
	if full != nil {
		b.dispatch(full, "size")
	}

	select {
	case res := <-member.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeFetchTimeout, "abandoned batch wait").
			WithDetail("batch_key", key).
			WithCause(ctx.Err())
	}
}

// Close dispatches every open window immediately and rejects new submissions.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*batchWindow, 0, len(b.windows))
	for _, w := range b.windows {
		b.closeWindowLocked(w)
		b.stats.flushedOnClose++
		pending = append(pending, w)
	}
	b.mu.Unlock()

	for _, w := range pending {
		b.dispatch(w, "close")
	}
}

// GetStats returns a snapshot of batching counters.
func (b *Batcher) GetStats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BatchStats{
		Windows:        b.stats.windows,
		Members:        b.stats.members,
		SizeDispatches: b.stats.sizeDispatches,
		TimeDispatches: b.stats.timeDispatches,
		FlushedOnClose: b.stats.flushedOnClose,
		Failures:       b.stats.failures,
		OpenWindows:    len(b.windows),
	}
	dispatched := stats.SizeDispatches + stats.TimeDispatches + stats.FlushedOnClose
	if dispatched > 0 {
		stats.AvgBatchSize = float64(stats.Members) / float64(dispatched)
	}
	return stats
}

// dispatchOnTimer fires when a window's time bound elapses. A window already
// closed by the size bound is left alone.
func (b *Batcher) dispatchOnTimer(w *batchWindow) {
	b.mu.Lock()
	if w.state != windowOpen {
		b.mu.Unlock()
		return
	}
	b.closeWindowLocked(w)
	b.stats.timeDispatches++
	b.mu.Unlock()

	b.dispatch(w, "time")
}

// closeWindowLocked marks a window dispatched and detaches it so the next
// submission for the same key opens a fresh window.
func (b *Batcher) closeWindowLocked(w *batchWindow) {
	w.state = windowDispatched
	w.timer.Stop()
	delete(b.windows, w.key)
}

// dispatch runs the combined operation and demultiplexes results back to the
// members by arrival position. The operation runs without any single member's
// cancellation so one abandoned caller cannot starve the rest.
func (b *Batcher) dispatch(w *batchWindow, trigger string) {
	if b.config.OnDispatch != nil {
		b.config.OnDispatch(trigger, len(w.members))
	}

	items := make([]interface{}, len(w.members))
	for i, member := range w.members {
		items[i] = member.payload
	}

	results, err := b.config.Run(context.Background(), items)
	if err == nil && len(results) != len(items) {
		err = errors.NewError(errors.ErrCodeInternalError, "batch result count mismatch").
			WithDetail("batch_key", w.key).
			WithDetail("expected", len(items)).
			WithDetail("actual", len(results))
	}

	if err != nil {
		b.mu.Lock()
		b.stats.failures++
		b.mu.Unlock()
		b.logger.Warn("batch dispatch failed",
			"batch_key", w.key,
			"members", len(items),
			"trigger", trigger,
			"error", err)
		for _, member := range w.members {
			member.result <- memberResult{err: err}
		}
		return
	}

	b.logger.Debug("batch dispatched",
		"batch_key", w.key,
		"members", len(items),
		"trigger", trigger)
	for i, member := range w.members {
		member.result <- memberResult{value: results[i]}
	}
}
