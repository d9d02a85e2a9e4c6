package listener

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/metrics"
	"firestige.xyz/rawring/internal/ring"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxListeners = 4
	DefaultKillGrace    = 10 * time.Millisecond
	DefaultSilentReject = time.Minute
	DefaultPollQuantum  = time.Millisecond
)

// Config configures a Table.
type Config struct {
	Name         string        // Buffer name used in logs and metrics
	Capacity     uint64        // Ring capacity in bytes
	MaxListeners int           // Number of pre-allocated slots
	KillGrace    time.Duration // Time a killed waiter gets to notice the flag
	SilentReject time.Duration // How long a force-killed id stays silently rejected
	PollQuantum  time.Duration // Upper bound on a waiter's sleep between checks
}

func (c *Config) applyDefaults() {
	if c.MaxListeners <= 0 {
		c.MaxListeners = DefaultMaxListeners
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.SilentReject <= 0 {
		c.SilentReject = DefaultSilentReject
	}
	if c.PollQuantum <= 0 {
		c.PollQuantum = DefaultPollQuantum
	}
}

type killRecord struct {
	id int64
	at time.Time
}

// Table is a fixed arena of listener slots plus the global listener.
// Registration, unregistration, bulk pushes and reconciliation take the
// table lock; single-listener push and pop are lock-free.
type Table struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	slots       []Listener
	global      Listener
	count       atomic.Int32
	popped      atomic.Bool // some listener acknowledged data
	forceKilled []killRecord
	killNext    int

	notifyMu sync.Mutex
	notify   chan struct{}

	now func() time.Time
}

// NewTable creates a table with every slot empty.
func NewTable(cfg Config, logger *slog.Logger) *Table {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		cfg:         cfg,
		logger:      logger.With("buffer", cfg.Name),
		slots:       make([]Listener, cfg.MaxListeners),
		forceKilled: make([]killRecord, 3*cfg.MaxListeners),
		notify:      make(chan struct{}),
		now:         time.Now,
	}
	t.SetBufferSize(cfg.Capacity)
	return t
}

// Global returns the global listener.
func (t *Table) Global() *Listener { return &t.global }

// Count returns the number of active listeners.
func (t *Table) Count() int { return int(t.count.Load()) }

// MaxListeners returns the slot count.
func (t *Table) MaxListeners() int { return len(t.slots) }

// Register activates a free slot for id and returns its index. The write
// offset starts at the global write offset. The read offset starts at the
// global read offset while nobody has consumed anything, and otherwise at
// the global write offset, the newest record boundary.
func (t *Table) Register(id int64) (int, error) {
	if id <= 0 {
		return -1, fmt.Errorf("register %d: %w", id, core.ErrInvalidListener)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	free := -1
	for i := range t.slots {
		sid := t.slots[i].id.Load()
		if sid == id {
			return i, fmt.Errorf("register %d: %w", id, core.ErrAlreadyRegistered)
		}
		if sid == 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, fmt.Errorf("register %d: %w", id, core.ErrNoFreeSlot)
	}

	l := &t.slots[free]
	l.kill.Store(false)
	l.bufferSize.Store(t.global.bufferSize.Load())
	l.write.Store(t.global.write.Load())
	if t.count.Load() == 0 || !t.popped.Load() {
		l.read.Store(t.global.read.Load())
	} else {
		l.read.Store(t.global.write.Load())
	}
	l.id.Store(id)
	n := t.count.Add(1)

	metrics.Listeners.WithLabelValues(t.cfg.Name).Set(float64(n))
	t.logger.Info("listener registered", "listener", id, "slot", free,
		"read_offset", l.read.Load(), "write_offset", l.write.Load())
	return free, nil
}

// Unregister empties the slot held by id. When the last listener leaves,
// the global read frontier catches up with the global write offset.
func (t *Table) Unregister(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		l := &t.slots[i]
		if id == 0 || l.id.Load() != id {
			continue
		}
		l.reset()
		n := t.count.Add(-1)
		if n == 0 {
			t.global.read.Store(t.global.write.Load())
			t.popped.Store(false)
		}
		metrics.Listeners.WithLabelValues(t.cfg.Name).Set(float64(n))
		t.logger.Info("listener unregistered", "listener", id, "slot", i)
		t.broadcast()
		return nil
	}
	return fmt.Errorf("unregister %d: %w", id, core.ErrListenerNotFound)
}

// Lookup finds the active listener registered as id.
func (t *Table) Lookup(id int64) (*Listener, bool) {
	if id == 0 {
		return nil, false
	}
	for i := range t.slots {
		if t.slots[i].id.Load() == id {
			return &t.slots[i], true
		}
	}
	return nil, false
}

// LookupSlot returns the listener in slot index, or the global listener
// for GlobalSlot. Empty slots are not returned.
func (t *Table) LookupSlot(index int) (*Listener, bool) {
	if index == GlobalSlot {
		return &t.global, true
	}
	if index < 0 || index >= len(t.slots) || t.slots[index].id.Load() == 0 {
		return nil, false
	}
	return &t.slots[index], true
}

// Push publishes n more bytes to the listener in slot index.
func (t *Table) Push(index int, n uint64) {
	l, ok := t.LookupSlot(index)
	if !ok {
		return
	}
	t.push(l, n)
	t.broadcast()
}

// PushAll publishes n bytes to the global listener and every active
// listener and wakes their waiters.
func (t *Table) PushAll(n uint64) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.push(&t.global, n)
	for i := range t.slots {
		if t.slots[i].id.Load() != 0 {
			t.push(&t.slots[i], n)
		}
	}
	t.mu.Unlock()
	t.broadcast()
}

func (t *Table) push(l *Listener, n uint64) {
	if avail := l.Avail(); n > avail {
		t.inconsistent("push", l, n, avail)
		n = avail
	}
	l.write.Add(n)
}

// Pop consumes n bytes from l, clamped to what is available.
func (t *Table) Pop(l *Listener, n uint64) {
	if used := l.Used(); n > used {
		t.inconsistent("pop", l, n, used)
		n = used
	}
	l.read.Add(n)
}

func (t *Table) inconsistent(op string, l *Listener, requested, limit uint64) {
	metrics.OffsetInconsistenciesTotal.WithLabelValues(t.cfg.Name, op).Inc()
	t.logger.Warn("listener offset inconsistency, clamping",
		"op", op, "listener", l.id.Load(), "requested", requested, "limit", limit,
		"read_offset", l.read.Load(), "write_offset", l.write.Load())
}

// ReconcileGlobal advances the global read offset to the slowest active
// listener and returns the number of bytes released.
func (t *Table) ReconcileGlobal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count.Load() == 0 {
		return 0
	}

	size := t.global.bufferSize.Load()
	grd := t.global.read.Load() % size
	lowest := uint64(math.MaxUint64)
	for i := range t.slots {
		l := &t.slots[i]
		if l.id.Load() == 0 {
			continue
		}
		if d := ring.Distance(grd, l.read.Load()%size, size); d < lowest {
			lowest = d
		}
	}
	if lowest == math.MaxUint64 || lowest == 0 {
		return 0
	}
	t.Pop(&t.global, lowest)
	return lowest
}

// DrainIdle moves the global read frontier onto the global write offset
// when no listener is registered, and returns the bytes released.
func (t *Table) DrainIdle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count.Load() != 0 {
		return 0
	}
	used := t.global.Used()
	t.global.read.Add(used)
	t.popped.Store(false)
	return used
}

// Ack records that the reader of id consumed n bytes.
func (t *Table) Ack(id int64, n uint64) error {
	l, ok := t.Lookup(id)
	if !ok {
		return t.missing(id)
	}
	if n > 0 {
		t.popped.Store(true)
		t.Pop(l, n)
	}
	return nil
}

// Kill flags the listener, gives its waiters a grace period, remembers the
// id as force-killed and then unregisters it.
func (t *Table) Kill(ctx context.Context, id int64) error {
	l, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("kill %d: %w", id, core.ErrListenerNotFound)
	}
	l.kill.Store(true)
	t.broadcast()
	t.logger.Info("killing listener", "listener", id)

	sleepCtx(ctx, t.cfg.KillGrace)
	t.recordForceKill(id)
	sleepCtx(ctx, t.cfg.KillGrace)

	metrics.ListenerKillsTotal.WithLabelValues(t.cfg.Name).Inc()
	if err := t.Unregister(id); err != nil {
		// The reader may have closed its handle during the grace period.
		t.logger.Debug("killed listener already gone", "listener", id)
	}
	return nil
}

// KillAll flags every active listener and the global listener.
func (t *Table) KillAll() {
	t.mu.Lock()
	for i := range t.slots {
		if t.slots[i].id.Load() != 0 {
			t.slots[i].kill.Store(true)
		}
	}
	t.global.kill.Store(true)
	t.mu.Unlock()

	t.broadcast()
	t.logger.Info("all listeners killed")
}

func (t *Table) recordForceKill(id int64) {
	t.mu.Lock()
	t.forceKilled[t.killNext] = killRecord{id: id, at: t.now()}
	t.killNext = (t.killNext + 1) % len(t.forceKilled)
	t.mu.Unlock()
}

// IsForceKilled reports whether id was force-killed recently enough that
// its requests should be rejected silently.
func (t *Table) IsForceKilled(id int64) bool {
	if id == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, r := range t.forceKilled {
		if r.id == id && now.Sub(r.at) <= t.cfg.SilentReject {
			return true
		}
	}
	return false
}

func (t *Table) missing(id int64) error {
	if t.IsForceKilled(id) {
		return fmt.Errorf("listener %d: %w", id, core.ErrSilentlyRejected)
	}
	return fmt.Errorf("listener %d: %w", id, core.ErrListenerNotFound)
}

// Wait blocks until at least min bytes are available to id, the listener
// is killed, or ctx ends.
func (t *Table) Wait(ctx context.Context, id int64, min uint64) (uint64, error) {
	return t.wait(ctx, id, min, nil)
}

// WaitTimeout is Wait bounded by timeout. On timeout it returns the current
// availability, which may be less than min, without an error.
func (t *Table) WaitTimeout(ctx context.Context, id int64, min uint64, timeout time.Duration) (uint64, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	return t.wait(ctx, id, min, deadline.C)
}

func (t *Table) wait(ctx context.Context, id int64, min uint64, deadline <-chan time.Time) (uint64, error) {
	poll := time.NewTimer(t.cfg.PollQuantum)
	defer poll.Stop()

	for {
		ch := t.waitChan()

		l, ok := t.Lookup(id)
		if !ok {
			return 0, t.missing(id)
		}
		used := l.Used()
		if l.Killed() || t.global.Killed() {
			return used, fmt.Errorf("listener %d: %w", id, core.ErrListenerKilled)
		}
		if used >= min {
			return used, nil
		}

		select {
		case <-ch:
		case <-poll.C:
			poll.Reset(t.cfg.PollQuantum)
		case <-deadline:
			return l.Used(), nil
		case <-ctx.Done():
			return used, ctx.Err()
		}
	}
}

// SetBufferSize updates the cached capacity of every listener after the
// ring storage was replaced.
func (t *Table) SetBufferSize(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.global.bufferSize.Store(size)
	for i := range t.slots {
		t.slots[i].bufferSize.Store(size)
	}
}

func (t *Table) waitChan() <-chan struct{} {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	return t.notify
}

func (t *Table) broadcast() {
	t.notifyMu.Lock()
	close(t.notify)
	t.notify = make(chan struct{})
	t.notifyMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Offsets describes one listener in a Status snapshot.
type Offsets struct {
	Slot   int    `json:"slot"`
	ID     int64  `json:"id"`
	Read   uint64 `json:"read_offset"`
	Write  uint64 `json:"write_offset"`
	Used   uint64 `json:"used"`
	Avail  uint64 `json:"avail"`
	Killed bool   `json:"killed"`
}

// Status is a point-in-time view of the table.
type Status struct {
	Capacity      uint64    `json:"capacity"`
	MaxListeners  int       `json:"max_listeners"`
	Count         int       `json:"count"`
	AlreadyPopped bool      `json:"already_popped"`
	Global        Offsets   `json:"global"`
	Listeners     []Offsets `json:"listeners"`
	ForceKilled   []int64   `json:"force_killed,omitempty"`
}

// Snapshot returns the offsets of the global listener and every active one.
func (t *Table) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Capacity:      t.global.bufferSize.Load(),
		MaxListeners:  len(t.slots),
		Count:         int(t.count.Load()),
		AlreadyPopped: t.popped.Load(),
		Global:        offsetsOf(GlobalSlot, &t.global),
		Listeners:     make([]Offsets, 0, t.count.Load()),
	}
	for i := range t.slots {
		if t.slots[i].id.Load() != 0 {
			st.Listeners = append(st.Listeners, offsetsOf(i, &t.slots[i]))
		}
	}
	now := t.now()
	for _, r := range t.forceKilled {
		if r.id != 0 && now.Sub(r.at) <= t.cfg.SilentReject {
			st.ForceKilled = append(st.ForceKilled, r.id)
		}
	}
	return st
}

func offsetsOf(slot int, l *Listener) Offsets {
	return Offsets{
		Slot:   slot,
		ID:     l.id.Load(),
		Read:   l.read.Load(),
		Write:  l.write.Load(),
		Used:   l.Used(),
		Avail:  l.Avail(),
		Killed: l.kill.Load(),
	}
}
