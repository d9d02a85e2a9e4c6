package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawring/internal/core"
)

func newTestTable(t *testing.T, capacity uint64, slots int) *Table {
	t.Helper()
	return NewTable(Config{
		Name:         t.Name(),
		Capacity:     capacity,
		MaxListeners: slots,
		KillGrace:    time.Millisecond,
		PollQuantum:  time.Millisecond,
	}, nil)
}

func TestRegisterErrors(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)

	_, err := tbl.Register(0)
	assert.True(t, errors.Is(err, core.ErrInvalidListener))

	slot, err := tbl.Register(1)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	_, err = tbl.Register(1)
	assert.True(t, errors.Is(err, core.ErrAlreadyRegistered))

	_, err = tbl.Register(2)
	require.NoError(t, err)

	_, err = tbl.Register(3)
	assert.True(t, errors.Is(err, core.ErrNoFreeSlot))
	assert.False(t, errors.Is(err, core.ErrAlreadyRegistered))
	assert.Equal(t, 2, tbl.Count())
}

func TestUnregister(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)

	err := tbl.Unregister(9)
	assert.True(t, errors.Is(err, core.ErrListenerNotFound))

	_, err = tbl.Register(9)
	require.NoError(t, err)
	require.NoError(t, tbl.Unregister(9))

	_, ok := tbl.Lookup(9)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Count())

	// The freed slot is reusable.
	slot, err := tbl.Register(10)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
}

func TestLookupSlot(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(5)
	require.NoError(t, err)

	l, ok := tbl.LookupSlot(0)
	require.True(t, ok)
	assert.Equal(t, int64(5), l.ID())

	g, ok := tbl.LookupSlot(GlobalSlot)
	require.True(t, ok)
	assert.Same(t, tbl.Global(), g)

	_, ok = tbl.LookupSlot(1)
	assert.False(t, ok, "empty slot")
	_, ok = tbl.LookupSlot(7)
	assert.False(t, ok, "out of range")
}

func TestSeedingBeforeAnyAck(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)

	tbl.PushAll(100)

	_, err = tbl.Register(2)
	require.NoError(t, err)
	l2, _ := tbl.Lookup(2)
	assert.Equal(t, uint64(0), l2.ReadOffset(), "nothing consumed yet: start at the global read offset")
	assert.Equal(t, uint64(100), l2.WriteOffset())
	assert.Equal(t, uint64(100), l2.Used())
}

func TestSeedingAfterPartialConsumption(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)

	tbl.PushAll(100)
	// The first listener consumed into the middle of a record.
	require.NoError(t, tbl.Ack(1, 30))
	assert.Equal(t, uint64(30), tbl.ReconcileGlobal())

	_, err = tbl.Register(2)
	require.NoError(t, err)
	l2, _ := tbl.Lookup(2)
	assert.Equal(t, tbl.Global().WriteOffset(), l2.ReadOffset())
	assert.Equal(t, uint64(100), l2.ReadOffset())
	assert.Equal(t, uint64(0), l2.Used())
}

func TestSeedingTwoListenersInQuickSuccession(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.PushAll(64)

	_, err = tbl.Register(2)
	require.NoError(t, err)
	require.NoError(t, tbl.Ack(2, 64))

	// Listener 1 has not consumed, so the global frontier cannot move, but
	// a third listener must still start on the newest record boundary.
	assert.Equal(t, uint64(0), tbl.ReconcileGlobal())
	_, err = tbl.Register(3)
	require.NoError(t, err)
	l3, _ := tbl.Lookup(3)
	assert.Equal(t, uint64(64), l3.ReadOffset())
}

func TestReconcileIdempotent(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	_, err = tbl.Register(2)
	require.NoError(t, err)

	tbl.PushAll(200)
	require.NoError(t, tbl.Ack(1, 120))
	require.NoError(t, tbl.Ack(2, 80))

	assert.Equal(t, uint64(80), tbl.ReconcileGlobal())
	assert.Equal(t, uint64(0), tbl.ReconcileGlobal())
	assert.Equal(t, uint64(80), tbl.Global().ReadOffset())
}

func TestReconcileLimitedBySlowestListener(t *testing.T) {
	const capacity = 1024
	tbl := newTestTable(t, capacity, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	_, err = tbl.Register(2)
	require.NoError(t, err)

	tbl.PushAll(capacity - 1)
	require.NoError(t, tbl.Ack(1, capacity-1))

	assert.Equal(t, uint64(0), tbl.ReconcileGlobal())
	assert.Equal(t, uint64(0), tbl.Global().ReadOffset())
	assert.Equal(t, uint64(0), tbl.Global().Avail())
}

func TestReconcileWithoutListeners(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	tbl.PushAll(50)
	assert.Equal(t, uint64(0), tbl.ReconcileGlobal())
	assert.Equal(t, uint64(50), tbl.DrainIdle())
	assert.Equal(t, uint64(50), tbl.Global().ReadOffset())
}

func TestDrainIdleWithListener(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.PushAll(50)
	assert.Equal(t, uint64(0), tbl.DrainIdle())
}

func TestUnregisterLastCatchesUpGlobal(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.PushAll(90)
	require.NoError(t, tbl.Ack(1, 45))
	tbl.ReconcileGlobal()

	require.NoError(t, tbl.Unregister(1))
	assert.Equal(t, uint64(90), tbl.Global().ReadOffset())

	_, err = tbl.Register(2)
	require.NoError(t, err)
	l2, _ := tbl.Lookup(2)
	assert.Equal(t, uint64(90), l2.ReadOffset())
}

func TestPushPopClamp(t *testing.T) {
	const capacity = 256
	tbl := newTestTable(t, capacity, 2)
	slot, err := tbl.Register(1)
	require.NoError(t, err)
	l, _ := tbl.Lookup(1)

	tbl.Push(slot, 1000)
	assert.Equal(t, uint64(capacity-1), l.Used())
	assert.Equal(t, uint64(0), l.Avail())

	tbl.Pop(l, 2000)
	assert.Equal(t, uint64(0), l.Used())
	assert.Equal(t, l.WriteOffset(), l.ReadOffset())
}

func TestUsedAvailInvariantAcrossWrap(t *testing.T) {
	const capacity = 100
	tbl := newTestTable(t, capacity, 1)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	l, _ := tbl.Lookup(1)

	for i := 0; i < 50; i++ {
		tbl.PushAll(37)
		assert.Equal(t, uint64(capacity-1), l.Used()+l.Avail())
		require.NoError(t, tbl.Ack(1, 37))
		tbl.ReconcileGlobal()
		g := tbl.Global()
		assert.Equal(t, uint64(capacity-1), g.Used()+g.Avail())
	}
	assert.Equal(t, uint64(50*37), l.ReadOffset())
}

func TestWaitWakesOnPush(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(1)
	require.NoError(t, err)

	done := make(chan uint64, 1)
	go func() {
		n, err := tbl.Wait(context.Background(), 1, 64)
		if err != nil {
			n = 0
		}
		done <- n
	}()

	time.Sleep(5 * time.Millisecond)
	tbl.PushAll(32)
	tbl.PushAll(32)

	select {
	case n := <-done:
		assert.Equal(t, uint64(64), n)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitTimeoutReturnsAvailability(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.PushAll(10)

	start := time.Now()
	n, err := tbl.WaitTimeout(context.Background(), 1, 500, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitUnknownListener(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Wait(context.Background(), 3, 1)
	assert.True(t, errors.Is(err, core.ErrListenerNotFound))
}

func TestWaitContextCancel(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tbl.Wait(ctx, 1, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKillWakesWaiterAndRejectsSilently(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(7)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Wait(context.Background(), 7, 1)
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, tbl.Kill(context.Background(), 7))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, core.ErrListenerKilled) || errors.Is(err, core.ErrSilentlyRejected))
	case <-time.After(2 * time.Second):
		t.Fatal("killed waiter did not return")
	}

	_, ok := tbl.Lookup(7)
	assert.False(t, ok)
	assert.True(t, tbl.IsForceKilled(7))

	err = tbl.Ack(7, 10)
	assert.True(t, errors.Is(err, core.ErrSilentlyRejected))

	// The silent window expires.
	tbl.now = func() time.Time { return time.Now().Add(2 * DefaultSilentReject) }
	assert.False(t, tbl.IsForceKilled(7))
	err = tbl.Ack(7, 10)
	assert.True(t, errors.Is(err, core.ErrListenerNotFound))
}

func TestKillUnknown(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	err := tbl.Kill(context.Background(), 42)
	assert.True(t, errors.Is(err, core.ErrListenerNotFound))
}

func TestForceKilledListIsBounded(t *testing.T) {
	tbl := newTestTable(t, 1024, 1)
	for id := int64(1); id <= 4; id++ {
		_, err := tbl.Register(id)
		require.NoError(t, err)
		require.NoError(t, tbl.Kill(context.Background(), id))
	}
	// Three remembered ids per slot: the first one was overwritten.
	assert.False(t, tbl.IsForceKilled(1))
	assert.True(t, tbl.IsForceKilled(2))
	assert.True(t, tbl.IsForceKilled(4))
}

func TestKillAll(t *testing.T) {
	tbl := newTestTable(t, 1024, 3)
	for id := int64(1); id <= 3; id++ {
		_, err := tbl.Register(id)
		require.NoError(t, err)
	}
	tbl.KillAll()

	assert.True(t, tbl.Global().Killed())
	for id := int64(1); id <= 3; id++ {
		l, ok := tbl.Lookup(id)
		require.True(t, ok)
		assert.True(t, l.Killed())
		_, err := tbl.WaitTimeout(context.Background(), id, 1, time.Millisecond)
		assert.True(t, errors.Is(err, core.ErrListenerKilled))
	}
}

func TestSetBufferSize(t *testing.T) {
	tbl := newTestTable(t, 1024, 2)
	_, err := tbl.Register(1)
	require.NoError(t, err)

	tbl.SetBufferSize(4096)
	l, _ := tbl.Lookup(1)
	assert.Equal(t, uint64(4096), l.BufferSize())
	assert.Equal(t, uint64(4096), tbl.Global().BufferSize())
	assert.Equal(t, uint64(4095), l.Avail())
}

func TestSnapshot(t *testing.T) {
	tbl := newTestTable(t, 1024, 4)
	_, err := tbl.Register(11)
	require.NoError(t, err)
	_, err = tbl.Register(12)
	require.NoError(t, err)
	tbl.PushAll(40)
	require.NoError(t, tbl.Ack(12, 40))

	st := tbl.Snapshot()
	assert.Equal(t, uint64(1024), st.Capacity)
	assert.Equal(t, 4, st.MaxListeners)
	assert.Equal(t, 2, st.Count)
	assert.True(t, st.AlreadyPopped)
	assert.Equal(t, GlobalSlot, st.Global.Slot)
	assert.Equal(t, uint64(40), st.Global.Write)
	require.Len(t, st.Listeners, 2)
	assert.Equal(t, int64(11), st.Listeners[0].ID)
	assert.Equal(t, uint64(40), st.Listeners[0].Used)
	assert.Equal(t, uint64(0), st.Listeners[1].Used)
}
