package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/horneat/WebVideoChat/backend/registry"
	"github.com/horneat/WebVideoChat/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	reaper   *Reaper
	store    *memory.MemStore
	registry *registry.Registry
	now      time.Time
	timers   []func()
	delays   []time.Duration
}

func newEnv() *env {
	logger := zerolog.Nop()
	e := &env{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return e.now }
	e.store = memory.NewMemStore(memory.Config{Now: clock})
	e.registry = registry.New(registry.Config{Logger: &logger, Now: clock})
	e.reaper = New(Config{
		Logger:   &logger,
		Store:    e.store,
		Registry: e.registry,
		Now:      clock,
		After: func(d time.Duration, f func()) {
			e.delays = append(e.delays, d)
			e.timers = append(e.timers, f)
		},
	})
	return e
}

func (e *env) fire() {
	timers := e.timers
	e.timers = nil
	for _, f := range timers {
		f()
	}
}

func TestReaper_DeletesEmptyRoomAfterGrace(t *testing.T) {
	e := newEnv()
	e.store.Join("abc12345", "userA")
	_, err := e.store.Leave("abc12345", "userA")
	require.NoError(t, err)

	e.reaper.ScheduleDeletion("abc12345")
	assert.Equal(t, []time.Duration{30 * time.Second}, e.delays)
	assert.True(t, e.store.Exists("abc12345"), "room survives until the grace period ends")

	e.fire()
	assert.False(t, e.store.Exists("abc12345"))
}

func TestReaper_RejoinCancelsDeletion(t *testing.T) {
	e := newEnv()
	e.store.Join("abc12345", "userA")
	_, err := e.store.Leave("abc12345", "userA")
	require.NoError(t, err)
	e.reaper.ScheduleDeletion("abc12345")

	_, err = e.store.Rejoin("abc12345", "userA")
	require.NoError(t, err)
	e.fire()

	assert.True(t, e.store.Exists("abc12345"))
	assert.True(t, e.store.IsMember("abc12345", "userA"))
}

func TestReaper_Sweep(t *testing.T) {
	e := newEnv()
	e.store.EnsureRoom("idle0001")
	e.store.Join("busy0001", "userA")
	e.registry.Register("c1", "", "")

	e.now = e.now.Add(59 * time.Minute)
	e.reaper.Sweep()
	assert.True(t, e.store.Exists("idle0001"))
	_, ok := e.registry.Get("c1")
	assert.False(t, ok, "connection idle for more than 5 minutes is dropped")

	e.now = e.now.Add(2 * time.Minute)
	e.reaper.Sweep()
	assert.False(t, e.store.Exists("idle0001"))
	assert.True(t, e.store.Exists("busy0001"))
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	r := New(Config{
		Logger:        &logger,
		Store:         memory.NewMemStore(memory.Config{}),
		SweepInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go r.Run(ctx, wg, nil)

	time.Sleep(5 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
