package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/bus"
)

func TestReconnector_BackoffAndReset(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	events := b.SubscribeEvents()
	defer events.Close()

	m := NewMachine(nil)
	r := NewReconnector("qq", DefaultReconnectPolicy(), m, Deps{Bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) < 5
	}

	attempt := 0
	r.Run(ctx, func(context.Context) error {
		attempt++
		switch attempt {
		case 1, 2, 3:
			return errors.New("refused")
		case 4:
			r.Connected("")
			return errors.New("read: EOF")
		default:
			return ErrReconnectRequested
		}
	})

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second, time.Second}, delays)
	assert.Equal(t, 5, r.Reconnects())
	assert.Equal(t, 0, r.Failures())
	assert.Equal(t, StateReconnecting, m.Current())

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	evt, err := events.Recv(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, bus.EventError, evt.Kind)
}

func TestReconnector_StopsOnCancel(t *testing.T) {
	r := NewReconnector("qq", DefaultReconnectPolicy(), NewMachine(nil), Deps{Bus: bus.New(bus.Config{})})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r.Run(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("closed")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Reconnects())
}

func TestReconnector_ClearsSessionWhenConnectionEnds(t *testing.T) {
	s := NewSession()
	s.SetRunning(true)
	m := NewMachine(nil)
	r := NewReconnector("discord", DefaultReconnectPolicy(), m, Deps{Bus: bus.New(bus.Config{})}, WithSession(s))

	var sleeps int
	r.Sleep = func(context.Context, time.Duration) bool {
		sleeps++
		assert.Equal(t, StateReconnecting, m.Current())
		snap := s.Snapshot()
		assert.Empty(t, snap.SessionID)
		assert.Nil(t, snap.Sequence)
		return sleeps < 2
	}

	r.Run(context.Background(), func(context.Context) error {
		s.SetSessionID("abc")
		s.Observe(7)
		r.Connected("")
		return errors.New("read: EOF")
	})
	assert.Equal(t, 2, sleeps)
}

func TestReconnector_StopsWhenSessionStopped(t *testing.T) {
	s := NewSession()
	s.SetRunning(true)
	r := NewReconnector("qq", DefaultReconnectPolicy(), NewMachine(nil), Deps{Bus: bus.New(bus.Config{})}, WithSession(s))
	r.Sleep = func(context.Context, time.Duration) bool {
		t.Error("slept after the session stopped")
		return true
	}

	calls := 0
	r.Run(context.Background(), func(context.Context) error {
		calls++
		s.SetRunning(false)
		return errors.New("closed")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Reconnects())
}

func TestRunner(t *testing.T) {
	var r Runner
	require.NoError(t, r.Stop(context.Background()), "stop before start is a no-op")

	ctx, end, err := r.Begin(context.Background(), "x")
	require.NoError(t, err)

	_, _, err = r.Begin(context.Background(), "x")
	assert.Error(t, err, "second Begin while running")

	go func() {
		<-ctx.Done()
		end()
	}()
	require.NoError(t, r.Stop(context.Background()))

	_, end2, err := r.Begin(context.Background(), "x")
	require.NoError(t, err, "restart after stop")
	end2()
}
