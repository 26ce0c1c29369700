package bus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/bus"
	"gridconsent/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T, opts bus.Options) *bus.Bus {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	b := bus.New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func drain(t *testing.T, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

type recorder struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Type)
	}
	return out
}

func TestEmitFiltersByStatus(t *testing.T) {
	b := newBus(t, bus.Options{})
	var all, termination recorder
	require.NoError(t, b.Subscribe("all", bus.Any(), all.handle))
	require.NoError(t, b.Subscribe("termination", bus.ByStatus(domain.StatusRequiresExternalTermination), termination.handle))

	require.NoError(t, b.Emit(domain.StatusEvent("p", domain.EventAccepted, "")))
	require.NoError(t, b.Emit(domain.StatusEvent("p", domain.EventRequiresExternalTermination, "")))
	require.NoError(t, b.Emit(domain.MeterReadingEvent("p", time.Now())))
	drain(t, b)

	assert.Equal(t, []domain.EventType{domain.EventAccepted, domain.EventRequiresExternalTermination, domain.EventMeterReading}, all.types())
	assert.Equal(t, []domain.EventType{domain.EventRequiresExternalTermination}, termination.types())
}

func TestEmitPreservesOrderPerSubscriber(t *testing.T) {
	b := newBus(t, bus.Options{})
	var rec recorder
	require.NoError(t, b.Subscribe("ordered", bus.Any(), rec.handle))

	for i := 1; i <= 200; i++ {
		e := domain.MeterReadingEvent("p", time.Unix(int64(i), 0))
		e.Seq = int64(i)
		require.NoError(t, b.Emit(e))
	}
	drain(t, b)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.got, 200)
	for i, e := range rec.got {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestFailingSubscribersAreIsolated(t *testing.T) {
	var mu sync.Mutex
	failures := map[string]int{}
	b := newBus(t, bus.Options{OnFailure: func(name string, _ domain.Event, _ error) {
		mu.Lock()
		failures[name]++
		mu.Unlock()
	}})

	var after recorder
	require.NoError(t, b.Subscribe("panics", bus.Any(), func(context.Context, domain.Event) error {
		panic("boom")
	}))
	require.NoError(t, b.Subscribe("errors", bus.Any(), func(context.Context, domain.Event) error {
		return errors.New("nope")
	}))
	require.NoError(t, b.Subscribe("after", bus.Any(), after.handle))

	require.NoError(t, b.Emit(domain.StatusEvent("p", domain.EventValidated, "")))
	require.NoError(t, b.Emit(domain.StatusEvent("p", domain.EventSentToAdministrator, "")))
	drain(t, b)

	assert.Len(t, after.types(), 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, failures["panics"])
	assert.Equal(t, 2, failures["errors"])
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newBus(t, bus.Options{})
	release := make(chan struct{})
	fast := make(chan struct{}, 1)
	require.NoError(t, b.Subscribe("slow", bus.Any(), func(ctx context.Context, _ domain.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, b.Subscribe("fast", bus.Any(), func(context.Context, domain.Event) error {
		fast <- struct{}{}
		return nil
	}))

	require.NoError(t, b.Emit(domain.StatusEvent("p", domain.EventValidated, "")))
	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber was blocked by the slow one")
	}
	close(release)
	drain(t, b)
}

func TestClosedBusRejectsEmit(t *testing.T) {
	b := bus.New(bus.Options{Logger: quietLogger()})
	require.NoError(t, b.Close(context.Background()))
	assert.ErrorIs(t, b.Emit(domain.StatusEvent("p", domain.EventValidated, "")), bus.ErrClosed)
	assert.ErrorIs(t, b.Subscribe("late", bus.Any(), func(context.Context, domain.Event) error { return nil }), bus.ErrClosed)
}
