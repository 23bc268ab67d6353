package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/clock"
	"github.com/JakeFAU/siteboost/internal/id/uuid"
	"github.com/JakeFAU/siteboost/internal/storage/memory"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []analysis.Event
	err    error
}

func (r *recordingSubscriber) NotifyEvent(_ context.Context, evt analysis.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []analysis.Event
}

func (r *recordingEmitter) Emit(evt analysis.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestLogAppendPersistsAndNotifies(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	emitter := &recordingEmitter{}
	log := NewLog(store, uuid.New(), clk, emitter, nil)
	failing := &recordingSubscriber{err: errors.New("subscriber down")}
	ok := &recordingSubscriber{}
	log.Subscribe(failing)
	log.Subscribe(ok)

	ctx := context.Background()
	first, err := log.Append(ctx, "job-1", "owner", analysis.EventJobCreated, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(first.Data))
	require.Equal(t, "owner", first.Scope)
	require.Equal(t, clk.Now(), first.CreatedAt)

	clk.Advance(time.Second)
	second, err := log.Append(ctx, "job-1", "owner", analysis.EventParsingComplete, map[string]any{"statusCode": 200})
	require.NoError(t, err)

	events, err := log.List(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{first.ID, second.ID}, []string{events[0].ID, events[1].ID})

	// A failing subscriber does not stop the others.
	require.Len(t, ok.events, 2)
	require.Len(t, failing.events, 2)
	require.Len(t, emitter.events, 2)
}

func TestLogAppendRejectsUnencodableData(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	log := NewLog(store, uuid.New(), clock.NewSystem(), nil, nil)
	_, err := log.Append(context.Background(), "job-1", "owner", analysis.EventJobCreated, make(chan int))
	require.Error(t, err)

	events, err := store.ListEvents(context.Background(), "job-1")
	require.NoError(t, err)
	require.Empty(t, events)
}
