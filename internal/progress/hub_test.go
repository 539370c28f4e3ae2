package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trenchlabs/trench/internal/archive"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func pageEvent(url string) Event {
	return Event{TS: time.Now().UTC(), Stage: StagePageCaptured, URL: url, Dur: time.Second}
}

func TestHubDeliversBatches(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(pageEvent("https://example.com/"))
	hub.Emit(Event{
		TS: time.Now().UTC(), Stage: StageAssetStored,
		URL: "https://example.com/app.css", Bytes: 128, AssetType: archive.AssetStylesheet,
	})

	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 2)
	require.Equal(t, StagePageCaptured, got[0].Stage)
	require.Equal(t, StageAssetStored, got[1].Stage)
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StagePageCaptured}) // missing TS and URL
	hub.Emit(Event{TS: time.Now().UTC(), Stage: Stage("BOGUS"), URL: "x"})

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.snapshot())
}

func TestHubNeverBlocksOnFullBuffer(t *testing.T) {
	// No sink and a tiny buffer: emits beyond capacity must drop, not block.
	hub := NewHub(Config{BufferSize: 1, MaxBatchWait: time.Hour, MaxBatchEvents: 1 << 20})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Emit(pageEvent("https://example.com/"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseIsIdempotent(t *testing.T) {
	hub := NewHub(Config{}, &captureSink{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	require.Error(t, Event{}.Validate())
	require.Error(t, Event{TS: time.Now(), Stage: StageBudgetReached}.Validate())
	require.NoError(t, Event{TS: time.Now(), Stage: StageBudgetReached, Note: "max_pages"}.Validate())
	require.NoError(t, pageEvent("https://example.com/").Validate())
}
