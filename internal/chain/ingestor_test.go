package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"keyquorum/internal/monitor"
)

type fakeLogClient struct {
	mu           sync.Mutex
	head         uint64
	logs         []Log
	filterErr    error
	filterLogs   []Log
	timestampErr error
	getLogsCalls int
	uninstalled  bool
	lastFrom     uint64
	lastTo       uint64
}

func (f *fakeLogClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLogClient) GetLogs(ctx context.Context, address, topic0 string, from, to uint64) ([]Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getLogsCalls++
	f.lastFrom, f.lastTo = from, to
	return f.logs, nil
}

func (f *fakeLogClient) NewLogFilter(ctx context.Context, address, topic0 string) (string, error) {
	return "0xf1", nil
}

func (f *fakeLogClient) FilterChanges(ctx context.Context, filterID string) ([]Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.filterLogs, nil
}

func (f *fakeLogClient) UninstallFilter(ctx context.Context, filterID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled = true
}

func (f *fakeLogClient) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	if f.timestampErr != nil {
		return time.Time{}, f.timestampErr
	}
	return time.Unix(int64(number)*10, 0).UTC(), nil
}

type recordingHandler struct {
	events []*RunRequestedEvent
	err    error
}

func (h *recordingHandler) HandleRunRequested(ctx context.Context, event *RunRequestedEvent) error {
	h.events = append(h.events, event)
	return h.err
}

func logAtBlock(block string, nonce string) Log {
	l := canonicalLog()
	l.BlockNumber = block
	l.Data = "0x" +
		word(nonce) +
		word("40") +
		word("4") +
		"deadbeef" + strings.Repeat("0", 56)
	return l
}

// newIdleIngestor builds an ingestor without starting its loop so tests
// can drive the transport methods directly.
func newIdleIngestor(client LogClient, handler EventHandler, lastBlock uint64) *Ingestor {
	in := NewIngestor(client, "0xc0ffee", handler, 50*time.Millisecond, true, monitor.NewMetrics())
	in.filterID = "0xf1"
	in.lastBlock = lastBlock
	return in
}

func TestIngestorDowngradesOnceOnPushFailure(t *testing.T) {
	client := &fakeLogClient{head: 5, filterErr: errors.New("socket closed")}
	in := newIdleIngestor(client, &recordingHandler{}, 5)

	if in.Degraded() {
		t.Fatal("ingestor degraded before any failure")
	}

	in.streamOnce(context.Background())
	if !in.Degraded() {
		t.Fatal("ingestor did not downgrade on push failure")
	}

	// The downgrade is one-way; further failures change nothing.
	in.markDegraded()
	if !in.Degraded() {
		t.Fatal("degraded state lost")
	}
}

func TestIngestorPollsAfterDowngrade(t *testing.T) {
	client := &fakeLogClient{head: 5, filterErr: errors.New("rate limit exceeded")}
	handler := &recordingHandler{}
	in := newIdleIngestor(client, handler, 5)

	in.streamOnce(context.Background())
	if !in.Degraded() {
		t.Fatal("expected downgrade")
	}

	client.head = 8
	client.logs = []Log{logAtBlock("0x7", "2"), logAtBlock("0x6", "1")}

	in.pollOnce(context.Background())

	if client.lastFrom != 6 || client.lastTo != 8 {
		t.Errorf("poll range = [%d, %d], want [6, 8]", client.lastFrom, client.lastTo)
	}
	if len(handler.events) != 2 {
		t.Fatalf("handled %d events, want 2", len(handler.events))
	}
	// Batches are processed oldest block first.
	if handler.events[0].BlockNumber != 6 || handler.events[1].BlockNumber != 7 {
		t.Errorf("event order = [%d, %d], want [6, 7]", handler.events[0].BlockNumber, handler.events[1].BlockNumber)
	}
	if !handler.events[0].RequestedAt.Equal(time.Unix(60, 0).UTC()) {
		t.Errorf("requestedAt = %v, want block timestamp", handler.events[0].RequestedAt)
	}
}

func TestIngestorSkipsMalformedLogs(t *testing.T) {
	bad := canonicalLog()
	bad.Topics = bad.Topics[:1]

	client := &fakeLogClient{head: 2, filterLogs: []Log{bad, logAtBlock("0x2", "9")}}
	handler := &recordingHandler{}
	in := newIdleIngestor(client, handler, 1)

	in.streamOnce(context.Background())

	if in.Degraded() {
		t.Error("malformed log must not trigger a downgrade")
	}
	if len(handler.events) != 1 {
		t.Fatalf("handled %d events, want 1", len(handler.events))
	}
}

func TestIngestorTimestampFallback(t *testing.T) {
	client := &fakeLogClient{
		head:         1,
		filterLogs:   []Log{logAtBlock("0x2", "3")},
		timestampErr: errors.New("block lookup failed"),
	}
	handler := &recordingHandler{}
	in := newIdleIngestor(client, handler, 1)

	before := time.Now().Add(-time.Second)
	in.streamOnce(context.Background())

	if len(handler.events) != 1 {
		t.Fatalf("handled %d events, want 1", len(handler.events))
	}
	if handler.events[0].RequestedAt.Before(before) {
		t.Error("timestamp fallback did not use ingestion time")
	}
}

func TestIngestorHandlerErrorDoesNotAbortBatch(t *testing.T) {
	client := &fakeLogClient{head: 1, filterLogs: []Log{logAtBlock("0x2", "1"), logAtBlock("0x3", "2")}}
	handler := &recordingHandler{err: errors.New("store unavailable")}
	in := newIdleIngestor(client, handler, 1)

	in.streamOnce(context.Background())

	if len(handler.events) != 2 {
		t.Fatalf("handler saw %d events, want 2 (batch must not abort)", len(handler.events))
	}
}

func TestIngestorStartStopIdempotent(t *testing.T) {
	client := &fakeLogClient{head: 1}
	in := NewIngestor(client, "0xc0ffee", &recordingHandler{}, 50*time.Millisecond, true, monitor.NewMetrics())

	if err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Second start is a no-op.
	if err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	in.Stop()
	in.Stop()

	if !client.uninstalled {
		t.Error("filter not uninstalled on stop")
	}
}
