package dispatch

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"keyquorum/internal/chain"
	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
	"keyquorum/internal/storage"
)

const testCommittee = "0x0101010101010101010101010101010101010101"

type fixedThreshold int

func (f fixedThreshold) Threshold(ctx context.Context) int { return int(f) }

func testEvent() *chain.RunRequestedEvent {
	return &chain.RunRequestedEvent{
		CodeID:          big.NewInt(7),
		Requester:       "0x" + strings.Repeat("ab", 20),
		RunNonce:        ledger.NormalizeNonce("0x1f"),
		RecipientPubKey: "0x04deadbeef",
		BlockNumber:     16,
		RequestedAt:     time.Now().UTC(),
	}
}

func newTestProcessor(t *testing.T) (*RunRequestProcessor, *storage.MemoryRunLedger, *storage.MemoryShardVault, *storage.MemoryJobQueue) {
	t.Helper()
	runs := storage.NewMemoryRunLedger(time.Hour, 2*time.Hour)
	shards := storage.NewMemoryShardVault(time.Hour)
	queue := storage.NewMemoryJobQueue()
	p := NewRunRequestProcessor(runs, shards, queue, fixedThreshold(2), testCommittee, monitor.NewMetrics())
	return p, runs, shards, queue
}

func prepareShard(t *testing.T, shards *storage.MemoryShardVault, event *chain.RunRequestedEvent) {
	t.Helper()
	err := shards.SaveMany(context.Background(), []ledger.ShardRecord{{
		CodeID:     event.CodeID.String(),
		Requester:  event.Requester,
		Committee:  testCommittee,
		RunNonce:   event.RunNonce,
		ShareIndex: 2,
		ShareValue: "0x0a",
		ByteLength: 1,
		ExpiresAt:  time.Now().Add(time.Hour),
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProcessRecordsRunAndQueuesDelivery(t *testing.T) {
	p, runs, shards, queue := newTestProcessor(t)
	event := testEvent()
	prepareShard(t, shards, event)

	result, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Created || !result.Queued {
		t.Fatalf("result = %+v, want created and queued", result)
	}

	run, err := runs.Find(context.Background(), event.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("run not recorded")
	}
	if run.Threshold != 2 {
		t.Errorf("threshold = %d, want 2", run.Threshold)
	}

	job, err := queue.Claim(context.Background(), jobs.QueueDeliverShard)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no delivery job queued")
	}
	var payload jobs.DeliverShardJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.RecipientPubKey != event.RecipientPubKey {
		t.Errorf("recipientPubKey = %q, want %q", payload.RecipientPubKey, event.RecipientPubKey)
	}
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	p, _, shards, queue := newTestProcessor(t)
	event := testEvent()
	prepareShard(t, shards, event)

	if _, err := p.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	result, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if result.Created {
		t.Error("replay reported created=true")
	}

	// Exactly one delivery job exists across both invocations.
	if job, _ := queue.Claim(context.Background(), jobs.QueueDeliverShard); job == nil {
		t.Fatal("no delivery job queued")
	}
	if job, _ := queue.Claim(context.Background(), jobs.QueueDeliverShard); job != nil {
		t.Errorf("duplicate delivery job %+v", job)
	}
}

func TestProcessWithoutShardSkipsDelivery(t *testing.T) {
	p, _, _, queue := newTestProcessor(t)

	result, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Created || result.Queued {
		t.Fatalf("result = %+v, want created without delivery", result)
	}
	if result.Reason == "" {
		t.Error("missing skip reason")
	}
	if job, _ := queue.Claim(context.Background(), jobs.QueueDeliverShard); job != nil {
		t.Errorf("unexpected delivery job %+v", job)
	}
}

func TestProcessSkipsDeliveredShard(t *testing.T) {
	p, _, shards, queue := newTestProcessor(t)
	event := testEvent()
	prepareShard(t, shards, event)
	err := shards.MarkSubmitted(context.Background(), event.CodeID.String(), event.Requester,
		testCommittee, "cas://b/abc", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	result, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if result.Queued {
		t.Error("queued delivery for an already delivered shard")
	}
	if job, _ := queue.Claim(context.Background(), jobs.QueueDeliverShard); job != nil {
		t.Errorf("unexpected delivery job %+v", job)
	}
}
