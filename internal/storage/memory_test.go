package storage

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
)

func testRun(runID string, createdAt time.Time) *ledger.Run {
	return &ledger.Run{
		RunID:     runID,
		CodeID:    big.NewInt(7),
		Requester: "0xaabb",
		RunNonce:  "0x01",
		Threshold: 2,
		CreatedAt: createdAt,
		Status:    ledger.RunPending,
	}
}

func TestMemoryRunLedgerCreateIdempotent(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 2*time.Hour)
	ctx := context.Background()
	now := time.Now()

	created, err := store.Create(ctx, testRun("r1", now))
	if err != nil || !created {
		t.Fatalf("first create = (%v, %v), want (true, nil)", created, err)
	}

	duplicate := testRun("r1", now)
	duplicate.Threshold = 9
	created, err = store.Create(ctx, duplicate)
	if err != nil || created {
		t.Fatalf("duplicate create = (%v, %v), want (false, nil)", created, err)
	}

	run, err := store.Find(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Threshold != 2 {
		t.Errorf("threshold = %d, the losing writer must not overwrite", run.Threshold)
	}
}

func TestMemoryRunLedgerCreateReclaimsExpiredRun(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 2*time.Hour)
	ctx := context.Background()
	base := time.Now()

	if _, err := store.Create(ctx, testRun("r1", base)); err != nil {
		t.Fatal(err)
	}
	piece := ledger.Piece{Submitter: "0x01", ArtifactRef: "cas://b/old", SubmittedAt: base}
	if _, err := store.AddPiece(ctx, "r1", piece); err != nil {
		t.Fatal(err)
	}

	// Past the TTL but before any janitor sweep: the stale entries are
	// still present, just invisible to readers.
	later := base.Add(2 * time.Hour)
	store.SetClock(func() time.Time { return later })

	replay := testRun("r1", later)
	replay.Threshold = 3
	created, err := store.Create(ctx, replay)
	if err != nil || !created {
		t.Fatalf("create over expired run = (%v, %v), want (true, nil)", created, err)
	}

	run, err := store.Find(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("reclaimed run not visible")
	}
	if run.Threshold != 3 {
		t.Errorf("threshold = %d, want the reclaimed run's 3", run.Threshold)
	}

	// The old submitter's expired piece must not block a fresh one, and
	// must not count toward the new run's tally.
	fresh := ledger.Piece{Submitter: "0x01", ArtifactRef: "cas://b/new", SubmittedAt: later}
	added, err := store.AddPiece(ctx, "r1", fresh)
	if err != nil || !added {
		t.Fatalf("piece after reclaim = (%v, %v), want (true, nil)", added, err)
	}
	count, err := store.CountPieces(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("piece count = %d, want 1", count)
	}
}

func TestMemoryRunLedgerConcurrentCreate(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 2*time.Hour)
	ctx := context.Background()
	now := time.Now()

	const writers = 16
	winners := make([]bool, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := testRun("r1", now)
			run.Threshold = i + 1
			created, err := store.Create(ctx, run)
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			winners[i] = created
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, won := range winners {
		if !won {
			continue
		}
		if winner >= 0 {
			t.Fatalf("both writer %d and writer %d saw created=true", winner, i)
		}
		winner = i
	}
	if winner < 0 {
		t.Fatal("no writer saw created=true")
	}

	run, err := store.Find(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("run not found after concurrent creates")
	}
	if run.Threshold != winner+1 {
		t.Errorf("threshold = %d, want the winning writer's %d", run.Threshold, winner+1)
	}
}

func TestMemoryRunLedgerExpiry(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 2*time.Hour)
	ctx := context.Background()
	base := time.Now()

	if _, err := store.Create(ctx, testRun("r1", base)); err != nil {
		t.Fatal(err)
	}

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	run, err := store.Find(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Error("expired run still visible")
	}
}

func TestMemoryRunLedgerApprovalExtendsRetention(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 24*time.Hour)
	ctx := context.Background()
	base := time.Now()

	if _, err := store.Create(ctx, testRun("r1", base)); err != nil {
		t.Fatal(err)
	}
	piece := ledger.Piece{Submitter: "0x01", ArtifactRef: "cas://b/1", SubmittedAt: base}
	if _, err := store.AddPiece(ctx, "r1", piece); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkApproved(ctx, "r1", base); err != nil {
		t.Fatal(err)
	}

	// Past the base TTL but inside the approved retention window.
	store.SetClock(func() time.Time { return base.Add(12 * time.Hour) })

	run, err := store.Find(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("approved run evicted before its retention window")
	}
	if run.Status != ledger.RunApproved {
		t.Errorf("status = %q, want approved", run.Status)
	}

	count, err := store.CountPieces(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pieces = %d, approval must extend piece retention too", count)
	}
}

func TestMemoryRunLedgerPieceDeduplication(t *testing.T) {
	store := NewMemoryRunLedger(time.Hour, 2*time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Create(ctx, testRun("r1", now)); err != nil {
		t.Fatal(err)
	}

	first := ledger.Piece{Submitter: "0x01", ArtifactRef: "cas://b/1", SubmittedAt: now}
	added, err := store.AddPiece(ctx, "r1", first)
	if err != nil || !added {
		t.Fatalf("first piece = (%v, %v), want (true, nil)", added, err)
	}

	repeat := ledger.Piece{Submitter: "0x01", ArtifactRef: "cas://b/2", SubmittedAt: now.Add(time.Minute)}
	added, err = store.AddPiece(ctx, "r1", repeat)
	if err != nil || added {
		t.Fatalf("repeat piece = (%v, %v), want (false, nil)", added, err)
	}

	pieces, err := store.ListPieces(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) != 1 || pieces[0].ArtifactRef != "cas://b/1" {
		t.Errorf("pieces = %+v, want the original piece only", pieces)
	}
}

func TestMemoryShardVaultSubmittedIsFinal(t *testing.T) {
	store := NewMemoryShardVault(time.Hour)
	ctx := context.Background()
	now := time.Now()

	record := ledger.ShardRecord{
		CodeID: "7", Requester: "0xaabb", Committee: "0x01",
		ShareIndex: 1, ShareValue: "0x0a", ByteLength: 1,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.SaveMany(ctx, []ledger.ShardRecord{record}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSubmitted(ctx, "7", "0xaabb", "0x01", "cas://b/abc", now); err != nil {
		t.Fatal(err)
	}

	// A second delivery attempt must not move the record.
	if err := store.MarkSubmitted(ctx, "7", "0xaabb", "0x01", "cas://b/other", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// Re-preparing an already delivered shard is ignored.
	record.ShareValue = "0x0b"
	if err := store.SaveMany(ctx, []ledger.ShardRecord{record}); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindForCommittee(ctx, "7", "0xaabb", "0x01")
	if err != nil {
		t.Fatal(err)
	}
	if got.PublicationRef != "cas://b/abc" {
		t.Errorf("publicationRef = %q, want the first delivery's ref", got.PublicationRef)
	}
	if got.ShareValue != "0x0a" {
		t.Errorf("shareValue = %q, submitted record must stay immutable", got.ShareValue)
	}
	if !got.SubmittedAt.Equal(now) {
		t.Errorf("submittedAt = %v, want %v", got.SubmittedAt, now)
	}
}

func TestMemoryShardVaultExpiry(t *testing.T) {
	store := NewMemoryShardVault(time.Hour)
	ctx := context.Background()
	base := time.Now()

	record := ledger.ShardRecord{
		CodeID: "7", Requester: "0xaabb", Committee: "0x01",
		ShareIndex: 1, ShareValue: "0x0a", ByteLength: 1,
		ExpiresAt: base.Add(time.Hour),
	}
	if err := store.SaveMany(ctx, []ledger.ShardRecord{record}); err != nil {
		t.Fatal(err)
	}

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	got, err := store.FindForCommittee(ctx, "7", "0xaabb", "0x01")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expired shard still visible")
	}
}

func TestMemoryJobQueueIdempotentEnqueue(t *testing.T) {
	queue := NewMemoryJobQueue()
	ctx := context.Background()

	if err := queue.Enqueue(ctx, jobs.QueueDeliverShard, "k1", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(ctx, jobs.QueueDeliverShard, "k1", []byte("b")); err != nil {
		t.Fatal(err)
	}

	job, err := queue.Claim(ctx, jobs.QueueDeliverShard)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || string(job.Payload) != "a" {
		t.Fatalf("claimed %+v, want the first enqueue's payload", job)
	}

	// The duplicate must not have produced a second job.
	if extra, _ := queue.Claim(ctx, jobs.QueueDeliverShard); extra != nil {
		t.Errorf("claimed duplicate job %+v", extra)
	}
}

func TestMemoryJobQueueRetryWithBackoff(t *testing.T) {
	queue := NewMemoryJobQueue()
	ctx := context.Background()
	base := time.Now()
	queue.SetClock(func() time.Time { return base })

	if err := queue.Enqueue(ctx, jobs.QueueApproveRun, "k1", nil); err != nil {
		t.Fatal(err)
	}

	job, _ := queue.Claim(ctx, jobs.QueueApproveRun)
	if job == nil || job.Attempt != 1 {
		t.Fatalf("claim = %+v, want attempt 1", job)
	}
	if err := queue.Fail(ctx, job, context.DeadlineExceeded, false); err != nil {
		t.Fatal(err)
	}

	// Not due again until the backoff elapses.
	if early, _ := queue.Claim(ctx, jobs.QueueApproveRun); early != nil {
		t.Fatalf("claimed %+v before backoff elapsed", early)
	}

	queue.SetClock(func() time.Time { return base.Add(jobs.Backoff(1) + time.Second) })
	job, _ = queue.Claim(ctx, jobs.QueueApproveRun)
	if job == nil || job.Attempt != 2 {
		t.Fatalf("claim after backoff = %+v, want attempt 2", job)
	}
}

func TestMemoryJobQueueBuriesAfterMaxAttempts(t *testing.T) {
	queue := NewMemoryJobQueue()
	ctx := context.Background()
	clock := time.Now()
	queue.SetClock(func() time.Time { return clock })

	if err := queue.Enqueue(ctx, jobs.QueueDeliverShard, "k1", nil); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= jobs.MaxAttempts; attempt++ {
		job, _ := queue.Claim(ctx, jobs.QueueDeliverShard)
		if job == nil {
			t.Fatalf("no job due on attempt %d", attempt)
		}
		if err := queue.Fail(ctx, job, context.DeadlineExceeded, false); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(jobs.BackoffLimit + time.Second)
	}

	if job, _ := queue.Claim(ctx, jobs.QueueDeliverShard); job != nil {
		t.Errorf("claimed buried job %+v", job)
	}
	if state := queue.State(jobs.QueueDeliverShard, "k1"); state != "buried" {
		t.Errorf("state = %q, want buried", state)
	}
}

func TestMemoryJobQueueStructuralFailureBuriesImmediately(t *testing.T) {
	queue := NewMemoryJobQueue()
	ctx := context.Background()

	if err := queue.Enqueue(ctx, jobs.QueueDeliverShard, "k1", nil); err != nil {
		t.Fatal(err)
	}

	job, _ := queue.Claim(ctx, jobs.QueueDeliverShard)
	if err := queue.Fail(ctx, job, jobs.ErrStructural, true); err != nil {
		t.Fatal(err)
	}

	if state := queue.State(jobs.QueueDeliverShard, "k1"); state != "buried" {
		t.Errorf("state = %q, want buried after one structural failure", state)
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second,
	}
	for i, expected := range want {
		if got := jobs.Backoff(i + 1); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
	if got := jobs.Backoff(50); got != jobs.BackoffLimit {
		t.Errorf("Backoff(50) = %v, want the cap %v", got, jobs.BackoffLimit)
	}
}
