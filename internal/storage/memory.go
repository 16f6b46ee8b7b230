package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
)

// The in-memory stores mirror the PostgreSQL semantics for tests and
// single-process development runs. The clock is injectable so expiry can
// be tested without sleeping.

// MemoryRunLedger is an in-memory ledger.RunStore.
type MemoryRunLedger struct {
	ttl               time.Duration
	approvedRetention time.Duration
	now               func() time.Time

	mu     sync.Mutex
	runs   map[string]*memoryRun
	pieces map[string][]memoryPiece
}

type memoryRun struct {
	run       ledger.Run
	reason    string
	expiresAt time.Time
}

type memoryPiece struct {
	piece     ledger.Piece
	expiresAt time.Time
}

// NewMemoryRunLedger builds an in-memory run store.
func NewMemoryRunLedger(ttl, approvedRetention time.Duration) *MemoryRunLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if approvedRetention < ttl {
		approvedRetention = ttl
	}
	return &MemoryRunLedger{
		ttl:               ttl,
		approvedRetention: approvedRetention,
		now:               time.Now,
		runs:              make(map[string]*memoryRun),
		pieces:            make(map[string][]memoryPiece),
	}
}

// SetClock overrides the store's clock. Test helper.
func (s *MemoryRunLedger) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryRunLedger) Create(ctx context.Context, run *ledger.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[run.RunID]; ok && existing.expiresAt.After(s.now()) {
		return false, nil
	}
	copied := *run
	s.runs[run.RunID] = &memoryRun{run: copied, expiresAt: run.CreatedAt.Add(s.ttl)}
	return true, nil
}

func (s *MemoryRunLedger) Find(ctx context.Context, runID string) (*ledger.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.runs[runID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return nil, nil
	}
	copied := entry.run
	return &copied, nil
}

func (s *MemoryRunLedger) AddPiece(ctx context.Context, runID string, piece ledger.Piece) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, existing := range s.pieces[runID] {
		if existing.piece.Submitter == piece.Submitter && existing.expiresAt.After(now) {
			return false, nil
		}
	}
	s.pieces[runID] = append(s.pieces[runID], memoryPiece{
		piece:     piece,
		expiresAt: piece.SubmittedAt.Add(s.ttl),
	})
	return true, nil
}

func (s *MemoryRunLedger) ListPieces(ctx context.Context, runID string) ([]ledger.Piece, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var live []ledger.Piece
	for _, entry := range s.pieces[runID] {
		if entry.expiresAt.After(now) {
			live = append(live, entry.piece)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].SubmittedAt.Before(live[j].SubmittedAt)
	})
	return live, nil
}

func (s *MemoryRunLedger) CountPieces(ctx context.Context, runID string) (int, error) {
	pieces, err := s.ListPieces(ctx, runID)
	return len(pieces), err
}

func (s *MemoryRunLedger) MarkApproved(ctx context.Context, runID string, approvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.runs[runID]
	if !ok {
		return nil
	}
	entry.run.Approve(approvedAt)
	deadline := approvedAt.Add(s.approvedRetention)
	entry.expiresAt = deadline
	for i := range s.pieces[runID] {
		s.pieces[runID][i].expiresAt = deadline
	}
	return nil
}

func (s *MemoryRunLedger) MarkFailed(ctx context.Context, runID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.runs[runID]; ok {
		entry.reason = reason
	}
	return nil
}

// FailureReason returns the recorded failure marker, or "". Test helper.
func (s *MemoryRunLedger) FailureReason(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.runs[runID]; ok {
		return entry.reason
	}
	return ""
}

// MemoryShardVault is an in-memory ledger.ShardStore.
type MemoryShardVault struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	shards map[shardKey]*ledger.ShardRecord
}

type shardKey struct {
	codeID, requester, committee string
}

// NewMemoryShardVault builds an in-memory shard store.
func NewMemoryShardVault(ttl time.Duration) *MemoryShardVault {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryShardVault{
		ttl:    ttl,
		now:    time.Now,
		shards: make(map[shardKey]*ledger.ShardRecord),
	}
}

// SetClock overrides the store's clock. Test helper.
func (s *MemoryShardVault) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryShardVault) SaveMany(ctx context.Context, records []ledger.ShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		key := shardKey{r.CodeID, r.Requester, r.Committee}
		if existing, ok := s.shards[key]; ok && existing.Submitted() {
			continue
		}
		copied := r
		if copied.ExpiresAt.IsZero() {
			copied.ExpiresAt = s.now().Add(s.ttl)
		}
		s.shards[key] = &copied
	}
	return nil
}

func (s *MemoryShardVault) FindForCommittee(ctx context.Context, codeID, requester, committee string) (*ledger.ShardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.shards[shardKey{codeID, requester, committee}]
	if !ok || record.Expired(s.now()) {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryShardVault) MarkSubmitted(ctx context.Context, codeID, requester, committee, publicationRef string, submittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.shards[shardKey{codeID, requester, committee}]
	if !ok || record.Submitted() {
		return nil
	}
	at := submittedAt
	record.SubmittedAt = &at
	record.PublicationRef = publicationRef
	return nil
}

// MemoryJobQueue is an in-memory jobs.Queue.
type MemoryJobQueue struct {
	now func() time.Time

	mu     sync.Mutex
	nextID int64
	queues map[string][]*memoryJob
	keys   map[string]map[string]bool
}

type memoryJob struct {
	job      jobs.Job
	state    string
	runAfter time.Time
}

// NewMemoryJobQueue builds an in-memory queue.
func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{
		now:    time.Now,
		queues: make(map[string][]*memoryJob),
		keys:   make(map[string]map[string]bool),
	}
}

// SetClock overrides the queue's clock. Test helper.
func (q *MemoryJobQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryJobQueue) Enqueue(ctx context.Context, queue, key string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.keys[queue] == nil {
		q.keys[queue] = make(map[string]bool)
	}
	if q.keys[queue][key] {
		return nil
	}
	q.keys[queue][key] = true

	q.nextID++
	q.queues[queue] = append(q.queues[queue], &memoryJob{
		job:      jobs.Job{ID: q.nextID, Queue: queue, Key: key, Payload: payload},
		state:    "queued",
		runAfter: q.now(),
	})
	return nil
}

func (q *MemoryJobQueue) Claim(ctx context.Context, queue string) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, entry := range q.queues[queue] {
		if entry.state != "queued" || entry.runAfter.After(now) {
			continue
		}
		entry.state = "running"
		entry.job.Attempt++
		copied := entry.job
		return &copied, nil
	}
	return nil, nil
}

func (q *MemoryJobQueue) Complete(ctx context.Context, job *jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry := q.find(job); entry != nil {
		entry.state = "completed"
	}
	return nil
}

func (q *MemoryJobQueue) Fail(ctx context.Context, job *jobs.Job, cause error, structural bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.find(job)
	if entry == nil {
		return nil
	}
	if structural || entry.job.Attempt >= jobs.MaxAttempts {
		entry.state = "buried"
		return nil
	}
	entry.state = "queued"
	entry.runAfter = q.now().Add(jobs.Backoff(entry.job.Attempt))
	return nil
}

// State reports a job key's state, or "" when unknown. Test helper.
func (q *MemoryJobQueue) State(queue, key string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.queues[queue] {
		if entry.job.Key == key {
			return entry.state
		}
	}
	return ""
}

func (q *MemoryJobQueue) find(job *jobs.Job) *memoryJob {
	for _, entry := range q.queues[job.Queue] {
		if entry.job.ID == job.ID {
			return entry
		}
	}
	return nil
}
