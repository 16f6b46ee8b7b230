package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keyquorum/internal/dispatch"
	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
	"keyquorum/internal/shamir"
	"keyquorum/internal/storage"
)

const (
	testCommittee = "0x0101010101010101010101010101010101010101"
	testRequester = "0xabababababababababababababababababababab"
)

type fixedThreshold int

func (f fixedThreshold) Threshold(ctx context.Context) int { return int(f) }

type testEnv struct {
	handlers *Handlers
	runs     *storage.MemoryRunLedger
	shards   *storage.MemoryShardVault
	queue    *storage.MemoryJobQueue
	mux      *http.ServeMux
}

func newTestEnv(t *testing.T, intakeEnabled bool) *testEnv {
	t.Helper()
	runs := storage.NewMemoryRunLedger(time.Hour, 2*time.Hour)
	shards := storage.NewMemoryShardVault(time.Hour)
	queue := storage.NewMemoryJobQueue()
	metrics := monitor.NewMetrics()
	processor := dispatch.NewRunRequestProcessor(runs, shards, queue, fixedThreshold(2), testCommittee, metrics)
	handlers := NewHandlers(runs, shards, queue, processor, metrics, intakeEnabled, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /shards", handlers.HandleSubmitPiece)
	mux.HandleFunc("GET /runs/{runId}", handlers.HandleGetRun)
	mux.HandleFunc("POST /runs/manual", handlers.HandleManualRun)
	mux.HandleFunc("POST /codes/{codeId}/shards/plain", handlers.HandlePlainShards)
	mux.HandleFunc("POST /codes/{codeId}/shards", handlers.HandlePrepareShards)

	return &testEnv{handlers: handlers, runs: runs, shards: shards, queue: queue, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedRun(t *testing.T, threshold int) *ledger.Run {
	t.Helper()
	run := &ledger.Run{
		RunID:     ledger.RunKey(big.NewInt(7), testRequester, "0x1f"),
		CodeID:    big.NewInt(7),
		Requester: testRequester,
		RunNonce:  ledger.NormalizeNonce("0x1f"),
		Threshold: threshold,
		CreatedAt: time.Now().UTC(),
		Status:    ledger.RunPending,
	}
	if _, err := e.runs.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestSubmitPieceUnknownRun(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: "missing", Submitter: "0x01", ArtifactRef: "cas://b/1",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitPieceTally(t *testing.T) {
	env := newTestEnv(t, true)
	run := env.seedRun(t, 2)

	rec := env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: run.RunID, Submitter: "0x01", ArtifactRef: "cas://b/1", Signature: "0xsig",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp PieceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.PieceCount != 1 || resp.ThresholdReached || resp.IsDuplicate {
		t.Errorf("response = %+v, want one piece below threshold", resp)
	}

	// Same submitter again: duplicate, tally unchanged.
	rec = env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: run.RunID, Submitter: "0x01", ArtifactRef: "cas://b/other",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.PieceCount != 1 || !resp.IsDuplicate {
		t.Errorf("duplicate response = %+v", resp)
	}

	// No approval queued below threshold.
	if job, _ := env.queue.Claim(context.Background(), jobs.QueueApproveRun); job != nil {
		t.Errorf("approval queued below threshold: %+v", job)
	}
}

func TestSubmitPieceQueuesApprovalAtThreshold(t *testing.T) {
	env := newTestEnv(t, true)
	run := env.seedRun(t, 2)

	env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: run.RunID, Submitter: "0x01", ArtifactRef: "cas://b/1",
	})
	rec := env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: run.RunID, Submitter: "0x02", ArtifactRef: "cas://b/2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var resp PieceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.ThresholdReached {
		t.Error("thresholdReached = false at threshold")
	}

	job, err := env.queue.Claim(context.Background(), jobs.QueueApproveRun)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Key != run.RunID {
		t.Fatalf("approval job = %+v, want key %q", job, run.RunID)
	}
	// A third piece re-enqueues against the same key: no second job.
	env.do(t, http.MethodPost, "/shards", PieceRequest{
		RunID: run.RunID, Submitter: "0x03", ArtifactRef: "cas://b/3",
	})
	if extra, _ := env.queue.Claim(context.Background(), jobs.QueueApproveRun); extra != nil {
		t.Errorf("duplicate approval job %+v", extra)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, true)
	run := env.seedRun(t, 2)

	rec := env.do(t, http.MethodGet, "/runs/"+run.RunID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp RunStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != run.RunID || resp.CodeID != "7" || resp.Threshold != 2 {
		t.Errorf("response = %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/runs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
}

func TestManualRun(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/runs/manual", ManualRunRequest{
		CodeID: "7", Requester: testRequester, RunNonce: "0x1f", RecipientPubKey: "0x04deadbeef",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var result dispatch.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Created {
		t.Error("manual run not created")
	}
	if result.Queued {
		t.Error("delivery queued with no shard prepared")
	}

	rec = env.do(t, http.MethodPost, "/runs/manual", ManualRunRequest{CodeID: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed codeId status = %d, want 400", rec.Code)
	}
}

func TestPlainShardsIntake(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/codes/7/shards/plain", PlainShardsRequest{
		Requester: testRequester,
		RunNonce:  "0x1f",
		Shards: []PlainShard{
			{Committee: testCommittee, ShareIndex: 1, ShareValue: "0x0aab", ByteLength: 2},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	record, err := env.shards.FindForCommittee(context.Background(), "7", testRequester, testCommittee)
	if err != nil {
		t.Fatal(err)
	}
	if record == nil || record.ShareValue != "0x0aab" {
		t.Errorf("stored shard = %+v", record)
	}
}

func TestPlainShardsValidation(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name string
		path string
		body PlainShardsRequest
	}{
		{"bad code id", "/codes/xyz/shards/plain", PlainShardsRequest{
			Requester: testRequester, RunNonce: "0x1f",
			Shards: []PlainShard{{Committee: testCommittee, ShareIndex: 1, ShareValue: "0x0aab"}},
		}},
		{"no shards", "/codes/7/shards/plain", PlainShardsRequest{
			Requester: testRequester, RunNonce: "0x1f",
		}},
		{"bad share value", "/codes/7/shards/plain", PlainShardsRequest{
			Requester: testRequester, RunNonce: "0x1f",
			Shards: []PlainShard{{Committee: testCommittee, ShareIndex: 1, ShareValue: "zz"}},
		}},
		{"zero share index", "/codes/7/shards/plain", PlainShardsRequest{
			Requester: testRequester, RunNonce: "0x1f",
			Shards: []PlainShard{{Committee: testCommittee, ShareIndex: 0, ShareValue: "0x0aab"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestShardIntakeDisabled(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/codes/7/shards/plain", PlainShardsRequest{
		Requester: testRequester, RunNonce: "0x1f",
		Shards: []PlainShard{{Committee: testCommittee, ShareIndex: 1, ShareValue: "0x0aab"}},
	})
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("plain intake status = %d, want 501", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/codes/7/shards", PrepareSharesRequest{
		Requester: testRequester, RunNonce: "0x1f", Secret: "0x0102",
		Committees: []string{testCommittee}, Threshold: 1,
	})
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("prepare status = %d, want 501", rec.Code)
	}
}

func TestPrepareShardsSplitsRecoverably(t *testing.T) {
	env := newTestEnv(t, true)
	committees := []string{
		"0x0101010101010101010101010101010101010101",
		"0x0202020202020202020202020202020202020202",
		"0x0303030303030303030303030303030303030303",
	}

	rec := env.do(t, http.MethodPost, "/codes/7/shards", PrepareSharesRequest{
		Requester:  testRequester,
		RunNonce:   "0x1f",
		Secret:     "0xdeadbeefcafe",
		Committees: committees,
		Threshold:  2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp ShardsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stored != 3 {
		t.Fatalf("stored = %d, want 3", resp.Stored)
	}

	// Any two committees' shares must recombine to the secret.
	var shares []shamir.Share
	for _, committee := range committees[:2] {
		record, err := env.shards.FindForCommittee(context.Background(), "7", testRequester, committee)
		if err != nil {
			t.Fatal(err)
		}
		if record == nil {
			t.Fatalf("no shard stored for %s", committee)
		}
		shares = append(shares, shamir.Share{
			Index:      record.ShareIndex,
			Value:      record.ShareValue,
			ByteLength: record.ByteLength,
		})
	}
	secret, err := shamir.Combine(shares)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if got := "0x" + hex.EncodeToString(secret); got != "0xdeadbeefcafe" {
		t.Errorf("recombined secret = %s, want 0xdeadbeefcafe", got)
	}
}
