package api

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/dispatch"
	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
	"keyquorum/internal/shamir"
)

// Handlers carries the stores and queues the HTTP surface works against.
type Handlers struct {
	runs          ledger.RunStore
	shards        ledger.ShardStore
	queue         jobs.Queue
	processor     *dispatch.RunRequestProcessor
	metrics       *monitor.Metrics
	intakeEnabled bool
	shardTTL      time.Duration
}

// NewHandlers builds the handler set.
func NewHandlers(runs ledger.RunStore, shards ledger.ShardStore, queue jobs.Queue, processor *dispatch.RunRequestProcessor, metrics *monitor.Metrics, intakeEnabled bool, shardTTL time.Duration) *Handlers {
	if shardTTL <= 0 {
		shardTTL = time.Hour
	}
	return &Handlers{
		runs:          runs,
		shards:        shards,
		queue:         queue,
		processor:     processor,
		metrics:       metrics,
		intakeEnabled: intakeEnabled,
		shardTTL:      shardTTL,
	}
}

// HandleSubmitPiece records one artifact piece for a run and queues the
// approval once the threshold is reached. Duplicate submissions return
// the current tally with isDuplicate set.
func (h *Handlers) HandleSubmitPiece(w http.ResponseWriter, r *http.Request) {
	var req PieceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.RunID == "" || req.Submitter == "" || req.ArtifactRef == "" {
		writeError(w, "runId, submitter, and artifactRef are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	run, err := h.runs.Find(r.Context(), req.RunID)
	if err != nil {
		writeError(w, "looking up run failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if run == nil {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	piece := ledger.Piece{
		Submitter:   ledger.NormalizeAddress(req.Submitter),
		ArtifactRef: req.ArtifactRef,
		Signature:   req.Signature,
		SubmittedAt: time.Now().UTC(),
	}
	added, err := h.runs.AddPiece(r.Context(), run.RunID, piece)
	if err != nil {
		writeError(w, "recording piece failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if added {
		h.metrics.PiecesSubmitted.WithLabelValues("accepted").Inc()
	} else {
		h.metrics.PiecesSubmitted.WithLabelValues("duplicate").Inc()
	}

	count, err := h.runs.CountPieces(r.Context(), run.RunID)
	if err != nil {
		writeError(w, "counting pieces failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	reached := count >= run.Threshold
	if reached && run.Status != ledger.RunApproved {
		payload, err := json.Marshal(jobs.ApproveRunJob{RunID: run.RunID})
		if err != nil {
			writeError(w, "queueing approval failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		if err := h.queue.Enqueue(r.Context(), jobs.QueueApproveRun, run.RunID, payload); err != nil {
			writeError(w, "queueing approval failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		log.Info().Str("run_id", run.RunID).Int("pieces", count).Msg("approval queued")
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, PieceResponse{
		RunID:            run.RunID,
		CodeID:           run.CodeID.String(),
		Requester:        run.Requester,
		PieceCount:       count,
		Threshold:        run.Threshold,
		ThresholdReached: reached,
		Status:           string(run.Status),
		IsDuplicate:      !added,
	})
}

// HandleGetRun returns the status view of one run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		writeError(w, "run ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	run, err := h.runs.Find(r.Context(), runID)
	if err != nil {
		writeError(w, "looking up run failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if run == nil {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	count, err := h.runs.CountPieces(r.Context(), run.RunID)
	if err != nil {
		writeError(w, "counting pieces failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, RunStatusResponse{
		RunID:      run.RunID,
		CodeID:     run.CodeID.String(),
		Requester:  run.Requester,
		RunNonce:   run.RunNonce,
		Threshold:  run.Threshold,
		Status:     string(run.Status),
		PieceCount: count,
		CreatedAt:  run.CreatedAt,
		ApprovedAt: run.ApprovedAt,
	})
}

// HandleManualRun registers a run through the same path the chain
// ingestor uses. Operator tooling for recovery and testing.
func (h *Handlers) HandleManualRun(w http.ResponseWriter, r *http.Request) {
	var req ManualRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	codeID, ok := new(big.Int).SetString(req.CodeID, 10)
	if !ok || codeID.Sign() < 0 {
		writeError(w, "codeId must be a decimal integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Requester == "" || req.RunNonce == "" || req.RecipientPubKey == "" {
		writeError(w, "requester, runNonce, and recipientPubKey are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	event := &dispatch.ManualEvent{
		CodeID:          codeID,
		Requester:       req.Requester,
		RunNonce:        req.RunNonce,
		RecipientPubKey: req.RecipientPubKey,
	}
	result, err := h.processor.Process(r.Context(), event.Normalize())
	if err != nil {
		writeError(w, "processing run request failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// HandlePlainShards bulk-loads pre-split shares for a code.
func (h *Handlers) HandlePlainShards(w http.ResponseWriter, r *http.Request) {
	if !h.intakeEnabled {
		writeError(w, "shard intake is disabled on this node", "INTAKE_DISABLED", http.StatusNotImplemented, r)
		return
	}

	codeID := r.PathValue("codeId")
	if _, ok := new(big.Int).SetString(codeID, 10); !ok {
		writeError(w, "codeId must be a decimal integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req PlainShardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Requester == "" || req.RunNonce == "" || len(req.Shards) == 0 {
		writeError(w, "requester, runNonce, and shards are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	expiresAt := time.Now().UTC().Add(h.ttlFor(req.TTLSeconds))
	records := make([]ledger.ShardRecord, 0, len(req.Shards))
	for _, s := range req.Shards {
		if s.Committee == "" || s.ShareIndex < 1 || !isHexValue(s.ShareValue) {
			writeError(w, "each shard needs committee, shareIndex >= 1, and a 0x-hex shareValue", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		records = append(records, ledger.ShardRecord{
			CodeID:     codeID,
			Requester:  ledger.NormalizeAddress(req.Requester),
			RunNonce:   ledger.NormalizeNonce(req.RunNonce),
			Committee:  ledger.NormalizeAddress(s.Committee),
			ShareIndex: s.ShareIndex,
			ShareValue: strings.ToLower(s.ShareValue),
			ByteLength: s.ByteLength,
			Note:       req.Note,
			ExpiresAt:  expiresAt,
		})
	}

	if err := h.shards.SaveMany(r.Context(), records); err != nil {
		writeError(w, "storing shards failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusCreated, ShardsResponse{
		CodeID:    codeID,
		Stored:    len(records),
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

// HandlePrepareShards splits a secret and stores one share per committee
// member. Publisher convenience over the plain intake.
func (h *Handlers) HandlePrepareShards(w http.ResponseWriter, r *http.Request) {
	if !h.intakeEnabled {
		writeError(w, "shard intake is disabled on this node", "INTAKE_DISABLED", http.StatusNotImplemented, r)
		return
	}

	codeID := r.PathValue("codeId")
	if _, ok := new(big.Int).SetString(codeID, 10); !ok {
		writeError(w, "codeId must be a decimal integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req PrepareSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Requester == "" || req.RunNonce == "" || len(req.Committees) == 0 {
		writeError(w, "requester, runNonce, and committees are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	secret, err := hex.DecodeString(strings.TrimPrefix(req.Secret, "0x"))
	if err != nil || len(secret) == 0 {
		writeError(w, "secret must be non-empty 0x-hex", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	shares, err := shamir.Split(secret, len(req.Committees), req.Threshold)
	if err != nil {
		writeError(w, "splitting secret: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	expiresAt := time.Now().UTC().Add(h.ttlFor(req.TTLSeconds))
	records := make([]ledger.ShardRecord, len(shares))
	for i, share := range shares {
		records[i] = ledger.ShardRecord{
			CodeID:     codeID,
			Requester:  ledger.NormalizeAddress(req.Requester),
			RunNonce:   ledger.NormalizeNonce(req.RunNonce),
			Committee:  ledger.NormalizeAddress(req.Committees[i]),
			ShareIndex: share.Index,
			ShareValue: share.Value,
			ByteLength: share.ByteLength,
			Note:       req.Note,
			ExpiresAt:  expiresAt,
		}
	}

	if err := h.shards.SaveMany(r.Context(), records); err != nil {
		writeError(w, "storing shards failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusCreated, ShardsResponse{
		CodeID:    codeID,
		Stored:    len(records),
		Threshold: req.Threshold,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

func (h *Handlers) ttlFor(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return h.shardTTL
}

func isHexValue(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 4 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
