package api

import "time"

// PieceRequest submits one artifact piece toward a run's approval.
type PieceRequest struct {
	RunID       string `json:"runId"`
	Submitter   string `json:"submitter"`
	ArtifactRef string `json:"artifactRef"`
	Signature   string `json:"signature,omitempty"`
}

// PieceResponse reports the run's tally after a submission.
type PieceResponse struct {
	RunID            string `json:"runId"`
	CodeID           string `json:"codeId"`
	Requester        string `json:"requester"`
	PieceCount       int    `json:"pieceCount"`
	Threshold        int    `json:"threshold"`
	ThresholdReached bool   `json:"thresholdReached"`
	Status           string `json:"status"`
	IsDuplicate      bool   `json:"isDuplicate"`
}

// RunStatusResponse is the status view of one run.
type RunStatusResponse struct {
	RunID      string     `json:"runId"`
	CodeID     string     `json:"codeId"`
	Requester  string     `json:"requester"`
	RunNonce   string     `json:"runNonce"`
	Threshold  int        `json:"threshold"`
	Status     string     `json:"status"`
	PieceCount int        `json:"pieceCount"`
	CreatedAt  time.Time  `json:"createdAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// ManualRunRequest registers a run without waiting for the on-chain
// event, mirroring the ingestion path. Operator tooling only.
type ManualRunRequest struct {
	CodeID          string `json:"codeId"`
	Requester       string `json:"requester"`
	RunNonce        string `json:"runNonce"`
	RecipientPubKey string `json:"recipientPubKey"`
}

// PlainShard is one pre-split share addressed to a committee member.
type PlainShard struct {
	Committee  string `json:"committee"`
	ShareIndex int    `json:"shareIndex"`
	ShareValue string `json:"shareValue"`
	ByteLength int    `json:"byteLength"`
}

// PlainShardsRequest bulk-loads pre-split shares for a code.
type PlainShardsRequest struct {
	Requester  string       `json:"requester"`
	RunNonce   string       `json:"runNonce"`
	TTLSeconds int          `json:"ttlSeconds,omitempty"`
	Note       string       `json:"note,omitempty"`
	Shards     []PlainShard `json:"shards"`
}

// PrepareSharesRequest splits a secret locally and stores one share per
// committee member.
type PrepareSharesRequest struct {
	Requester  string   `json:"requester"`
	RunNonce   string   `json:"runNonce"`
	Secret     string   `json:"secret"`
	Committees []string `json:"committees"`
	Threshold  int      `json:"threshold"`
	TTLSeconds int      `json:"ttlSeconds,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// ShardsResponse reports how many shard records were stored.
type ShardsResponse struct {
	CodeID    string `json:"codeId"`
	Stored    int    `json:"stored"`
	Threshold int    `json:"threshold,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  bool   `json:"database"`
	Objects   bool   `json:"objects"`
	Transport string `json:"transport"`
	Uptime    string `json:"uptime"`
}
