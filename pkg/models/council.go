// Package models holds the wire and persisted types shared by the council
// server components. JSON field names follow the browser extension protocol
// (camelCase), so these shapes must not be renamed casually.
package models

import "encoding/json"

// ── Request Lifecycle ────────────────────────────────────────

// RequestStatus is the persisted lifecycle state of a council request.
// Transitions are monotonic: pending → processing → {completed | error}.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusError      RequestStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// DefaultTier is used when a prompt does not name a tier.
const DefaultTier = "normal"

// ── Council Stages ───────────────────────────────────────────

// Stage1Result is one model's initial answer.
type Stage1Result struct {
	Model    string `json:"model"`
	LLMType  string `json:"llmType"`
	Response string `json:"response"`
}

// Stage2Result is one model's ranking of the anonymized stage-1 answers.
type Stage2Result struct {
	Model         string            `json:"model"`
	LLMType       string            `json:"llmType"`
	Ranking       string            `json:"ranking"`
	ParsedRanking []string          `json:"parsedRanking"`
	Evaluations   []json.RawMessage `json:"evaluations"`
}

// Stage3Result is the chairman synthesis.
type Stage3Result struct {
	Model    string `json:"model"`
	LLMType  string `json:"llmType"`
	Response string `json:"response"`
}

// AggregateRanking is the averaged rank of one model across all rankers.
type AggregateRanking struct {
	Model         string  `json:"model"`
	LLMType       string  `json:"llmType"`
	AverageRank   float64 `json:"averageRank"`
	RankingsCount int     `json:"rankingsCount"`
}

// CouncilMetadata is the aggregate information attached to a council run.
// LabelToModel is kept raw because its shape is defined by the extension.
type CouncilMetadata struct {
	LabelToModel      json.RawMessage    `json:"labelToModel"`
	AggregateRankings []AggregateRanking `json:"aggregateRankings"`
}

// CouncilResponse is the full result the extension reports for a request.
type CouncilResponse struct {
	RequestID string           `json:"requestId"`
	Success   bool             `json:"success"`
	Stage1    []Stage1Result   `json:"stage1,omitempty"`
	Stage2    []Stage2Result   `json:"stage2,omitempty"`
	Stage3    []Stage3Result   `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata `json:"metadata,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  *int64           `json:"duration,omitempty"`
}

// ── WebSocket Envelope ───────────────────────────────────────

// WSMessage is the envelope of every frame exchanged with the extension.
// Council responses carry their requestId inside Payload; proxy responses
// carry it at the top level.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ── HTTP Bodies ──────────────────────────────────────────────

// PromptRequest is the body of POST /prompt. Timeout is in milliseconds.
type PromptRequest struct {
	Query   string `json:"query"`
	Tier    string `json:"tier,omitempty"`
	Timeout *int64 `json:"timeout,omitempty"`
}

// PromptResponse is returned by POST /prompt for both success and failure.
type PromptResponse struct {
	Success   bool             `json:"success"`
	RequestID string           `json:"requestId,omitempty"`
	Stage1    []Stage1Result   `json:"stage1,omitempty"`
	Stage2    []Stage2Result   `json:"stage2,omitempty"`
	Stage3    []Stage3Result   `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata `json:"metadata,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode ErrorCode        `json:"errorCode,omitempty"`
	Duration  *int64           `json:"duration,omitempty"`
}

// HealthResponse is returned by GET /health. Uptime is in milliseconds.
type HealthResponse struct {
	Status             string `json:"status"`
	ExtensionConnected bool   `json:"extensionConnected"`
	Uptime             int64  `json:"uptime"`
}

// LLMAuthStatus reports which vendor sessions the extension is logged into.
type LLMAuthStatus struct {
	ChatGPT   bool  `json:"chatgpt"`
	Claude    bool  `json:"claude"`
	Gemini    bool  `json:"gemini"`
	Timestamp int64 `json:"timestamp"`
}

// AuthStatusResponse is returned by GET /auth-status. It never uses an HTTP
// error status; failures are reported through Success and Error.
type AuthStatusResponse struct {
	Success            bool           `json:"success"`
	Status             *LLMAuthStatus `json:"status,omitempty"`
	ExtensionConnected bool           `json:"extensionConnected"`
	Error              string         `json:"error,omitempty"`
}

// ── Persistence ──────────────────────────────────────────────

// CouncilRequest is a persisted council request row.
type CouncilRequest struct {
	ID        string           `json:"id"`
	Query     string           `json:"query"`
	Tier      string           `json:"tier"`
	Status    RequestStatus    `json:"status"`
	Stage1    []Stage1Result   `json:"stage1,omitempty"`
	Stage2    []Stage2Result   `json:"stage2,omitempty"`
	Stage3    []Stage3Result   `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata `json:"metadata,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  *int64           `json:"duration,omitempty"`
	CreatedAt int64            `json:"createdAt"`
	UpdatedAt int64            `json:"updatedAt"`

	// Progress is the last council_progress payload seen for an in-flight
	// request. Never persisted.
	Progress json.RawMessage `json:"progress,omitempty"`
}

// RequestSummary is the list-view projection of a CouncilRequest.
type RequestSummary struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Tier      string `json:"tier"`
	CreatedAt int64  `json:"createdAt"`
	Duration  *int64 `json:"duration,omitempty"`
}

// ── Server Status ────────────────────────────────────────────

// ServerStatus is the snapshot returned to the host process.
type ServerStatus struct {
	Running            bool   `json:"running"`
	Port               int    `json:"port"`
	ExtensionConnected bool   `json:"extensionConnected"`
	UptimeMs           *int64 `json:"uptimeMs,omitempty"`
}

// ── Error Codes ──────────────────────────────────────────────

// ErrorCode is the machine-readable failure class of POST /prompt.
// The set is closed.
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeNoExtension    ErrorCode = "NO_EXTENSION"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeCouncilError   ErrorCode = "COUNCIL_ERROR"
	ErrorCodeServerError    ErrorCode = "SERVER_ERROR"
)
