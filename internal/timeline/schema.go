package timeline

import (
	"encoding/json"
	"time"
)

// Kinds written by the agent.
const (
	KindToolUse   = "tool_use"
	KindTurn      = "turn"
	KindSchedule  = "schedule"
	KindApproval  = "approval"
	KindDelivery  = "delivery"
	KindLLMOutput = "llm_response"
)

// Record is one immutable event-log entry.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Kind    string
	TraceID string
	Since   *time.Time
	Limit   int
}

// Approval statuses.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalDeclined  = "declined"
	ApprovalCancelled = "cancelled"
	ApprovalExpired   = "expired"
)

// ApprovalRecord is a persisted confirmation request.
type ApprovalRecord struct {
	ApprovalID  string     `json:"approval_id"`
	TraceID     string     `json:"trace_id,omitempty"`
	Capability  string     `json:"capability"`
	Arguments   string     `json:"arguments,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Timestamps are stored as unix nanoseconds so both sqlite drivers read
// them back identically.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
CREATE INDEX IF NOT EXISTS idx_records_trace ON records(trace_id);
CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);

CREATE TRIGGER IF NOT EXISTS records_no_update BEFORE UPDATE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only');
END;
CREATE TRIGGER IF NOT EXISTS records_no_delete BEFORE DELETE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are append-only');
END;

CREATE TABLE IF NOT EXISTS approval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	capability TEXT NOT NULL,
	arguments TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	responded_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
`
