package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFinished is returned when finishing a delegation that already
	// reached completed or failed.
	ErrFinished = errors.New("already finished")
)

// Node is a unit of captured knowledge.
type Node struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Link        string         `json:"link,omitempty"`
	Chunk       string         `json:"chunk,omitempty"`
	Dimensions  []string       `json:"dimensions"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NodeUpdate carries the columns to overwrite. Nil fields are left as is;
// a non-nil Dimensions slice replaces the node's dimension set.
type NodeUpdate struct {
	Title       *string
	Description *string
	Notes       *string
	Link        *string
	Chunk       *string
	Dimensions  []string
	Metadata    map[string]any
}

// NodeFilter narrows QueryNodes. Dimensions match any of the given labels.
type NodeFilter struct {
	Search     string
	Dimensions []string
	Limit      int
}

// EdgeContext is the semantic payload stored with every edge.
type EdgeContext struct {
	Category    string    `json:"category"`
	Type        string    `json:"type"`
	Confidence  float64   `json:"confidence"`
	InferredAt  time.Time `json:"inferred_at"`
	Explanation string    `json:"explanation"`
	CreatedVia  string    `json:"created_via"`
}

// Edge is a directed relationship between two nodes.
type Edge struct {
	ID         int64       `json:"id"`
	FromNodeID int64       `json:"from_node_id"`
	ToNodeID   int64       `json:"to_node_id"`
	Context    EdgeContext `json:"context"`
	Source     string      `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Connection is an edge touching a node together with the node on the other end.
type Connection struct {
	Edge          Edge `json:"edge"`
	ConnectedNode Node `json:"connected_node"`
}

// NodeDegree counts the edges touching a node in either direction.
type NodeDegree struct {
	NodeID          int64 `json:"node_id"`
	ConnectionCount int   `json:"connection_count"`
}

// Delegation is the durable record of one agent execution session.
type Delegation struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Task            string    `json:"task"`
	Context         []string  `json:"context"`
	ExpectedOutcome string    `json:"expected_outcome,omitempty"`
	Status          string    `json:"status"`
	Summary         string    `json:"summary,omitempty"`
	AgentType       string    `json:"agent_type"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChatLog is one persisted model interaction with its usage accounting.
type ChatLog struct {
	ID               int64
	UserMessage      string
	AssistantMessage string
	HelperName       string
	AgentType        string
	SessionID        string
	DelegationID     *int64
	TraceID          string
	ParentChatID     *int64
	WorkflowKey      string
	WorkflowNodeID   *int64
	UsageJSON        string
	SystemMessage    string
	CreatedAt        time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
