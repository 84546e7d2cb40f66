package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) LogChat(c ChatLog) (int64, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	usage := c.UsageJSON
	if usage == "" {
		usage = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO chats (user_message, assistant_message, helper_name, agent_type, session_id, delegation_id,
			trace_id, parent_chat_id, workflow_key, workflow_node_id, usage_json, system_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserMessage, c.AssistantMessage, c.HelperName, c.AgentType, c.SessionID, nullInt(c.DelegationID),
		c.TraceID, nullInt(c.ParentChatID), c.WorkflowKey, nullInt(c.WorkflowNodeID), usage, c.SystemMessage,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting chat log: %w", err)
	}
	return res.LastInsertId()
}

// LastWorkflowRun returns when the workflow key last completed for nodeID.
// ok is false if it never ran.
func (s *Store) LastWorkflowRun(key string, nodeID int64) (at time.Time, ok bool, err error) {
	var createdAt string
	err = s.db.QueryRow(`
		SELECT created_at FROM chats
		WHERE workflow_key = ? AND workflow_node_id = ?
		ORDER BY created_at DESC LIMIT 1`, key, nodeID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing chat created_at: %w", err)
	}
	return at, true, nil
}

// RecentChats returns the newest chat logs first.
func (s *Store) RecentChats(limit int) ([]ChatLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, user_message, assistant_message, helper_name, agent_type, session_id, delegation_id,
			trace_id, parent_chat_id, workflow_key, workflow_node_id, usage_json, system_message, created_at
		FROM chats ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var out []ChatLog
	for rows.Next() {
		var c ChatLog
		var delegationID, parentChatID, workflowNodeID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserMessage, &c.AssistantMessage, &c.HelperName, &c.AgentType, &c.SessionID,
			&delegationID, &c.TraceID, &parentChatID, &c.WorkflowKey, &workflowNodeID, &c.UsageJSON, &c.SystemMessage,
			&createdAt); err != nil {
			return nil, err
		}
		c.DelegationID = fromNullInt(delegationID)
		c.ParentChatID = fromNullInt(parentChatID)
		c.WorkflowNodeID = fromNullInt(workflowNodeID)
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing chat created_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
