package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const edgeColumns = `id, from_node_id, to_node_id, context, source, created_at`

func scanEdge(r rowScanner) (Edge, error) {
	var e Edge
	var rawContext, createdAt string
	if err := r.Scan(&e.ID, &e.FromNodeID, &e.ToNodeID, &rawContext, &e.Source, &createdAt); err != nil {
		return Edge{}, err
	}
	e.Context = decodeEdgeContext(rawContext)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Edge{}, fmt.Errorf("parsing created_at for edge %d: %w", e.ID, err)
	}
	e.CreatedAt = t
	return e, nil
}

// decodeEdgeContext reads the stored context column. Rows written before
// contexts were structured hold plain text, which becomes the explanation.
func decodeEdgeContext(raw string) EdgeContext {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var c EdgeContext
		if err := json.Unmarshal([]byte(trimmed), &c); err == nil {
			return c
		}
	}
	return EdgeContext{
		Category:    "intellectual",
		Type:        "related_to",
		Explanation: trimmed,
	}
}

func (s *Store) InsertEdge(e Edge) (Edge, error) {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return Edge{}, fmt.Errorf("encoding edge context: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO edges (from_node_id, to_node_id, context, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.FromNodeID, e.ToNodeID, string(ctxJSON), e.Source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Edge{}, fmt.Errorf("inserting edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Edge{}, err
	}
	return s.GetEdge(id)
}

func (s *Store) GetEdge(id int64) (Edge, error) {
	e, err := scanEdge(s.db.QueryRow(`SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, err
	}
	return e, nil
}

// UpdateEdge overwrites the context and source of an existing edge. The
// endpoints of an edge never change.
func (s *Store) UpdateEdge(id int64, c EdgeContext, source string) (Edge, error) {
	ctxJSON, err := json.Marshal(c)
	if err != nil {
		return Edge{}, fmt.Errorf("encoding edge context: %w", err)
	}
	res, err := s.db.Exec(`UPDATE edges SET context = ?, source = ? WHERE id = ?`, string(ctxJSON), source, id)
	if err != nil {
		return Edge{}, fmt.Errorf("updating edge %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Edge{}, err
	}
	if n == 0 {
		return Edge{}, ErrNotFound
	}
	return s.GetEdge(id)
}

func (s *Store) DeleteEdge(id int64) error {
	res, err := s.db.Exec(`DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting edge %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EdgeExists reports whether a directed edge from -> to is stored.
func (s *Store) EdgeExists(from, to int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM edges WHERE from_node_id = ? AND to_node_id = ? LIMIT 1`, from, to).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EdgesForNode returns every edge touching nodeID, newest first, each paired
// with the node on the opposite end.
func (s *Store) EdgesForNode(nodeID int64) ([]Connection, error) {
	rows, err := s.db.Query(`SELECT `+edgeColumns+` FROM edges
		WHERE from_node_id = ? OR to_node_id = ?
		ORDER BY created_at DESC, id DESC`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying edges for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var edges []Edge
	var otherIDs []int64
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
		other := e.ToNodeID
		if e.ToNodeID == nodeID {
			other = e.FromNodeID
		}
		otherIDs = append(otherIDs, other)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nodes, err := s.GetNodes(otherIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	conns := make([]Connection, 0, len(edges))
	for i, e := range edges {
		conns = append(conns, Connection{Edge: e, ConnectedNode: byID[otherIDs[i]]})
	}
	return conns, nil
}

// MostConnectedNodes ranks nodes by edge count in either direction.
func (s *Store) MostConnectedNodes(limit int) ([]NodeDegree, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT node_id, COUNT(*) AS connection_count
		FROM (
			SELECT from_node_id AS node_id FROM edges
			UNION ALL
			SELECT to_node_id AS node_id FROM edges
		)
		GROUP BY node_id
		ORDER BY connection_count DESC, node_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking connected nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeDegree
	for rows.Next() {
		var d NodeDegree
		if err := rows.Scan(&d.NodeID, &d.ConnectionCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountEdges() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&count)
	return count, err
}
