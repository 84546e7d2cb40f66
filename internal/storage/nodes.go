package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const nodeColumns = `n.id, n.title, n.description, n.notes, n.link, n.chunk, n.metadata, n.created_at, n.updated_at,
	(SELECT json_group_array(d.dimension) FROM node_dimensions d WHERE d.node_id = n.id)`

const defaultNodeLimit = 50

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var metadata, createdAt, updatedAt string
	var dims sql.NullString
	if err := r.Scan(&n.ID, &n.Title, &n.Description, &n.Notes, &n.Link, &n.Chunk, &metadata, &createdAt, &updatedAt, &dims); err != nil {
		return Node{}, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return Node{}, fmt.Errorf("decoding metadata for node %d: %w", n.ID, err)
		}
	}
	n.Dimensions = []string{}
	if dims.Valid && dims.String != "" {
		if err := json.Unmarshal([]byte(dims.String), &n.Dimensions); err != nil {
			return Node{}, fmt.Errorf("decoding dimensions for node %d: %w", n.ID, err)
		}
		sort.Strings(n.Dimensions)
	}
	var err error
	if n.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Node{}, fmt.Errorf("parsing created_at for node %d: %w", n.ID, err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Node{}, fmt.Errorf("parsing updated_at for node %d: %w", n.ID, err)
	}
	return n, nil
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NormalizeDimensions trims, lowercases and deduplicates dimension labels,
// dropping empty ones.
func NormalizeDimensions(dims []string) []string {
	seen := make(map[string]bool, len(dims))
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// CreateNode inserts a node with its dimensions and returns the stored row.
func (s *Store) CreateNode(n Node) (Node, error) {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return Node{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return Node{}, fmt.Errorf("beginning node insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO nodes (title, description, notes, link, chunk, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Title, n.Description, n.Notes, n.Link, n.Chunk, metadata, now, now,
	)
	if err != nil {
		return Node{}, fmt.Errorf("inserting node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Node{}, err
	}
	if err := replaceDimensions(tx, id, n.Dimensions); err != nil {
		return Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("committing node insert: %w", err)
	}
	return s.GetNode(id)
}

func replaceDimensions(tx *sql.Tx, nodeID int64, dims []string) error {
	if _, err := tx.Exec(`DELETE FROM node_dimensions WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clearing dimensions for node %d: %w", nodeID, err)
	}
	for _, d := range NormalizeDimensions(dims) {
		if _, err := tx.Exec(`INSERT INTO node_dimensions (node_id, dimension) VALUES (?, ?)`, nodeID, d); err != nil {
			return fmt.Errorf("adding dimension %q to node %d: %w", d, nodeID, err)
		}
	}
	return nil
}

func (s *Store) GetNode(id int64) (Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes n WHERE n.id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

// GetNodes returns the nodes that exist among ids, in the order requested.
func (s *Store) GetNodes(ids []int64) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM nodes n WHERE n.id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	found, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Node, len(found))
	for _, n := range found {
		byID[n.ID] = n
	}
	out := make([]Node, 0, len(found))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *Store) UpdateNode(id int64, u NodeUpdate) (Node, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("title", u.Title)
	add("description", u.Description)
	add("notes", u.Notes)
	add("link", u.Link)
	add("chunk", u.Chunk)
	if u.Metadata != nil {
		metadata, err := encodeMetadata(u.Metadata)
		if err != nil {
			return Node{}, err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Node{}, fmt.Errorf("beginning node update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return Node{}, fmt.Errorf("updating node %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Node{}, err
	}
	if n == 0 {
		return Node{}, ErrNotFound
	}
	if u.Dimensions != nil {
		if err := replaceDimensions(tx, id, u.Dimensions); err != nil {
			return Node{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("committing node update: %w", err)
	}
	return s.GetNode(id)
}

// DeleteNode removes a node together with its edges, dimensions and vector.
func (s *Store) DeleteNode(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning node delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM edges WHERE from_node_id = ? OR to_node_id = ?`, id, id); err != nil {
		return fmt.Errorf("deleting edges of node %d: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM node_dimensions WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("deleting dimensions of node %d: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM node_vectors WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("deleting vector of node %d: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// QueryNodes searches titles and text with LIKE and filters by dimension.
// With a search term, exact title matches rank first, then title prefixes,
// then title substrings, then body matches; ties go to the most recently
// updated node.
func (s *Store) QueryNodes(f NodeFilter) ([]Node, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultNodeLimit
	}

	var where []string
	var args []any
	search := strings.TrimSpace(f.Search)
	if search != "" {
		like := "%" + search + "%"
		where = append(where, `(n.title LIKE ? OR n.description LIKE ? OR n.notes LIKE ? OR n.chunk LIKE ?)`)
		args = append(args, like, like, like, like)
	}
	if dims := NormalizeDimensions(f.Dimensions); len(dims) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM node_dimensions d WHERE d.node_id = n.id AND d.dimension IN (?`+strings.Repeat(",?", len(dims)-1)+`))`)
		for _, d := range dims {
			args = append(args, d)
		}
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes n`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if search != "" {
		query += ` ORDER BY CASE
			WHEN lower(n.title) = lower(?) THEN 0
			WHEN n.title LIKE ? THEN 1
			WHEN n.title LIKE ? THEN 2
			ELSE 3 END, n.updated_at DESC, n.id DESC`
		args = append(args, search, search+"%", "%"+search+"%")
	} else {
		query += ` ORDER BY n.updated_at DESC, n.id DESC`
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	return collectNodes(rows)
}

// FindNodesByTitle returns nodes whose title equals title, ignoring case.
func (s *Store) FindNodesByTitle(title string) ([]Node, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM nodes n WHERE lower(n.title) = lower(?) ORDER BY n.id`, strings.TrimSpace(title))
	if err != nil {
		return nil, fmt.Errorf("querying nodes by title: %w", err)
	}
	return collectNodes(rows)
}

func (s *Store) RecentNodes(limit int) ([]Node, error) {
	return s.QueryNodes(NodeFilter{Limit: limit})
}

func (s *Store) CountNodes() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count)
	return count, err
}

// DimensionCounts returns how many nodes carry each dimension.
func (s *Store) DimensionCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT dimension, COUNT(*) FROM node_dimensions GROUP BY dimension`)
	if err != nil {
		return nil, fmt.Errorf("counting dimensions: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var d string
		var c int
		if err := rows.Scan(&d, &c); err != nil {
			return nil, err
		}
		counts[d] = c
	}
	return counts, rows.Err()
}
