package retrieval

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// Match is a node whose embedded chunk is similar to a query.
type Match struct {
	NodeID int64   `json:"node_id"`
	Score  float32 `json:"score"`
	Text   string  `json:"text"`
}

// Chunk is the text stored alongside a node's vector.
type Chunk struct {
	NodeID int64
	Text   string
}

// Index keeps one vector per node in node_vectors. Search is a full scan;
// a personal graph stays small enough for that.
type Index struct {
	db *sql.DB
}

func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert replaces the vector stored for nodeID.
func (x *Index) Upsert(nodeID int64, text string, vec []float32, model string) error {
	_, err := x.db.Exec(`
		INSERT INTO node_vectors (node_id, text_chunk, embedding, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			text_chunk = excluded.text_chunk,
			embedding  = excluded.embedding,
			model      = excluded.model,
			updated_at = excluded.updated_at`,
		nodeID, text, packVector(vec), model, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing vector for node %d: %w", nodeID, err)
	}
	return nil
}

// Search returns up to k nodes most similar to query, best first. Vectors
// of another dimension are skipped.
func (x *Index) Search(query []float32, k int) ([]Match, error) {
	qn := norm(query)
	if qn == 0 || k <= 0 {
		return nil, nil
	}

	top, err := x.scan(query, qn, k)
	if err != nil || len(top.items) == 0 {
		return nil, err
	}

	texts, err := x.chunkTexts(top.ids())
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(top.items))
	for _, r := range top.items {
		out = append(out, Match{NodeID: r.id, Score: r.score, Text: texts[r.id]})
	}
	return out, nil
}

// scan reads only ids and vectors, keeping the k best scores.
func (x *Index) scan(query []float32, qn float32, k int) (*best, error) {
	rows, err := x.db.Query(`SELECT node_id, embedding FROM node_vectors`)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	top := &best{k: k}
	var vec []float32
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vectors: %w", err)
		}
		if vec, err = unpackVector(vec, blob); err != nil {
			return nil, fmt.Errorf("vector for node %d: %w", id, err)
		}
		if len(vec) != len(query) {
			continue
		}
		top.offer(id, cosine(query, vec, qn))
	}
	return top, rows.Err()
}

func (x *Index) chunkTexts(ids []any) (map[int64]string, error) {
	q := `SELECT node_id, text_chunk FROM node_vectors WHERE node_id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := x.db.Query(q, ids...)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	texts := make(map[int64]string, len(ids))
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("loading chunks: %w", err)
		}
		texts[id] = text
	}
	return texts, rows.Err()
}

// Stale lists chunks whose vectors were produced by a model other than model.
func (x *Index) Stale(model string) ([]Chunk, error) {
	rows, err := x.db.Query(`SELECT node_id, text_chunk FROM node_vectors WHERE model != ? ORDER BY node_id`, model)
	if err != nil {
		return nil, fmt.Errorf("listing stale vectors: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.NodeID, &c.Text); err != nil {
			return nil, fmt.Errorf("listing stale vectors: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes the vector for nodeID. A missing vector is not an error.
func (x *Index) Delete(nodeID int64) error {
	if _, err := x.db.Exec(`DELETE FROM node_vectors WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("deleting vector for node %d: %w", nodeID, err)
	}
	return nil
}

func (x *Index) Count() (int, error) {
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM node_vectors`).Scan(&n)
	return n, err
}

type ranked struct {
	id    int64
	score float32
}

// best holds the k highest-scoring ids seen so far, sorted descending.
type best struct {
	k     int
	items []ranked
}

func (b *best) offer(id int64, score float32) {
	if len(b.items) == b.k && score <= b.items[len(b.items)-1].score {
		return
	}
	i := sort.Search(len(b.items), func(i int) bool { return b.items[i].score < score })
	b.items = slices.Insert(b.items, i, ranked{id: id, score: score})
	if len(b.items) > b.k {
		b.items = b.items[:b.k]
	}
}

func (b *best) ids() []any {
	ids := make([]any, len(b.items))
	for i, r := range b.items {
		ids[i] = r.id
	}
	return ids
}

// Vectors are stored as little-endian float32s.
func packVector(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// unpackVector decodes b into dst, reusing its backing array.
func unpackVector(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector: %d bytes", len(b))
	}
	dst = slices.Grow(dst[:0], len(b)/4)
	for off := 0; off < len(b); off += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	return dst, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine is dot(a, b) / (an * |b|) with an = |a| precomputed.
func cosine(a, b []float32, an float32) float32 {
	var dot, bb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bb += float64(b[i]) * float64(b[i])
	}
	if bb == 0 {
		return 0
	}
	return float32(dot / (float64(an) * math.Sqrt(bb)))
}
