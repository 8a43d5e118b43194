package persona

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrIndexCorrupt wraps any failure to read a collection back; the
// caller treats it as corruption and triggers drop-and-rebuild.
var ErrIndexCorrupt = errors.New("persona: vector index corrupt")

// Embedder mirrors episodic.Embedder; persona keeps its own interface
// so this package has no compile-time dependency on pkg/episodic and
// the two vector stores stay independent.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// index is a single named vector collection (extended or contextual),
// backed by its own SQLite table in a shared database file.
type index struct {
	db    *sql.DB
	table string
	embed Embedder
	mu    sync.Mutex
	log   zerolog.Logger
}

func openIndex(ctx context.Context, db *sql.DB, table string, embed Embedder, log zerolog.Logger) (*index, error) {
	idx := &index{db: db, table: table, embed: embed, log: log}
	if err := idx.createTable(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *index) createTable(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	embedding BLOB
);`, idx.table))
	return err
}

func entryID(prefix, text string) string {
	h := sha256.Sum256([]byte(text))
	return prefix + "_" + hex.EncodeToString(h[:])[:24]
}

// rebuild clears the table and reindexes the given entries from
// scratch, used both for Index() and for self-healing rebuilds.
func (idx *index) rebuild(ctx context.Context, prefix string, entries []Entry, tagEncoder func(map[string]string) string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", idx.table)); err != nil {
		return fmt.Errorf("persona: clear %s: %w", idx.table, err)
	}
	if len(entries) == 0 {
		return nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	vectors, err := idx.embed.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("persona: embed %s: %w", idx.table, err)
	}

	for i, e := range entries {
		id := entryID(prefix, e.Text)
		var blob []byte
		if i < len(vectors) {
			blob = vectorToBlob(vectors[i])
		}
		_, err := idx.db.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (id, text, tags, embedding) VALUES (?, ?, ?, ?)", idx.table),
			id, e.Text, tagEncoder(e.Tags), blob)
		if err != nil {
			return fmt.Errorf("persona: write %s: %w", idx.table, err)
		}
	}
	return nil
}

type scoredText struct {
	text string
	dist float64
}

// search returns the k nearest texts by cosine distance, lowest first.
func (idx *index) search(ctx context.Context, query string, k int) ([]string, error) {
	qvecs, err := idx.embed.Embed(ctx, []string{query})
	if err != nil || len(qvecs) == 0 {
		return nil, fmt.Errorf("%w: embed query: %v", ErrIndexCorrupt, err)
	}
	qvec := qvecs[0]

	idx.mu.Lock()
	rows, err := idx.db.QueryContext(ctx, fmt.Sprintf("SELECT text, embedding FROM %s", idx.table))
	idx.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	defer rows.Close()

	var results []scoredText
	for rows.Next() {
		var text string
		var blob []byte
		if err := rows.Scan(&text, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrIndexCorrupt, err)
		}
		if len(blob) == 0 {
			continue
		}
		vec := blobToVector(blob)
		results = append(results, scoredText{text: text, dist: 1 - cosineSimilarity(qvec, vec)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.text
	}
	return out, nil
}

func vectorToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func blobToVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func openSharedDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("persona: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("persona: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
