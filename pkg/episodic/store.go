// Package episodic implements the vector-indexed free-form memory
// store: add/search/delete over embedded text with metadata,
// time-decayed and importance-weighted retrieval, semantic delete, and
// periodic cleanup.
//
// Embeddings are stored as BLOB columns next to their document row in
// SQLite rather than handed to an external vector-DB process.
// Nearest-neighbor search is a brute-force cosine scan, which is the
// right trade for a collection sized for one persona's conversation
// history rather than a production embedding index.
package episodic

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
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrIndexCorrupt is returned (wrapped) when the documents table or
// its metadata companion can't be read back.
var ErrIndexCorrupt = errors.New("episodic: vector index corrupt")

// Metadata describes one memory document. Category/Source/Importance
// drive the ranking formula and filters; CreatedAt defaults to now.
// ConsolidatedFromCount is non-zero only on documents produced by the
// dream consolidator, recording how many fragments were merged.
type Metadata struct {
	Category              string    `json:"category,omitempty"`
	Source                string    `json:"source"`
	Importance            float64   `json:"importance"`
	CreatedAt             time.Time `json:"created_at"`
	ConsolidatedFromCount int       `json:"consolidated_from_count,omitempty"`
}

type document struct {
	ID   string
	Text string
	Meta Metadata
}

// Store is the episodic memory store for one collection.
type Store struct {
	db         *sql.DB
	embed      Embedder
	log        zerolog.Logger
	mu         sync.Mutex // single writer per collection
	dims       int
	collection string
}

// Open creates/migrates the SQLite database at dbPath and loads the
// collection's dimensionality if it was already created, otherwise
// leaves it unset until the first successful AddTexts call.
func Open(ctx context.Context, dbPath, collection string, embed Embedder, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("episodic: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("episodic: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		embed:      embed,
		log:        log.With().Str("component", "episodic").Str("collection", collection).Logger(),
		collection: collection,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	s.dims, _ = s.loadDims(ctx)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS memory_meta (
	collection TEXT PRIMARY KEY,
	dims INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT 'interaction',
	importance REAL NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	consolidated_from_count INTEGER NOT NULL DEFAULT 0,
	embedding BLOB
);`)
	return err
}

func (s *Store) loadDims(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT dims FROM memory_meta WHERE collection = ?`, s.collection)
	var dims int
	if err := row.Scan(&dims); err != nil {
		return 0, err
	}
	return dims, nil
}

func (s *Store) saveDims(ctx context.Context, dims int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_meta (collection, dims) VALUES (?, ?)
ON CONFLICT(collection) DO UPDATE SET dims=excluded.dims`, s.collection, dims)
	return err
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

// contentID derives a stable ID from the document text plus a salt
// (AddTexts passes the text's index within its batch), so re-adding
// identical content at the same batch position overwrites the existing
// row; the same text at a different position gets a different ID.
func contentID(text string, salt int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", text, salt)))
	return "mem_" + hex.EncodeToString(h[:])[:24]
}

// AddTexts embeds and upserts texts with optional per-text metadata
// (defaults: source=interaction, importance=1, created_at=now). It
// returns the generated/assigned IDs in order.
func (s *Store) AddTexts(ctx context.Context, texts []string, metas []Metadata) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := s.embed.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("episodic: add_texts embed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims == 0 && len(vectors) > 0 && len(vectors[0]) > 0 {
		s.dims = len(vectors[0])
		if err := s.saveDims(ctx, s.dims); err != nil {
			s.log.Warn().Err(err).Msg("episodic: failed to persist collection dimensionality")
		}
	}

	ids := make([]string, len(texts))
	now := time.Now()
	for i, text := range texts {
		meta := Metadata{Source: "interaction", Importance: 1, CreatedAt: now}
		if i < len(metas) {
			meta = metas[i]
			if meta.Source == "" {
				meta.Source = "interaction"
			}
			if meta.Importance == 0 {
				meta.Importance = 1
			}
			if meta.CreatedAt.IsZero() {
				meta.CreatedAt = now
			}
		}
		id := contentID(text, i)
		var blob []byte
		if i < len(vectors) {
			blob = vectorToBlob(vectors[i])
		}
		_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (id, text, category, source, importance, created_at, consolidated_from_count, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET text=excluded.text, category=excluded.category,
	source=excluded.source, importance=excluded.importance, created_at=excluded.created_at,
	consolidated_from_count=excluded.consolidated_from_count, embedding=excluded.embedding`,
			id, text, meta.Category, meta.Source, meta.Importance, meta.CreatedAt, meta.ConsolidatedFromCount, blob)
		if err != nil {
			return nil, fmt.Errorf("episodic: add_texts write %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

type candidate struct {
	doc      document
	distance float64
}

// searchCandidates embeds the query and brute-force scans all stored
// embeddings for the poolSize nearest by cosine distance (1-cosine).
// Brute force is correct and simple for the data sizes one persona's
// store reaches, and keeps the ranking and filter logic out of the
// SQL layer.
func (s *Store) searchCandidates(ctx context.Context, query string, poolSize int) ([]candidate, error) {
	qvecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrIndexCorrupt, err)
	}
	if len(qvecs) == 0 {
		return nil, nil
	}
	qvec := qvecs[0]

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, category, source, importance, created_at, consolidated_from_count, embedding FROM documents`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	defer rows.Close()

	var all []candidate
	for rows.Next() {
		var d document
		var blob []byte
		if err := rows.Scan(&d.ID, &d.Text, &d.Meta.Category, &d.Meta.Source, &d.Meta.Importance, &d.Meta.CreatedAt, &d.Meta.ConsolidatedFromCount, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrIndexCorrupt, err)
		}
		if len(blob) == 0 {
			continue
		}
		vec := blobToVector(blob)
		sim := cosineSimilarity(qvec, vec)
		all = append(all, candidate{doc: d, distance: 1 - sim})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].distance < all[j].distance })
	if poolSize > 0 && len(all) > poolSize {
		all = all[:poolSize]
	}
	return all, nil
}

// Search ranks a candidate pool of k*5 nearest documents: dedup by
// text, category/importance filters, composite score, top-k texts
// returned.
func (s *Store) Search(ctx context.Context, query string, k int, categories []string, sourceBoosts map[string]float64, importanceThreshold float64) ([]string, error) {
	if k <= 0 {
		k = 3
	}
	candidates, err := s.searchCandidates(ctx, query, k*5)
	if err != nil {
		s.log.Warn().Err(err).Msg("episodic: search failed, returning empty result")
		return nil, nil
	}

	now := time.Now()
	seen := map[string]bool{}
	type scored struct {
		text  string
		score float64
	}
	var out []scored
	for _, c := range candidates {
		if seen[c.doc.Text] {
			continue
		}
		seen[c.doc.Text] = true

		if len(categories) > 0 && !containsStr(categories, c.doc.Meta.Category) {
			continue
		}
		if c.doc.Meta.Importance < importanceThreshold {
			continue
		}

		score := scoreCandidate(c.distance, c.doc.Meta.CreatedAt, now, c.doc.Meta.Importance, c.doc.Meta.Source, query, c.doc.Text, sourceBoosts)
		out = append(out, scored{text: c.doc.Text, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > k {
		out = out[:k]
	}
	texts := make([]string, len(out))
	for i, o := range out {
		texts[i] = o.text
	}
	return texts, nil
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// SearchByKeyword does a case-insensitive substring match across all
// stored documents, ranked by embedding distance to the keyword when
// available.
func (s *Store) SearchByKeyword(ctx context.Context, keyword string, k int) ([]string, error) {
	candidates, err := s.searchCandidates(ctx, keyword, 0)
	if err != nil {
		return nil, nil
	}
	var matches []candidate
	lowerKW := strings.ToLower(keyword)
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.doc.Text), lowerKW) {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].distance < matches[j].distance })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.doc.Text
	}
	return out, nil
}

// DeleteBySemantic embeds the query, finds the 10 nearest candidates,
// and deletes every candidate whose cosine similarity exceeds
// threshold, returning the count removed.
func (s *Store) DeleteBySemantic(ctx context.Context, query string, threshold float64) (int, error) {
	candidates, err := s.searchCandidates(ctx, query, 10)
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for _, c := range candidates {
		similarity := 1 - c.distance
		if similarity > threshold {
			toDelete = append(toDelete, c.doc.ID)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.Delete(ctx, toDelete); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// Delete removes the given document IDs.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("episodic: delete %s: %w", id, err)
		}
	}
	return nil
}

// ClearAll drops every stored document in the collection.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents`)
	return err
}

// Cleanup implements the periodic maintenance job (default every 6h):
// prune documents older than maxAge, then sample up to 10 documents
// and collapse near-duplicates via DeleteBySemantic(threshold=0.9).
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE created_at < ?`, cutoff)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("episodic: cleanup age prune: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info().Int64("count", n).Msg("episodic: pruned aged-out documents")
	}

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `SELECT text FROM documents LIMIT 10`)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("episodic: cleanup sample: %w", err)
	}
	var samples []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("episodic: cleanup sample scan: %w", err)
		}
		samples = append(samples, t)
	}
	rows.Close()

	for _, sample := range samples {
		n, err := s.DeleteBySemantic(ctx, sample, 0.9)
		if err != nil {
			s.log.Warn().Err(err).Msg("episodic: semantic dedup pass failed")
			continue
		}
		if n > 0 {
			s.log.Info().Int("count", n).Msg("episodic: collapsed near-duplicate documents")
		}
	}
	return nil
}

// PruneByImportance deletes every document whose importance equals
// exactly importance and whose age exceeds minAge, returning the
// count removed. Backs the dream consolidator's prune phase.
func (s *Store) PruneByImportance(ctx context.Context, importance float64, minAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-minAge)
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE importance = ? AND created_at < ?`, importance, cutoff)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("episodic: prune by importance: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ConsolidationCandidate is one document eligible for dream
// consolidation.
type ConsolidationCandidate struct {
	ID   string
	Text string
}

// CollectForConsolidation returns documents whose importance is in
// importances and whose age is under maxAge, backing the dream
// consolidator's consolidate phase.
func (s *Store) CollectForConsolidation(ctx context.Context, importances []float64, maxAge time.Duration) ([]ConsolidationCandidate, error) {
	if len(importances) == 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge)
	placeholders := make([]string, len(importances))
	args := make([]any, 0, len(importances)+1)
	for i, imp := range importances {
		placeholders[i] = "?"
		args = append(args, imp)
	}
	args = append(args, cutoff)

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, text FROM documents WHERE importance IN (%s) AND created_at > ? ORDER BY created_at ASC`,
		strings.Join(placeholders, ","),
	), args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("episodic: collect for consolidation: %w", err)
	}
	defer rows.Close()

	var out []ConsolidationCandidate
	for rows.Next() {
		var c ConsolidationCandidate
		if err := rows.Scan(&c.ID, &c.Text); err != nil {
			return nil, fmt.Errorf("episodic: collect for consolidation scan: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

