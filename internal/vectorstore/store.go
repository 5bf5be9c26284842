package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/andiggi/voidd/internal/verrors"
)

const (
	graphM        = 16
	graphEfSearch = 20
	graphMl       = 0.25
)

// Store is a project's durable vector database: SQLite is the system of
// record for every chunk row, and an in-memory coder/hnsw graph is a
// derived ANN index rebuilt from SQLite on Open. A crash can only lose
// work between two SQLite commits, never between a graph update and its
// backing row, because the graph is never itself the source of truth.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	lock *instanceLock

	graph     *hnsw.Graph[uint64]
	dimension int

	idMap   map[string]uint64 // row id -> graph key
	keyMap  map[uint64]string // graph key -> row id
	rows    map[uint64]Row    // graph key -> full row, for result hydration without a DB round trip
	byPath  map[string]map[uint64]struct{}
	nextKey uint64
}

// Open opens (creating if absent) the store rooted at dir, acquiring an
// exclusive process lock and rebuilding the in-memory index from the
// durable table.
func Open(dir string) (*Store, error) {
	lock := newInstanceLock(dir)
	if err := lock.tryLock(dir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "data.db"))
	if err != nil {
		_ = lock.unlock()
		return nil, verrors.Wrap(verrors.StoreOpen, "open database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if err := migrate(db); err != nil {
		_ = db.Close()
		_ = lock.unlock()
		return nil, err
	}

	s := &Store{
		db:     db,
		lock:   lock,
		graph:  hnsw.NewGraph[uint64](),
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		rows:   make(map[uint64]Row),
		byPath: make(map[string]map[uint64]struct{}),
	}
	s.graph.Distance = hnsw.CosineDistance
	s.graph.M = graphM
	s.graph.EfSearch = graphEfSearch
	s.graph.Ml = graphMl

	if err := s.rebuild(); err != nil {
		_ = db.Close()
		_ = lock.unlock()
		return nil, err
	}
	return s, nil
}

// rebuild populates the in-memory graph and lookup maps from the chunks
// table. Called once, during Open.
func (s *Store) rebuild() error {
	if dim, ok, err := s.loadDimension(); err != nil {
		return err
	} else if ok {
		s.dimension = dim
	}

	rows, err := s.db.Query(`SELECT id, path, content, start_line, end_line, chunk_type, vector FROM chunks`)
	if err != nil {
		return verrors.Wrap(verrors.StoreRead, "query chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, path, content, chunkType string
			startLine, endLine           int
			blob                         []byte
		)
		if err := rows.Scan(&id, &path, &content, &startLine, &endLine, &chunkType, &blob); err != nil {
			return verrors.Wrap(verrors.StoreRead, "scan chunk row", err)
		}
		row := Row{
			ID:        id,
			Path:      path,
			Content:   content,
			StartLine: startLine,
			EndLine:   endLine,
			ChunkType: chunkType,
			Vector:    decodeVector(blob),
		}
		s.indexRow(row)
	}
	if err := rows.Err(); err != nil {
		return verrors.Wrap(verrors.StoreRead, "iterate chunk rows", err)
	}
	return nil
}

func (s *Store) loadDimension() (int, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaKeyDimension).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, verrors.Wrap(verrors.StoreRead, "load dimension", err)
	}
	var dim int
	if _, err := fmt.Sscanf(value, "%d", &dim); err != nil {
		return 0, false, verrors.Wrap(verrors.StoreRead, "parse stored dimension", err)
	}
	return dim, true, nil
}

// indexRow inserts row into the in-memory graph and lookup maps. Caller
// holds s.mu (or is the single-threaded rebuild during Open).
func (s *Store) indexRow(row Row) {
	vec := normalized(row.Vector)
	key := s.nextKey
	s.nextKey++

	s.graph.Add(hnsw.MakeNode(key, vec))
	s.idMap[row.ID] = key
	s.keyMap[key] = row.ID
	s.rows[key] = row
	if s.byPath[row.Path] == nil {
		s.byPath[row.Path] = make(map[uint64]struct{})
	}
	s.byPath[row.Path][key] = struct{}{}
}

// forgetPath lazily removes every row indexed under path from the graph's
// lookup maps, leaving orphaned nodes in the graph itself — coder/hnsw has
// no safe delete for the last remaining node, so the teacher's lazy
// deletion trick applies here too.
func (s *Store) forgetPath(path string) {
	for key := range s.byPath[path] {
		id := s.keyMap[key]
		delete(s.keyMap, key)
		delete(s.idMap, id)
		delete(s.rows, key)
	}
	delete(s.byPath, path)
}

// UpsertFile atomically replaces every row for path with rows. An empty
// rows slice is equivalent to deleting path.
func (s *Store) UpsertFile(ctx context.Context, path string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDimension(rows); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verrors.Wrap(verrors.StoreWrite, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return verrors.Wrap(verrors.StoreWrite, "delete existing rows for path", err)
	}

	assigned := make([]Row, len(rows))
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (id, path, content, start_line, end_line, chunk_type, vector) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return verrors.Wrap(verrors.StoreWrite, "prepare insert", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		row.Path = path
		if _, err := stmt.ExecContext(ctx, row.ID, row.Path, row.Content, row.StartLine, row.EndLine, row.ChunkType, encodeVector(row.Vector)); err != nil {
			return verrors.Wrap(verrors.StoreWrite, "insert chunk row", err)
		}
		assigned[i] = row
	}

	if err := s.persistDimension(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return verrors.Wrap(verrors.StoreWrite, "commit transaction", err)
	}

	s.forgetPath(path)
	for _, row := range assigned {
		s.indexRow(row)
	}
	return nil
}

// DeleteFile removes every row indexed under path.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return verrors.Wrap(verrors.StoreWrite, "delete rows for path", err)
	}
	s.forgetPath(path)
	return nil
}

// checkDimension enforces the store's write-once learned dimension
// against an incoming batch. Caller holds s.mu.
func (s *Store) checkDimension(rows []Row) error {
	for _, row := range rows {
		if s.dimension == 0 {
			s.dimension = len(row.Vector)
			continue
		}
		if len(row.Vector) != s.dimension {
			return verrors.New(verrors.StoreWrite, fmt.Sprintf(
				"vector has dimension %d, store is locked to %d", len(row.Vector), s.dimension))
		}
	}
	return nil
}

func (s *Store) persistDimension(ctx context.Context, tx *sql.Tx) error {
	if s.dimension == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeyDimension, fmt.Sprintf("%d", s.dimension))
	if err != nil {
		return verrors.Wrap(verrors.StoreWrite, "persist dimension", err)
	}
	return nil
}

// Search returns up to k rows nearest to query, scored by cosine
// similarity, highest score first.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(query) != s.dimension {
		return nil, verrors.New(verrors.InvalidParams, fmt.Sprintf(
			"query vector has dimension %d, store is locked to %d", len(query), s.dimension))
	}
	if s.graph.Len() == 0 || k <= 0 {
		return []Result{}, nil
	}

	normalizedQuery := normalized(query)
	nodes := s.graph.Search(normalizedQuery, k)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		row, ok := s.rows[node.Key]
		if !ok {
			continue // orphaned node left behind by a lazy delete
		}
		distance := s.graph.Distance(normalizedQuery, node.Value)
		results = append(results, Result{
			Path:      row.Path,
			Content:   row.Content,
			StartLine: row.StartLine,
			EndLine:   row.EndLine,
			ChunkType: row.ChunkType,
			Score:     1.0 - distance/2.0,
		})
	}
	return results, nil
}

// Dimension returns the store's learned embedding dimension, or 0 if no
// row has ever been written.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Close releases the database handle and the process lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if unlockErr := s.lock.unlock(); err == nil {
		err = unlockErr
	}
	return err
}

func normalized(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	var sumSquares float64
	for _, v := range out {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return out
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range out {
		out[i] /= norm
	}
	return out
}
