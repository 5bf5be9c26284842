// Package coordinator wires the watcher, chunker, embedder, and vector
// store together behind the RPC bridge's Handler interface, and owns the
// daemon's lifecycle state machine (unready -> ready -> draining).
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/andiggi/voidd/internal/bridge"
	"github.com/andiggi/voidd/internal/chunk"
	"github.com/andiggi/voidd/internal/config"
	"github.com/andiggi/voidd/internal/embed"
	"github.com/andiggi/voidd/internal/vectorstore"
	"github.com/andiggi/voidd/internal/verrors"
	"github.com/andiggi/voidd/internal/watcher"
)

const (
	embedPermits  = 8
	drainTimeout  = 5 * time.Second
	defaultLimit  = 10
	minLimit      = 1
	maxLimit      = 100
)

// Coordinator implements bridge.Handler and is the daemon's single
// process-wide owner of the store, embedder, and watcher.
type Coordinator struct {
	logger *slog.Logger
	cancel context.CancelFunc

	mu          sync.Mutex
	initialized bool
	draining    bool
	cfg         config.Config
	store       *vectorstore.Store
	embedder    embed.Embedder
	watcher     *watcher.Watcher

	inflight     sync.WaitGroup
	shutdownOnce sync.Once

	sem   *semaphore.Weighted
	paths *pathLocks
}

// New builds a Coordinator. cancel is called once the drain-and-close
// shutdown sequence completes, so the caller's bridge.Run can stop reading
// further input.
func New(logger *slog.Logger, cancel context.CancelFunc) *Coordinator {
	return &Coordinator{
		logger: logger,
		cancel: cancel,
		sem:    semaphore.NewWeighted(embedPermits),
		paths:  newPathLocks(),
	}
}

// Handle implements bridge.Handler.
func (c *Coordinator) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method == "initialize" {
		return c.handleInitialize(params)
	}

	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	switch method {
	case "indexChunks":
		return c.handleIndexChunks(ctx, params)
	case "indexFile":
		return c.handleIndexFile(ctx, params)
	case "deleteFile":
		return c.handleDeleteFile(ctx, params)
	case "search":
		return c.handleSearch(ctx, params)
	case "shutdown":
		return c.handleShutdownRPC()
	default:
		return nil, bridge.ErrMethodNotFound
	}
}

// enter validates the lifecycle state and, if the request may proceed,
// registers it as in-flight. Must be paired with c.inflight.Done() by the
// caller on success.
func (c *Coordinator) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return verrors.New(verrors.ShuttingDown, "daemon is shutting down")
	}
	if !c.initialized {
		return verrors.New(verrors.UnInitialized, "initialize must be called before any other method")
	}
	c.inflight.Add(1)
	return nil
}

type initializeParams struct {
	WorkspacePath string `json:"workspacePath"`
	OllamaURL     string `json:"ollamaUrl"`
	OllamaModel   string `json:"ollamaModel"`
	DBPath        string `json:"dbPath"`
}

func (c *Coordinator) handleInitialize(raw json.RawMessage) (any, error) {
	var p initializeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.Wrap(verrors.InvalidParams, "decode initialize params", err)
	}
	if p.WorkspacePath == "" {
		return nil, verrors.New(verrors.InvalidParams, "workspacePath is required")
	}

	newCfg := config.New(p.WorkspacePath, p.OllamaURL, p.OllamaModel, p.DBPath)

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, verrors.New(verrors.ShuttingDown, "daemon is shutting down")
	}
	if c.initialized {
		same := c.cfg.Equal(newCfg)
		c.mu.Unlock()
		if same {
			return map[string]string{"status": "initialized"}, nil
		}
		return nil, verrors.New(verrors.AlreadyInitialized, "daemon already initialized with different parameters")
	}

	c.cfg = newCfg
	c.initialized = true
	client := embed.New(newCfg.EmbedderURL, newCfg.EmbedderModel)
	c.embedder = embed.NewCached(client, newCfg.EmbedderModel, 0)
	c.mu.Unlock()

	c.startWatcher(newCfg.WorkspacePath)

	return map[string]string{"status": "initialized"}, nil
}

func (c *Coordinator) startWatcher(root string) {
	w, err := watcher.Watch(context.Background(), root)
	if err != nil {
		c.logger.Error("failed to start watcher", "root", root, "error", err)
		return
	}

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()

	go func() {
		for ev := range w.Events() {
			relPath, err := workspaceRelative(root, ev.Path)
			if err != nil {
				c.logger.Error("watcher event path outside workspace", "root", root, "path", ev.Path, "error", err)
				continue
			}

			switch ev.Kind {
			case watcher.Deleted:
				if err := c.deleteFile(context.Background(), relPath); err != nil {
					c.logger.Error("watcher-triggered delete failed", "path", relPath, "error", err)
				}
			default:
				if _, err := c.indexFile(context.Background(), relPath); err != nil {
					c.logger.Error("watcher-triggered reindex failed", "path", relPath, "error", err)
				}
			}
		}
	}()
}

// workspaceRelative converts the watcher's absolute path into the same
// workspace-relative, forward-slash form RPC callers use, so a file indexed
// via the watcher and one indexed via indexFile/indexChunks share one path
// key and replace each other atomically.
func workspaceRelative(root, absPath string) (string, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

type chunkParam struct {
	Content   string `json:"content"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	ChunkType string `json:"chunkType"`
}

type indexChunksParams struct {
	Path   string       `json:"path"`
	Chunks []chunkParam `json:"chunks"`
}

func (c *Coordinator) handleIndexChunks(ctx context.Context, raw json.RawMessage) (any, error) {
	var p indexChunksParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.Wrap(verrors.InvalidParams, "decode indexChunks params", err)
	}
	if p.Path == "" {
		return nil, verrors.New(verrors.InvalidParams, "path is required")
	}

	rows := make([]vectorstore.Row, len(p.Chunks))
	for i, ch := range p.Chunks {
		rows[i] = vectorstore.Row{
			Path:      p.Path,
			Content:   ch.Content,
			StartLine: ch.StartLine,
			EndLine:   ch.EndLine,
			ChunkType: ch.ChunkType,
		}
	}

	n, err := c.indexRows(ctx, p.Path, rows)
	if err != nil {
		return nil, err
	}
	return map[string]int{"indexed": n}, nil
}

type pathOnlyParams struct {
	Path string `json:"path"`
}

func (c *Coordinator) handleIndexFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var p pathOnlyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.Wrap(verrors.InvalidParams, "decode indexFile params", err)
	}
	if p.Path == "" {
		return nil, verrors.New(verrors.InvalidParams, "path is required")
	}

	n, err := c.indexFile(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]int{"indexed": n}, nil
}

// indexFile reads path (workspace-relative, forward-slash), chunks it, and
// replaces its rows under that same relative key. Shared by the indexFile
// RPC and the watcher's reindex path, so both sources of a reindex for one
// file collide on one path and replace each other atomically.
func (c *Coordinator) indexFile(ctx context.Context, path string) (int, error) {
	if !config.IsEligibleExtension(path) {
		return 0, nil // ineligible extension: not indexed, prior rows untouched
	}

	c.mu.Lock()
	workspace := c.cfg.WorkspacePath
	c.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(path)))
	if err != nil {
		return 0, verrors.Wrap(verrors.FileRead, "read "+path, err)
	}

	language := config.LanguageForExtension(path)
	chunks := chunk.Chunk(path, language, content)

	rows := make([]vectorstore.Row, len(chunks))
	for i, ch := range chunks {
		rows[i] = vectorstore.Row{
			Path:      path,
			Content:   ch.Content,
			StartLine: ch.StartLine,
			EndLine:   ch.EndLine,
			ChunkType: string(ch.Type),
		}
	}
	return c.indexRows(ctx, path, rows)
}

// indexRows embeds each row's content and atomically replaces path's
// prior rows with the result. Serialized per path.
func (c *Coordinator) indexRows(ctx context.Context, path string, rows []vectorstore.Row) (int, error) {
	lock := c.paths.get(path)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	embedder := c.embedder
	c.mu.Unlock()

	for i := range rows {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return 0, verrors.Wrap(verrors.Internal, "acquire embed permit", err)
		}
		vec, err := embedder.Embed(ctx, rows[i].Content)
		c.sem.Release(1)
		if err != nil {
			return 0, err
		}
		rows[i].Vector = vec
	}

	store, err := c.ensureStore()
	if err != nil {
		return 0, err
	}
	if err := store.UpsertFile(ctx, path, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Coordinator) handleDeleteFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var p pathOnlyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.Wrap(verrors.InvalidParams, "decode deleteFile params", err)
	}
	if p.Path == "" {
		return nil, verrors.New(verrors.InvalidParams, "path is required")
	}
	if err := c.deleteFile(ctx, p.Path); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (c *Coordinator) deleteFile(ctx context.Context, path string) error {
	lock := c.paths.get(path)
	lock.Lock()
	defer lock.Unlock()

	store, err := c.ensureStore()
	if err != nil {
		return err
	}
	return store.DeleteFile(ctx, path)
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (c *Coordinator) handleSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var p searchParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.Wrap(verrors.InvalidParams, "decode search params", err)
	}
	if p.Query == "" {
		return nil, verrors.New(verrors.InvalidParams, "query is required")
	}
	limit := p.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	c.mu.Lock()
	embedder := c.embedder
	c.mu.Unlock()

	store, err := c.ensureStore()
	if err != nil {
		return nil, err
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, verrors.Wrap(verrors.Internal, "acquire embed permit", err)
	}
	vec, err := embedder.Embed(ctx, p.Query)
	c.sem.Release(1)
	if err != nil {
		return nil, err
	}

	results, err := store.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}

	chunks := make([]map[string]any, len(results))
	scores := make([]float64, len(results))
	for i, r := range results {
		chunks[i] = map[string]any{
			"path":      r.Path,
			"content":   r.Content,
			"startLine": r.StartLine,
			"endLine":   r.EndLine,
			"chunkType": r.ChunkType,
		}
		scores[i] = r.Score
	}
	return map[string]any{"chunks": chunks, "scores": scores}, nil
}

func (c *Coordinator) handleShutdownRPC() (any, error) {
	go c.Shutdown()
	return map[string]bool{"ok": true}, nil
}

// ensureStore lazily opens the vector store on the first request that reads
// or writes it, so rows persisted by an earlier run are visible to search
// and deleteFile as well as to writes.
func (c *Coordinator) ensureStore() (*vectorstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	s, err := vectorstore.Open(c.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	c.store = s
	return s, nil
}

// Shutdown drains in-flight requests (up to 5s), stops the watcher, closes
// the store, and cancels the bridge's context so its reader loop returns.
// Safe to call more than once or concurrently; only the first call acts.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.draining = true
		w := c.watcher
		c.mu.Unlock()

		waitTimeout(&c.inflight, drainTimeout)

		if w != nil {
			if err := w.Stop(); err != nil {
				c.logger.Error("failed to stop watcher during shutdown", "error", err)
			}
		}

		c.mu.Lock()
		store := c.store
		c.mu.Unlock()
		if store != nil {
			if err := store.Close(); err != nil {
				c.logger.Error("failed to close store during shutdown", "error", err)
			}
		}

		if c.cancel != nil {
			c.cancel()
		}
	})
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// pathLocks hands out a per-path mutex, creating it on first use and
// reusing it thereafter so concurrent operations on the same path
// serialize while distinct paths proceed independently.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}

