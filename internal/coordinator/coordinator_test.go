package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andiggi/voidd/internal/verrors"
)

// fakeEmbedServer maps request prompts to fixed vectors by exact-match so
// tests can control similarity deterministically.
func fakeEmbedServer(t *testing.T, vectors map[string][]float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		vec, ok := vectors[req.Prompt]
		if !ok {
			vec = []float64{0, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
}

func mustHandle(t *testing.T, c *Coordinator, method string, params any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	result, err := c.Handle(context.Background(), method, raw)
	require.NoError(t, err)
	out, err := json.Marshal(result)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m
}

func newTestCoordinator(t *testing.T, embedURL string) *Coordinator {
	t.Helper()
	c, _ := newTestCoordinatorWithWorkspace(t, embedURL)
	return c
}

// newTestCoordinatorWithWorkspace is like newTestCoordinator but also
// returns the workspace directory, for tests that need to write files
// indexFile will read from disk.
func newTestCoordinatorWithWorkspace(t *testing.T, embedURL string) (*Coordinator, string) {
	t.Helper()
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	workspace := t.TempDir()
	_, err := c.Handle(context.Background(), "initialize", mustJSON(t, map[string]string{
		"workspacePath": workspace,
		"ollamaUrl":     embedURL,
	}))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, workspace
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestUninitializedRejectsOtherMethods(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	_, err := c.Handle(context.Background(), "search", mustJSON(t, map[string]string{"query": "x"}))
	require.Error(t, err)
	assert.Equal(t, verrors.UnInitialized, verrors.KindOf(err))
}

func TestInitializeIsIdempotent(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	workspace := t.TempDir()
	params := map[string]string{"workspacePath": workspace}
	t.Cleanup(c.Shutdown)

	_, err := c.Handle(context.Background(), "initialize", mustJSON(t, params))
	require.NoError(t, err)
	_, err = c.Handle(context.Background(), "initialize", mustJSON(t, params))
	require.NoError(t, err)
}

func TestInitializeWithDifferentParamsFails(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	t.Cleanup(c.Shutdown)

	_, err := c.Handle(context.Background(), "initialize", mustJSON(t, map[string]string{"workspacePath": t.TempDir()}))
	require.NoError(t, err)

	_, err = c.Handle(context.Background(), "initialize", mustJSON(t, map[string]string{"workspacePath": t.TempDir()}))
	require.Error(t, err)
	assert.Equal(t, verrors.AlreadyInitialized, verrors.KindOf(err))
}

func TestSearchOnNeverWrittenStoreReturnsEmpty(t *testing.T) {
	srv := fakeEmbedServer(t, nil)
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	result := mustHandle(t, c, "search", map[string]any{"query": "anything", "limit": 5})
	assert.Empty(t, result["chunks"])
	assert.Empty(t, result["scores"])
}

func TestIndexChunksThenSearchFindsBestMatch(t *testing.T) {
	srv := fakeEmbedServer(t, map[string][]float64{
		"def f():\n    return 1": {1, 0, 0},
		"def g():\n    return 2": {0, 1, 0},
		"return 1":               {1, 0, 0},
	})
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	indexed := mustHandle(t, c, "indexChunks", map[string]any{
		"path": "a.py",
		"chunks": []map[string]any{
			{"content": "def f():\n    return 1", "startLine": 1, "endLine": 2, "chunkType": "function"},
			{"content": "def g():\n    return 2", "startLine": 3, "endLine": 4, "chunkType": "function"},
		},
	})
	assert.Equal(t, float64(2), indexed["indexed"])

	result := mustHandle(t, c, "search", map[string]any{"query": "return 1", "limit": 1})
	chunks := result["chunks"].([]any)
	require.Len(t, chunks, 1)
	first := chunks[0].(map[string]any)
	assert.Contains(t, first["content"], "def f")
}

func TestIndexChunksReplacesAtomically(t *testing.T) {
	srv := fakeEmbedServer(t, map[string][]float64{
		"def f():\n    return 1": {1, 0, 0},
		"def h(): pass":          {0, 0, 1},
		"return 1":               {1, 0, 0},
	})
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	mustHandle(t, c, "indexChunks", map[string]any{
		"path": "a.py",
		"chunks": []map[string]any{
			{"content": "def f():\n    return 1", "startLine": 1, "endLine": 2, "chunkType": "function"},
		},
	})
	mustHandle(t, c, "indexChunks", map[string]any{
		"path": "a.py",
		"chunks": []map[string]any{
			{"content": "def h(): pass", "startLine": 1, "endLine": 1, "chunkType": "function"},
		},
	})

	result := mustHandle(t, c, "search", map[string]any{"query": "return 1", "limit": 5})
	chunks := result["chunks"].([]any)
	for _, raw := range chunks {
		ch := raw.(map[string]any)
		assert.NotContains(t, ch["content"], "def f")
	}
}

func TestDeleteFileRemovesAllRows(t *testing.T) {
	srv := fakeEmbedServer(t, map[string][]float64{
		"def f(): pass": {1, 0, 0},
		"anything":      {1, 0, 0},
	})
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	mustHandle(t, c, "indexChunks", map[string]any{
		"path": "a.py",
		"chunks": []map[string]any{
			{"content": "def f(): pass", "startLine": 1, "endLine": 1, "chunkType": "function"},
		},
	})
	deleted := mustHandle(t, c, "deleteFile", map[string]any{"path": "a.py"})
	assert.Equal(t, true, deleted["deleted"])

	result := mustHandle(t, c, "search", map[string]any{"query": "anything", "limit": 5})
	assert.Empty(t, result["chunks"])
}

func TestDimensionMismatchAbortsIndexing(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		dim := 3
		if calls > 1 {
			dim = 2
		}
		vec := make([]float64, dim)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	mustHandle(t, c, "indexChunks", map[string]any{
		"path": "a.py",
		"chunks": []map[string]any{
			{"content": "first", "startLine": 1, "endLine": 1, "chunkType": "function"},
		},
	})

	_, err := c.Handle(context.Background(), "indexChunks", mustJSON(t, map[string]any{
		"path": "b.py",
		"chunks": []map[string]any{
			{"content": "second", "startLine": 1, "endLine": 1, "chunkType": "function"},
		},
	}))
	require.Error(t, err)
	assert.Equal(t, verrors.EmbedDimMismatch, verrors.KindOf(err))
}

// TestIndexFileConcurrentSameFileNeverInterleaves covers spec.md §8
// scenario (f): overlapping indexFile calls for the same path must never
// merge into a doubled row set, however many rounds they race across.
func TestIndexFileConcurrentSameFileNeverInterleaves(t *testing.T) {
	srv := fakeEmbedServer(t, nil) // every prompt maps to {0,0,0}; content is irrelevant here
	defer srv.Close()
	c, workspace := newTestCoordinatorWithWorkspace(t, srv.URL)

	path := filepath.Join(workspace, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("echo hello\necho world\n"), 0o644))

	const rounds = 50
	const concurrency = 5
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		errs := make([]error, concurrency)
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.indexFile(context.Background(), "script.sh")
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		results, err := c.store.Search(context.Background(), []float32{0, 0, 0}, 100)
		require.NoError(t, err)
		require.Lenf(t, results, 1, "round %d: expected exactly one row for script.sh, got %d", round, len(results))
	}
}

func TestShutdownRejectsSubsequentRequests(t *testing.T) {
	srv := fakeEmbedServer(t, nil)
	defer srv.Close()
	c := newTestCoordinator(t, srv.URL)

	_, err := c.Handle(context.Background(), "shutdown", mustJSON(t, map[string]any{}))
	require.NoError(t, err)
	c.Shutdown() // idempotent: wait for the async goroutine's work deterministically

	_, err = c.Handle(context.Background(), "search", mustJSON(t, map[string]string{"query": "x"}))
	require.Error(t, err)
	assert.Equal(t, verrors.ShuttingDown, verrors.KindOf(err))
}
