package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/andiggi/voidd/internal/verrors"
)

// maxLineBytes is the floor the spec requires (16 MiB) plus headroom, so a
// single oversized request never gets truncated mid-object.
const maxLineBytes = 32 * 1024 * 1024

// requestTimeout bounds how long a single RPC may run before its context
// is cancelled, per the 60s overall-request budget in the spec.
const requestTimeout = 60 * time.Second

// ErrMethodNotFound is returned by a Handler for a method name it does not
// recognize. Run maps it to JSON-RPC code -32601.
var ErrMethodNotFound = errors.New("method not found")

// Handler processes one already-framed RPC call and returns its result or
// an error. Implementations distinguish failure kinds via verrors.Kind so
// Run can translate them into the wire error shape.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Run reads newline-delimited JSON-RPC requests from r, dispatches each to
// handler on a bounded worker pool, and writes responses to w in whatever
// order they complete — correlation is solely by id, never by arrival
// order. Run returns when r is exhausted (EOF) or ctx is cancelled, after
// every in-flight worker has finished.
func Run(ctx context.Context, r io.Reader, w io.Writer, handler Handler, logger *slog.Logger) error {
	poolSize := int64(max(4, 2*runtime.NumCPU()))
	sem := semaphore.NewWeighted(poolSize)

	results := make(chan Response, poolSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(w, results)
	}()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		scanErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				results <- newError(nil, codeParseError, "parse error", nil)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				break readLoop // context cancelled while waiting for a free worker slot
			}
			wg.Add(1)
			go func(req Request) {
				defer wg.Done()
				defer sem.Release(1)
				dispatch(ctx, req, handler, results, logger)
			}(req)
		}
	}

	wg.Wait()
	close(results)
	<-writerDone

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("read request stream: %w", err)
		}
	default:
	}
	return nil
}

// dispatch runs a single request through handler, recovering from panics
// so one worker's crash never takes down the daemon, and converts the
// outcome into a Response unless the request was a notification.
func dispatch(ctx context.Context, req Request, handler Handler, results chan<- Response, logger *slog.Logger) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	result, err := safeHandle(reqCtx, req, handler, logger)
	if req.isNotification() {
		return
	}

	if err != nil {
		results <- errorResponse(req.ID, err)
		return
	}
	results <- newResult(req.ID, result)
}

func safeHandle(ctx context.Context, req Request, handler Handler, logger *slog.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("worker panic", "method", req.Method, "recovered", r)
			}
			err = verrors.New(verrors.Internal, fmt.Sprintf("panic in handler: %v", r))
		}
	}()
	return handler.Handle(ctx, req.Method, req.Params)
}

func errorResponse(id json.RawMessage, err error) Response {
	if errors.Is(err, ErrMethodNotFound) {
		return newError(id, codeMethodNotFound, err.Error(), nil)
	}
	kind := verrors.KindOf(err)
	if kind == verrors.InvalidParams {
		return newError(id, codeInvalidParams, err.Error(), map[string]string{"kind": string(kind)})
	}
	return newError(id, codeInternal, err.Error(), map[string]string{"kind": string(kind)})
}

// writeLoop is the single writer task: every Response is marshalled and
// written as exactly one line, so concurrent workers can never interleave
// partial JSON objects on the wire.
func writeLoop(w io.Writer, results <-chan Response) {
	bw := bufio.NewWriter(w)
	for resp := range results {
		data, err := json.Marshal(resp)
		if err != nil {
			continue // unmarshalable result is an implementation bug, not a wire failure to report
		}
		_, _ = bw.Write(data)
		_, _ = bw.WriteString("\n")
		_ = bw.Flush()
	}
}

