package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/andiggi/voidd/internal/config"
	"github.com/andiggi/voidd/internal/verrors"
)

// Watcher recursively watches a root directory, filters raw fsnotify
// events by the excluded-directory and eligible-extension sets, debounces
// same (path, kind) churn over a tail-edge window, and delivers the result
// through a bounded, non-blocking queue.
type Watcher struct {
	root string
	fsw  *fsnotify.Watcher
	out  chan Event
	q    *boundedQueue

	debounceMu sync.Mutex
	timers     map[string]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts watching root recursively. The returned Watcher's Events
// channel receives debounced events until Stop is called or ctx is done.
func Watch(ctx context.Context, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, verrors.Wrap(verrors.Internal, "create filesystem watcher", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		root:   root,
		fsw:    fsw,
		out:    make(chan Event),
		q:      newBoundedQueue(queueCapacity),
		timers: make(map[string]*time.Timer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		cancel()
		return nil, err
	}

	go w.run(runCtx)
	go w.pump(runCtx)
	return w, nil
}

// Events returns the channel of debounced, filtered events.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Stop halts watching and releases the underlying filesystem handle. Safe
// to call once; the Events channel is closed once draining completes.
func (w *Watcher) Stop() error {
	w.cancel()
	<-w.done
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && config.IsExcluded(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return verrors.Wrap(verrors.Internal, "watch directory "+path, err)
		}
		return nil
	})
}

// run consumes raw fsnotify events, applies the path/extension filter, and
// feeds the per-(path,kind) debounce timers.
func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			_ = err // dropped without logging; not fatal to the watch loop
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ctx, raw)
		}
	}
}

func (w *Watcher) handleRaw(ctx context.Context, raw fsnotify.Event) {
	if config.IsExcluded(raw.Name) {
		return
	}

	var kind Kind
	switch {
	case raw.Has(fsnotify.Create):
		kind = Created
		if info, err := os.Stat(raw.Name); err == nil && info.IsDir() && !config.IsExcluded(raw.Name) {
			_ = w.addRecursive(raw.Name)
			return
		}
	case raw.Has(fsnotify.Write):
		kind = Modified
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		kind = Deleted
	default:
		return
	}

	if !config.IsEligibleExtension(raw.Name) {
		return
	}

	w.scheduleDebounced(ctx, Event{Path: raw.Name, Kind: kind, At: time.Now()})
}

// scheduleDebounced coalesces repeated events for the same (path, kind)
// into a single emission, fired debounceWindow after the last occurrence.
func (w *Watcher) scheduleDebounced(ctx context.Context, ev Event) {
	key := ev.Path + "\x00" + ev.Kind.String()

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, exists := w.timers[key]; exists {
		t.Reset(debounceWindow)
		return
	}
	w.timers[key] = time.AfterFunc(debounceWindow, func() {
		w.debounceMu.Lock()
		delete(w.timers, key)
		w.debounceMu.Unlock()

		select {
		case <-ctx.Done():
		default:
			w.q.enqueue(ev)
		}
	})
}

// pump delivers queued events to Events(), blocking on the consumer
// without ever blocking the debounce timers that feed the queue.
func (w *Watcher) pump(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	for {
		ev, ok := w.q.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.q.notify:
				continue
			}
		}
		select {
		case w.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
