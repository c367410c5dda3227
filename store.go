/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Store is the path-addressable shared state layer every session lives in.
// Paths are "/"-separated; a leaf holds a JSON value, and reading a path
// with children yields a JSON object keyed by immediate child segment.
// Writes are last-write-wins per path. Subscriptions are push-based and
// eventually consistent: a local write is observed through its own
// subscription echo, not immediately, and delivery order across different
// paths is not guaranteed.
type Store interface {
	// Subscribe fires onChange with the current value, then again after
	// every change at or under path. The returned func cancels it.
	Subscribe(path string, onChange func(value json.RawMessage)) (cancel func())

	// ReadOnce returns the current value at path, nil if absent.
	ReadOnce(path string) (json.RawMessage, error)

	// Write sets the leaf at path to the JSON encoding of value.
	Write(path string, value any) error

	// Push appends value under path with a fresh unique child id.
	Push(path string, value any) (string, error)

	// Remove deletes the leaf at path, or the entire subtree below it.
	Remove(path string) error

	// Connect opens a logical client connection against which
	// disconnect-triggered cleanups can be armed.
	Connect() StoreConn

	// CloseStore releases backend resources.
	CloseStore() error
}

// StoreConn represents one client's connection to the store. Cleanups
// armed on it run at most once, when the connection closes.
type StoreConn interface {
	// OnDisconnectRemove arms a removal of path for when this
	// connection closes.
	OnDisconnectRemove(path string) Cleanup

	// Close runs every still-armed cleanup, exactly once each.
	Close()
}

// Cleanup is a handle to one armed disconnect action.
type Cleanup interface {
	// Cancel disarms the action. Cancelling an already-fired or
	// already-cancelled action is a no-op.
	Cancel()
}

// pathWithin reports whether p equals prefix or sits underneath it.
func pathWithin(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// assembleValue builds the JSON value visible at path from the set of
// leaves at or under it. A lone leaf at path itself wins; otherwise
// children are nested into objects keyed by path segment.
func assembleValue(path string, leaves map[string][]byte) json.RawMessage {
	if v, ok := leaves[path]; ok {
		return append(json.RawMessage(nil), v...)
	}

	children := make(map[string]struct{})
	for p := range leaves {
		if !pathWithin(p, path) || p == path {
			continue
		}
		rest := p
		if path != "" {
			rest = strings.TrimPrefix(p, path+"/")
		}
		segment, _, _ := strings.Cut(rest, "/")
		children[segment] = struct{}{}
	}

	if len(children) == 0 {
		return nil
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		childPath := k
		if path != "" {
			childPath = path + "/" + k
		}
		name, _ := json.Marshal(k)
		sb.Write(name)
		sb.WriteByte(':')
		sb.Write(assembleValue(childPath, leaves))
	}
	sb.WriteByte('}')

	return json.RawMessage(sb.String())
}

// watchList tracks subscriptions and hands each one its notifications in
// order, on a dedicated drain goroutine, so a subscriber can safely call
// back into the store.
type watchList struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]*watchEntry
}

type watchEntry struct {
	path string
	fn   func(json.RawMessage)

	mu       sync.Mutex
	queue    []json.RawMessage
	draining bool
	gone     bool
}

func newWatchList() *watchList {
	return &watchList{
		entries: make(map[int]*watchEntry),
	}
}

func (w *watchList) add(path string, fn func(json.RawMessage)) (*watchEntry, func()) {
	e := &watchEntry{path: path, fn: fn}

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.entries[id] = e
	w.mu.Unlock()

	return e, func() {
		w.mu.Lock()
		delete(w.entries, id)
		w.mu.Unlock()

		e.mu.Lock()
		e.gone = true
		e.queue = nil
		e.mu.Unlock()
	}
}

// affected returns the entries whose watched path overlaps the changed one.
// A removal above a watched path still notifies it.
func (w *watchList) affected(changed string) []*watchEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var hits []*watchEntry
	for _, e := range w.entries {
		if pathWithin(changed, e.path) || pathWithin(e.path, changed) {
			hits = append(hits, e)
		}
	}
	return hits
}

func (e *watchEntry) deliver(value json.RawMessage) {
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, value)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	go e.drain()
}

func (e *watchEntry) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.gone {
			e.draining = false
			e.mu.Unlock()
			return
		}
		value := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.fn(value)
	}
}

// connCleanups implements the per-connection deferred action list shared
// by every backend. Actions fire through the remove func at most once.
type connCleanups struct {
	mu     sync.Mutex
	closed bool
	nextID int
	armed  map[int]string
	remove func(path string)
}

func newConnCleanups(remove func(path string)) *connCleanups {
	return &connCleanups{
		armed:  make(map[int]string),
		remove: remove,
	}
}

func (c *connCleanups) OnDisconnectRemove(path string) Cleanup {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return cleanupHandle{}
	}

	id := c.nextID
	c.nextID++
	c.armed[id] = path

	return cleanupHandle{conn: c, id: id}
}

func (c *connCleanups) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	paths := make([]string, 0, len(c.armed))
	ids := make([]int, 0, len(c.armed))
	for id := range c.armed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		paths = append(paths, c.armed[id])
	}
	c.armed = nil
	c.mu.Unlock()

	for _, path := range paths {
		c.remove(path)
	}
}

type cleanupHandle struct {
	conn *connCleanups
	id   int
}

func (h cleanupHandle) Cancel() {
	if h.conn == nil {
		return
	}

	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()

	if h.conn.armed != nil {
		delete(h.conn.armed, h.id)
	}
}
