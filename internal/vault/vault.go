// Package vault is the narrow file-system contract the indexer and retriever
// depend on: read, list, subscribe to change events, and directory checks.
package vault

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

const logModule = "vault"

type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

var (
	ErrNotFound     = errors.New("vault: file not found")
	ErrOutsideVault = errors.New("vault: path escapes vault root")
)

// File describes a note. Path is vault-relative and always uses '/'.
type File struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Ext returns the extension of the file including the dot, lowercased.
func (f File) Ext() string {
	return strings.ToLower(path.Ext(f.Path))
}

// Event is a change notification. For EventRename, OldPath holds the previous path.
type Event struct {
	Type    EventType `json:"type"`
	Path    string    `json:"path"`
	OldPath string    `json:"old_path,omitempty"`
}

type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription uint64

// ListOptions narrows List. Empty fields match everything.
type ListOptions struct {
	Extension string
	Prefixes  []string
}

type Vault interface {
	Read(ctx context.Context, path string) (string, error)
	Stat(path string) (File, error)
	List(ctx context.Context, opts ListOptions) ([]File, error)
	On(eventType EventType, handler Handler) Subscription
	Off(sub Subscription)
	MkdirAll(path string) error
	Exists(path string) bool
}

// CleanPath normalises a vault-relative path and rejects traversal outside the root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean("/" + p)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrOutsideVault
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", ErrOutsideVault
		}
	}
	return cleaned, nil
}

// InFolder reports whether p lies under folder (or is folder itself).
func InFolder(p, folder string) bool {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return true
	}
	return p == folder || strings.HasPrefix(p, folder+"/")
}

func (o ListOptions) match(f File) bool {
	if o.Extension != "" && f.Ext() != strings.ToLower(o.Extension) {
		return false
	}
	if len(o.Prefixes) == 0 {
		return true
	}
	for _, prefix := range o.Prefixes {
		if InFolder(f.Path, prefix) {
			return true
		}
	}
	return false
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

type subscription struct {
	eventType EventType
	handler   Handler
}

// registry keeps handlers in registration order and dispatches without
// holding its lock so handlers may call On/Off.
type registry struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[Subscription]subscription
}

func newRegistry() *registry {
	return &registry{handlers: make(map[Subscription]subscription)}
}

func (r *registry) on(eventType EventType, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[r.next] = subscription{eventType: eventType, handler: h}
	return r.next
}

func (r *registry) off(sub Subscription) {
	r.mu.Lock()
	delete(r.handlers, sub)
	r.mu.Unlock()
}

func (r *registry) dispatch(e Event) {
	r.mu.RLock()
	ids := make([]Subscription, 0, len(r.handlers))
	for id, s := range r.handlers {
		if s.eventType == e.Type {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.handlers[id].handler)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
