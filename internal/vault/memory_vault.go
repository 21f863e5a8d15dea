package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memFile struct {
	content string
	modTime time.Time
}

// MemoryVault is an in-process vault. Mutations dispatch events synchronously
// on the calling goroutine.
type MemoryVault struct {
	mu    sync.RWMutex
	files map[string]memFile
	dirs  map[string]bool
	clock clockwork.Clock
	reg   *registry

	// ReadHook, when set, runs before every Read; tests use it to inject
	// failures or to block a read mid-flight.
	ReadHook func(path string) error
}

func NewMemoryVault(clock clockwork.Clock) *MemoryVault {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryVault{
		files: make(map[string]memFile),
		dirs:  make(map[string]bool),
		clock: clock,
		reg:   newRegistry(),
	}
}

func (v *MemoryVault) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if hook := v.ReadHook; hook != nil {
		if err := hook(p); err != nil {
			return "", err
		}
	}
	v.mu.RLock()
	f, ok := v.files[p]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return f.content, nil
}

func (v *MemoryVault) Stat(p string) (File, error) {
	p, err := CleanPath(p)
	if err != nil {
		return File{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.files[p]
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return File{Path: p, ModTime: f.modTime, Size: int64(len(f.content))}, nil
}

func (v *MemoryVault) List(ctx context.Context, opts ListOptions) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	files := make([]File, 0, len(v.files))
	for p, f := range v.files {
		file := File{Path: p, ModTime: f.modTime, Size: int64(len(f.content))}
		if opts.match(file) {
			files = append(files, file)
		}
	}
	v.mu.RUnlock()
	sortFiles(files)
	return files, nil
}

func (v *MemoryVault) On(eventType EventType, h Handler) Subscription {
	return v.reg.on(eventType, h)
}

func (v *MemoryVault) Off(sub Subscription) {
	v.reg.off(sub)
}

// Handlers returns the number of registered handlers.
func (v *MemoryVault) Handlers() int {
	return v.reg.count()
}

func (v *MemoryVault) MkdirAll(p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.dirs[p] = true
	v.mu.Unlock()
	return nil
}

func (v *MemoryVault) Exists(p string) bool {
	p, err := CleanPath(p)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.files[p]; ok {
		return true
	}
	if v.dirs[p] {
		return true
	}
	for fp := range v.files {
		if InFolder(fp, p) {
			return true
		}
	}
	return false
}

// Write creates or replaces a file and emits create or modify.
func (v *MemoryVault) Write(p, content string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	_, existed := v.files[p]
	v.files[p] = memFile{content: content, modTime: v.clock.Now()}
	v.mu.Unlock()

	eventType := EventCreate
	if existed {
		eventType = EventModify
	}
	v.reg.dispatch(Event{Type: eventType, Path: p})
	return nil
}

// SetModTime overrides a file's modification time without emitting an event.
func (v *MemoryVault) SetModTime(p string, t time.Time) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	f.modTime = t
	v.files[p] = f
	return nil
}

func (v *MemoryVault) Delete(p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	_, ok := v.files[p]
	delete(v.files, p)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	v.reg.dispatch(Event{Type: EventDelete, Path: p})
	return nil
}

func (v *MemoryVault) Rename(oldPath, newPath string) error {
	oldPath, err := CleanPath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = CleanPath(newPath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	f, ok := v.files[oldPath]
	if ok {
		delete(v.files, oldPath)
		v.files[newPath] = f
	}
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	v.reg.dispatch(Event{Type: EventRename, Path: newPath, OldPath: oldPath})
	return nil
}
