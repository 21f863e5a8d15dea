package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ai-coach-context/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/fsnotify/fsnotify"
)

const eventTopic = "vault.events"

// FSVault is a vault rooted at a directory on disk. Watch translates fsnotify
// events into vault events and routes them through an in-process watermill
// channel, so handlers run on one subscriber goroutine in arrival order.
type FSVault struct {
	root   string
	log    logger.ILogger
	reg    *registry
	pubSub *gochannel.GoChannel

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFSVault(root string, log logger.ILogger) (*FSVault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewStdLogger(false, false),
	)
	return &FSVault{
		root:   abs,
		log:    logger.OrNop(log),
		reg:    newRegistry(),
		pubSub: pubSub,
	}, nil
}

func (v *FSVault) Root() string {
	return v.root
}

func (v *FSVault) abs(p string) (string, string, error) {
	rel, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return rel, filepath.Join(v.root, filepath.FromSlash(rel)), nil
}

func (v *FSVault) rel(abs string) (string, bool) {
	r, err := filepath.Rel(v.root, abs)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func (v *FSVault) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, full, err := v.abs(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

func (v *FSVault) Stat(p string) (File, error) {
	rel, full, err := v.abs(p)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return File{}, err
	}
	return File{Path: rel, ModTime: info.ModTime(), Size: info.Size()}, nil
}

func (v *FSVault) List(ctx context.Context, opts ListOptions) ([]File, error) {
	var files []File
	err := filepath.WalkDir(v.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if full != v.root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := v.rel(full)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed between readdir and stat
			return nil
		}
		f := File{Path: rel, ModTime: info.ModTime(), Size: info.Size()}
		if opts.match(f) {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	sortFiles(files)
	return files, nil
}

func (v *FSVault) On(eventType EventType, h Handler) Subscription {
	return v.reg.on(eventType, h)
}

func (v *FSVault) Off(sub Subscription) {
	v.reg.off(sub)
}

func (v *FSVault) MkdirAll(p string) error {
	_, full, err := v.abs(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (v *FSVault) Exists(p string) bool {
	_, full, err := v.abs(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// Rename moves a note and emits a paired rename event. The watcher will also
// observe the move as a delete of the old path and a create of the new one.
func (v *FSVault) Rename(oldPath, newPath string) error {
	oldRel, oldFull, err := v.abs(oldPath)
	if err != nil {
		return err
	}
	newRel, newFull, err := v.abs(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("rename %s: %w", oldRel, err)
	}
	return v.publish(Event{Type: EventRename, Path: newRel, OldPath: oldRel})
}

// Watch starts the file watcher and the dispatch loop. It returns once both
// are running; Close stops them.
func (v *FSVault) Watch(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := v.addRecursive(watcher, v.root); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, err := v.pubSub.Subscribe(ctx, eventTopic)
	if err != nil {
		cancel()
		watcher.Close()
		return fmt.Errorf("subscribe vault events: %w", err)
	}

	v.watcher = watcher
	v.cancel = cancel
	v.done = make(chan struct{})

	go v.consume(messages)
	go v.watchLoop(ctx, watcher)

	v.log.Info(logModule, "Watching vault", map[string]interface{}{"root": v.root})
	return nil
}

func (v *FSVault) consume(messages <-chan *message.Message) {
	defer close(v.done)
	for msg := range messages {
		var e Event
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			v.log.Warn(logModule, "Dropping malformed vault event", map[string]interface{}{"error": err.Error()})
			msg.Ack()
			continue
		}
		v.reg.dispatch(e)
		msg.Ack()
	}
}

func (v *FSVault) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for _, e := range v.translate(watcher, ev) {
				if err := v.publish(e); err != nil {
					v.log.Warn(logModule, "Failed to publish vault event", map[string]interface{}{
						"error": err.Error(),
						"path":  e.Path,
					})
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			v.log.Error(logModule, "Watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (v *FSVault) translate(watcher *fsnotify.Watcher, ev fsnotify.Event) []Event {
	rel, ok := v.rel(ev.Name)
	if !ok || hasHiddenSegment(rel) {
		return nil
	}
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return []Event{{Type: EventCreate, Path: rel}}
		}
		// a directory moved in or created: watch it and surface its files
		if err := v.addRecursive(watcher, ev.Name); err != nil {
			v.log.Warn(logModule, "Failed to watch new directory", map[string]interface{}{"error": err.Error(), "path": rel})
		}
		var out []Event
		_ = filepath.WalkDir(ev.Name, func(full string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if r, ok := v.rel(full); ok {
				out = append(out, Event{Type: EventCreate, Path: r})
			}
			return nil
		})
		return out
	case ev.Has(fsnotify.Write):
		return []Event{{Type: EventModify, Path: rel}}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return []Event{{Type: EventDelete, Path: rel}}
	}
	return nil
}

func (v *FSVault) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return v.pubSub.Publish(eventTopic, message.NewMessage(watermill.NewUUID(), payload))
}

func (v *FSVault) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if full != v.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(full); err != nil {
			return fmt.Errorf("watch %s: %w", full, err)
		}
		return nil
	})
}

// Close stops watching and waits for in-flight handlers to return.
func (v *FSVault) Close() error {
	v.mu.Lock()
	watcher, cancel, done := v.watcher, v.cancel, v.done
	v.watcher = nil
	v.mu.Unlock()

	var err error
	if watcher != nil {
		cancel()
		err = watcher.Close()
	}
	if cerr := v.pubSub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if done != nil {
		<-done
	}
	return err
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func hasHiddenSegment(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if isHidden(part) {
			return true
		}
	}
	return false
}
