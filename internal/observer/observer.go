// Package observer turns filesystem activity under configured source roots
// into source.changed events.
package observer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

const DefaultCoalesce = time.Second

// Change is the payload of eventbus.SourceChanged.
type Change struct {
	Source jobs.SourceID `json:"source"`
	Path   string        `json:"path"`
	// Descendant is true when Path lies below the source root rather than
	// being the root itself.
	Descendant bool      `json:"descendant"`
	At         time.Time `json:"at"`
}

type Config struct {
	Roots    map[jobs.SourceID]string
	Coalesce time.Duration
}

// Observer watches every configured root recursively. Bursts of changes for
// the same source are coalesced: the first change is published at once, later
// ones at most once per Coalesce window.
type Observer struct {
	log logx.Logger
	bus eventbus.Bus

	roots    []root
	coalesce time.Duration

	mu      sync.Mutex
	limiter map[jobs.SourceID]*rate.Limiter
	pending map[jobs.SourceID]Change
	missing map[string]bool
}

type root struct {
	id   jobs.SourceID
	path string
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Observer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Coalesce <= 0 {
		cfg.Coalesce = DefaultCoalesce
	}
	o := &Observer{
		log:      log,
		bus:      bus,
		coalesce: cfg.Coalesce,
		limiter:  map[jobs.SourceID]*rate.Limiter{},
		pending:  map[jobs.SourceID]Change{},
		missing:  map[string]bool{},
	}
	for id, p := range cfg.Roots {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		o.roots = append(o.roots, root{id: id, path: filepath.Clean(p)})
		o.limiter[id] = rate.NewLimiter(rate.Every(cfg.Coalesce), 1)
	}
	// Longest root first so nested roots resolve to the innermost source.
	sort.Slice(o.roots, func(i, j int) bool { return len(o.roots[i].path) > len(o.roots[j].path) })
	return o
}

// Sources lists the observed source ids.
func (o *Observer) Sources() []jobs.SourceID {
	out := make([]jobs.SourceID, 0, len(o.roots))
	for _, r := range o.roots {
		out = append(out, r.id)
	}
	return out
}

// Notify reports a change for src as if it had been observed on disk.
func (o *Observer) Notify(src jobs.SourceID, path string, descendant bool) {
	o.offer(Change{Source: src, Path: path, Descendant: descendant, At: time.Now()})
}

// Run watches until ctx ends. It returns an error when the watcher breaks so
// a supervisor can restart it.
func (o *Observer) Run(ctx context.Context) error {
	if len(o.roots) == 0 {
		o.log.Info("no source roots configured; change observer idle")
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, r := range o.roots {
		o.addRoot(w, r.path)
	}

	tick := time.NewTicker(o.coalesce)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			o.handle(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; count it as a change of every source.
				for _, r := range o.roots {
					o.offer(Change{Source: r.id, Path: r.path, Descendant: true, At: time.Now()})
				}
				continue
			}
			o.log.Warn("source watch error", logx.Err(err))
		case <-tick.C:
			o.flush()
			o.retryMissing(w)
		}
	}
}

func (o *Observer) handle(w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			o.addTree(w, ev.Name)
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}
	r, ok := o.rootFor(ev.Name)
	if !ok {
		return
	}
	o.offer(Change{
		Source:     r.id,
		Path:       ev.Name,
		Descendant: filepath.Clean(ev.Name) != r.path,
		At:         time.Now(),
	})
}

func (o *Observer) rootFor(path string) (root, bool) {
	path = filepath.Clean(path)
	for _, r := range o.roots {
		if path == r.path || strings.HasPrefix(path, r.path+string(filepath.Separator)) {
			return r, true
		}
	}
	return root{}, false
}

func (o *Observer) offer(c Change) {
	o.mu.Lock()
	lim := o.limiter[c.Source]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(o.coalesce), 1)
		o.limiter[c.Source] = lim
	}
	if !lim.Allow() {
		// Keep the latest; a descendant change is never downgraded.
		if prev, ok := o.pending[c.Source]; ok && prev.Descendant {
			c.Descendant = true
		}
		o.pending[c.Source] = c
		o.mu.Unlock()
		return
	}
	delete(o.pending, c.Source)
	o.mu.Unlock()
	o.publish(c)
}

func (o *Observer) flush() {
	o.mu.Lock()
	var ready []Change
	for src, c := range o.pending {
		if o.limiter[src].Allow() {
			ready = append(ready, c)
			delete(o.pending, src)
		}
	}
	o.mu.Unlock()
	for _, c := range ready {
		o.publish(c)
	}
}

func (o *Observer) publish(c Change) {
	o.log.Debug("source changed", logx.String("source", string(c.Source)), logx.String("path", c.Path), logx.Bool("descendant", c.Descendant))
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.SourceChanged, Time: c.At, Data: c})
	}
}

func (o *Observer) addRoot(w *fsnotify.Watcher, path string) {
	if err := o.addTree(w, path); err != nil {
		o.mu.Lock()
		first := !o.missing[path]
		o.missing[path] = true
		o.mu.Unlock()
		if first {
			o.log.Warn("source root not watchable yet", logx.String("path", path), logx.Err(err))
		}
		return
	}
	o.mu.Lock()
	delete(o.missing, path)
	o.mu.Unlock()
	o.log.Info("watching source root", logx.String("path", path))
}

func (o *Observer) retryMissing(w *fsnotify.Watcher) {
	o.mu.Lock()
	var paths []string
	for p := range o.missing {
		paths = append(paths, p)
	}
	o.mu.Unlock()
	for _, p := range paths {
		o.addRoot(w, p)
	}
}

func (o *Observer) addTree(w *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}
