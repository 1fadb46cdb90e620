// Package watcher turns file system activity under the upload roots into
// normalized, debounced events. A file is reported once per stabilization:
// after its size and modification time stop changing for the debounce
// window. Events of one deployment are delivered in arrival order.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/livinlefevreloca/gliderdac/internal/inbox"
)

type signature struct {
	size    int64
	modTime int64
}

type pendingFile struct {
	loc        location
	kind       EventKind
	firstSeen  time.Time
	lastChange time.Time
	sig        signature
	observed   bool
	gone       bool
	failures   int
	nextStat   time.Time
}

// Watcher observes the upload roots and sends Events to an inbox
type Watcher struct {
	config Config
	roots  []string
	out    *inbox.Inbox[Event]
	logger *slog.Logger
	fsw    *fsnotify.Watcher
	stat   func(name string) (fs.FileInfo, error)

	// Owned by the run goroutine after Start
	pending     map[string]*pendingFile
	order       map[string][]string
	emitted     map[string]signature
	stuck       map[string]signature
	deployments map[string]location

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a watcher. Roots must exist.
func New(config Config, out *inbox.Inbox[Event], logger *slog.Logger) (*Watcher, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}

	roots := make([]string, 0, len(config.Roots))
	for _, r := range config.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolving root %s: %w", r, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("watch root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("watch root %s is not a directory", abs)
		}
		roots = append(roots, abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:      config,
		roots:       roots,
		out:         out,
		logger:      logger,
		fsw:         fsw,
		stat:        os.Stat,
		pending:     make(map[string]*pendingFile),
		order:       make(map[string][]string),
		emitted:     make(map[string]signature),
		stuck:       make(map[string]signature),
		deployments: make(map[string]location),
	}, nil
}

// Start watches the roots, performs an initial scan, and begins emitting
func (w *Watcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		for _, root := range w.roots {
			if err = w.fsw.Add(root); err != nil {
				err = fmt.Errorf("watching %s: %w", root, err)
				return
			}
		}

		ctx, w.cancel = context.WithCancel(ctx)
		w.rescan(ctx, time.Now())

		w.wg.Add(1)
		go w.run(ctx)

		w.logger.Info("watcher started",
			"roots", w.roots,
			"debounce", w.config.Debounce)
	})
	return err
}

// Stop halts the watcher and waits for its goroutine to exit
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		w.fsw.Close()
		w.logger.Info("watcher stopped")
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	poll := time.NewTicker(w.config.PollInterval)
	defer poll.Stop()
	rescan := time.NewTicker(w.config.RescanInterval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev, time.Now())

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.rescan(ctx, time.Now())
			}

		case now := <-poll.C:
			w.poll(ctx, now)

		case now := <-rescan.C:
			w.rescan(ctx, now)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event, now time.Time) {
	loc, ok := locate(w.roots, ev.Name)
	if !ok {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.gone(ctx, ev.Name, loc, now)
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Stat retries happen in poll for tracked files
		if loc.depth == 3 {
			w.track(ev.Name, loc, now)
		}
		return
	}

	if info.IsDir() {
		w.addDir(ctx, ev.Name, loc, now)
		return
	}
	if loc.depth == 3 {
		delete(w.stuck, ev.Name)
		w.track(ev.Name, loc, now)
	}
}

// addDir watches an operator or deployment directory and picks up anything
// written before the watch existed
func (w *Watcher) addDir(ctx context.Context, path string, loc location, now time.Time) {
	if loc.depth > 2 {
		return
	}

	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("failed to watch directory", "path", path, "error", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		w.logger.Warn("failed to list directory", "path", path, "error", err)
		return
	}

	if loc.depth == 2 {
		w.announce(ctx, loc, now)
	}

	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		childLoc, ok := locate(w.roots, child)
		if !ok {
			continue
		}
		if e.IsDir() {
			w.addDir(ctx, child, childLoc, now)
		} else if childLoc.depth == 3 {
			w.trackIfChanged(child, childLoc, now)
		}
	}
}

// announce emits DeploymentCreated the first time a deployment is seen
func (w *Watcher) announce(ctx context.Context, loc location, now time.Time) {
	if _, known := w.deployments[loc.key()]; known {
		return
	}
	w.deployments[loc.key()] = loc
	w.emit(ctx, Event{
		Kind:         EventDeploymentCreated,
		Path:         loc.key(),
		Operator:     loc.operator,
		DeploymentID: loc.deployment,
		DetectedAt:   now,
	})
}

func (w *Watcher) gone(ctx context.Context, path string, loc location, now time.Time) {
	switch loc.depth {
	case 3:
		w.forget(path)
		delete(w.emitted, path)
		delete(w.stuck, path)
	case 2:
		w.retire(ctx, loc, now)
	case 1:
		for _, dep := range w.deployments {
			if dep.root == loc.root && dep.operator == loc.operator {
				w.retire(ctx, dep, now)
			}
		}
	}
}

// retire drops all state for a deployment and emits DeploymentRemoved
func (w *Watcher) retire(ctx context.Context, loc location, now time.Time) {
	key := loc.key()
	if _, known := w.deployments[key]; !known {
		return
	}
	delete(w.deployments, key)

	for _, p := range w.order[key] {
		delete(w.pending, p)
	}
	delete(w.order, key)

	prefix := key + string(filepath.Separator)
	for p := range w.emitted {
		if strings.HasPrefix(p, prefix) {
			delete(w.emitted, p)
		}
	}
	for p := range w.stuck {
		if strings.HasPrefix(p, prefix) {
			delete(w.stuck, p)
		}
	}

	w.emit(ctx, Event{
		Kind:         EventDeploymentRemoved,
		Path:         key,
		Operator:     loc.operator,
		DeploymentID: loc.deployment,
		DetectedAt:   now,
	})
}

// track starts stabilization for a recognized file
func (w *Watcher) track(path string, loc location, now time.Time) {
	kind, ok := fileKind(loc.file)
	if !ok {
		return
	}
	if _, tracking := w.pending[path]; tracking {
		return
	}

	w.pending[path] = &pendingFile{
		loc:        loc,
		kind:       kind,
		firstSeen:  now,
		lastChange: now,
		nextStat:   now,
	}
	w.order[loc.key()] = append(w.order[loc.key()], path)
	pendingFiles.Set(float64(len(w.pending)))
}

// trackIfChanged tracks a file found by scanning unless its current
// revision was already emitted or reported stuck
func (w *Watcher) trackIfChanged(path string, loc location, now time.Time) {
	if _, ok := fileKind(loc.file); !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	sig := signature{size: info.Size(), modTime: info.ModTime().UnixNano()}
	if prev, ok := w.emitted[path]; ok && prev == sig {
		return
	}
	if prev, ok := w.stuck[path]; ok && prev == sig {
		return
	}
	w.track(path, loc, now)
}

func (w *Watcher) forget(path string) {
	p, ok := w.pending[path]
	if !ok {
		return
	}
	delete(w.pending, path)

	key := p.loc.key()
	paths := w.order[key]
	for i, q := range paths {
		if q == path {
			w.order[key] = append(paths[:i:i], paths[i+1:]...)
			break
		}
	}
	if len(w.order[key]) == 0 {
		delete(w.order, key)
	}
	pendingFiles.Set(float64(len(w.pending)))
}

// observe stats a pending file and updates its stability bookkeeping
func (w *Watcher) observe(path string, p *pendingFile, now time.Time) {
	if now.Before(p.nextStat) {
		return
	}

	info, err := w.stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.gone = true
			return
		}
		p.failures++
		statErrors.Inc()
		p.nextStat = now.Add(w.config.StatRetry.Delay(p.failures))
		w.logger.Debug("stat failed, will retry",
			"path", path,
			"failures", p.failures,
			"retry_at", p.nextStat,
			"error", err)
		return
	}

	p.failures = 0
	sig := signature{size: info.Size(), modTime: info.ModTime().UnixNano()}
	if !p.observed || sig != p.sig {
		p.sig = sig
		p.observed = true
		p.lastChange = now
	}
}

func (w *Watcher) stable(p *pendingFile, now time.Time) bool {
	return p.observed && p.failures == 0 && now.Sub(p.lastChange) >= w.config.Debounce
}

// poll advances stabilization and emits, per deployment, the stable prefix
// of the arrival-ordered pending list
func (w *Watcher) poll(ctx context.Context, now time.Time) {
	for path, p := range w.pending {
		w.observe(path, p, now)
	}

	for key, paths := range w.order {
		done := 0
		for _, path := range paths {
			p := w.pending[path]

			if p == nil || p.gone {
				done++
				continue
			}

			if w.stable(p, now) {
				w.emitFile(ctx, path, p, now)
				done++
				continue
			}

			if now.Sub(p.firstSeen) >= w.config.MaxWait {
				w.reportStuck(ctx, path, p, now)
				done++
				continue
			}

			// Later files of this deployment wait behind the unstable head
			break
		}

		if done == 0 {
			continue
		}
		for _, path := range paths[:done] {
			delete(w.pending, path)
		}
		if done == len(paths) {
			delete(w.order, key)
		} else {
			w.order[key] = paths[done:]
		}
	}
	pendingFiles.Set(float64(len(w.pending)))
}

func (w *Watcher) emitFile(ctx context.Context, path string, p *pendingFile, now time.Time) {
	if prev, ok := w.emitted[path]; ok && prev == p.sig {
		return
	}

	ev := Event{
		Kind:         p.kind,
		Path:         path,
		Operator:     p.loc.operator,
		DeploymentID: p.loc.deployment,
		DetectedAt:   now,
		ModTime:      time.Unix(0, p.sig.modTime).UTC(),
		Size:         p.sig.size,
	}
	if w.emit(ctx, ev) {
		w.emitted[path] = p.sig
	}
}

func (w *Watcher) reportStuck(ctx context.Context, path string, p *pendingFile, now time.Time) {
	w.stuck[path] = p.sig
	w.logger.Warn("file never stabilized",
		"path", path,
		"deployment_id", p.loc.deployment,
		"waited", now.Sub(p.firstSeen),
		"stat_failures", p.failures)

	w.emit(ctx, Event{
		Kind:         EventStuckFile,
		Path:         path,
		Operator:     p.loc.operator,
		DeploymentID: p.loc.deployment,
		DetectedAt:   now,
		ModTime:      time.Unix(0, p.sig.modTime).UTC(),
		Size:         p.sig.size,
	})
}

func (w *Watcher) emit(ctx context.Context, ev Event) bool {
	if !w.out.Send(ctx, ev) {
		eventsDropped.Inc()
		w.logger.Warn("event not delivered",
			"kind", ev.Kind.String(),
			"path", ev.Path,
			"deployment_id", ev.DeploymentID)
		return false
	}

	eventsEmitted.WithLabelValues(ev.Kind.String()).Inc()
	w.logger.Debug("event emitted",
		"kind", ev.Kind.String(),
		"path", ev.Path,
		"deployment_id", ev.DeploymentID)
	return true
}

// rescan walks every root, adding watches and tracking files whose current
// revision was never emitted. Deployments that disappeared are retired.
func (w *Watcher) rescan(ctx context.Context, now time.Time) {
	seen := make(map[string]bool)

	for _, root := range w.roots {
		operators, err := os.ReadDir(root)
		if err != nil {
			w.logger.Warn("rescan failed", "root", root, "error", err)
			continue
		}
		for _, op := range operators {
			if !op.IsDir() {
				continue
			}
			opPath := filepath.Join(root, op.Name())
			opLoc, ok := locate(w.roots, opPath)
			if !ok {
				continue
			}
			w.addDir(ctx, opPath, opLoc, now)

			deps, err := os.ReadDir(opPath)
			if err != nil {
				continue
			}
			for _, dep := range deps {
				if dep.IsDir() {
					seen[filepath.Join(opPath, dep.Name())] = true
				}
			}
		}
	}

	for key, loc := range w.deployments {
		if !seen[key] {
			w.retire(ctx, loc, now)
		}
	}
}
