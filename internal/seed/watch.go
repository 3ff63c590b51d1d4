package seed

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"supertask/internal/errors"
)

// WatchOptions tunes Watch.
type WatchOptions struct {
	// Debounce is the quiet period a burst of changes must end with before
	// a pass runs.
	Debounce time.Duration
	// Resync re-runs a pass periodically even without file events. Zero
	// disables it. It is the only trigger for remote sources.
	Resync time.Duration
	// MinInterval is the least time between two passes.
	MinInterval time.Duration
}

const (
	defaultDebounce    = 500 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch re-reconciles location whenever it changes until ctx ends. Change
// notifications are pushed into a queue of capacity one, so any burst
// collapses into a single pending pass. Failed passes are logged and leave
// the store as it was; the next change retries.
func (r *Reconciler) Watch(ctx context.Context, location string, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	path, local := LocalPath(location)
	if !local && opts.Resync <= 0 {
		r.log.Infow("not watching remote seed source without a resync interval", "source", location)
		return nil
	}

	queue := make(chan struct{}, 1)
	push := func() {
		select {
		case queue <- struct{}{}:
		default:
		}
	}

	if local {
		go r.watchFile(ctx, path, push)
	}
	if opts.Resync > 0 {
		go func() {
			ticker := time.NewTicker(opts.Resync)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					push()
				}
			}
		}()
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queue:
		}
		if !settle(ctx, queue, opts.Debounce) {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := r.Sync(ctx, location); err != nil {
			r.log.Warnw("seed pass failed", "source", location, "error", err)
		}
	}
}

// settle waits until queue stays empty for d. It returns false when ctx ends.
func settle(ctx context.Context, queue <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-queue:
			timer.Reset(d)
		case <-timer.C:
			return true
		}
	}
}

// watchFile observes the parent directory, since editors often replace the
// file instead of writing it. A broken watcher is recreated with jittered
// exponential backoff.
func (r *Reconciler) watchFile(ctx context.Context, path string, push func()) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			r.log.Warnw("seed watcher init failed", "dir", dir, "error", err)
			if !wait() {
				return
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			r.log.Warnw("seed watcher add failed", "dir", dir, "error", err)
			if !wait() {
				return
			}
			continue
		}
		backoff = restartBackoffBase
		r.log.Debugw("seed watcher started", "dir", dir, "file", file)

		if !r.drain(ctx, w, file, push) {
			_ = w.Close()
			return
		}
		_ = w.Close()
		r.log.Warnw("seed watcher stopped delivering events; restarting", "dir", dir)
		if !wait() {
			return
		}
	}
}

// drain forwards events for file until the watcher breaks (true) or ctx
// ends (false).
func (r *Reconciler) drain(ctx context.Context, w *fsnotify.Watcher, file string, push func()) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				push()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; a pass catches up
				push()
				continue
			}
			r.log.Warnw("seed watcher error", "error", err)
		}
	}
}
