package handshake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Doorbell channel names, per spec.md §6.
const (
	ChannelStateChanged    = "state_changed"
	ChannelNSEWillClose    = "nse_will_close"
	ChannelAppAcknowledged = "app_acknowledged"
)

// Doorbell is a process-to-process, payload-less signal with three named
// channels, per spec.md §4.4. Delivery is best-effort and coalescing:
// multiple Ring calls in quick succession may be observed as one signal,
// and a single Ring may be observed zero or more times by a given
// subscriber. Correctness of this module never depends on delivery of a
// doorbell signal — only on the Store's persisted state, which every
// subscriber re-reads on receipt.
//
// Ringing and observing is implemented by touching (and fsnotify-watching)
// small marker files in a shared directory — real inter-process signalling,
// unlike an in-process channel, since the two processes sharing this core
// run as separate OS processes.
type Doorbell struct {
	dir     string
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	subs map[string][]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// OpenDoorbell creates (if necessary) dir and starts watching it for the
// marker files backing each named channel.
func OpenDoorbell(dir string) (*Doorbell, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	d := &Doorbell{
		dir:     dir,
		watcher: watcher,
		subs:    make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d, nil
}

func (d *Doorbell) markerPath(channel string) string {
	return filepath.Join(d.dir, channel)
}

// Ring posts a best-effort signal on channel. Errors are not expected in
// normal operation (the directory is created at OpenDoorbell time); any
// I/O error is returned so callers may log it, but a failure to ring must
// never be treated as a failure of the underlying operation it follows.
func (d *Doorbell) Ring(channel string) error {
	// Write a changing payload so fsnotify observes a Write event even on
	// filesystems that coalesce same-content writes.
	contents := fmt.Sprintf("%d\n", time.Now().UnixNano())
	return os.WriteFile(d.markerPath(channel), []byte(contents), 0o600)
}

// Subscribe returns a channel that receives a value (coalesced, best
// effort) every time Ring(channel) is observed, plus an unsubscribe
// function that must be called when the subscriber is done.
func (d *Doorbell) Subscribe(channel string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	d.mu.Lock()
	d.subs[channel] = append(d.subs[channel], ch)
	d.mu.Unlock()

	unsubscribe := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subs[channel]
		for i, c := range subs {
			if c == ch {
				d.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (d *Doorbell) loop() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.notify(filepath.Base(event.Name))
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (d *Doorbell) notify(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs[channel] {
		select {
		case ch <- struct{}{}:
		default:
			// already has a pending signal: this IS the coalescing.
		}
	}
}

// Close stops watching and releases the underlying fsnotify handle.
func (d *Doorbell) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return d.watcher.Close()
}

// Debounce runs handler at most once per window, collapsing any Ring
// notifications received on ch during that window into a single call,
// per spec.md §4.4's "Doorbell discipline on receipt": each subscriber
// debounces with a small window and cancels any prior pending task so
// bursts collapse into one handling pass. Debounce blocks until ctx is
// canceled.
func Debounce(ctx context.Context, ch <-chan struct{}, window time.Duration, handler func(ctx context.Context)) {
	var pendingCancel context.CancelFunc

	stop := func() {
		if pendingCancel != nil {
			pendingCancel()
			pendingCancel = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			stop()
			var taskCtx context.Context
			taskCtx, pendingCancel = context.WithCancel(ctx)
			go debounceFire(taskCtx, window, handler)
		}
	}
}

func debounceFire(ctx context.Context, window time.Duration, handler func(ctx context.Context)) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if ctx.Err() == nil {
			handler(ctx)
		}
	}
}
