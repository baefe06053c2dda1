package sysfs

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Monitor watches a single attribute file and invokes a callback whenever
// it is rewritten. Used by drivers to notice profile changes made behind
// the daemon's back (firmware, other tools).
type Monitor struct {
	watcher *fsnotify.Watcher
	path    string

	once sync.Once
	done chan struct{}
}

// Watch starts monitoring path. The callback runs on the monitor's own
// goroutine; it must not block for long.
func Watch(path string, fn func()) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	m := &Monitor{
		watcher: watcher,
		path:    path,
		done:    make(chan struct{}),
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					fn()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watch errors on attribute files are not actionable;
				// the next explicit read will observe the real state.
			case <-m.done:
				return
			}
		}
	}()

	return m, nil
}

// Close stops the monitor. Safe to call more than once.
func (m *Monitor) Close() {
	m.once.Do(func() {
		close(m.done)
		_ = m.watcher.Close()
	})
}
