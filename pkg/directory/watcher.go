package directory

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher reloads the directory when the tenants file changes on disk.
type watcher struct {
	fs       *fsnotify.Watcher
	logger   zerolog.Logger
	target   string
	reload   func()
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// StartWatching begins hot-reloading the tenants file. Edits are debounced so
// editors that write in several syscalls trigger a single reload.
func (d *Directory) StartWatching() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w := &watcher{
		fs:       fs,
		logger:   d.logger,
		target:   filepath.Base(d.path),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		reload: func() {
			if err := d.Load(); err != nil {
				d.logger.Error().Err(err).Msg("Tenants file reload failed, keeping previous snapshot")
			}
		},
	}

	// Watch the parent directory: atomic rename-into-place replaces the inode.
	if err := fs.Add(filepath.Dir(d.path)); err != nil {
		fs.Close()
		return err
	}

	d.watcher = w
	go w.run()

	d.logger.Info().Str("path", d.path).Msg("Watching tenants file for changes")
	return nil
}

// StopWatching stops the hot-reload watcher.
func (d *Directory) StopWatching() error {
	if d.watcher == nil {
		return nil
	}
	close(d.watcher.stopCh)
	err := d.watcher.fs.Close()
	d.watcher = nil
	return err
}

func (w *watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("op", event.Op.String()).Msg("Tenants file change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Tenants file watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}
