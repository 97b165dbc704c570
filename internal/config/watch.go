package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads a config file when it changes on disk and hands every
// valid result to a callback. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Config)
	env      func(string) (string, bool)

	w      *fsnotify.Watcher
	closed chan struct{}
	once   sync.Once
	done   chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that save by rename are seen too. env may be nil.
func Watch(path string, debounce time.Duration, env func(string) (string, bool), onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		env:      env,
		w:        fw,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.closed:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadPartial(w.path)
	if err != nil {
		log.Warnf("reload %s: %v", w.path, err)
		return
	}
	if w.env != nil {
		ApplyEnv(&cfg, w.env)
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("reload %s: %v", w.path, err)
		return
	}
	log.Infof("reloaded %s", w.path)
	w.onChange(cfg)
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.w.Close()
		<-w.done
	})
	return err
}
