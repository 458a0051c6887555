package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/logging"
)

// Watcher follows the .env file and applies log level changes without a
// restart. Only LOG_LEVEL is live; everything else needs a restart.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
}

// NewWatcher builds a watcher over the settings' env file. Settings without
// an env file get a nil watcher; callers treat that as "nothing to watch".
func NewWatcher(s *Settings) (*Watcher, error) {
	if s.EnvFile == "" {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		envPath:  s.EnvFile,
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(s.EnvFile); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start watches the env file's directory. Editors replace files rather than
// writing in place, so the directory is the reliable watch target.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.loop()
	log.Debug().Str("path", w.envPath).Msg("Config watcher started")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.maybeReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-w.stopChan:
			return
		}
	}
}

// maybeReload re-reads the env file when its mod time moved and applies the
// live-updatable keys.
func (w *Watcher) maybeReload() {
	stat, err := os.Stat(w.envPath)
	if err != nil {
		return
	}
	if !stat.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = stat.ModTime()

	vars, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to re-read env file")
		return
	}
	if level, ok := vars["LOG_LEVEL"]; ok {
		logging.SetLevel(level)
		log.Info().Str("level", level).Msg("Log level updated from env file")
	}
}
