// Package watcher hot-reloads the yaml config when the file changes on disk.
// Edits made through the settings endpoint rewrite the same file, so the
// watcher compares content hashes to skip self-inflicted events.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nghyane/dreamina-mux/internal/config"
	log "github.com/nghyane/dreamina-mux/internal/logging"
)

// debounceDelay coalesces the burst of events editors emit per save.
const debounceDelay = 500 * time.Millisecond

// Watcher monitors the config file and applies changes in place.
type Watcher struct {
	cfg        *config.Config
	configPath string

	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	lastHash string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, configPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cfg:        cfg,
		configPath: configPath,
		fsw:        fsw,
		stopChan:   make(chan struct{}),
	}
	w.lastHash = hashFile(configPath)
	return w, nil
}

// Start watches the config file's directory. Watching the directory rather
// than the file survives rename-based atomic writes.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	log.Infof("watcher: monitoring %s", w.configPath)
	return nil
}

// Stop ends the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher: filesystem event error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	hash := hashFile(w.configPath)
	w.mu.Lock()
	unchanged := hash != "" && hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).Error("watcher: config reload failed, keeping previous settings")
		return
	}
	w.cfg.Replace(next)
	log.Info("watcher: configuration reloaded")
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
