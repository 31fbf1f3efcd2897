package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the env file for changes and applies the subset of
// options that are safe to change at runtime: scanner toggles, severity
// thresholds, and rollback thresholds. Everything else requires a
// restart.
type Watcher struct {
	mu       sync.RWMutex
	cfg      *Config
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	lastMod  time.Time
	onReload func(security SecurityConfig, rollback RollbackConfig)
}

// NewWatcher creates a watcher over the env file the config was loaded
// from. Returns nil without error when no env file is configured.
func NewWatcher(cfg *Config) (*Watcher, error) {
	if cfg.EnvFile == "" {
		return nil, nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cfg:      cfg,
		envPath:  cfg.EnvFile,
		watcher:  fsWatcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastMod = stat.ModTime()
	}
	return w, nil
}

// SetReloadCallback registers the function invoked after a successful
// reload with the refreshed runtime-safe sections.
func (w *Watcher) SetReloadCallback(callback func(security SecurityConfig, rollback RollbackConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = callback
}

// Start begins watching. Watching the directory rather than the file
// survives editors that replace the file on save.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.stopChan)
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	// Debounce: editors emit several events per save.
	var debounce *time.Timer
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Config reload skipped; env file unreadable")
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = stat.ModTime()
	w.mu.Unlock()

	values, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Config reload failed; keeping previous values")
		return
	}

	w.mu.Lock()
	security := w.cfg.Security
	rollback := w.cfg.Rollback
	applyReloadable(&security, &rollback, values)
	w.cfg.Security = security
	w.cfg.Rollback = rollback
	callback := w.onReload
	w.mu.Unlock()

	log.Info().Str("path", w.envPath).Msg("Runtime configuration reloaded")
	if callback != nil {
		callback(security, rollback)
	}
}

func applyReloadable(security *SecurityConfig, rollback *RollbackConfig, values map[string]string) {
	if v, ok := lookupBool(values, "AEGIS_SECURITY_IMAGE_SCAN_ENABLED"); ok {
		security.ImageScanEnabled = v
	}
	if v, ok := values["AEGIS_SECURITY_IMAGE_SCAN_SEVERITY"]; ok && strings.TrimSpace(v) != "" {
		security.ImageScanSeverity = strings.TrimSpace(v)
	}
	if v, ok := lookupBool(values, "AEGIS_SECURITY_RUNTIME_ALERTS_ENABLED"); ok {
		security.RuntimeAlertsEnabled = v
	}
	if v, ok := values["AEGIS_SECURITY_RUNTIME_ALERTS_SEVERITY"]; ok && strings.TrimSpace(v) != "" {
		security.RuntimeAlertsSeverity = strings.TrimSpace(v)
	}
	if v, ok := lookupBool(values, "AEGIS_SECURITY_WEB_SCAN_ENABLED"); ok {
		security.WebScanEnabled = v
	}
	if v, ok := lookupBool(values, "AEGIS_SECURITY_MANIFEST_SCAN_ENABLED"); ok {
		security.ManifestScanEnabled = v
	}
	if v, ok := lookupBool(values, "AEGIS_SECURITY_MANIFEST_SCAN_BLOCK_ON_CRITICAL"); ok {
		security.ManifestBlockCritical = v
	}
	if v, ok := lookupBool(values, "AEGIS_ROLLBACK_ENABLED"); ok {
		rollback.Enabled = v
	}
	if v, ok := lookupFloat(values, "AEGIS_ROLLBACK_ERROR_RATE_THRESHOLD"); ok && v >= 1 {
		rollback.ErrorRateThreshold = v
	}
}

func lookupBool(values map[string]string, key string) (bool, bool) {
	raw, ok := values[key]
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func lookupFloat(values map[string]string, key string) (float64, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
