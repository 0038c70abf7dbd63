// Package configsync pushes device configuration edits out to the lamps.
// An operator edits devices/<id>.yaml on disk (or another process writes
// it); the watcher notices, and if the configuration section actually
// changed, pushes an update_config command at the device.
package configsync

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/device"
)

// debounceInterval lets rapid events settle before re-reading the record;
// atomic writes show up as a write plus a rename.
const debounceInterval = 100 * time.Millisecond

type Watcher struct {
	devices device.Repository
	pub     command.Publisher

	// dir is the devices directory of the local store.
	dir string

	mu       sync.Mutex
	seen     map[string][sha256.Size]byte
	debounce map[string]*time.Timer

	publishTimeout time.Duration
	now            func() time.Time
}

func NewWatcher(devices device.Repository, pub command.Publisher, storeBasePath string) *Watcher {
	return &Watcher{
		devices:        devices,
		pub:            pub,
		dir:            filepath.Join(storeBasePath, "devices"),
		seen:           make(map[string][sha256.Size]byte),
		debounce:       make(map[string]*time.Timer),
		publishTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// Run watches the devices directory until ctx is cancelled. Records that
// exist at startup are fingerprinted without pushing, so a restart does not
// re-broadcast every configuration.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The store creates directories lazily; make sure there is something to
	// watch before the first device is ever written.
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.prime(ctx)
	slog.Info("configuration watcher started", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			deviceID, ok := deviceIDFromPath(event.Name)
			if !ok {
				continue
			}
			w.scheduleCheck(ctx, deviceID)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("configuration watcher error", "error", err)
		}
	}
}

// prime fingerprints every existing device configuration.
func (w *Watcher) prime(ctx context.Context) {
	devs, err := w.devices.List(ctx, "")
	if err != nil {
		slog.Warn("failed to prime configuration watcher", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range devs {
		w.seen[d.ID] = fingerprint(d.Configuration)
	}
}

// scheduleCheck resets the per-device debounce timer; the check runs once
// the events settle.
func (w *Watcher) scheduleCheck(ctx context.Context, deviceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounce[deviceID]; ok {
		t.Stop()
	}
	w.debounce[deviceID] = time.AfterFunc(debounceInterval, func() {
		if ctx.Err() != nil {
			return
		}
		w.check(ctx, deviceID)
	})
}

func (w *Watcher) check(ctx context.Context, deviceID string) {
	d, err := w.devices.Get(ctx, deviceID)
	if err != nil {
		slog.Debug("skipping configuration check", "device_id", deviceID, "error", err)
		return
	}

	fp := fingerprint(d.Configuration)
	w.mu.Lock()
	prev, known := w.seen[deviceID]
	w.seen[deviceID] = fp
	w.mu.Unlock()
	if known && prev == fp {
		return
	}

	data := make(map[string]any, len(d.Configuration))
	for k, v := range d.Configuration {
		data[k] = v
	}
	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()
	if err := w.pub.PublishCommand(pubCtx, deviceID, command.Payload{
		Command:   "update_config",
		Data:      data,
		Timestamp: w.now().UnixMilli(),
	}); err != nil {
		slog.Warn("failed to push configuration update", "device_id", deviceID, "error", err)
		return
	}
	slog.Info("configuration update pushed", "device_id", deviceID, "keys", len(data))
}

// fingerprint hashes a configuration map deterministically.
func fingerprint(cfg map[string]string) [sha256.Size]byte {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(cfg[k]))
		h.Write([]byte{0})
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func deviceIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	return strings.TrimSuffix(name, ".yaml"), true
}
