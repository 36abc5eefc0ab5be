package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// signalFile is the on-disk snapshot a control plane writes to trip the
// switch. A missing file means all clear.
type signalFile struct {
	Global bool     `json:"global"`
	Agents []string `json:"agents,omitempty"`
}

// WriteSignalFile atomically writes a signal file (write temp, then
// rename) so watchers never observe a partial document.
func WriteSignalFile(path string, global bool, agents []string) error {
	raw, err := json.MarshalIndent(signalFile{Global: global, Agents: agents}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FileSource watches a JSON signal file and applies its state to a
// Switch. The watch is on the parent directory so atomic writes
// (write-temp-then-rename) are observed.
type FileSource struct {
	path    string
	sw      *Switch
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewFileSource creates the watcher and applies the file's current state.
func NewFileSource(path string, sw *Switch, logger *zap.Logger) (*FileSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close() //nolint:errcheck
		return nil, err
	}
	fs := &FileSource{path: path, sw: sw, watcher: watcher, logger: logger}
	fs.reload()
	return fs, nil
}

// Run consumes watcher events until the context is cancelled.
func (fs *FileSource) Run(ctx context.Context) {
	defer fs.watcher.Close() //nolint:errcheck
	for {
		select {
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(fs.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				fs.reload()
			}
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("kill switch watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// reload reads the signal file and applies it. Unreadable content fails
// CLOSED: an unparsable signal file halts everything rather than being
// ignored.
func (fs *FileSource) reload() {
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fs.sw.Apply(false, nil)
			return
		}
		fs.logger.Error("kill switch file unreadable, halting globally", zap.Error(err))
		fs.sw.Apply(true, nil)
		return
	}
	var sig signalFile
	if err := json.Unmarshal(raw, &sig); err != nil {
		fs.logger.Error("kill switch file corrupt, halting globally", zap.Error(err))
		fs.sw.Apply(true, nil)
		return
	}
	fs.sw.Apply(sig.Global, sig.Agents)
	fs.logger.Info("kill switch state applied",
		zap.Bool("global", sig.Global),
		zap.Int("halted_agents", len(sig.Agents)),
	)
}
