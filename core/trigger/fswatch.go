package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// FileWatchDriver fires when files under a directory change
type FileWatchDriver struct {
	id         string
	workflowID string
	path       string
	pattern    string // optional glob matched against the base name
	log        *logger.Logger

	watcher *fsnotify.Watcher
}

// NewFileWatchDriver watches path (a file or directory). pattern filters
// events by base name; empty matches everything.
func NewFileWatchDriver(id, workflowID, path, pattern string, log *logger.Logger) *FileWatchDriver {
	return &FileWatchDriver{
		id:         id,
		workflowID: workflowID,
		path:       path,
		pattern:    pattern,
		log:        log,
	}
}

func (d *FileWatchDriver) ID() string { return d.id }

func (d *FileWatchDriver) Start(ctx context.Context, emit EmitFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file watch driver %s: %w", d.id, err)
	}
	if err := watcher.Add(d.path); err != nil {
		watcher.Close()
		return fmt.Errorf("file watch driver %s: watch %s: %w", d.id, d.path, err)
	}
	d.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !d.matches(ev.Name) {
					continue
				}
				payload, _ := json.Marshal(map[string]string{
					"path": ev.Name,
					"op":   ev.Op.String(),
				})
				emit(models.TriggerEvent{
					DriverID:   d.id,
					WorkflowID: d.workflowID,
					Timestamp:  time.Now().UTC(),
					Payload:    payload,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn("file watch error", "driver", d.id, "error", err)
			}
		}
	}()
	return nil
}

func (d *FileWatchDriver) matches(name string) bool {
	if d.pattern == "" {
		return true
	}
	ok, err := filepath.Match(d.pattern, filepath.Base(name))
	return err == nil && ok
}

func (d *FileWatchDriver) Stop() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}
