// Package buffer is the durable offline queue. When the broker or the
// central platform is unreachable, audit events, execution results and
// trigger fires are appended here as NDJSON and drained in strict FIFO
// order once connectivity returns.
package buffer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// FlushHandler attempts redelivery of one buffered event. A nil error
// removes the event from the buffer; an error leaves it in place (head of
// line) for the next flush cycle.
type FlushHandler func(ctx context.Context, ev *models.BufferedEvent) error

// Buffer is the file-backed FIFO. All mutation goes through the mutex; the
// in-memory slice mirrors the file, and every mutation rewrites the file
// atomically (temp file + rename).
type Buffer struct {
	path     string
	maxSize  int
	interval time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	events   []*models.BufferedEvent
	dropped  uint64
	handlers map[models.BufferedKind]FlushHandler

	wake chan struct{}
}

// New opens (or creates) the buffer file and loads any events persisted by
// a previous run
func New(cfg config.BufferConfig, log *logger.Logger) (*Buffer, error) {
	b := &Buffer{
		path:     cfg.Path,
		maxSize:  cfg.MaxQueueSize,
		interval: cfg.RetryInterval,
		log:      log,
		handlers: make(map[models.BufferedKind]FlushHandler),
		wake:     make(chan struct{}, 1),
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create buffer directory: %w", err)
		}
	}

	if err := b.load(); err != nil {
		return nil, err
	}
	if len(b.events) > 0 {
		log.Info("offline buffer recovered events from disk",
			"path", cfg.Path, "count", len(b.events))
	}
	return b, nil
}

// load reads the NDJSON file into memory; malformed lines are skipped with
// a warning so one torn write cannot poison the whole queue
func (b *Buffer) load() error {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open buffer file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev models.BufferedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			b.log.Warn("skipping malformed buffer line", "line", line, "error", err)
			continue
		}
		b.events = append(b.events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read buffer file: %w", err)
	}
	return nil
}

// persist rewrites the whole file atomically. Called with b.mu held.
func (b *Buffer) persist() error {
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp buffer file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, ev := range b.events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal buffered event %s: %w", ev.ID, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush buffer file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync buffer file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close buffer file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace buffer file: %w", err)
	}
	return nil
}

// Enqueue appends an event. When the queue is full the oldest event is
// dropped to make room; the drop is counted and logged, never silent.
func (b *Buffer) Enqueue(kind models.BufferedKind, workflowID string, payload json.RawMessage) (*models.BufferedEvent, error) {
	ev := &models.BufferedEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
		WorkflowID: workflowID,
		Payload:    payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.maxSize {
		dropped := b.events[0]
		b.events = b.events[1:]
		b.dropped++
		b.log.Warn("offline buffer full, dropping oldest event",
			"dropped_id", dropped.ID, "dropped_kind", dropped.Kind,
			"total_dropped", b.dropped)
	}
	b.events = append(b.events, ev)

	if err := b.persist(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Len returns the number of buffered events
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many events were evicted because the queue was full
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// RegisterHandler sets the redelivery handler for one event kind
func (b *Buffer) RegisterHandler(kind models.BufferedKind, h FlushHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Flush drains the queue head-first. It stops at the first event whose
// handler fails, preserving FIFO order, and returns how many events were
// delivered.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		b.mu.Lock()
		if len(b.events) == 0 {
			b.mu.Unlock()
			return delivered, nil
		}
		head := b.events[0]
		handler := b.handlers[head.Kind]
		b.mu.Unlock()

		if handler == nil {
			return delivered, fmt.Errorf("no flush handler for kind %s", head.Kind)
		}

		if err := handler(ctx, head); err != nil {
			b.mu.Lock()
			head.Retries++
			perr := b.persist()
			b.mu.Unlock()
			if perr != nil {
				b.log.Error("failed to persist retry count", "error", perr)
			}
			return delivered, fmt.Errorf("flush event %s: %w", head.ID, err)
		}

		b.mu.Lock()
		// The head may only be removed if it is still the same event;
		// Enqueue never reorders so this holds unless Flush raced itself
		if len(b.events) > 0 && b.events[0].ID == head.ID {
			b.events = b.events[1:]
		}
		perr := b.persist()
		b.mu.Unlock()
		if perr != nil {
			return delivered, perr
		}
		delivered++

		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}
	}
}

// Notify asks the background loop to attempt a flush soon
func (b *Buffer) Notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run retries delivery on the configured interval (and on Notify) until
// the context is cancelled
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}

		if b.Len() == 0 {
			continue
		}
		n, err := b.Flush(ctx)
		if n > 0 {
			b.log.Info("offline buffer drained events", "delivered", n, "remaining", b.Len())
		}
		if err != nil && ctx.Err() == nil {
			b.log.Debug("offline buffer flush halted", "error", err)
		}
	}
}
