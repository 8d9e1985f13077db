package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize bounds the number of pending entries held by a Writer.
const DefaultQueueSize = 256

// writeTimeout bounds a single insert so a stuck database cannot wedge the drain loop.
const writeTimeout = 5 * time.Second

// Writer records entries asynchronously and best-effort. Record never blocks
// the caller: when the queue is full the entry is dropped with a warning.
// Entries are written serially, which suits SQLite's single-writer model.
type Writer struct {
	repo   Repository
	queue  chan *Entry
	logger *slog.Logger

	once sync.Once
	done chan struct{}
}

// NewWriter creates a Writer. Call Run to start draining.
func NewWriter(repo Repository, size int, logger *slog.Logger) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{
		repo:   repo,
		queue:  make(chan *Entry, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Record enqueues an entry for writing.
func (w *Writer) Record(entry *Entry) {
	if w == nil || entry == nil {
		return
	}
	select {
	case w.queue <- entry:
	default:
		w.logger.Warn("audit queue full, dropping entry",
			"action", entry.Action,
			"entity_type", entry.EntityType,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains whatever is
// still queued and returns.
func (w *Writer) Run(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })

	for {
		select {
		case entry := <-w.queue:
			w.write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-w.queue:
					w.write(entry)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) write(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.repo.Create(ctx, entry); err != nil {
		w.logger.Error("audit write failed",
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"error", err,
		)
	}
}
