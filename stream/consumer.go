// Package stream owns the inbound message boundary: the source interface,
// the gateway implementations, the consumer loop, and cursor persistence.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chatsafe-net/chatsafe/pipeline"
)

// Source supplies the ordered inbound message sequence. Open establishes
// the subscription starting strictly after cursor; Next blocks for the
// next message. Next returns io.EOF on clean end-of-stream, any other
// error is a fatal transport failure.
type Source interface {
	Open(ctx context.Context, cursor int64) error
	Next(ctx context.Context) (*pipeline.InboundMessage, error)
}

// Consumer drives the pipeline off a Source, processing messages in
// sequence order and checkpointing the last processed sequence number.
type Consumer struct {
	Logger   *slog.Logger
	Source   Source
	Pipeline *pipeline.Pipeline
	Cursor   CursorStore

	// lastSeq is the most recent sequence number handed to the pipeline.
	// Persisted periodically; read/written with atomics since the persist
	// loop runs in its own goroutine.
	lastSeq int64
}

// Run consumes the stream until end-of-stream (nil return) or a fatal
// transport error (non-nil). Per-message sink failures never surface
// here; they are folded into pipeline outcomes.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Pipeline == nil {
		return fmt.Errorf("nil pipeline")
	}

	cursor, err := c.Cursor.ReadCursor(ctx)
	if err != nil {
		return fmt.Errorf("reading stream cursor: %w", err)
	}
	if cursor > 0 {
		c.Logger.Info("resuming after persisted cursor", "seq", cursor)
	}
	atomic.StoreInt64(&c.lastSeq, cursor)

	if err := c.Source.Open(ctx, cursor); err != nil {
		return fmt.Errorf("opening message stream: %w", err)
	}

	for {
		msg, err := c.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.Logger.Info("message stream ended")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// operator-requested shutdown, not a transport failure
				c.Logger.Info("shutdown requested, stopping consumer")
				return nil
			}
			return fmt.Errorf("message stream failed: %w", err)
		}
		if msg.Seq <= cursor {
			// the upstream is at-least-once; anything at or below the
			// checkpoint was already processed before the restart
			c.Logger.Debug("skipping already-processed message", "seq", msg.Seq, "cursor", cursor)
			continue
		}

		c.Pipeline.ProcessMessage(ctx, *msg)
		atomic.StoreInt64(&c.lastSeq, msg.Seq)
	}
}

// LastSeq returns the most recently processed sequence number.
func (c *Consumer) LastSeq() int64 {
	return atomic.LoadInt64(&c.lastSeq)
}

func (c *Consumer) persistCursor(ctx context.Context) error {
	lastSeq := atomic.LoadInt64(&c.lastSeq)
	if lastSeq <= 0 {
		return nil
	}
	return c.Cursor.PersistCursor(ctx, lastSeq)
}

// RunPersistCursor flushes the cursor every 5 seconds, and once more at
// shutdown. Runs in its own goroutine alongside Run.
func (c *Consumer) RunPersistCursor(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lastSeq := atomic.LoadInt64(&c.lastSeq)
			if lastSeq >= 1 {
				c.Logger.Info("persisting final cursor seq value", "seq", lastSeq)
				// fresh context: the parent is already cancelled
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.Cursor.PersistCursor(flushCtx, lastSeq); err != nil {
					c.Logger.Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
			return nil
		case <-ticker.C:
			if err := c.persistCursor(ctx); err != nil {
				c.Logger.Error("failed to persist cursor", "err", err, "seq", atomic.LoadInt64(&c.lastSeq))
			}
		}
	}
}
