package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsafe-net/chatsafe/pipeline"
)

// sliceSource replays a fixed message sequence, then ends the stream with
// finalErr (io.EOF for a clean end).
type sliceSource struct {
	msgs     []pipeline.InboundMessage
	finalErr error
	opened   int64
	pos      int
}

func (s *sliceSource) Open(ctx context.Context, cursor int64) error {
	s.opened = cursor
	return nil
}

func (s *sliceSource) Next(ctx context.Context) (*pipeline.InboundMessage, error) {
	if s.pos >= len(s.msgs) {
		return nil, s.finalErr
	}
	msg := s.msgs[s.pos]
	s.pos++
	return &msg, nil
}

func testConsumer(src Source, cursor CursorStore) (*Consumer, *pipeline.FakeClassifier) {
	pipe, cls, _, _ := pipeline.PipelineTestFixture()
	return &Consumer{
		Logger:   slog.Default(),
		Source:   src,
		Pipeline: pipe,
		Cursor:   cursor,
	}, cls
}

func TestConsumerProcessesInOrder(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	src := &sliceSource{
		msgs: []pipeline.InboundMessage{
			{SenderID: "0xA", Content: "one", ConversationRef: "c1", Seq: 1},
			{SenderID: "0xB", Content: "two", ConversationRef: "c2", Seq: 2},
			{SenderID: "0xC", Content: "three", ConversationRef: "c3", Seq: 3},
		},
		finalErr: io.EOF,
	}
	c, cls := testConsumer(src, NewMemCursorStore())

	// clean end-of-stream is not an error
	assert.NoError(c.Run(ctx))
	assert.Equal(3, cls.Calls())
	assert.Equal(int64(3), c.LastSeq())
}

func TestConsumerSkipsAlreadyProcessed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cursor := NewMemCursorStore()
	require.NoError(t, cursor.PersistCursor(ctx, 2))

	src := &sliceSource{
		msgs: []pipeline.InboundMessage{
			{SenderID: "0xA", Content: "replayed", Seq: 1},
			{SenderID: "0xA", Content: "replayed", Seq: 2},
			{SenderID: "0xA", Content: "new", Seq: 3},
		},
		finalErr: io.EOF,
	}
	c, cls := testConsumer(src, cursor)

	assert.NoError(c.Run(ctx))
	// the source resumed after the checkpoint, and replayed frames below
	// it were dropped without reprocessing
	assert.Equal(int64(2), src.opened)
	assert.Equal(1, cls.Calls())
}

func TestConsumerSurfacesFatalStreamError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	src := &sliceSource{
		msgs:     []pipeline.InboundMessage{{SenderID: "0xA", Content: "one", Seq: 1}},
		finalErr: fmt.Errorf("connection reset"),
	}
	c, _ := testConsumer(src, NewMemCursorStore())

	err := c.Run(ctx)
	assert.Error(err)
	assert.Contains(err.Error(), "message stream failed")
	// the message before the failure was still processed
	assert.Equal(int64(1), c.LastSeq())
}

// cancelSource blocks until the context is cancelled.
type cancelSource struct{}

func (cancelSource) Open(ctx context.Context, cursor int64) error { return nil }

func (cancelSource) Next(ctx context.Context) (*pipeline.InboundMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumerCleanShutdownOnCancel(t *testing.T) {
	assert := assert.New(t)

	c, _ := testConsumer(cancelSource{}, NewMemCursorStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	cancel()

	// operator-initiated shutdown is not a stream failure
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancellation")
	}
}

func TestRunPersistCursorFlushesOnShutdown(t *testing.T) {
	assert := assert.New(t)

	cursor := NewMemCursorStore()
	c, _ := testConsumer(&sliceSource{finalErr: io.EOF}, cursor)

	src := &sliceSource{
		msgs: []pipeline.InboundMessage{
			{SenderID: "0xA", Content: "one", Seq: 7},
		},
		finalErr: io.EOF,
	}
	c.Source = src
	require.NoError(t, c.Run(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.RunPersistCursor(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("persist loop did not stop on cancellation")
	}

	seq, err := cursor.ReadCursor(context.Background())
	assert.NoError(err)
	assert.Equal(int64(7), seq)
}
