package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatsafe-net/chatsafe/pipeline"
	"github.com/chatsafe-net/chatsafe/stream"
)

// eofSource ends the stream cleanly after its messages run out.
type eofSource struct {
	msgs []pipeline.InboundMessage
	pos  int
}

func (s *eofSource) Open(ctx context.Context, cursor int64) error { return nil }

func (s *eofSource) Next(ctx context.Context) (*pipeline.InboundMessage, error) {
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return &msg, nil
}

// blockingSource never produces a message; it only unblocks on shutdown.
type blockingSource struct{}

func (blockingSource) Open(ctx context.Context, cursor int64) error { return nil }

func (blockingSource) Next(ctx context.Context) (*pipeline.InboundMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func serverFixture(src stream.Source) *Server {
	pipe, _, _, _ := pipeline.PipelineTestFixture()
	return &Server{
		logger: slog.Default(),
		consumer: &stream.Consumer{
			Logger:   slog.Default(),
			Source:   src,
			Pipeline: pipe,
			Cursor:   stream.NewMemCursorStore(),
		},
		metricsListen: "127.0.0.1:0",
	}
}

func runServer(ctx context.Context, srv *Server) chan error {
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	return done
}

func TestRunSurfacesCleanEndOfStream(t *testing.T) {
	assert := assert.New(t)

	srv := serverFixture(&eofSource{msgs: []pipeline.InboundMessage{
		{SenderID: "0xA", Content: "hello", ConversationRef: "c1", Seq: 1},
	}})

	// end-of-stream must terminate the whole group, persist loop
	// included, and reach the operator as an error rather than leaving
	// the process alive but idle
	select {
	case err := <-runServer(context.Background(), srv):
		assert.Error(err)
		assert.Contains(err.Error(), "stream ended")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not terminate after clean end-of-stream")
	}
}

func TestRunExitsCleanlyOnOperatorShutdown(t *testing.T) {
	assert := assert.New(t)

	srv := serverFixture(blockingSource{})
	ctx, cancel := context.WithCancel(context.Background())
	done := runServer(ctx, srv)
	cancel()

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not terminate after shutdown signal")
	}
}
