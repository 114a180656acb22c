package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"

	"github.com/chatsafe-net/chatsafe/pipeline"
	"github.com/chatsafe-net/chatsafe/util"
)

// messageFrame is the gateway's JSON wire format for one inbound message.
type messageFrame struct {
	Seq          int64  `json:"seq"`
	Sender       string `json:"sender"`
	Conversation string `json:"conversation"`
	Content      string `json:"content"`
}

// GatewaySource subscribes to the message gateway's websocket stream. On
// abnormal disconnect it reconnects with capped exponential backoff,
// resuming from the last delivered sequence number; a clean server close is
// surfaced as io.EOF.
type GatewaySource struct {
	Logger *slog.Logger
	// Host is the gateway endpoint, including the ws:// or wss:// scheme.
	Host string
	// MaxReconnectAttempts bounds consecutive failed redials before the
	// stream is declared fatally lost. Zero means a default of 10.
	MaxReconnectAttempts int

	conn *websocket.Conn
	// connDone releases the current connection's shutdown watcher when
	// the connection is discarded, so watchers don't pile up across
	// reconnects.
	connDone chan struct{}
	lastSeq  int64
}

func (g *GatewaySource) maxReconnects() int {
	if g.MaxReconnectAttempts > 0 {
		return g.MaxReconnectAttempts
	}
	return 10
}

// Open dials the gateway, subscribing strictly after cursor.
func (g *GatewaySource) Open(ctx context.Context, cursor int64) error {
	atomic.StoreInt64(&g.lastSeq, cursor)
	return g.dial(ctx)
}

func (g *GatewaySource) dial(ctx context.Context) error {
	u, err := url.Parse(g.Host)
	if err != nil {
		return fmt.Errorf("invalid gateway host URI: %w", err)
	}
	u.Path = "/stream/messages"
	if cur := atomic.LoadInt64(&g.lastSeq); cur != 0 {
		u.RawQuery = fmt.Sprintf("cursor=%d", cur)
	}
	g.Logger.Info("subscribing to message stream", "upstream", g.Host, "cursor", atomic.LoadInt64(&g.lastSeq))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{
		"User-Agent": []string{fmt.Sprintf("chatsafe/%s", versioninfo.Short())},
	})
	if err != nil {
		return fmt.Errorf("subscribing to message stream failed (dialing): %w", err)
	}
	g.conn = conn
	g.connDone = make(chan struct{})

	// unblock any pending read when the consumer shuts down; exits once
	// this particular connection is discarded
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}(g.connDone)
	return nil
}

// teardown discards the current connection and releases its watcher.
func (g *GatewaySource) teardown() {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.connDone != nil {
		close(g.connDone)
		g.connDone = nil
	}
}

// Next returns the next inbound message, redialing on abnormal disconnects
// until the reconnect budget is exhausted.
func (g *GatewaySource) Next(ctx context.Context) (*pipeline.InboundMessage, error) {
	for attempt := 0; ; attempt++ {
		if g.conn == nil {
			if attempt > g.maxReconnects() {
				return nil, fmt.Errorf("message stream lost, reconnect budget exhausted after %d attempts", attempt-1)
			}
			if attempt > 0 {
				backoff := min(time.Duration(1<<uint(attempt-1))*time.Second, 30*time.Second)
				streamReconnects.Inc()
				g.Logger.Warn("reconnecting to message stream", "attempt", attempt, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if err := g.dial(ctx); err != nil {
				g.Logger.Error("gateway redial failed", "err", err, "attempt", attempt)
				continue
			}
		}

		var frame messageFrame
		err := g.conn.ReadJSON(&frame)
		if err == nil {
			atomic.StoreInt64(&g.lastSeq, frame.Seq)
			streamMessagesReceived.Inc()
			return &pipeline.InboundMessage{
				SenderID:        frame.Sender,
				Content:         frame.Content,
				ConversationRef: frame.Conversation,
				Seq:             frame.Seq,
			}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			g.Logger.Info("gateway closed the stream")
			g.teardown()
			return nil, io.EOF
		}
		g.Logger.Warn("message stream read failed", "err", err)
		g.teardown()
	}
}

// GatewayReplySink sends warning replies back through the gateway's HTTP
// API. Independent of the websocket stream connection.
type GatewayReplySink struct {
	Logger *slog.Logger
	// Host is the gateway's HTTP endpoint (http:// or https:// scheme).
	Host   string
	Client *http.Client
}

func NewGatewayReplySink(host string, logger *slog.Logger) *GatewayReplySink {
	return &GatewayReplySink{
		Logger: logger,
		Host:   host,
		Client: util.RobustHTTPClient(),
	}
}

type replyBody struct {
	Content string `json:"content"`
}

// Reply posts text into the conversation identified by conversationRef.
func (s *GatewayReplySink) Reply(ctx context.Context, conversationRef, text string) error {
	body, err := json.Marshal(replyBody{Content: text})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/conversations/%s/messages", s.Host, url.PathEscape(conversationRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatsafe/"+versioninfo.Short())

	res, err := s.Client.Do(req)
	if err != nil {
		replyCount.WithLabelValues("error").Inc()
		return fmt.Errorf("reply delivery failed: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	replyCount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return fmt.Errorf("reply delivery failed, statusCode=%d", res.StatusCode)
	}
	return nil
}
