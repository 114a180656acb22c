package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chatsafe-net/chatsafe/classifier"
	"github.com/chatsafe-net/chatsafe/ledger"
)

// InboundMessage is one message received from the stream source. Immutable
// once constructed; the pipeline never modifies it.
type InboundMessage struct {
	// SenderID is the opaque identity of the message author.
	SenderID string
	// Content is the message text. May be empty.
	Content string
	// ConversationRef is an opaque handle usable by a ReplySink to send
	// text back into the originating conversation.
	ConversationRef string
	// Seq is the monotonically increasing per-stream sequence number.
	Seq int64
}

// Outcome is the per-message processing result. Exactly one is emitted per
// message; tests assert against these instead of log output.
type Outcome string

const (
	OutcomeClean                Outcome = "clean"
	OutcomeFlaggedAndHandled    Outcome = "flagged-handled"
	OutcomeFlaggedReplyFailed   Outcome = "flagged-reply-failed"
	OutcomeFlaggedLedgerFailed  Outcome = "flagged-ledger-failed"
	OutcomeClassificationFailed Outcome = "classification-failed"
)

// Classifier evaluates message text for policy violations.
type Classifier interface {
	Classify(ctx context.Context, content string) (*classifier.Verdict, error)
}

// LedgerAppender appends one infraction record to the audit ledger. The
// implementation is not idempotent, so the pipeline calls it at most once
// per infraction.
type LedgerAppender interface {
	AppendInfraction(ctx context.Context, subject, reason string) (*ledger.RecordReceipt, error)
}

// ReplySink sends text back into the conversation a message arrived on.
type ReplySink interface {
	Reply(ctx context.Context, conversationRef, text string) error
}

const warningTemplate = "🚨 ChatSafe Warning: Your message was flagged as potentially harmful/unsafe. Reason: %s"

// Pipeline runs each inbound message through a fixed sequence: filter,
// classify, and (on a flagged verdict) dual side-effect dispatch. All
// collaborators are injected; the pipeline holds no state across messages.
type Pipeline struct {
	Logger *slog.Logger
	// SelfID is the agent's own identity; messages from it are dropped
	// before classification to prevent warning-reply feedback loops.
	SelfID     string
	Classifier Classifier
	Ledger     LedgerAppender
	Replies    ReplySink
	// SinkTimeout bounds each individual reply and ledger call. Zero means
	// a 60s default.
	SinkTimeout time.Duration
}

func (p *Pipeline) sinkTimeout() time.Duration {
	if p.SinkTimeout > 0 {
		return p.SinkTimeout
	}
	return 60 * time.Second
}

// ProcessMessage runs one message through the full sequence and returns its
// outcome. Sink failures never propagate as errors; they are folded into
// the outcome tag. Panics from collaborators are recovered and reported as
// a classification failure rather than killing the consumer loop.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg InboundMessage) (out Outcome) {
	start := time.Now()
	logger := p.Logger.With("sender", msg.SenderID, "seq", msg.Seq)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message processing panic", "err", r)
			out = OutcomeClassificationFailed
		}
		messagesProcessed.WithLabelValues(string(out)).Inc()
		processDuration.Observe(time.Since(start).Seconds())
		logger.Info("message processed", "outcome", string(out), "duration", time.Since(start))
	}()

	// stage 1: drop our own messages and empty content without classifying
	if msg.SenderID == p.SelfID {
		logger.Debug("skipping own message")
		return OutcomeClean
	}
	if strings.TrimSpace(msg.Content) == "" {
		logger.Debug("skipping empty message")
		return OutcomeClean
	}

	// stage 2: classify
	verdict, err := p.Classifier.Classify(ctx, msg.Content)
	if err != nil {
		// fail-open: the message flows on, but this is an error, not a
		// verified-clean result
		logger.Error("classification failed", "err", err)
		return OutcomeClassificationFailed
	}
	if verdict.Unchecked {
		// distinct from a real negative: the content was never evaluated
		logger.Warn("message unchecked", "unchecked", true, "reason", verdict.Reason)
		return OutcomeClean
	}
	if !verdict.Flagged {
		return OutcomeClean
	}

	// stage 3: dual dispatch
	flaggedCount.Inc()
	logger = logger.With("reason", verdict.Reason)
	logger.Warn("message flagged", "categories", verdict.Categories)
	return p.dispatchFlagged(ctx, logger, msg, verdict)
}

// dispatchFlagged attempts the warning reply and the ledger append for one
// flagged message. The two calls run concurrently and independently: each
// gets its own deadline, and neither failure cancels or retries the other.
func (p *Pipeline) dispatchFlagged(ctx context.Context, logger *slog.Logger, msg InboundMessage, verdict *classifier.Verdict) Outcome {
	inf := ledger.Infraction{
		Subject:    msg.SenderID,
		Reason:     verdict.Reason,
		DetectedAt: time.Now(),
	}
	warning := fmt.Sprintf(warningTemplate, inf.Reason)

	var (
		wg        sync.WaitGroup
		replyErr  error
		ledgerErr error
		receipt   *ledger.RecordReceipt
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sinkTimeout())
		defer cancel()
		replyErr = p.Replies.Reply(rctx, msg.ConversationRef, warning)
	}()
	go func() {
		defer wg.Done()
		// detached from loop cancellation: an in-flight submission must
		// confirm or fail naturally, never be abandoned mid-flight
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sinkTimeout())
		defer cancel()
		receipt, ledgerErr = p.Ledger.AppendInfraction(lctx, inf.Subject, inf.Reason)
	}()
	wg.Wait()

	if replyErr != nil {
		replyFailures.Inc()
		logger.Error("failed to send warning reply", "err", replyErr, "conversation", msg.ConversationRef)
	} else {
		logger.Info("sent warning reply", "conversation", msg.ConversationRef)
	}
	if ledgerErr != nil {
		ledgerFailures.Inc()
		logger.Error("failed to append infraction to ledger", "err", ledgerErr)
	} else {
		logger.Info("infraction recorded on ledger", "tx", receipt.TransactionRef, "confirmed", receipt.Confirmed)
	}

	// ledger failure takes precedence when both sinks fail: losing the
	// audit record is the more severe condition
	switch {
	case ledgerErr != nil:
		return OutcomeFlaggedLedgerFailed
	case replyErr != nil:
		return OutcomeFlaggedReplyFailed
	default:
		return OutcomeFlaggedAndHandled
	}
}
