package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatsafe-net/chatsafe/classifier"
	"github.com/chatsafe-net/chatsafe/ledger"
)

// Test doubles for the pipeline's collaborators. Intentionally exported,
// for use in other packages' tests.

// FakeClassifier returns a scripted verdict or error and counts calls.
type FakeClassifier struct {
	mu      sync.Mutex
	Verdict *classifier.Verdict
	Err     error
	calls   int
}

func (f *FakeClassifier) Classify(ctx context.Context, content string) (*classifier.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Verdict, nil
}

func (f *FakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type AppendCall struct {
	Subject string
	Reason  string
}

// CountingLedger records every append attempt and either fails or confirms.
type CountingLedger struct {
	mu    sync.Mutex
	Err   error
	calls []AppendCall
}

func (l *CountingLedger) AppendInfraction(ctx context.Context, subject, reason string) (*ledger.RecordReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, AppendCall{Subject: subject, Reason: reason})
	if l.Err != nil {
		return nil, l.Err
	}
	return &ledger.RecordReceipt{TransactionRef: "0xtest", Confirmed: true}, nil
}

func (l *CountingLedger) Calls() []AppendCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AppendCall{}, l.calls...)
}

type ReplyCall struct {
	ConversationRef string
	Text            string
}

// CountingReplies records every reply attempt.
type CountingReplies struct {
	mu    sync.Mutex
	Err   error
	calls []ReplyCall
}

func (r *CountingReplies) Reply(ctx context.Context, conversationRef, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ReplyCall{ConversationRef: conversationRef, Text: text})
	return r.Err
}

func (r *CountingReplies) Calls() []ReplyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReplyCall{}, r.calls...)
}

// PipelineTestFixture returns a pipeline wired to fresh test doubles. The
// default classifier verdict is a clean result.
func PipelineTestFixture() (*Pipeline, *FakeClassifier, *CountingLedger, *CountingReplies) {
	cls := &FakeClassifier{Verdict: &classifier.Verdict{Flagged: false}}
	ldg := &CountingLedger{}
	rep := &CountingReplies{}
	p := &Pipeline{
		Logger:      slog.Default(),
		SelfID:      "0xAGENT",
		Classifier:  cls,
		Ledger:      ldg,
		Replies:     rep,
		SinkTimeout: 5 * time.Second,
	}
	return p, cls, ldg, rep
}
