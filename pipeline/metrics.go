package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsafe_messages_processed",
	Help: "Number of inbound messages processed, by outcome",
}, []string{"outcome"})

var processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "chatsafe_message_process_duration_sec",
	Help: "Total duration of per-message pipeline processing",
})

var flaggedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatsafe_messages_flagged",
	Help: "Number of messages with a flagged verdict",
})

var replyFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatsafe_reply_failures",
	Help: "Number of failed warning reply deliveries",
})

var ledgerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatsafe_ledger_failures",
	Help: "Number of failed ledger append submissions",
})
