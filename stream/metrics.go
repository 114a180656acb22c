package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatsafe_stream_messages_received",
	Help: "Number of messages received from the gateway stream",
})

var streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chatsafe_stream_reconnects",
	Help: "Number of gateway stream reconnect attempts",
})

var replyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsafe_reply_requests",
	Help: "Number of warning reply deliveries, by HTTP status code",
}, []string{"status"})
