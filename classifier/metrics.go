package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsafe_classify_requests",
	Help: "Number of classification API requests, by HTTP status code",
}, []string{"status"})

var classifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "chatsafe_classify_duration_sec",
	Help: "Duration of classification API requests",
})
