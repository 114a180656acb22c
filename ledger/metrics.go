package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsafe_ledger_submissions",
	Help: "Number of infraction ledger submissions, by result",
}, []string{"result"})

var submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "chatsafe_ledger_submit_duration_sec",
	Help: "Duration of infraction submission including confirmation wait",
})
