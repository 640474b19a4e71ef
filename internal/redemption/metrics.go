package redemption

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qrattend_redemptions_total",
	Help: "Redemption attempts by terminal outcome.",
}, []string{"outcome"})
