package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loaderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_loader_requests_total",
		Help: "Total number of load requests by how they were resolved.",
	}, []string{"result" /* immediate | dispatched | deduped */})
	loaderTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_loader_tasks_total",
		Help: "Total number of finished background tasks by outcome.",
	}, []string{"outcome" /* bound | superseded | cancelled | failed */})
	loaderInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marquee_loader_tasks_inflight",
		Help: "Background tasks not yet finished.",
	})
)
