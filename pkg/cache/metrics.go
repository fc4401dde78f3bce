package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_cache_lookups_total",
		Help: "Total number of object cache lookups.",
	}, []string{"cache", "tier" /* memory | disk */, "status" /* hit | miss | error */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_cache_evictions_total",
		Help: "Total number of memory tier evictions.",
	}, []string{"cache"})
	cacheDiskWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_cache_disk_writes_total",
		Help: "Total number of disk tier writes.",
	}, []string{"cache", "status" /* written | exists | busy | error */})
)
