package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values applied before file and environment sources.
const (
	DefaultWorkers        = 4
	DefaultStoreType      = "memory"
	DefaultMetricsListen  = "127.0.0.1:9090"
	DefaultSampleInterval = 5 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")

	v.SetDefault("pool.soft_limit", "0")
	v.SetDefault("pool.hard_limit", "0")
	v.SetDefault("pool.workers", DefaultWorkers)

	v.SetDefault("store.type", DefaultStoreType)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("metrics.sample_interval", DefaultSampleInterval)
}
