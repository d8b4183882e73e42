package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Options is the engine configuration, loadable straight from the
// environment.
type Options struct {
	Environment string `envconfig:"ENVIRONMENT" default:"dev"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`

	// UseNumaAlloc picks the NUMA-local page allocator over one shared pool.
	UseNumaAlloc bool `envconfig:"USE_NUMA_ALLOC" default:"true"`
	// InterleaveNumaAlloc allocates round-robin over nodes instead of
	// on-node; meaningful only with UseNumaAlloc.
	InterleaveNumaAlloc bool `envconfig:"INTERLEAVE_NUMA_ALLOC" default:"false"`
	// PagePoolPagesPerNode caps each node's volatile pool; 0 is unbounded.
	PagePoolPagesPerNode uint64 `envconfig:"PAGE_POOL_PAGES_PER_NODE" default:"0"`

	// EpochAdvanceIntervalMs is the epoch-advance driver period.
	EpochAdvanceIntervalMs int `envconfig:"EPOCH_ADVANCE_INTERVAL_MS" default:"20"`

	// LoggersPerNode sets the logger (and so gleaner mapper) count per node.
	LoggersPerNode int `envconfig:"LOGGERS_PER_NODE" default:"1"`
	// ThreadGroupCount is the number of NUMA nodes.
	ThreadGroupCount int `envconfig:"THREAD_GROUP_COUNT" default:"1"`
}

func LoadOptionsFromEnv() (Options, error) {
	var o Options
	if err := envconfig.Process("", &o); err != nil {
		return Options{}, fmt.Errorf("engine: loading options: %w", err)
	}
	return o, o.Validate()
}

func (o Options) Validate() error {
	if o.ThreadGroupCount < 1 {
		return fmt.Errorf("engine: THREAD_GROUP_COUNT must be positive, got %d", o.ThreadGroupCount)
	}
	if o.LoggersPerNode < 1 {
		return fmt.Errorf("engine: LOGGERS_PER_NODE must be positive, got %d", o.LoggersPerNode)
	}
	if o.EpochAdvanceIntervalMs < 1 {
		return fmt.Errorf("engine: EPOCH_ADVANCE_INTERVAL_MS must be positive, got %d",
			o.EpochAdvanceIntervalMs)
	}
	return nil
}

func (o Options) EpochAdvanceInterval() time.Duration {
	return time.Duration(o.EpochAdvanceIntervalMs) * time.Millisecond
}

// TinyOptions is the small-everything configuration used across tests.
func TinyOptions() Options {
	return Options{
		Environment:            EnvDev,
		DataDir:                "/silodb-test",
		UseNumaAlloc:           true,
		EpochAdvanceIntervalMs: 5,
		LoggersPerNode:         1,
		ThreadGroupCount:       2,
	}
}
