package collector

import (
	"context"
	"flag"
	"time"

	"github.com/queueobs/queueobs/pkg/udm"
)

// Mode selects the collector adapter.
type Mode string

const (
	ModeSimulation     Mode = "simulation"
	ModeInfrastructure Mode = "infrastructure"
	ModeHybrid         Mode = "hybrid"
)

// DefaultFetchTimeout bounds a single Fetch call.
const DefaultFetchTimeout = 45 * time.Second

// DefaultWindow is the default lookback passed to Fetch.
const DefaultWindow = 5 * time.Minute

// Iterator yields raw samples lazily. It is finite and single-pass: once
// Next returns false the iterator is exhausted and must not be reused
// within the tick.
type Iterator interface {
	Next() (udm.RawSample, bool)
}

// Collector is the pluggable raw-sample source. Fetch fails with
// SourceUnavailable (retryable) or AuthFailed (fatal); samples with
// unrecognized shapes are skipped downstream with SchemaMismatch.
type Collector interface {
	Fetch(ctx context.Context, since time.Duration) (Iterator, error)
}

// Config shared by the adapters.
type Config struct {
	Mode         Mode          `yaml:"mode"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	ClusterName  string        `yaml:"cluster_name"` // restricts query mode to one cluster

	Simulation SimulationConfig `yaml:"simulation"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Mode = ModeSimulation
	f.DurationVar(&cfg.FetchTimeout, prefix+".fetch-timeout", DefaultFetchTimeout, "timeout for one fetch call")
	cfg.Simulation.RegisterFlagsAndApplyDefaults(prefix+".simulation", f)
}

type sliceIterator struct {
	samples []udm.RawSample
	pos     int
}

func (it *sliceIterator) Next() (udm.RawSample, bool) {
	if it.pos >= len(it.samples) {
		return nil, false
	}
	s := it.samples[it.pos]
	it.pos++
	return s, true
}

// NewSliceIterator wraps a pre-built sample set; used by the simulator and
// by tests.
func NewSliceIterator(samples []udm.RawSample) Iterator {
	return &sliceIterator{samples: samples}
}
