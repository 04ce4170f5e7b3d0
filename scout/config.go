package scout

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// CacheUpdateProtocol selects how the cache is kept current.
type CacheUpdateProtocol string

const (
	// NoCacheOrUncoordinated assumes cached objects are updated
	// independently. Does not work well with notifications.
	NoCacheOrUncoordinated CacheUpdateProtocol = "NO_CACHE_OR_UNCOORDINATED"
	// CausalNotificationsStream updates the cache via a causal stream of
	// server-initiated notifications.
	CausalNotificationsStream CacheUpdateProtocol = "CAUSAL_NOTIFICATIONS_STREAM"
	// CausalPeriodicRefresh updates the cache via a periodic refresh
	// request initiated by the scout.
	CausalPeriodicRefresh CacheUpdateProtocol = "CAUSAL_PERIODIC_REFRESH"
)

// Options is the complete set of configuration the scout core recognizes.
type Options struct {
	// ServerHostnames lists surrogate endpoints; the first is primary.
	ServerHostnames []string `yaml:"serverHostnames"`
	// DisasterSafe makes reads use the disaster-durable committed clock.
	DisasterSafe bool `yaml:"disasterSafe"`
	// ConcurrentOpenTransactions allows multiple pending handles.
	ConcurrentOpenTransactions bool `yaml:"concurrentOpenTransactions"`
	// MaxAsyncTransactionsQueued is the backpressure threshold on the
	// commit queue.
	MaxAsyncTransactionsQueued int `yaml:"maxAsyncTransactionsQueued"`
	MaxCommitBatchSize         int `yaml:"maxCommitBatchSize"`
	// ShareDependenciesInBatch replaces per-transaction dependency clocks
	// in a commit batch with a legal over-approximation to reduce metadata.
	ShareDependenciesInBatch bool `yaml:"shareDependenciesInBatch"`
	// CacheEvictionTimeMillis is the TTL for unused cache entries.
	CacheEvictionTimeMillis int `yaml:"cacheEvictionTimeMillis"`
	// CacheSize is the cache capacity in entries.
	CacheSize                int                 `yaml:"cacheSize"`
	CacheUpdateProtocol      CacheUpdateProtocol `yaml:"cacheUpdateProtocol"`
	CacheRefreshPeriodMillis int                 `yaml:"cacheRefreshPeriodMillis"`
	// DeadlineMillis is the per-operation RPC deadline.
	DeadlineMillis int `yaml:"deadlineMillis"`
	// LogFilename enables the durable client-side commit log.
	LogFilename      string `yaml:"logFilename"`
	LogFlushOnCommit bool   `yaml:"logFlushOnCommit"`
	// ByJwt is the token presented to surrogates on attach.
	ByJwt string `yaml:"byJwt"`

	// MetricsRegistry receives the scout's collectors. Nil keeps metrics
	// in a private registry.
	MetricsRegistry prometheus.Registerer `yaml:"-"`
}

func DefaultOptions() *Options {
	return &Options{
		DisasterSafe:               false,
		ConcurrentOpenTransactions: false,
		MaxAsyncTransactionsQueued: 50,
		MaxCommitBatchSize:         10,
		ShareDependenciesInBatch:   true,
		CacheEvictionTimeMillis:    120_000,
		CacheSize:                  512,
		CacheUpdateProtocol:        CausalNotificationsStream,
		CacheRefreshPeriodMillis:   1_000,
		DeadlineMillis:             10_000,
		LogFlushOnCommit:           true,
	}
}

// LoadOptions reads a YAML options file over the defaults.
func LoadOptions(path string) (*Options, error) {
	options := DefaultOptions()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, options); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	return options, nil
}

// ParseServerHostnames accepts the comma-separated endpoint list form.
func (self *Options) ParseServerHostnames(serverHostnames string) {
	self.ServerHostnames = []string{}
	for _, hostname := range strings.Split(serverHostnames, ",") {
		hostname = strings.TrimSpace(hostname)
		if hostname != "" {
			self.ServerHostnames = append(self.ServerHostnames, hostname)
		}
	}
}

func (self *Options) validate() error {
	switch self.CacheUpdateProtocol {
	case NoCacheOrUncoordinated, CausalNotificationsStream, CausalPeriodicRefresh:
	default:
		return fmt.Errorf("%w: cache update protocol %q", ErrUnsupported, self.CacheUpdateProtocol)
	}
	if self.MaxAsyncTransactionsQueued <= 0 {
		return fmt.Errorf("%w: maxAsyncTransactionsQueued must be positive", ErrIllegalState)
	}
	if self.MaxCommitBatchSize <= 0 {
		return fmt.Errorf("%w: maxCommitBatchSize must be positive", ErrIllegalState)
	}
	return nil
}

func (self *Options) deadline() time.Duration {
	return time.Duration(self.DeadlineMillis) * time.Millisecond
}

func (self *Options) cacheEvictionTime() time.Duration {
	return time.Duration(self.CacheEvictionTimeMillis) * time.Millisecond
}

func (self *Options) cacheRefreshPeriod() time.Duration {
	return time.Duration(self.CacheRefreshPeriodMillis) * time.Millisecond
}
