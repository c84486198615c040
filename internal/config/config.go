package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/tiersched/pkg/model"
)

// TierThresholds are the promotion thresholds of one target tier.
type TierThresholds struct {
	Invocation    int64 `yaml:"invocation"`
	MinInvocation int64 `yaml:"min_invocation"`
	Compile       int64 `yaml:"compile"`
	Backedge      int64 `yaml:"backedge"`
	LoadFeedback  int   `yaml:"load_feedback"`
}

// PolicyConfig configures tier transitions.
type PolicyConfig struct {
	Tier3 TierThresholds `yaml:"tier3"`
	Tier4 TierThresholds `yaml:"tier4"`

	// Queued optimizing tasks per optimizing worker above which new 0->3
	// requests become 0->2, and below which they switch back.
	CongestionOn  int `yaml:"congestion_on"`
	CongestionOff int `yaml:"congestion_off"`

	// Tier 0 profiling starts once the tier 3 predicate holds at this
	// percentage of the thresholds and the optimizing queue has at most
	// ProfilingDelay tasks per worker.
	ProfilingStartPercent int `yaml:"profiling_start_percent"`
	ProfilingDelay        int `yaml:"profiling_delay"`

	StopAtTier model.Tier `yaml:"stop_at_tier"`
}

// QueueConfig configures task selection and stale eviction.
type QueueConfig struct {
	StaleTimeout          time.Duration `yaml:"stale_timeout"`
	RateUpdateMinInterval time.Duration `yaml:"rate_update_min_interval"`
	RateUpdateMaxInterval time.Duration `yaml:"rate_update_max_interval"`
	// PollInterval bounds how long an idle worker blocks in Get.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ClassConfig configures the worker pool of one backend class.
type ClassConfig struct {
	MaxWorkers         int           `yaml:"max_workers"`
	InitialWorkers     int           `yaml:"initial_workers"`
	IdleDwell          time.Duration `yaml:"idle_dwell"`
	QueueDivisor       int           `yaml:"queue_divisor"`
	MemoryPerWorker    ByteSize      `yaml:"memory_per_worker"`
	CodeCachePerWorker ByteSize      `yaml:"code_cache_per_worker"`
}

// WorkersConfig configures both worker pools.
type WorkersConfig struct {
	Dynamic    bool        `yaml:"dynamic_workers"`
	Reduce     bool        `yaml:"reduce_workers"`
	Baseline   ClassConfig `yaml:"baseline"`
	Optimizing ClassConfig `yaml:"optimizing"`
}

// Class returns the pool configuration of c.
func (w *WorkersConfig) Class(c model.TierClass) *ClassConfig {
	if c == model.ClassOptimizing {
		return &w.Optimizing
	}
	return &w.Baseline
}

// BlockingConfig configures waits for blocking submissions whose backend
// reports progress.
type BlockingConfig struct {
	ProgressSlice    time.Duration `yaml:"progress_slice"`
	ProgressAttempts int           `yaml:"progress_attempts"`
}

// CodeCacheConfig configures code cache full handling.
type CodeCacheConfig struct {
	Size ByteSize `yaml:"size"`
	// Flushing allows reclamation; without it a full cache disables
	// compilation forever.
	Flushing         bool     `yaml:"flushing"`
	ReenableCapacity ByteSize `yaml:"reenable_capacity"`
}

// DebugConfig restricts compilation to a window of task ids. Zero IDStop
// means no upper bound.
type DebugConfig struct {
	IDStart uint64 `yaml:"id_start"`
	IDStop  uint64 `yaml:"id_stop"`
}

// Config holds the complete scheduler configuration.
type Config struct {
	Policy    PolicyConfig    `yaml:"policy"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkersConfig   `yaml:"workers"`
	Blocking  BlockingConfig  `yaml:"blocking"`
	CodeCache CodeCacheConfig `yaml:"code_cache"`
	Debug     DebugConfig     `yaml:"debug"`

	// Eager makes CompileIfRequired compile every unit before it runs.
	Eager bool `yaml:"eager"`
	// InitialTier is the tier CompileIfRequired requests.
	InitialTier model.Tier `yaml:"initial_tier"`
	// OSR enables on-stack-replacement compilations.
	OSR bool `yaml:"osr"`
	// MaintenanceInterval is the period of the background stale purge and
	// code cache reclamation.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// Default returns the defaults of a tiered runtime sized for this machine.
func Default() Config {
	baseline, optimizing := DefaultWorkerCounts(runtime.NumCPU())
	return Config{
		Policy: PolicyConfig{
			Tier3: TierThresholds{
				Invocation:    200,
				MinInvocation: 100,
				Compile:       2000,
				Backedge:      60000,
				LoadFeedback:  5,
			},
			Tier4: TierThresholds{
				Invocation:    5000,
				MinInvocation: 600,
				Compile:       15000,
				Backedge:      40000,
				LoadFeedback:  3,
			},
			CongestionOn:          5,
			CongestionOff:         2,
			ProfilingStartPercent: 200,
			ProfilingDelay:        20,
			StopAtTier:            model.TierMax,
		},
		Queue: QueueConfig{
			StaleTimeout:          50 * time.Millisecond,
			RateUpdateMinInterval: time.Millisecond,
			RateUpdateMaxInterval: 25 * time.Millisecond,
			PollInterval:          5 * time.Second,
		},
		Workers: WorkersConfig{
			Dynamic: true,
			Reduce:  true,
			Baseline: ClassConfig{
				MaxWorkers:         baseline,
				InitialWorkers:     1,
				IdleDwell:          500 * time.Millisecond,
				QueueDivisor:       4,
				MemoryPerWorker:    100 * MiB,
				CodeCachePerWorker: 128 * KiB,
			},
			Optimizing: ClassConfig{
				MaxWorkers:         optimizing,
				InitialWorkers:     1,
				IdleDwell:          100 * time.Millisecond,
				QueueDivisor:       2,
				MemoryPerWorker:    200 * MiB,
				CodeCachePerWorker: 128 * KiB,
			},
		},
		Blocking: BlockingConfig{
			ProgressSlice:    time.Second,
			ProgressAttempts: 10,
		},
		CodeCache: CodeCacheConfig{
			Size:             240 * MiB,
			Flushing:         true,
			ReenableCapacity: 2 * MiB,
		},
		InitialTier:         model.TierFullProfile,
		OSR:                 true,
		MaintenanceInterval: 200 * time.Millisecond,
	}
}

// DefaultWorkerCounts splits the default compiler worker count for ncpu
// between the classes: log2(n) * log2(log2(n)) * 3/2 workers, at least 2,
// one third baseline.
func DefaultWorkerCounts(ncpu int) (baseline, optimizing int) {
	logCPU := log2(max(ncpu, 1))
	loglog := log2(max(logCPU, 1))
	count := max(logCPU*loglog*3/2, 2)
	baseline = max(count/3, 1)
	optimizing = max(count-baseline, 1)
	return baseline, optimizing
}

func log2(n int) int { return bits.Len(uint(n)) - 1 }

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for _, tt := range []struct {
		name string
		th   TierThresholds
	}{{"tier3", c.Policy.Tier3}, {"tier4", c.Policy.Tier4}} {
		name, th := tt.name, tt.th
		check(th.Invocation >= 0 && th.MinInvocation >= 0 && th.Compile >= 0 && th.Backedge >= 0,
			"policy.%s: thresholds must be >= 0", name)
		check(th.LoadFeedback >= 0, "policy.%s.load_feedback must be >= 0", name)
	}
	check(c.Policy.CongestionOff >= 0 && c.Policy.CongestionOn >= c.Policy.CongestionOff,
		"policy: congestion_on (%d) must be >= congestion_off (%d) >= 0", c.Policy.CongestionOn, c.Policy.CongestionOff)
	check(c.Policy.StopAtTier.Valid(), "policy.stop_at_tier %d out of range", c.Policy.StopAtTier)
	check(c.InitialTier.Compiled(), "initial_tier %d is not a compiled tier", c.InitialTier)

	check(c.Queue.RateUpdateMinInterval >= 0, "queue.rate_update_min_interval must be >= 0")
	check(c.Queue.RateUpdateMaxInterval >= c.Queue.RateUpdateMinInterval,
		"queue.rate_update_max_interval must be >= rate_update_min_interval")
	check(c.Queue.StaleTimeout > 0, "queue.stale_timeout must be > 0")
	check(c.Queue.PollInterval > 0, "queue.poll_interval must be > 0")

	for _, class := range model.Classes() {
		cc := c.Workers.Class(class)
		check(cc.MaxWorkers >= 1, "workers.%s.max_workers must be >= 1", class)
		check(cc.InitialWorkers >= 1 && cc.InitialWorkers <= cc.MaxWorkers,
			"workers.%s.initial_workers must be in [1, max_workers]", class)
		check(cc.QueueDivisor >= 1, "workers.%s.queue_divisor must be >= 1", class)
		check(cc.IdleDwell >= 0, "workers.%s.idle_dwell must be >= 0", class)
	}

	check(c.Blocking.ProgressSlice > 0, "blocking.progress_slice must be > 0")
	check(c.Blocking.ProgressAttempts >= 1, "blocking.progress_attempts must be >= 1")
	check(c.MaintenanceInterval > 0, "maintenance_interval must be > 0")
	check(c.Debug.IDStop == 0 || c.Debug.IDStop >= c.Debug.IDStart, "debug.id_stop must be >= id_start")

	return errors.Join(errs...)
}

// InDebugWindow reports whether a task id falls into the configured window.
func (d DebugConfig) InDebugWindow(id uint64) bool {
	if id < d.IDStart {
		return false
	}
	return d.IDStop == 0 || id < d.IDStop
}
