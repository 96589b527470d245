package diskcache

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/miretskiy/diskcache/compression"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/page"
)

// config holds internal configuration
type config struct {
	Path               string
	MaxSize            int64
	InitialTableLen    int
	BackupInterval     time.Duration
	TrimDelay          time.Duration
	EvictionTargetAge  time.Duration
	LoadThreshold      int // Pending tasks above which the cache counts as loaded
	Clock              func() time.Time
	Fsync              bool
	DirectIO           bool
	BloomFPRate        float64
	BloomEstimatedKeys int
	BackupCodec        compression.Codec
	Metrics            *metrics.Set

	testingInjectIOError page.FaultFunc
}

// Option configures Cache
type Option interface {
	apply(*config)
}

// funcOpt wraps a function as an Option
type funcOpt func(*config)

func (f funcOpt) apply(c *config) {
	f(c)
}

// WithMaxSize sets the size budget in bytes (default: 80 MiB)
func WithMaxSize(size int64) Option {
	return funcOpt(func(c *config) {
		c.MaxSize = size
	})
}

// WithInitialTableLen sets the number of index cells of a new cache
// (default: 1024). It is rounded up to a power of two. Existing caches keep
// their table.
func WithInitialTableLen(n int) Option {
	return funcOpt(func(c *config) {
		c.InitialTableLen = n
	})
}

// WithBackupInterval sets how often the index backup is written (default: 30s)
func WithBackupInterval(d time.Duration) Option {
	return funcOpt(func(c *config) {
		c.BackupInterval = d
	})
}

// WithTrimDelay sets how long a trim is postponed while the cache is busy
// (default: 1s)
func WithTrimDelay(d time.Duration) Option {
	return funcOpt(func(c *config) {
		c.TrimDelay = d
	})
}

// WithEvictionTargetAge sets the age after which unused entries are
// preferred for eviction (default: 7 days). Low and high use entries get
// twice and four times as long.
func WithEvictionTargetAge(d time.Duration) Option {
	return funcOpt(func(c *config) {
		c.EvictionTargetAge = d
	})
}

// WithLoadThreshold sets the number of queued operations above which
// eviction backs off (default: 64)
func WithLoadThreshold(n int) Option {
	return funcOpt(func(c *config) {
		c.LoadThreshold = n
	})
}

// WithClock replaces time.Now for entry and index timestamps.
func WithClock(now func() time.Time) Option {
	return funcOpt(func(c *config) {
		c.Clock = now
	})
}

// WithFsync enables/disables fsync on metadata flushes (default: false, cache semantics)
func WithFsync(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.Fsync = enabled
	})
}

// WithDirectIO enables/disables O_DIRECT for external stream files (default: true)
func WithDirectIO(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.DirectIO = enabled
	})
}

// WithBloomFPRate sets the bloom filter false positive rate (default: 0.01 = 1%)
// Bloom filter size estimates (for 1M keys):
//
//	FP Rate 0.01 (1%):    ~9.6 bits/key  → 1.2 MB
//	FP Rate 0.001 (0.1%): ~14.4 bits/key → 1.8 MB
func WithBloomFPRate(rate float64) Option {
	return funcOpt(func(c *config) {
		c.BloomFPRate = rate
	})
}

// WithBloomEstimatedKeys sets estimated key count for bloom filter sizing (default: 256K)
func WithBloomEstimatedKeys(n int) Option {
	return funcOpt(func(c *config) {
		c.BloomEstimatedKeys = n
	})
}

// WithBackupCodec sets the compression of the index backup (default: s2)
func WithBackupCodec(codec compression.Codec) Option {
	return funcOpt(func(c *config) {
		c.BackupCodec = codec
	})
}

// WithMetricsSet publishes cache metrics to set (default: a private set)
func WithMetricsSet(set *metrics.Set) Option {
	return funcOpt(func(c *config) {
		c.Metrics = set
	})
}

// WithTestingInjectIOError installs fn in front of every index and block
// file operation. Tests only.
func WithTestingInjectIOError(fn page.FaultFunc) Option {
	return funcOpt(func(c *config) {
		c.testingInjectIOError = fn
	})
}

const defaultMaxSize = 80 << 20

// defaultConfig returns sensible defaults (path set by caller)
func defaultConfig(path string) config {
	return config{
		Path:               path,
		MaxSize:            defaultMaxSize,
		InitialTableLen:    index.MinTableLen,
		BackupInterval:     30 * time.Second,
		LoadThreshold:      64,
		Clock:              time.Now,
		DirectIO:           true,
		BloomFPRate:        0.01,
		BloomEstimatedKeys: 256 << 10,
		BackupCodec:        compression.CodecS2,
	}
}

// tableLenFor rounds n to a valid index table length.
func tableLenFor(n int) int {
	l := index.MinTableLen
	for l < n && l < index.MaxTableLen {
		l <<= 1
	}
	return l
}
