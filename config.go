package atq

import "time"

// Backend selects the store implementation. Persistence is implied by the
// choice rather than toggled separately: BackendMemory is the volatile
// mode, while the embedded and networked backends persist every mutation.
type Backend string

const (
	// BackendMemory keeps all queue state in process memory. Fastest, no
	// durability: a restart loses the queue.
	BackendMemory Backend = "memory"
	// BackendEmbedded persists queue state to a local Pebble database.
	// Single process, survives restarts.
	BackendEmbedded Backend = "embedded"
	// BackendNetworked persists queue state to a shared Redis instance.
	// Durable and shared across processes.
	BackendNetworked Backend = "networked"
)

// Config holds the full configuration surface for the queue subsystem.
type Config struct {
	// Backend selects the store implementation.
	Backend Backend

	// ConnectionString is the Redis address for the networked backend.
	ConnectionString string

	// DataDir is the Pebble database directory for the embedded backend.
	DataDir string

	// PollInterval is how often zone workers poll the store for eligible
	// items when idle.
	PollInterval time.Duration

	// DispatchTimeout is the per-dispatch deadline applied to transport
	// calls so a stuck call cannot block shutdown.
	DispatchTimeout time.Duration

	// ShutdownTimeout is the drain deadline for graceful shutdown.
	ShutdownTimeout time.Duration

	Retry   RetryConfig
	Breaker BreakerConfig
	Batch   BatchConfig
	Intake  IntakeConfig
	Health  HealthConfig
}

// RetryConfig governs the retry/backoff policy for transient failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the backoff base: delay = min(MaxDelay, BaseDelay*2^n).
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Jitter randomizes the final delay within [delay/2, delay] to avoid
	// synchronized retry storms.
	Jitter bool
}

// BreakerConfig governs the per-zone circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before admitting a
	// half-open probe.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the window in which consecutive failures
	// accumulate; the counter resets once the window elapses.
	MonitoringPeriod time.Duration
}

// BatchConfig governs the batching scheduler.
type BatchConfig struct {
	// Enabled turns batching on. When disabled every item dispatches
	// individually.
	Enabled bool
	// MaxBatchSize emits a batch as soon as this many items accumulate.
	MaxBatchSize int
	// BatchTimeout emits a partial batch once this long has elapsed since
	// the oldest member became eligible, so a lone item is never starved.
	BatchTimeout time.Duration
}

// IntakeConfig governs enqueue backpressure.
type IntakeConfig struct {
	// MaxPending rejects new intake once the store's pending depth reaches
	// this count. Zero disables the depth gate.
	MaxPending int
	// Rate is the maximum sustained enqueues per second. Zero disables
	// rate limiting.
	Rate float64
	// Burst is the token-bucket burst size. It also bounds the largest
	// group a single EnqueueBatch call can admit: a batch larger than
	// Burst can never gather enough tokens and is always rejected with
	// backpressure. Size it to at least the largest batch submitted.
	// Defaults to 1 when Rate is set.
	Burst int
}

// HealthConfig governs the metrics window and alert thresholds.
type HealthConfig struct {
	// Window is the rolling window over which error rate and processing
	// rate are derived.
	Window time.Duration
	// MaxErrorRate raises an alert when the windowed error rate crosses it.
	// Zero disables the check.
	MaxErrorRate float64
	// MaxLatency raises an alert when the windowed average latency crosses
	// it. Zero disables the check.
	MaxLatency time.Duration
	// MaxQueueDepth raises an alert when pending depth crosses it. Zero
	// disables the check.
	MaxQueueDepth int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendMemory,
		PollInterval:    100 * time.Millisecond,
		DispatchTimeout: 30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Jitter:     true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			MonitoringPeriod: time.Minute,
		},
		Batch: BatchConfig{
			Enabled:      true,
			MaxBatchSize: 10,
			BatchTimeout: 250 * time.Millisecond,
		},
		Intake: IntakeConfig{},
		Health: HealthConfig{
			Window: time.Minute,
		},
	}
}
