// Package cfg holds the engine and application configuration, bound to
// flags and filled from the environment by main.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config adds flashpoint-specific configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL   string
	RedisURL      string
	DeadLetterKey string

	ClaudeAPIKey    string
	ClaudeModel     string
	ClaudeMaxTokens int

	SlackWebhookURL string

	MergeThreshold float64
	TypeThresholds string

	MatchRadiusKM float64
	MatchTimeGap  time.Duration
	ReopenWindow  time.Duration
	MatchTopK     int

	StaleAfter    time.Duration
	ArchiveAfter  time.Duration
	SweepSchedule string

	CellDegrees float64
	BucketSlot  time.Duration

	LockTimeout    time.Duration
	CASMaxTries    int
	EmbeddingDim   int
	Workers        int
	QueueCapacity  int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis connection URL for the dead-letter sink (empty = in-memory sink)")
	fs.StringVar(&c.DeadLetterKey, "deadletter-key", "flashpoint:deadletter", "Redis list key for dead-lettered fragments")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude summarizer (empty = summarization disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for incident summaries")
	fs.IntVar(&c.ClaudeMaxTokens, "claude-max-tokens", 1024, "max tokens per summary completion")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for incident notifications (empty = disabled)")

	fs.Float64Var(&c.MergeThreshold, "merge-threshold", 0.82, "base cosine similarity required to merge a fragment into an incident (0..1]")
	fs.StringVar(&c.TypeThresholds, "type-thresholds", "", `per-event-type threshold overrides, e.g. "protest=0.75,earthquake=0.88"`)

	fs.Float64Var(&c.MatchRadiusKM, "match-radius-km", 50, "max centroid distance for a merge candidate")
	fs.DurationVar(&c.MatchTimeGap, "match-time-gap", 6*time.Hour, "max gap between a fragment and an incident's window to be a candidate")
	fs.DurationVar(&c.ReopenWindow, "reopen-window", 14*24*time.Hour, "how long archived incidents remain mergeable")
	fs.IntVar(&c.MatchTopK, "match-top-k", 5, "candidates retrieved from the similarity index per fragment")

	fs.DurationVar(&c.StaleAfter, "stale-after", 12*time.Hour, "idle time before an open incident goes stale")
	fs.DurationVar(&c.ArchiveAfter, "archive-after", 72*time.Hour, "idle time before a stale incident is archived")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", "@every 1m", "cron schedule for the lifecycle sweeper")

	fs.Float64Var(&c.CellDegrees, "cell-degrees", 0.5, "latitude/longitude quantum of a bucket cell")
	fs.DurationVar(&c.BucketSlot, "bucket-slot", 6*time.Hour, "time quantum of a bucket slot")

	fs.DurationVar(&c.LockTimeout, "lock-timeout", 2*time.Second, "max wait for a bucket lock before the fragment requeues")
	fs.IntVar(&c.CASMaxTries, "cas-max-tries", 5, "max optimistic-concurrency retries per merge")
	fs.IntVar(&c.EmbeddingDim, "embedding-dim", 384, "required fragment embedding length")
	fs.IntVar(&c.Workers, "workers", 4, "fragment processing goroutines")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", 256, "pending fragment queue size")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "processing attempts before a fragment dead-letters")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", 500*time.Millisecond, "base delay for jittered requeue backoff")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid MERGE_THRESHOLD %g (must be in (0..1])", c.MergeThreshold))
	}
	if _, err := c.ParseTypeThresholds(); err != nil {
		errs = append(errs, err)
	}

	if c.MatchRadiusKM <= 0 {
		errs = append(errs, fmt.Errorf("invalid MATCH_RADIUS_KM %g (must be > 0)", c.MatchRadiusKM))
	}
	if c.MatchTimeGap <= 0 {
		errs = append(errs, fmt.Errorf("invalid MATCH_TIME_GAP %s (must be > 0)", c.MatchTimeGap))
	}
	if c.ReopenWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid REOPEN_WINDOW %s (must be > 0)", c.ReopenWindow))
	}
	if c.MatchTopK <= 0 {
		errs = append(errs, fmt.Errorf("invalid MATCH_TOP_K %d (must be > 0)", c.MatchTopK))
	}

	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("invalid STALE_AFTER %s (must be > 0)", c.StaleAfter))
	}
	if c.ArchiveAfter <= c.StaleAfter {
		errs = append(errs, fmt.Errorf("ARCHIVE_AFTER %s must be greater than STALE_AFTER %s", c.ArchiveAfter, c.StaleAfter))
	}
	if c.SweepSchedule == "" {
		errs = append(errs, errors.New("SWEEP_SCHEDULE is required"))
	}

	if c.CellDegrees <= 0 || c.CellDegrees > 90 {
		errs = append(errs, fmt.Errorf("invalid CELL_DEGREES %g (must be in (0..90])", c.CellDegrees))
	}
	if c.BucketSlot <= 0 {
		errs = append(errs, fmt.Errorf("invalid BUCKET_SLOT %s (must be > 0)", c.BucketSlot))
	}

	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid LOCK_TIMEOUT %s (must be > 0)", c.LockTimeout))
	}
	if c.CASMaxTries <= 0 {
		errs = append(errs, fmt.Errorf("invalid CAS_MAX_TRIES %d (must be > 0)", c.CASMaxTries))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIM %d (must be > 0)", c.EmbeddingDim))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be > 0)", c.Workers))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_CAPACITY %d (must be > 0)", c.QueueCapacity))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be > 0)", c.MaxAttempts))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_DELAY %s (must be > 0)", c.RetryBaseDelay))
	}

	// Summarization is optional, but a key without a model is a broken setup
	if c.ClaudeAPIKey != "" {
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
		}
		if c.ClaudeMaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_TOKENS %d (must be > 0)", c.ClaudeMaxTokens))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseTypeThresholds parses the per-event-type override string
// ("type=value,type=value") into a map. Values must be in (0..1].
func (c *Config) ParseTypeThresholds() (map[string]float64, error) {
	out := map[string]float64{}
	if c.TypeThresholds == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.TypeThresholds, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid TYPE_THRESHOLDS entry %q (want type=value)", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return nil, fmt.Errorf("invalid TYPE_THRESHOLDS value %q for %q (must be in (0..1])", v, k)
		}
		out[k] = f
	}
	return out, nil
}
