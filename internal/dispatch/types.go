package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Config carries the dispatcher defaults. The delay knobs encode a
// rate-limit evasion heuristic tuned for one upstream service; they are
// deliberately configuration, not constants.
type Config struct {
	Enabled bool

	// MaxTotal caps the recipient list of a single job (stable prefix).
	MaxTotal int
	// BatchSize is the number of recipients per batch.
	BatchSize int

	// MessageDelayMin/Max bound the uniform jitter between two successive
	// sends within a batch.
	MessageDelayMin time.Duration
	MessageDelayMax time.Duration

	// BatchDelayStep scales the escalating inter-batch wait:
	// the wait after batch b is (b+2) * BatchDelayStep.
	BatchDelayStep time.Duration

	// RatePerSec is a hard transport ceiling under the jitter schedule.
	RatePerSec int

	QueueSize int

	// StatusMax/StatusTTL bound the job-status map. Jobs arrive from chat
	// for the life of the process; keeping every finished status forever
	// steadily retains memory.
	StatusMax int
	StatusTTL time.Duration
}

const (
	defaultMaxTotal        = 50
	defaultBatchSize       = 10
	defaultMessageDelayMin = 5 * time.Second
	defaultMessageDelayMax = 8 * time.Second
	defaultBatchDelayStep  = time.Minute
	defaultQueueSize       = 16
	defaultStatusMax       = 200
	defaultStatusTTL       = 24 * time.Hour
)

// Request describes one broadcast job submission.
type Request struct {
	Recipients []string
	Message    string

	// MaxTotal/BatchSize override the config defaults when > 0.
	MaxTotal  int
	BatchSize int

	// OnProgress receives a snapshot after every batch plus the final
	// summary. Called from the dispatch goroutine; must not block long.
	OnProgress func(Progress)
}

// Limits is the resolved per-job policy.
type Limits struct {
	MaxTotal        int
	BatchSize       int
	MessageDelayMin time.Duration
	MessageDelayMax time.Duration

	// BatchDelay returns the wait after batch b (0-indexed) when more
	// batches remain.
	BatchDelay func(b int) time.Duration
}

// Progress is recomputed per batch; it is never persisted. A process
// restart mid-job loses the job (documented behavior, no resume).
type Progress struct {
	JobID        string `json:"job_id"`
	BatchIndex   int    `json:"batch_index"`
	TotalBatches int    `json:"total_batches"`
	BatchSuccess int    `json:"batch_success"`
	BatchFailure int    `json:"batch_failure"`
	TotalSuccess int    `json:"total_success"`
	TotalFailure int    `json:"total_failure"`
	TotalPlanned int    `json:"total_planned"`
	Final        bool   `json:"final"`
	Canceled     bool   `json:"canceled,omitempty"`
}

type JobStatus struct {
	ID        string
	Total     int
	Batches   int
	Success   int
	Failed    int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Canceled  bool

	cancel context.CancelFunc
}

type job struct {
	id         string
	recipients []string
	message    string
	limits     Limits
	onProgress func(Progress)
}

// Service runs broadcast jobs strictly sequentially: one worker, one
// recipient at a time, in input order. Concurrent sends are the exact
// behavior the rate limit exists to prevent.
type Service struct {
	mu  sync.Mutex
	cfg Config

	tr  transport.Transport
	log logx.Logger
	bus eventbus.Bus

	limiter *rate.Limiter
	queue   chan job

	statusMu sync.RWMutex
	status   map[string]*JobStatus

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	running   bool

	// wait and jitter are injection points for tests (fake clock).
	wait   func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
}
