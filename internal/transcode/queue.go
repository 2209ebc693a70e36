// Package transcode implements the Transcode Queue: a FIFO with priority
// override backed by the Policy Store's TranscodeJobs table, a bounded
// worker pool, and per-job CPU/memory ceilings (spec.md §4.8). The
// poll-loop worker shape is grounded on lib/srv/heartbeatv2.go's
// clockwork-driven ticker loop; progress/ETA bookkeeping follows
// lib/sshutils/sftp/sftp.go's schollz/progressbar/v3 usage (here without
// a terminal renderer, since no interactive client is attached), and
// resource-ceiling enforcement is grounded on shirou/gopsutil/v4's process
// package together with golang.org/x/sys for the actual kill signal.
package transcode

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/metrics"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
)

// pollInterval is the worker poll cadence; spec.md §4.8 requires "≥ 1s to
// bound DB load".
const pollInterval = time.Second

// Transcoder runs one `.replay`/recording conversion job, reporting
// progress as (frame K of N) pairs and, once its subprocess pid is known,
// handing it to trackPID so the worker's resource monitor can sample it.
type Transcoder interface {
	Run(ctx context.Context, job model.TranscodeJob, report func(k, n int), trackPID func(pid int32)) (outputPath string, err error)
}

// Config parameterizes the queue, defaulted the way every other
// CheckAndSetDefaults config in this gateway is.
type Config struct {
	Jobs    store.TranscodeJobs
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Log     *logrus.Entry

	// Workers bounds simultaneous `running` jobs (spec.md §4.8: "W,
	// default 2").
	Workers int
	// MaxPending bounds simultaneous `pending` jobs (spec.md §4.8: "P,
	// default 10").
	MaxPending int

	// CPUCeilingPercent and MemCeilingBytes bound per-job resource use;
	// breach kills the job and marks it failed with resource_exceeded.
	CPUCeilingPercent float64
	MemCeilingBytes   uint64

	Transcoder Transcoder
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Jobs == nil {
		return trace.BadParameter("Jobs store must be provided")
	}
	if c.Transcoder == nil {
		return trace.BadParameter("Transcoder must be provided")
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.MaxPending == 0 {
		c.MaxPending = 10
	}
	if c.CPUCeilingPercent == 0 {
		c.CPUCeilingPercent = 90
	}
	if c.MemCeilingBytes == 0 {
		c.MemCeilingBytes = 1 << 30 // 1 GiB
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "transcode")
	}
	return nil
}

// Queue owns the worker pool driving the Transcode Queue.
type Queue struct {
	cfg Config
}

// New constructs a Queue. Call Run to start its workers.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{cfg: cfg}, nil
}

// Enqueue creates a new pending job, failing with trace.LimitExceeded if
// the pending cap (spec.md §4.8 "P") is already reached.
func (q *Queue) Enqueue(ctx context.Context, stayID string, priority int) (string, error) {
	pending, err := q.cfg.Jobs.CountByStatus(ctx, model.TranscodePending)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if pending >= q.cfg.MaxPending {
		return "", trace.LimitExceeded("transcode queue is full (%d pending)", q.cfg.MaxPending)
	}
	job := model.TranscodeJob{
		ID:        store.NewID(),
		StayID:    stayID,
		Status:    model.TranscodePending,
		Priority:  priority,
		CreatedAt: q.cfg.Clock.Now(),
	}
	if err := q.cfg.Jobs.Create(ctx, job); err != nil {
		return "", trace.Wrap(err)
	}
	return job.ID, nil
}

// Rush bumps job priority to the current max+1 (spec.md §4.8).
func (q *Queue) Rush(ctx context.Context, jobID string) error {
	return trace.Wrap(q.cfg.Jobs.Rush(ctx, jobID))
}

// Run starts Workers poll loops and blocks until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	done := make(chan struct{}, q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		go func(id int) {
			q.workerLoop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < q.cfg.Workers; i++ {
		<-done
	}
	return nil
}

func (q *Queue) workerLoop(ctx context.Context, id int) {
	ticker := q.cfg.Clock.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.claimAndRun(ctx, id)
		}
	}
}

func (q *Queue) claimAndRun(ctx context.Context, workerID int) {
	job, err := q.cfg.Jobs.ClaimNext(ctx, q.cfg.Clock.Now())
	if err != nil {
		return // empty queue, or a transient claim race; next tick retries
	}
	log := q.cfg.Log.WithField("job", job.ID).WithField("worker", workerID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := newResourceMonitor(q.cfg.CPUCeilingPercent, q.cfg.MemCeilingBytes, cancel, log)
	stop := monitor.start(runCtx)
	defer stop()

	start := q.cfg.Clock.Now()
	outputPath, err := q.cfg.Transcoder.Run(runCtx, job, func(k, n int) {
		elapsed := q.cfg.Clock.Now().Sub(start).Seconds()
		eta := 0
		if k > 0 && n > k {
			eta = int(elapsed * float64(n-k) / float64(k))
		}
		_ = q.cfg.Jobs.UpdateProgress(ctx, job.ID, k, n, eta)
	}, monitor.track)

	if monitor.breached() {
		_ = q.cfg.Jobs.Fail(ctx, job.ID, "resource_exceeded", q.cfg.Clock.Now())
		log.Warn("job killed for exceeding its resource ceiling")
		return
	}
	if err != nil {
		_ = q.cfg.Jobs.Fail(ctx, job.ID, err.Error(), q.cfg.Clock.Now())
		log.WithError(err).Warn("transcode job failed")
		return
	}
	_ = q.cfg.Jobs.Complete(ctx, job.ID, outputPath, q.cfg.Clock.Now())
}
