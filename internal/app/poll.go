package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
	"github.com/skier233/Stash-AIServer-sub000/internal/mux"
	"github.com/skier233/Stash-AIServer-sub000/internal/tracking"
	"github.com/skier233/Stash-AIServer-sub000/internal/transport"
	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

const DefaultPollInterval = 3 * time.Second

// poller refreshes tracked records over REST while the push channel is
// down. It runs from a failed Connect or exhausted reconnects until the
// channel opens again.
type poller struct {
	interval time.Duration
	tick     func(context.Context)
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	stop   context.CancelFunc
	done   chan struct{}
}

func newPoller(interval time.Duration, tick func(context.Context), logger *slog.Logger) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &poller{interval: interval, tick: tick, log: logger}
}

func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.log.Warn("push channel unavailable, polling job server", "interval", p.interval)
}

func (p *poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *poller) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	p.stop()
	p.stop = nil
	p.log.Info("push channel restored, polling stopped")
}

func (p *poller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// close stops polling for good and waits for an in-flight tick.
func (p *poller) close() {
	p.mu.Lock()
	p.closed = true
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// channel is the transport handler. It feeds the mux and switches REST
// polling on and off with the push channel.
type channel struct {
	mux  *mux.Mux
	poll *poller
}

func (h channel) HandleMessage(msg schema.Inbound) { h.mux.HandleMessage(msg) }

func (h channel) HandleState(change transport.StateChange) {
	h.mux.HandleState(change)
	switch {
	case change.State == transport.StateOpen:
		h.poll.halt()
	case change.Exhausted:
		h.poll.start()
	}
}

// refresh reconciles every record still awaiting a terminal status with
// the job server's REST view. Unchanged records are left alone.
func (c *Client) refresh(ctx context.Context) {
	jobs := c.Jobs()
	for _, st := range c.tracker.Active() {
		if ctx.Err() != nil {
			return
		}
		if st.Status.IsTerminal() {
			continue
		}
		if st.IsJob() {
			detail, err := jobs.GetJob(ctx, st.JobID)
			if err != nil {
				c.logPollError(ctx, st, err)
				continue
			}
			if p := jobProgress(detail.Job); jobChanged(st, p) {
				c.tracker.ApplyJob(p)
			}
			continue
		}
		task, err := jobs.GetTask(ctx, st.TaskID)
		if err != nil {
			c.logPollError(ctx, st, err)
			continue
		}
		if tracking.Status(task.Status) != st.Status {
			c.tracker.ApplyTask(taskUpdate(task))
		}
	}
}

func (c *Client) logPollError(ctx context.Context, st tracking.State, err error) {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, jobsapi.ErrNotFound):
		c.log.Debug("tracked id unknown to job server", "task_id", st.TaskID, "job_id", st.JobID)
	default:
		c.log.Warn("poll job server", "task_id", st.TaskID, "job_id", st.JobID, "err", err)
	}
}

func taskUpdate(t jobsapi.TaskSummary) schema.TaskUpdate {
	return schema.TaskUpdate{
		TaskID:           t.TaskID,
		Status:           t.Status,
		AdapterName:      t.AdapterName,
		TaskType:         t.TaskType,
		Output:           t.Output,
		ProcessingTimeMs: t.ProcessingTimeMs,
	}
}

func jobProgress(j jobsapi.JobSummary) schema.JobProgress {
	return schema.JobProgress{
		JobID:           j.JobID,
		Status:          j.Status,
		AdapterName:     j.AdapterName,
		JobType:         j.JobType,
		TotalTasks:      j.TotalTasks,
		CompletedTasks:  j.CompletedTasks,
		FailedTasks:     j.FailedTasks,
		ProgressPercent: j.ProgressPercent,
	}
}

func jobChanged(st tracking.State, p schema.JobProgress) bool {
	return tracking.Status(p.Status) != st.Status ||
		p.TotalTasks != st.TotalTasks ||
		p.CompletedTasks != st.CompletedTasks ||
		p.FailedTasks != st.FailedTasks
}
