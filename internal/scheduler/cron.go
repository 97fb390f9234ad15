package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// cronResyncInterval bounds how long a newly registered pipeline waits before
// its schedule triggers are picked up.
const cronResyncInterval = time.Minute

// CronService fires schedule triggers. It registers one cron entry per
// distinct schedule expression across all pipelines; on fire, trigger
// matching fans the event out to every pipeline listing that expression.
type CronService struct {
	sched *Scheduler
	cron  *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronService creates a cron service bound to the scheduler's trigger
// path.
func NewCronService(s *Scheduler) *CronService {
	return &CronService{
		sched:   s,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start runs the cron loop until the context is cancelled, resyncing entries
// against the pipeline store periodically.
func (c *CronService) Start(ctx context.Context) {
	c.resync(ctx)
	c.cron.Start()

	ticker := time.NewTicker(cronResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.cron.Stop().Done()
			return
		case <-ticker.C:
			c.resync(ctx)
		}
	}
}

// resync reconciles cron entries with the schedule expressions currently
// declared by registered pipelines.
func (c *CronService) resync(ctx context.Context) {
	pipelines, err := c.sched.repos.Pipelines.List(ctx, 0, 0)
	if err != nil {
		logger.Warn(ctx, "Failed to list pipelines for cron resync", tag.Error(err))
		return
	}

	want := make(map[string]struct{})
	for _, p := range pipelines {
		for _, rule := range p.Definition.Triggers {
			if rule.Type == core.TriggerSchedule && rule.Schedule != "" {
				want[rule.Schedule] = struct{}{}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for expr := range want {
		if _, ok := c.entries[expr]; ok {
			continue
		}
		expr := expr
		id, err := c.cron.AddFunc(expr, func() { c.fire(expr) })
		if err != nil {
			logger.Warn(ctx, "Rejected schedule expression",
				tag.Schedule(expr), tag.Error(err))
			continue
		}
		c.entries[expr] = id
		logger.Info(ctx, "Schedule registered", tag.Schedule(expr))
	}
	for expr, id := range c.entries {
		if _, ok := want[expr]; !ok {
			c.cron.Remove(id)
			delete(c.entries, expr)
			logger.Info(ctx, "Schedule removed", tag.Schedule(expr))
		}
	}
}

func (c *CronService) fire(expr string) {
	ctx := context.Background()
	runs, err := c.sched.HandleTrigger(ctx, core.TriggerEvent{
		Type:        core.TriggerSchedule,
		Schedule:    expr,
		TriggeredBy: "cron",
	})
	if err != nil {
		logger.Error(ctx, "Schedule trigger failed",
			tag.Schedule(expr), tag.Error(err))
	}
	for _, run := range runs {
		logger.Info(ctx, "Scheduled run started",
			tag.Schedule(expr),
			tag.Pipeline(run.PipelineName),
			tag.RunID(string(run.ID)))
	}
}
