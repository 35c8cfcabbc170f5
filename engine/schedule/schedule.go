// Package schedule runs the recurring jobs of the service on crontab
// specs with a seconds field. A job never overlaps itself; distinct jobs
// run independently. The special spec "oneshot" runs a job once at
// startup.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Oneshot runs a job once at startup instead of on a crontab.
const Oneshot = "oneshot"

const (
	// defaultStopTimeout bounds the wait for running jobs at shutdown.
	defaultStopTimeout = 60 * time.Second
	// defaultKillTimeout is the grace period the watchdog grants the
	// rest of the shutdown before aborting the process.
	defaultKillTimeout = 5 * time.Second
)

// Job is a unit of scheduled work. Errors are logged, never fatal.
type Job func(ctx context.Context) error

type entry struct {
	name string
	spec string
	task Job
}

// Scheduler owns the cron loop and the oneshot goroutines.
type Scheduler struct {
	log     *slog.Logger
	entries []entry

	stopTimeout time.Duration
	killTimeout time.Duration
	exit        func(code int)
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:         log,
		stopTimeout: defaultStopTimeout,
		killTimeout: defaultKillTimeout,
		exit:        os.Exit,
	}
}

// Add registers a job under a crontab spec (six fields, seconds first),
// Oneshot, or the empty string, which disables the job.
func (s *Scheduler) Add(name, spec string, task Job) {
	s.entries = append(s.entries, entry{name: name, spec: spec, task: task})
}

// Run fires jobs until ctx is cancelled, then stops the cron loop,
// cancels the job context and waits for running jobs. Jobs still running
// after the stop timeout make Run return an error and arm a watchdog
// that aborts the process if the remaining shutdown hangs.
func (s *Scheduler) Run(ctx context.Context) error {
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clog := cronLogger{log: s.log}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)))

	scheduled := 0
	for _, e := range s.entries {
		if e.spec == "" || e.spec == Oneshot {
			continue
		}
		if _, err := c.AddFunc(e.spec, func() { s.runJob(jobCtx, e) }); err != nil {
			return fmt.Errorf("schedule: job %s (%q): %w", e.name, e.spec, err)
		}
		scheduled++
	}

	var oneshots sync.WaitGroup
	for _, e := range s.entries {
		if e.spec != Oneshot {
			continue
		}
		oneshots.Add(1)
		go func() {
			defer oneshots.Done()
			s.runJob(jobCtx, e)
		}()
	}

	c.Start()
	s.log.Info("scheduler started", "scheduled", scheduled, "jobs", len(s.entries))

	<-ctx.Done()
	s.log.Info("scheduler stopping")

	stopped := c.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		oneshots.Wait()
		<-stopped.Done()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-time.After(s.stopTimeout):
	}

	go func() {
		time.Sleep(s.killTimeout)
		s.log.Error("shutdown watchdog fired, aborting")
		s.exit(1)
	}()
	return errors.New("schedule: jobs still running at shutdown")
}

func (s *Scheduler) runJob(ctx context.Context, e entry) {
	start := time.Now()
	s.log.Info("job started", "job", e.name)
	if err := e.task(ctx); err != nil {
		s.log.Error("job failed", "job", e.name, "err", err, "elapsed", time.Since(start))
		return
	}
	s.log.Info("job finished", "job", e.name, "elapsed", time.Since(start))
}

// cronLogger adapts slog to the cron logging interface. Tick chatter goes
// to debug, job panics and bad states to error.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append([]any{"err", err}, kv...)...)
}
