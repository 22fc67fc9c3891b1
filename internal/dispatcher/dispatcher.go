package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ras0q/traq-scheduled-send/internal/filter"
	"github.com/ras0q/traq-scheduled-send/internal/platform"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
	"github.com/ras0q/traq-scheduled-send/internal/retry"
	"github.com/ras0q/traq-scheduled-send/internal/token"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule fires at the start of every minute.
const DefaultSchedule = "* * * * *"

type Queue interface {
	Due(now time.Time) []repository.ScheduledMessage
	Claim(ctx context.Context, id string) (repository.ScheduledMessage, bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Dispatcher drains due scheduled messages on a cron schedule.
// Every due entry is removed from the queue before it is sent, so each entry
// gets at most one delivery attempt.
type Dispatcher struct {
	Queue  Queue
	Tokens Resolver
	Sender platform.MessageSender
	// Filter may drop due messages without sending them. nil sends all.
	Filter *filter.Filter
	// RetryPolicy applies to the send call. The zero value attempts once.
	RetryPolicy retry.Policy
	// Schedule is a standard 5-field cron spec, DefaultSchedule if empty.
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

type Report struct {
	Due      int
	Sent     int
	Skipped  int // filtered out or the owner is unauthenticated
	Failed   int // the platform rejected the send
	Errors   int // claim, filter or token lookup broke before any send
	Canceled int // cancelled between the snapshot and the claim
}

type outcome int

const (
	sent outcome = iota
	skipped
	failed
	errored
	canceled
)

// Start registers Tick with the cron scheduler. A tick that is still running
// when the next one is due makes that next one a no-op.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("dispatcher already started")
	}

	spec := d.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}

	logger := cronLogger{d.logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		d.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("add dispatch job: %w", err)
	}
	c.Start()
	d.cron = c

	d.logger().Info("dispatcher started", "schedule", spec)

	return nil
}

// Stop stops the schedule and waits for an in-flight tick to finish. It returns
// ctx.Err() if ctx is done first; the tick keeps running in that case.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		d.logger().Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for dispatch tick: %w", ctx.Err())
	}
}

// Tick sends every message due now, one after another. Failures are logged,
// never returned.
func (d *Dispatcher) Tick(ctx context.Context) Report {
	now := d.now()
	due := d.Queue.Due(now)
	report := Report{Due: len(due)}

	if len(due) == 0 {
		d.logger().DebugContext(ctx, "no due messages", "time", now)
		return report
	}

	for _, msg := range due {
		switch d.dispatch(ctx, msg, now) {
		case sent:
			report.Sent++
		case skipped:
			report.Skipped++
		case failed:
			report.Failed++
		case errored:
			report.Errors++
		case canceled:
			report.Canceled++
		}
	}

	d.logger().InfoContext(ctx, "dispatch tick",
		"time", now,
		"due", report.Due,
		"sent", report.Sent,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"errors", report.Errors,
		"canceled", report.Canceled,
	)

	return report
}

func (d *Dispatcher) dispatch(ctx context.Context, msg repository.ScheduledMessage, now time.Time) outcome {
	l := d.logger().With("messageID", msg.ID, "userID", msg.UserID, "channel", msg.Channel)

	msg, ok, err := d.Queue.Claim(ctx, msg.ID)
	if err != nil {
		l.ErrorContext(ctx, "claim scheduled message", "err", err)
		return errored
	}
	if !ok {
		l.InfoContext(ctx, "scheduled message canceled before dispatch")
		return canceled
	}

	if d.Filter != nil {
		allow, err := d.Filter.Allow(ctx, filter.CELInput{Message: msg, Now: now})
		if err != nil {
			l.ErrorContext(ctx, "evaluate CEL", "err", err, "filter", d.Filter.Source)
			return errored
		}
		if !allow {
			l.InfoContext(ctx, "scheduled message dropped by filter", "filter", d.Filter.Source)
			return skipped
		}
	}

	accessToken, err := d.Tokens.Resolve(ctx, msg.UserID)
	if errors.Is(err, token.ErrUnauthenticated) {
		l.WarnContext(ctx, "skip scheduled message: user not authenticated", "err", err)
		return skipped
	}
	if err != nil {
		l.ErrorContext(ctx, "resolve token", "err", err)
		return errored
	}

	var result platform.SendResult
	err = d.RetryPolicy.Do(ctx, func() error {
		var sendErr error
		result, sendErr = d.Sender.Send(ctx, msg.Channel, msg.Text, accessToken)
		return sendErr
	})
	if err != nil {
		l.ErrorContext(ctx, "send scheduled message", "err", err)
		return failed
	}

	l.DebugContext(ctx, "scheduled message sent", "ts", result.Timestamp)

	return sent
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
