// Package poller waits, within a bound, for an asynchronous result to show up
// in the page.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// Outcome is how a wait ended.
type Outcome string

const (
	Completed Outcome = "Completed"
	TimedOut  Outcome = "TimedOut"
	Cancelled Outcome = "Cancelled"
)

// Strategy selects how the predicate is sampled.
type Strategy string

const (
	// StrategyPoll checks immediately and then every interval until the bound.
	StrategyPoll Strategy = "poll"
	// StrategyFixed waits the full bound and checks once.
	StrategyFixed Strategy = "fixed"
)

// Result describes a finished wait.
type Result struct {
	Outcome Outcome
	Elapsed time.Duration
	Checks  int
	// LastErr is the most recent predicate error, if any. Predicate errors never
	// end the wait on their own.
	LastErr error
}

// Poller evaluates a completion predicate against the live document.
type Poller struct {
	strategy Strategy
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Poller from the completion settings.
func New(cfg config.CompletionConfig, logger *zap.Logger) *Poller {
	strategy := Strategy(cfg.Strategy)
	if strategy != StrategyFixed {
		strategy = StrategyPoll
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Poller{strategy: strategy, interval: interval, logger: logger.Named("poller")}
}

// AwaitCompletion blocks until pred holds (Completed), maxWait elapses
// (TimedOut) or ctx is done (Cancelled, with ctx's error). TimedOut is never
// reported before maxWait has passed.
func (p *Poller) AwaitCompletion(ctx context.Context, pred schemas.Predicate, maxWait time.Duration) (Result, error) {
	start := time.Now()
	var res Result
	var err error

	if p.strategy == StrategyFixed {
		res, err = p.awaitFixed(ctx, pred, maxWait)
	} else {
		res, err = p.awaitPoll(ctx, pred, maxWait)
	}
	res.Elapsed = time.Since(start)

	p.logger.Debug("Completion wait finished.",
		zap.String("outcome", string(res.Outcome)),
		zap.String("strategy", string(p.strategy)),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("checks", res.Checks))
	return res, err
}

func (p *Poller) awaitPoll(ctx context.Context, pred schemas.Predicate, maxWait time.Duration) (Result, error) {
	var res Result

	// The wait context bounds each predicate call too, so a slow check cannot
	// push the timeout materially past maxWait.
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.check(waitCtx, pred, &res) {
			res.Outcome = Completed
			return res, nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				res.Outcome = Cancelled
				return res, err
			}
			res.Outcome = TimedOut
			return res, nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) awaitFixed(ctx context.Context, pred schemas.Predicate, maxWait time.Duration) (Result, error) {
	var res Result

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		res.Outcome = Cancelled
		return res, ctx.Err()
	case <-timer.C:
	}

	if p.check(ctx, pred, &res) {
		res.Outcome = Completed
	} else {
		res.Outcome = TimedOut
	}
	return res, nil
}

func (p *Poller) check(ctx context.Context, pred schemas.Predicate, res *Result) bool {
	res.Checks++
	ok, err := pred(ctx)
	if err != nil {
		res.LastErr = err
		if ctx.Err() == nil {
			p.logger.Debug("Completion predicate failed; treating as not yet complete.", zap.Error(err))
		}
		return false
	}
	return ok
}
