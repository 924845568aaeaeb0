package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionPurger is the slice of the session manager the purge worker needs.
type sessionPurger interface {
	PurgeExpired() error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startSessionPurgeWorker evicts expired admin sessions on an interval. The
// returned stop function is idempotent and waits for the worker to exit; the
// message sweep worker reuses the same ticker plumbing.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	return startSessionPurgeWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := sessions.PurgeExpired(); err != nil && logger != nil {
					logger.Error("failed to purge expired admin sessions", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
