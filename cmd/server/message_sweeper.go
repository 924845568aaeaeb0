package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vidgate/internal/lifecycle"
)

type messageSweeper interface {
	Sweep(now time.Time) int
}

// startMessageSweepWorker periodically deletes expired tracked bot messages.
// A nil manager (bot disabled) yields a no-op stop function.
func startMessageSweepWorker(ctx context.Context, logger *slog.Logger, manager *lifecycle.Manager, interval time.Duration) func() {
	if manager == nil {
		return func() {}
	}
	return startMessageSweepWorkerWithTicker(ctx, logger, manager, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startMessageSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper messageSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
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
				if swept := sweeper.Sweep(time.Time{}); swept > 0 && logger != nil {
					logger.Info("swept expired messages", "count", swept)
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
