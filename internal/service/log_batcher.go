package service

import (
	"context"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/logger"
)

// DefaultLogWindow is how long log lines are collected before one write
const DefaultLogWindow = 100 * time.Millisecond

// FlushFunc persists one batch of log lines
type FlushFunc func(ctx context.Context, batch []model.ContainerLog) error

// BatchLogs groups lines arriving within window and hands each group to flush,
// one group at a time and in arrival order. It returns when lines is closed,
// after the last group was flushed. A failed flush is logged and the first
// such error returned; the stream keeps draining.
func BatchLogs(ctx context.Context, lines <-chan model.ContainerLog, window time.Duration, flush FlushFunc) error {
	if window <= 0 {
		window = DefaultLogWindow
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	var (
		batch    []model.ContainerLog
		firstErr error
	)
	emit := func() {
		if len(batch) == 0 {
			return
		}
		if err := flush(ctx, batch); err != nil {
			logger.WarnCtx(ctx, "failed to persist %d log lines: %v", len(batch), err)
			if firstErr == nil {
				firstErr = err
			}
		}
		batch = nil
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				emit()
				return firstErr
			}
			batch = append(batch, line)
		case <-ticker.C:
			emit()
		}
	}
}
