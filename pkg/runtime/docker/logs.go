package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"actionworker/internal/model"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// SanitizeFunc rewrites a log message before it leaves the adapter
type SanitizeFunc func(string) string

// SubscribeLogs follows the stdout and stderr of a container. One entry is
// emitted per line in arrival order; the log channel closes when the daemon
// ends the stream, and a transport failure is delivered on the error channel.
func (a *Adapter) SubscribeLogs(ctx context.Context, id string, sanitize SanitizeFunc) (<-chan model.ContainerLog, <-chan error) {
	out := make(chan model.ContainerLog, 64)
	errc := make(chan error, 1)

	rc, err := a.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		errc <- err
		close(out)
		close(errc)
		return out, errc
	}

	go func() {
		defer close(errc)
		defer close(out)
		defer rc.Close()

		stdout := &lineWriter{ctx: ctx, stream: model.LogStreamStdout, sanitize: sanitize, out: out}
		stderr := &lineWriter{ctx: ctx, stream: model.LogStreamStderr, sanitize: sanitize, out: out}
		_, err := stdcopy.StdCopy(stdout, stderr, rc)
		stdout.flush()
		stderr.flush()

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()
	return out, errc
}

// lineWriter splits a demultiplexed stream into log entries
type lineWriter struct {
	ctx      context.Context
	stream   model.LogStream
	sanitize SanitizeFunc
	out      chan<- model.ContainerLog
	buf      []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		_ = w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) error {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil
	}
	entry := parseLogLine(line, w.stream)
	if w.sanitize != nil {
		entry.Message = w.sanitize(entry.Message)
	}
	select {
	case w.out <- entry:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// parseLogLine splits "<RFC3339Nano> <message>" as produced with timestamps
// enabled. Lines without a valid timestamp are stamped with the current time.
func parseLogLine(line string, stream model.LogStream) model.ContainerLog {
	ts, msg, found := strings.Cut(line, " ")
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		if !found {
			msg = ""
		}
		return model.ContainerLog{Timestamp: t.UTC(), Message: msg, Type: stream}
	}
	return model.ContainerLog{Timestamp: time.Now().UTC(), Message: line, Type: stream}
}
