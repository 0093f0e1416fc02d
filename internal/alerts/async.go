package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Counter records emitted alerts; *jobmetrics.Metrics satisfies it.
type Counter interface {
	ObserveAlert(kind string)
}

// Async detaches delivery from the caller. Each alert runs in its own goroutine
// with a bounded timeout and panic recovery.
type Async struct {
	next    Sink
	timeout time.Duration
	counter Counter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. A zero timeout defaults to five seconds.
func NewAsync(next Sink, timeout time.Duration, counter Counter, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, counter: counter, logger: logger}
}

// Notify implements Sink. It returns immediately.
func (a *Async) Notify(ctx context.Context, kind string, fields map[string]any) {
	if a.counter != nil {
		a.counter.ObserveAlert(kind)
	}
	detached := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("alert sink panic", slog.String("kind", kind), slog.Any("panic", r))
			}
		}()
		sendCtx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()
		a.next.Notify(sendCtx, kind, fields)
	}()
}

// Wait blocks until in-flight alerts finish. Used on shutdown.
func (a *Async) Wait() {
	a.wg.Wait()
}
