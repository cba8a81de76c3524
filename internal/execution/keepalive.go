package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// DefaultTick is how often the daemon checks whether a signal is due.
const DefaultTick = time.Second

// SendFunc delivers one liveness signal.
type SendFunc func(ctx context.Context) error

// KeepAliveDaemon sends liveness signals for one run in the background.
// It sends once on Start and again whenever Interval has passed since the
// last successful signal. A failed signal is logged and retried on the next
// tick. The loop ends on Stop or when the context given to Start is done.
type KeepAliveDaemon struct {
	send     SendFunc
	interval time.Duration
	tick     time.Duration
	task     string
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// DaemonOption configures a KeepAliveDaemon.
type DaemonOption func(*KeepAliveDaemon)

func DaemonTick(d time.Duration) DaemonOption  { return func(k *KeepAliveDaemon) { k.tick = d } }
func DaemonTask(task string) DaemonOption      { return func(k *KeepAliveDaemon) { k.task = task } }
func DaemonLogger(l *slog.Logger) DaemonOption { return func(k *KeepAliveDaemon) { k.logger = l } }

// NewKeepAliveDaemon constructs a stopped daemon.
func NewKeepAliveDaemon(send SendFunc, interval time.Duration, opts ...DaemonOption) *KeepAliveDaemon {
	d := &KeepAliveDaemon{
		send:     send,
		interval: interval,
		tick:     DefaultTick,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tick <= 0 {
		d.tick = DefaultTick
	}
	return d
}

// Start launches the loop. Later calls do nothing.
func (d *KeepAliveDaemon) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.run(ctx)
	})
}

// Stop ends the loop and waits for it to exit. It is safe to call more than
// once and before Start.
func (d *KeepAliveDaemon) Stop() {
	d.stopOnce.Do(func() {
		started := true
		d.startOnce.Do(func() { started = false })
		if !started {
			return
		}
		d.cancel()
		<-d.done
	})
}

// Done is closed once the loop has exited.
func (d *KeepAliveDaemon) Done() <-chan struct{} { return d.done }

func (d *KeepAliveDaemon) run(ctx context.Context) {
	defer close(d.done)

	var last time.Time
	if d.signal(ctx) {
		last = time.Now()
	}

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(last) < d.interval {
				continue
			}
			if d.signal(ctx) {
				last = time.Now()
			}
		}
	}
}

func (d *KeepAliveDaemon) signal(ctx context.Context) bool {
	if err := d.send(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		telemetry.KeepAlivesSent.WithLabelValues(d.task, "error").Inc()
		d.logger.Warn("keep-alive failed",
			slog.String("task", d.task),
			slog.String("error", err.Error()),
		)
		return false
	}
	telemetry.KeepAlivesSent.WithLabelValues(d.task, "ok").Inc()
	return true
}
