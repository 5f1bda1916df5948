package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

const (
	defaultWorkers        = 4
	defaultQueueSize      = 1024
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultEffectTimeout  = 5 * time.Second
)

// Options задаёт параметры выполнения эффектов.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.WorkflowMetrics
	Sinks          []DeadLetterSink
	Workers        int
	QueueSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	EffectTimeout  time.Duration
}

// Option настраивает runner.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики workflow.
func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithDeadLetterSink добавляет sink для проваленных эффектов.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *Options) {
		if sink != nil {
			o.Sinks = append(o.Sinks, sink)
		}
	}
}

// WithWorkers задаёт количество воркеров AsyncRunner.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithQueueSize задаёт размер очереди AsyncRunner.
func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithMaxAttempts задаёт число попыток до dead-letter.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithRetryBaseDelay задаёт базовую задержку exponential backoff.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryBaseDelay = d }
}

func buildOptions(options []Option) Options {
	opts := Options{
		Workers:        defaultWorkers,
		QueueSize:      defaultQueueSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		EffectTimeout:  defaultEffectTimeout,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "effects")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = defaultEffectTimeout
	}
	if len(opts.Sinks) == 0 {
		opts.Sinks = []DeadLetterSink{LogSink{Logger: opts.Logger}}
	}
	return opts
}

// executor содержит общую для всех runner'ов логику повторов и dead-letter.
type executor struct {
	opts Options
}

func (e executor) execute(ctx context.Context, effect Effect) {
	if effect.Run == nil {
		return
	}

	var lastErr error
	attempts := 0
retry:
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		attempts = attempt
		runCtx, cancel := context.WithTimeout(ctx, e.opts.EffectTimeout)
		err := effect.Run(runCtx)
		cancel()
		if err == nil {
			e.opts.Metrics.RecordEffect(string(effect.Kind), "ok")
			return
		}
		lastErr = err
		e.opts.Metrics.RecordEffect(string(effect.Kind), "retry_error")

		if attempt >= e.opts.MaxAttempts {
			break
		}
		if delay := e.backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("%w (context done: %v)", lastErr, ctx.Err())
				break retry
			case <-time.After(delay):
			}
		}
	}

	e.deadLetter(ctx, effect, fmt.Errorf("effect failed after %d attempts: %w", attempts, lastErr), attempts)
}

func (e executor) deadLetter(ctx context.Context, effect Effect, err error, attempts int) {
	e.opts.Metrics.RecordEffect(string(effect.Kind), "dead_lettered")
	letter := newDeadLetter(effect, err, attempts)
	for _, sink := range e.opts.Sinks {
		if sinkErr := sink.DeadLetter(context.WithoutCancel(ctx), letter); sinkErr != nil {
			e.opts.Logger.WithError(sinkErr).WithField("effect", effect.Name).Warn("dead-letter sink failed")
		}
	}
}

func (e executor) backoff(attempt int) time.Duration {
	if e.opts.RetryBaseDelay <= 0 {
		return 0
	}
	const maxDelay = 10 * time.Second
	delay := e.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// InlineRunner выполняет эффекты синхронно в горутине вызывающего.
// Используется в тестах и CLI-утилитах, где фоновые воркеры не нужны.
type InlineRunner struct {
	exec executor
}

// NewInlineRunner создаёт синхронный runner.
func NewInlineRunner(options ...Option) *InlineRunner {
	return &InlineRunner{exec: executor{opts: buildOptions(options)}}
}

// Submit выполняет эффект с повторами; ошибки уходят в dead-letter.
func (r *InlineRunner) Submit(ctx context.Context, effect Effect) {
	r.exec.execute(context.WithoutCancel(ctx), effect)
}

// AsyncRunner выполняет эффекты в пуле воркеров после возврата из основной операции.
type AsyncRunner struct {
	exec   executor
	queue  chan queuedEffect
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type queuedEffect struct {
	ctx    context.Context
	effect Effect
}

// NewAsyncRunner создаёт runner и запускает воркеры.
func NewAsyncRunner(options ...Option) *AsyncRunner {
	opts := buildOptions(options)
	r := &AsyncRunner{
		exec:  executor{opts: opts},
		queue: make(chan queuedEffect, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit ставит эффект в очередь, не блокируясь. Контекст вызова теряет отмену,
// но сохраняет значения: эффект переживает завершение запроса.
func (r *AsyncRunner) Submit(ctx context.Context, effect Effect) {
	detached := context.WithoutCancel(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.exec.opts.Logger.WithField("effect", effect.Name).Warn("effect submitted after shutdown")
		r.exec.deadLetter(detached, effect, ErrRunnerClosed, 0)
		return
	}

	select {
	case r.queue <- queuedEffect{ctx: detached, effect: effect}:
		r.exec.opts.Metrics.SetEffectQueueDepth(len(r.queue))
	default:
		r.exec.deadLetter(detached, effect, ErrQueueFull, 0)
	}
}

// Close прекращает приём эффектов и ждёт, пока воркеры дочитают очередь.
func (r *AsyncRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncRunner) worker() {
	defer r.wg.Done()
	for item := range r.queue {
		r.exec.opts.Metrics.SetEffectQueueDepth(len(r.queue))
		r.exec.execute(item.ctx, item.effect)
	}
}

// Discard — runner, который молча отбрасывает эффекты.
type Discard struct{}

// Submit ничего не делает.
func (Discard) Submit(context.Context, Effect) {}

var (
	_ Runner = (*InlineRunner)(nil)
	_ Runner = (*AsyncRunner)(nil)
	_ Runner = Discard{}
)
