package synth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convorelay/relay/internal/engine"
)

const (
	PipelinePressureOK        = "ok"
	PipelinePressureElevated  = "elevated"
	PipelinePressureHigh      = "high"
	PipelinePressureSaturated = "saturated"
)

// PipelineDiagnosticsReader exposes runtime queue/drop diagnostics.
type PipelineDiagnosticsReader interface {
	PipelineDiagnostics() PipelineDiagnostics
}

// PipelineDiagnostics captures synthesis queue pressure and drop signals.
type PipelineDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	EmitFailedTotal                  int64            `json:"emit_failed_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastEmitFailureAt                *time.Time       `json:"last_emit_failure_at,omitempty"`
	EmitFailuresByClass              map[string]int64 `json:"emit_failures_by_class,omitempty"`
}

// EmitFailure describes a synthesized span tree that could not be emitted.
type EmitFailure struct {
	UserID     string
	Err        error
	ErrorClass string
}

// EmitFailureHandler receives asynchronous emit failure signals.
type EmitFailureHandler func(EmitFailure)

var noopEmitFailureHandler = EmitFailureHandler(func(EmitFailure) {})

// Emitter delivers one synthesized span tree to the tracing sink. It
// returns the hex identifier assigned to the root span.
type Emitter interface {
	Emit(ctx context.Context, root *Span) (string, error)
}

// Job is one queued synthesis unit: a turn's context plus the raw,
// unfiltered event stream that produced it.
type Job struct {
	Turn   Turn
	Events []engine.TraceEvent
}

// PipelineMetrics holds optional callbacks the Pipeline invokes at key points.
type PipelineMetrics struct {
	// OnEnqueue is called each time a job is successfully placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a job is dropped because the queue is full.
	OnDrop func()
	// OnEmit is called after each emit attempt completes.
	OnEmit func(duration time.Duration, err error)
}

// Pipeline synthesizes and emits span trees off the request path. Enqueue
// never blocks: when the queue is full the job is dropped and counted.
type Pipeline struct {
	emitter Emitter
	queue   chan *Job
	wg      sync.WaitGroup

	started           atomic.Bool
	stopped           atomic.Bool
	stopOnce          sync.Once
	doneOnce          sync.Once
	done              chan struct{}
	queueMu           sync.RWMutex
	lifecycleMu       sync.RWMutex
	workerCancel      context.CancelFunc
	emitFailureHandle atomic.Value // EmitFailureHandler
	metrics           atomic.Value // *PipelineMetrics
	onEmitted         atomic.Value // func(Turn, string, *Span)

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	emitFailedTotal         atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastEmitFailureUnixNano atomic.Int64

	emitFailureConnection atomic.Int64
	emitFailureTimeout    atomic.Int64
	emitFailureRejected   atomic.Int64
	emitFailureUnknown    atomic.Int64
}

func NewPipeline(emitter Emitter, bufferSize int) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	p := &Pipeline{
		emitter: emitter,
		queue:   make(chan *Job, bufferSize),
		done:    make(chan struct{}),
	}
	p.emitFailureHandle.Store(noopEmitFailureHandler)
	p.metrics.Store(&PipelineMetrics{})
	p.onEmitted.Store(func(Turn, string, *Span) {})
	return p
}

// SetEmitFailureHandler replaces the callback used for emit failure signals.
func (p *Pipeline) SetEmitFailureHandler(handler EmitFailureHandler) {
	if p == nil {
		return
	}
	if handler == nil {
		handler = noopEmitFailureHandler
	}
	p.emitFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the pipeline.
func (p *Pipeline) SetMetrics(m *PipelineMetrics) {
	if p == nil {
		return
	}
	if m == nil {
		m = &PipelineMetrics{}
	}
	p.metrics.Store(m)
}

// SetEmittedHandler installs a callback invoked after each successful emit
// with the turn, the root span id, and the synthesized tree.
func (p *Pipeline) SetEmittedHandler(handler func(turn Turn, spanID string, root *Span)) {
	if p == nil {
		return
	}
	if handler == nil {
		handler = func(Turn, string, *Span) {}
	}
	p.onEmitted.Store(handler)
}

func (p *Pipeline) loadMetrics() *PipelineMetrics {
	m, _ := p.metrics.Load().(*PipelineMetrics)
	return m
}

// QueueLen returns the current number of jobs waiting in the queue.
func (p *Pipeline) QueueLen() int {
	if p == nil {
		return 0
	}
	return len(p.queue)
}

func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Keep the pipeline usable when Start is called without a live context.
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.lifecycleMu.Lock()
	p.workerCancel = cancel
	p.lifecycleMu.Unlock()

	p.wg.Add(1)
	go func(workerCtx context.Context) {
		defer p.wg.Done()
		defer p.markDone()

		for {
			select {
			case <-workerCtx.Done():
				p.drain()
				return
			case job, ok := <-p.queue:
				if !ok {
					return
				}
				p.process(workerCtx, job)
			}
		}
	}(workerCtx)
}

// drain processes jobs still queued at cancellation with a fresh context
// so the final emits are not rejected by the sink.
func (p *Pipeline) drain() {
	for {
		select {
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(context.Background(), job)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, job *Job) {
	if job == nil {
		return
	}
	root := Synthesize(job.Turn, job.Events)

	start := time.Now()
	spanID, err := p.emitter.Emit(ctx, root)
	if m := p.loadMetrics(); m != nil && m.OnEmit != nil {
		m.OnEmit(time.Since(start), err)
	}
	if err != nil {
		p.reportEmitFailure(EmitFailure{UserID: job.Turn.UserID, Err: err})
		return
	}
	if handler, ok := p.onEmitted.Load().(func(Turn, string, *Span)); ok && handler != nil {
		handler(job.Turn, spanID, root)
	}
}

func (p *Pipeline) Enqueue(job *Job) bool {
	if p.stopped.Load() {
		return false
	}
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.stopped.Load() {
		return false
	}

	select {
	case p.queue <- job:
		p.enqueueAcceptedTotal.Add(1)
		p.observeQueueDepth(len(p.queue))
		if m := p.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		p.enqueueDroppedTotal.Add(1)
		p.observeQueueDepth(cap(p.queue))
		p.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := p.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (p *Pipeline) Stop() {
	_ = p.Shutdown(context.Background())
}

func (p *Pipeline) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.queueMu.Lock()
		close(p.queue)
		p.queueMu.Unlock()
		if !p.started.Load() {
			p.markDone()
		}
	})

	select {
	case <-p.done:
		p.wg.Wait()
		p.cancelWorker()
		return nil
	case <-ctx.Done():
		p.cancelWorker()
		return ctx.Err()
	}
}

func (p *Pipeline) cancelWorker() {
	if p == nil {
		return
	}
	p.lifecycleMu.RLock()
	cancel := p.workerCancel
	p.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) markDone() {
	p.doneOnce.Do(func() {
		close(p.done)
	})
}

func (p *Pipeline) reportEmitFailure(failure EmitFailure) {
	if p == nil {
		return
	}
	failure.ErrorClass = ClassifyEmitError(failure.Err)
	p.emitFailedTotal.Add(1)
	p.lastEmitFailureUnixNano.Store(time.Now().UTC().UnixNano())
	switch failure.ErrorClass {
	case EmitErrorClassConnection:
		p.emitFailureConnection.Add(1)
	case EmitErrorClassTimeout:
		p.emitFailureTimeout.Add(1)
	case EmitErrorClassRejected:
		p.emitFailureRejected.Add(1)
	default:
		p.emitFailureUnknown.Add(1)
	}
	handler, ok := p.emitFailureHandle.Load().(EmitFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// PipelineDiagnostics returns a point-in-time snapshot of queue pressure
// and dropped-job counters for operator diagnostics.
func (p *Pipeline) PipelineDiagnostics() PipelineDiagnostics {
	if p == nil {
		return PipelineDiagnostics{}
	}

	queueCapacity := cap(p.queue)
	queueDepth := len(p.queue)
	queueDepthHighWatermark := int(p.queueDepthHighWatermark.Load())
	if queueDepth > queueDepthHighWatermark {
		queueDepthHighWatermark = queueDepth
	}

	queueUtilPct := queueUtilizationPct(queueDepth, queueCapacity)
	queueHighWatermarkUtilPct := queueUtilizationPct(queueDepthHighWatermark, queueCapacity)

	enqueueDropped := p.enqueueDroppedTotal.Load()
	emitFailed := p.emitFailedTotal.Load()

	snapshot := PipelineDiagnostics{
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          queueDepthHighWatermark,
		QueueUtilizationPct:              queueUtilPct,
		QueueHighWatermarkUtilizationPct: queueHighWatermarkUtilPct,
		QueuePressureState:               queuePressureState(queueUtilPct),
		QueueHighWatermarkPressureState:  queuePressureState(queueHighWatermarkUtilPct),
		EnqueueAcceptedTotal:             p.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              enqueueDropped,
		EmitFailedTotal:                  emitFailed,
		TotalDroppedTotal:                enqueueDropped + emitFailed,
	}

	if ts := p.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := p.lastEmitFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEmitFailureAt = &last
	}

	byClass := make(map[string]int64)
	if v := p.emitFailureConnection.Load(); v > 0 {
		byClass[EmitErrorClassConnection] = v
	}
	if v := p.emitFailureTimeout.Load(); v > 0 {
		byClass[EmitErrorClassTimeout] = v
	}
	if v := p.emitFailureRejected.Load(); v > 0 {
		byClass[EmitErrorClassRejected] = v
	}
	if v := p.emitFailureUnknown.Load(); v > 0 {
		byClass[EmitErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.EmitFailuresByClass = byClass
	}

	return snapshot
}

func (p *Pipeline) observeQueueDepth(depth int) {
	if p == nil || depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := p.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if p.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return PipelinePressureSaturated
	case utilizationPct >= 80:
		return PipelinePressureHigh
	case utilizationPct >= 50:
		return PipelinePressureElevated
	default:
		return PipelinePressureOK
	}
}
