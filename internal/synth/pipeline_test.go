package synth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureEmitter struct {
	mu    sync.Mutex
	roots []*Span
	err   error
	block chan struct{}
}

func (e *captureEmitter) Emit(ctx context.Context, root *Span) (string, error) {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.roots = append(e.roots, root)
	return "span-id", nil
}

func (e *captureEmitter) emitted() []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Span, len(e.roots))
	copy(out, e.roots)
	return out
}

func TestPipelineProcessesQueuedJobs(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	pipeline := NewPipeline(emitter, 8)

	var handlerMu sync.Mutex
	var handlerIDs []string
	pipeline.SetEmittedHandler(func(turn Turn, spanID string, root *Span) {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		handlerIDs = append(handlerIDs, spanID)
		if turn.UserID != "user-1" {
			t.Errorf("handler turn.UserID = %q", turn.UserID)
		}
		if root.Name != RootSpanName {
			t.Errorf("handler root.Name = %q", root.Name)
		}
	})

	pipeline.Start(context.Background())
	if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "user-1", Input: "hi"}}) {
		t.Fatal("Enqueue returned false on an empty queue")
	}
	if err := pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := emitter.emitted(); len(got) != 1 {
		t.Fatalf("emitted %d span trees, want 1", len(got))
	}
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if len(handlerIDs) != 1 || handlerIDs[0] != "span-id" {
		t.Errorf("emitted handler ids = %v, want [span-id]", handlerIDs)
	}

	diag := pipeline.PipelineDiagnostics()
	if diag.EnqueueAcceptedTotal != 1 {
		t.Errorf("EnqueueAcceptedTotal = %d, want 1", diag.EnqueueAcceptedTotal)
	}
	if diag.EmitFailedTotal != 0 {
		t.Errorf("EmitFailedTotal = %d, want 0", diag.EmitFailedTotal)
	}
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{block: make(chan struct{})}
	pipeline := NewPipeline(emitter, 1)

	dropped := 0
	pipeline.SetMetrics(&PipelineMetrics{OnDrop: func() { dropped++ }})

	// Never started, so the single buffered slot is the whole capacity.
	if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "a"}}) {
		t.Fatal("first Enqueue = false, want true")
	}
	if pipeline.Enqueue(&Job{Turn: Turn{UserID: "b"}}) {
		t.Fatal("second Enqueue = true, want drop")
	}
	if dropped != 1 {
		t.Errorf("OnDrop calls = %d, want 1", dropped)
	}

	diag := pipeline.PipelineDiagnostics()
	if diag.EnqueueDroppedTotal != 1 {
		t.Errorf("EnqueueDroppedTotal = %d, want 1", diag.EnqueueDroppedTotal)
	}
	if diag.TotalDroppedTotal != 1 {
		t.Errorf("TotalDroppedTotal = %d, want 1", diag.TotalDroppedTotal)
	}
	if diag.LastEnqueueDropAt == nil {
		t.Error("LastEnqueueDropAt = nil, want timestamp")
	}
	if diag.QueuePressureState != PipelinePressureSaturated {
		t.Errorf("QueuePressureState = %q, want %q", diag.QueuePressureState, PipelinePressureSaturated)
	}

	close(emitter.block)
}

func TestPipelineEnqueueAfterShutdown(t *testing.T) {
	t.Parallel()

	pipeline := NewPipeline(&captureEmitter{}, 4)
	pipeline.Start(context.Background())
	if err := pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if pipeline.Enqueue(&Job{Turn: Turn{UserID: "late"}}) {
		t.Error("Enqueue after Shutdown = true, want false")
	}
}

func TestPipelineShutdownDrainsQueue(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	pipeline := NewPipeline(emitter, 8)

	for i := 0; i < 5; i++ {
		if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "u"}}) {
			t.Fatalf("Enqueue %d = false", i)
		}
	}

	// Start after queueing so every job is still pending at shutdown.
	pipeline.Start(context.Background())
	if err := pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := len(emitter.emitted()); got != 5 {
		t.Errorf("emitted %d span trees after Shutdown, want 5", got)
	}
}

func TestPipelineEmitFailureClassified(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{err: context.DeadlineExceeded}
	pipeline := NewPipeline(emitter, 4)

	failures := make(chan EmitFailure, 1)
	pipeline.SetEmitFailureHandler(func(f EmitFailure) { failures <- f })

	pipeline.Start(context.Background())
	if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "user-2"}}) {
		t.Fatal("Enqueue = false")
	}

	select {
	case failure := <-failures:
		if failure.UserID != "user-2" {
			t.Errorf("failure.UserID = %q, want user-2", failure.UserID)
		}
		if failure.ErrorClass != EmitErrorClassTimeout {
			t.Errorf("failure.ErrorClass = %q, want %q", failure.ErrorClass, EmitErrorClassTimeout)
		}
		if !errors.Is(failure.Err, context.DeadlineExceeded) {
			t.Errorf("failure.Err = %v", failure.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("emit failure handler never invoked")
	}

	if err := pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	diag := pipeline.PipelineDiagnostics()
	if diag.EmitFailedTotal != 1 {
		t.Errorf("EmitFailedTotal = %d, want 1", diag.EmitFailedTotal)
	}
	if got := diag.EmitFailuresByClass[EmitErrorClassTimeout]; got != 1 {
		t.Errorf("EmitFailuresByClass[timeout] = %d, want 1", got)
	}
	if diag.LastEmitFailureAt == nil {
		t.Error("LastEmitFailureAt = nil, want timestamp")
	}
}

func TestPipelineCountsRejectedEmits(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{err: errors.New("traces export: 401 Unauthorized")}
	pipeline := NewPipeline(emitter, 4)

	failures := make(chan EmitFailure, 1)
	pipeline.SetEmitFailureHandler(func(f EmitFailure) { failures <- f })

	pipeline.Start(context.Background())
	if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "user-3"}}) {
		t.Fatal("Enqueue = false")
	}

	select {
	case failure := <-failures:
		if failure.ErrorClass != EmitErrorClassRejected {
			t.Errorf("failure.ErrorClass = %q, want %q", failure.ErrorClass, EmitErrorClassRejected)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("emit failure handler never invoked")
	}

	if err := pipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := pipeline.PipelineDiagnostics().EmitFailuresByClass[EmitErrorClassRejected]; got != 1 {
		t.Errorf("EmitFailuresByClass[rejected] = %d, want 1", got)
	}
}

func TestPipelineShutdownTimeout(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{block: make(chan struct{})}
	pipeline := NewPipeline(emitter, 4)
	pipeline.Start(context.Background())

	if !pipeline.Enqueue(&Job{Turn: Turn{UserID: "slow"}}) {
		t.Fatal("Enqueue = false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pipeline.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want deadline exceeded", err)
	}

	close(emitter.block)
}

func TestQueuePressureStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pct  int
		want string
	}{
		{0, PipelinePressureOK},
		{49, PipelinePressureOK},
		{50, PipelinePressureElevated},
		{79, PipelinePressureElevated},
		{80, PipelinePressureHigh},
		{99, PipelinePressureHigh},
		{100, PipelinePressureSaturated},
	}
	for _, tt := range tests {
		if got := queuePressureState(tt.pct); got != tt.want {
			t.Errorf("queuePressureState(%d) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}

func TestQueueUtilizationPct(t *testing.T) {
	t.Parallel()

	if got := queueUtilizationPct(0, 10); got != 0 {
		t.Errorf("queueUtilizationPct(0, 10) = %d, want 0", got)
	}
	if got := queueUtilizationPct(5, 10); got != 50 {
		t.Errorf("queueUtilizationPct(5, 10) = %d, want 50", got)
	}
	if got := queueUtilizationPct(20, 10); got != 100 {
		t.Errorf("queueUtilizationPct(20, 10) = %d, want 100", got)
	}
	if got := queueUtilizationPct(3, 0); got != 0 {
		t.Errorf("queueUtilizationPct(3, 0) = %d, want 0", got)
	}
}
