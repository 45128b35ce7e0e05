package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/mbd888/paycore/internal/events"
	"github.com/mbd888/paycore/internal/idgen"
	"github.com/mbd888/paycore/internal/logging"
	"github.com/mbd888/paycore/internal/metrics"
	"github.com/mbd888/paycore/internal/retry"
	"github.com/mbd888/paycore/internal/syncutil"
	"github.com/mbd888/paycore/internal/traces"
)

// Config holds the orchestrator's tunables.
type Config struct {
	BackoffBase time.Duration // first retry delay
	BackoffCap  time.Duration // ceiling for min(base × 2^retryCount, cap)
	StepTimeout time.Duration // default bound on one handler invocation
	RecentRuns  int           // terminal runs kept in memory for status reads
	RecentTTL   time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		StepTimeout: 30 * time.Second,
		RecentRuns:  10_000,
		RecentTTL:   time.Hour,
	}
}

const persistTimeout = 5 * time.Second

// Orchestrator owns every run this process is driving. Transitions of one
// run are serialized by a per-run lock; step handlers and event delivery
// execute outside it.
type Orchestrator struct {
	registry  *Registry
	store     Store
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	locks syncutil.ShardedMutex

	mu       sync.Mutex
	active   map[string]*Run
	inflight map[string]bool
	waiting  map[string]*time.Timer // runs sleeping out a retry backoff
	closed   bool
	recent   *ttlcache.Cache[string, *Run]
	outboxes map[string]*outbox
	queued   int // events enqueued and not yet delivered
	wake     chan struct{}
	wg       sync.WaitGroup
}

// outbox holds one run's lifecycle events in transition order. Events are
// enqueued under the run lock and delivered after it is released; deliver
// keeps a single publisher call in flight per run.
type outbox struct {
	deliver sync.Mutex
	pending []*events.Event
}

// NewOrchestrator creates an orchestrator over registry and store.
func NewOrchestrator(registry *Registry, store Store, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = max(def.BackoffCap, cfg.BackoffBase)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = def.RecentRuns
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	return &Orchestrator{
		registry:  registry,
		store:     store,
		publisher: events.Nop{},
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		active:    make(map[string]*Run),
		inflight:  make(map[string]bool),
		waiting:   make(map[string]*time.Timer),
		outboxes:  make(map[string]*outbox),
		recent: ttlcache.New(
			ttlcache.WithTTL[string, *Run](cfg.RecentTTL),
			ttlcache.WithCapacity[string, *Run](uint64(cfg.RecentRuns)),
		),
		wake: make(chan struct{}, 1),
	}
}

// WithPublisher sets the lifecycle event sink.
func (o *Orchestrator) WithPublisher(p events.Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithLogger sets a structured logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithClock overrides the time source used for timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Registry returns the template registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Wake is signalled whenever a run becomes ready before the next poll.
func (o *Orchestrator) Wake() <-chan struct{} {
	return o.wake
}

// ActiveRuns returns the number of non-terminal runs held in memory.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// PendingEvents returns the number of lifecycle events recorded by a
// transition but not yet handed to the publisher.
func (o *Orchestrator) PendingEvents() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued
}

// StartWorkflow creates a run from the named template and returns at once;
// execution happens on later driver passes. Only an unknown template is
// reported synchronously.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (*Run, error) {
	tmpl, err := o.registry.Get(req.Template)
	if err != nil {
		return nil, err
	}

	now := o.now()
	run := &Run{
		ID:            idgen.RunID(),
		CorrelationID: idgen.CorrelationID(),
		Template:      tmpl.Name,
		OrderID:       req.OrderID,
		PayerID:       req.PayerID,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusPending,
		Steps:         make([]StepRecord, len(tmpl.Steps)),
		Metadata:      maps.Clone(req.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	for i, spec := range tmpl.Steps {
		run.Steps[i] = StepRecord{
			StepID:     spec.ID,
			Type:       spec.Step.Type(),
			Name:       spec.Name,
			Status:     StepPending,
			MaxRetries: spec.MaxRetries,
		}
		run.MaxRetries += spec.MaxRetries
	}

	defer o.flush(ctx, run.ID)
	unlock := o.locks.Lock(run.ID)
	defer unlock()

	o.persist(ctx, run)
	o.mu.Lock()
	o.active[run.ID] = run
	metrics.WorkflowActiveRuns.Set(float64(len(o.active)))
	o.mu.Unlock()

	o.publish(events.TopicWorkflowStarted, run, nil)
	metrics.WorkflowRunsStarted.WithLabelValues(run.Template).Inc()
	logging.L(ctx).Info("workflow started",
		"run_id", run.ID,
		"correlation_id", run.CorrelationID,
		"template", run.Template,
		"order_id", run.OrderID,
		"amount", run.Amount.String(),
		"currency", run.Currency,
	)

	o.signal()
	return run.Clone(), nil
}

// GetRunStatus returns a snapshot of the run, from memory when this process
// holds it and from the store otherwise.
func (o *Orchestrator) GetRunStatus(ctx context.Context, id string) (*Run, error) {
	unlock := o.locks.Lock(id)
	if run := o.lookup(id); run != nil {
		cp := run.Clone()
		unlock()
		return cp, nil
	}
	unlock()

	run, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun marks a non-terminal run cancelled. Completed steps are not
// compensated, and a step already executing is left to finish; its outcome
// is recorded but the run stays cancelled.
func (o *Orchestrator) CancelRun(ctx context.Context, id, reason string) (*Run, error) {
	defer o.flush(ctx, id)
	unlock := o.locks.Lock(id)
	defer unlock()

	run := o.lookup(id)
	if run == nil {
		stored, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		run = stored
	}
	if run.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, run.Status)
	}

	now := o.now()
	run.Status = StatusCancelled
	run.CancelReason = reason
	run.CancelledAt = timePtr(now)
	run.UpdatedAt = now
	for i := run.CurrentStep; i < len(run.Steps); i++ {
		if run.Steps[i].Status == StepPending {
			run.Steps[i].Status = StepSkipped
			run.Steps[i].NextAttemptAt = nil
		}
	}

	o.persist(ctx, run)
	o.publish(events.TopicWorkflowCancelled, run, map[string]any{"reason": reason})
	o.retire(run)
	logging.L(ctx).Info("workflow cancelled", "run_id", run.ID, "reason", reason)
	return run.Clone(), nil
}

// Recover reloads every non-terminal run from the store so the driver
// resumes it from its persisted step index. A step found processing was
// interrupted by a crash and is reset to pending.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		if o.recoverRun(ctx, run) {
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.Info("recovered workflow runs", "count", recovered)
		o.signal()
	}
	return recovered, nil
}

func (o *Orchestrator) recoverRun(ctx context.Context, run *Run) bool {
	defer o.flush(ctx, run.ID)
	unlock := o.locks.Lock(run.ID)
	defer unlock()

	o.mu.Lock()
	_, held := o.active[run.ID]
	o.mu.Unlock()
	if held || run.IsTerminal() {
		return false
	}

	if _, err := o.registry.Get(run.Template); err != nil {
		o.failRun(ctx, run, run.CurrentStep, fmt.Errorf("cannot resume run: %w", err))
		return false
	}

	var resumeIn time.Duration
	if run.CurrentStep < len(run.Steps) {
		step := &run.Steps[run.CurrentStep]
		if step.Status == StepProcessing {
			o.logger.Warn("resetting step interrupted by restart",
				"run_id", run.ID, "step_id", step.StepID, "retry_count", step.RetryCount)
			step.Status = StepPending
			run.UpdatedAt = o.now()
			o.persist(ctx, run)
		}
		if step.NextAttemptAt != nil {
			resumeIn = step.NextAttemptAt.Sub(o.now())
		}
	}

	o.mu.Lock()
	o.active[run.ID] = run
	metrics.WorkflowActiveRuns.Set(float64(len(o.active)))
	o.mu.Unlock()
	if resumeIn > 0 {
		o.scheduleRetry(run.ID, resumeIn)
	}
	return true
}

// Tick dispatches one unit of work for every run that is neither executing
// nor sleeping out a backoff. Each run advances in its own goroutine.
func (o *Orchestrator) Tick(ctx context.Context) int {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0
	}
	ready := make([]string, 0, len(o.active))
	for id := range o.active {
		if o.inflight[id] {
			continue
		}
		if _, sleeping := o.waiting[id]; sleeping {
			continue
		}
		o.inflight[id] = true
		ready = append(ready, id)
	}
	o.wg.Add(len(ready))
	o.mu.Unlock()

	for _, id := range ready {
		go o.advance(ctx, id)
	}
	return len(ready)
}

// Shutdown stops dispatching, cancels pending backoff timers and waits for
// executing steps to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for id, t := range o.waiting {
		t.Stop()
		delete(o.waiting, id)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stepWork is what advance carries across the unlocked handler call.
type stepWork struct {
	run  *Run
	tmpl *Template
	idx  int
	spec StepSpec
	sc   StepContext
}

func (o *Orchestrator) advance(ctx context.Context, id string) {
	defer o.wg.Done()
	progressed := false
	defer func() {
		o.release(id)
		// Signal after release so Tick sees the run as idle.
		if progressed {
			o.signal()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic advancing workflow run", "run_id", id, "panic", fmt.Sprint(r))
		}
	}()

	work, ok := o.beginStep(ctx, id)
	if !ok {
		return
	}

	output, err := o.execute(ctx, work.spec, work.sc)

	if o.endStep(ctx, work, output, err) {
		o.compensate(ctx, work.run, work.tmpl, work.idx)
	}
	progressed = err == nil
}

// beginStep performs the bookkeeping half of a unit of work under the run
// lock. It reports false when there is no handler to invoke.
func (o *Orchestrator) beginStep(ctx context.Context, id string) (stepWork, bool) {
	defer o.flush(ctx, id)
	unlock := o.locks.Lock(id)
	defer unlock()

	run := o.lookup(id)
	if run == nil || run.IsTerminal() {
		return stepWork{}, false
	}

	tmpl, err := o.registry.Get(run.Template)
	if err != nil {
		o.failRun(ctx, run, run.CurrentStep, err)
		return stepWork{}, false
	}
	if len(tmpl.Steps) != len(run.Steps) {
		o.failRun(ctx, run, run.CurrentStep, fmt.Errorf("%w: %s changed shape since run %s started", ErrInvalidTemplate, tmpl.Name, run.ID))
		return stepWork{}, false
	}

	if run.CurrentStep >= len(run.Steps) {
		o.completeRun(ctx, run)
		return stepWork{}, false
	}

	idx := run.CurrentStep
	step := &run.Steps[idx]
	if step.Status != StepPending {
		o.logger.Warn("current step not pending, skipping pass",
			"run_id", run.ID, "step_id", step.StepID, "status", step.Status)
		return stepWork{}, false
	}

	now := o.now()
	step.Status = StepProcessing
	step.StartedAt = timePtr(now)
	step.NextAttemptAt = nil
	step.Input = map[string]any{
		"orderId":       run.OrderID,
		"payerId":       run.PayerID,
		"paymentMethod": run.PaymentMethod,
		"amount":        run.Amount.String(),
		"currency":      run.Currency,
		"attempt":       step.RetryCount,
	}
	if run.Status == StatusPending {
		run.Status = StatusProcessing
		run.StartedAt = timePtr(now)
	}
	run.UpdatedAt = now
	o.persist(ctx, run)

	outputs := make(map[string]map[string]any, idx)
	for _, prev := range run.Steps[:idx] {
		if prev.Status == StepCompleted {
			outputs[prev.StepID] = maps.Clone(prev.Output)
		}
	}
	spec := tmpl.Steps[idx]
	return stepWork{
		run:  run,
		tmpl: tmpl,
		idx:  idx,
		spec: spec,
		sc: StepContext{
			RunID:          run.ID,
			CorrelationID:  run.CorrelationID,
			StepID:         spec.ID,
			OrderID:        run.OrderID,
			PayerID:        run.PayerID,
			PaymentMethod:  run.PaymentMethod,
			Amount:         run.Amount,
			Currency:       run.Currency,
			Metadata:       maps.Clone(run.Metadata),
			Attempt:        step.RetryCount,
			IdempotencyKey: idgen.IdempotencyKey(run.ID, spec.ID),
			Outputs:        outputs,
		},
	}, true
}

// execute invokes the handler with the step timeout and converts a panic
// into a transient error.
func (o *Orchestrator) execute(ctx context.Context, spec StepSpec, sc StepContext) (output map[string]any, err error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	stepType := string(spec.Step.Type())

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx = logging.WithRun(sctx, sc.RunID, sc.CorrelationID)
	sctx, span := traces.StartSpan(sctx, "workflow.step."+stepType,
		traces.RunID(sc.RunID),
		traces.CorrelationID(sc.CorrelationID),
		traces.StepType(stepType),
		traces.Amount(sc.Amount.String()),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			output, err = nil, fmt.Errorf("step %s panicked: %v", spec.ID, r)
		}
		metrics.WorkflowStepDuration.WithLabelValues(stepType).Observe(time.Since(start).Seconds())
		traces.RecordError(span, err)
	}()

	output, err = spec.Step.Execute(sctx, sc)
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("step %s timed out after %s: %w", spec.ID, timeout, err)
	}
	return output, err
}

// endStep applies the handler outcome under the run lock. It reports true
// when the run failed and completed steps need compensating.
func (o *Orchestrator) endStep(ctx context.Context, w stepWork, output map[string]any, execErr error) bool {
	defer o.flush(ctx, w.run.ID)
	unlock := o.locks.Lock(w.run.ID)
	defer unlock()

	run := w.run
	step := &run.Steps[w.idx]
	stepType := string(step.Type)
	log := o.logger.With("run_id", run.ID, "correlation_id", run.CorrelationID, "step_id", step.StepID)
	now := o.now()
	run.UpdatedAt = now

	if run.Status == StatusCancelled {
		if execErr == nil {
			step.Status = StepCompleted
			step.Output = output
			step.CompletedAt = timePtr(now)
		} else {
			step.Status = StepFailed
			step.Error = execErr.Error()
			step.FailedAt = timePtr(now)
		}
		o.persist(ctx, run)
		log.Info("step finished after run was cancelled", "step_status", step.Status)
		return false
	}

	switch {
	case execErr == nil:
		step.Status = StepCompleted
		step.Output = output
		step.Error = ""
		step.CompletedAt = timePtr(now)
		run.CurrentStep++
		o.persist(ctx, run)
		o.publish(events.TopicWorkflowStepCompleted, run, map[string]any{
			"stepIndex": w.idx,
			"stepId":    step.StepID,
			"stepType":  stepType,
			"output":    maps.Clone(output),
		})
		metrics.WorkflowStepAttempts.WithLabelValues(stepType, "success").Inc()
		log.Debug("step completed", "step_index", w.idx)
		return false

	case ctx.Err() != nil:
		// Driver shutting down: the attempt does not count.
		step.Status = StepPending
		step.Error = execErr.Error()
		o.persist(ctx, run)
		metrics.WorkflowStepAttempts.WithLabelValues(stepType, "interrupted").Inc()
		log.Info("step interrupted by shutdown", "error", execErr)
		return false

	case retry.IsPermanent(execErr):
		metrics.WorkflowStepAttempts.WithLabelValues(stepType, outcomeFor(execErr)).Inc()

	case step.RetryCount < step.MaxRetries:
		step.RetryCount++
		run.RetryCount++
		delay := retry.Delay(o.cfg.BackoffBase, o.cfg.BackoffCap, step.RetryCount)
		step.Status = StepPending
		step.Error = execErr.Error()
		step.NextAttemptAt = timePtr(now.Add(delay))
		o.persist(ctx, run)
		o.scheduleRetry(run.ID, delay)
		metrics.WorkflowStepAttempts.WithLabelValues(stepType, "retry").Inc()
		log.Warn("step failed, retrying",
			"retry_count", step.RetryCount,
			"max_retries", step.MaxRetries,
			"delay", delay,
			"error", execErr,
		)
		return false

	default:
		metrics.WorkflowStepAttempts.WithLabelValues(stepType, "failed").Inc()
	}

	step.Status = StepFailed
	step.Error = execErr.Error()
	step.FailedAt = timePtr(now)
	o.failRun(ctx, run, w.idx, execErr)
	return hasCompensable(w.tmpl, w.idx)
}

// compensate undoes completed steps in reverse order after a failure.
func (o *Orchestrator) compensate(ctx context.Context, run *Run, tmpl *Template, failedIdx int) {
	for i := failedIdx - 1; i >= 0; i-- {
		spec := tmpl.Steps[i]
		c, ok := spec.Step.(Compensator)
		if !ok {
			continue
		}

		unlock := o.locks.Lock(run.ID)
		step := run.Steps[i]
		sc := StepContext{
			RunID:          run.ID,
			CorrelationID:  run.CorrelationID,
			StepID:         spec.ID,
			OrderID:        run.OrderID,
			PayerID:        run.PayerID,
			PaymentMethod:  run.PaymentMethod,
			Amount:         run.Amount,
			Currency:       run.Currency,
			Metadata:       maps.Clone(run.Metadata),
			IdempotencyKey: idgen.IdempotencyKey(run.ID, spec.ID+":compensate"),
		}
		output := maps.Clone(step.Output)
		unlock()
		if step.Status != StepCompleted || step.CompensatedAt != nil {
			continue
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StepTimeout)
		err := retry.Do(cctx, 3, o.cfg.BackoffBase, func() error {
			return c.Compensate(cctx, sc, output)
		})
		cancel()

		unlock = o.locks.Lock(run.ID)
		if err != nil {
			run.Steps[i].Error = "compensation failed: " + err.Error()
			metrics.WorkflowStepAttempts.WithLabelValues(string(step.Type), "compensation_failed").Inc()
			o.logger.Error("step compensation failed", "run_id", run.ID, "step_id", spec.ID, "error", err)
		} else {
			run.Steps[i].CompensatedAt = timePtr(o.now())
			metrics.WorkflowStepAttempts.WithLabelValues(string(step.Type), "compensated").Inc()
			o.logger.Info("step compensated", "run_id", run.ID, "step_id", spec.ID)
		}
		run.UpdatedAt = o.now()
		o.persist(ctx, run)
		unlock()
	}
}

// completeRun marks a run whose every step succeeded. Caller holds the run
// lock and flushes the run's outbox after releasing it.
func (o *Orchestrator) completeRun(ctx context.Context, run *Run) {
	now := o.now()
	run.Status = StatusCompleted
	run.CompletedAt = timePtr(now)
	run.UpdatedAt = now
	o.persist(ctx, run)
	o.publish(events.TopicWorkflowCompleted, run, nil)
	o.retire(run)
	o.logger.Info("workflow completed", "run_id", run.ID, "correlation_id", run.CorrelationID)
}

// failRun marks the run failed at step idx. Caller holds the run lock and
// flushes the run's outbox after releasing it.
func (o *Orchestrator) failRun(ctx context.Context, run *Run, idx int, cause error) {
	now := o.now()
	run.Status = StatusFailed
	run.Error = cause.Error()
	run.FailedAt = timePtr(now)
	run.UpdatedAt = now
	for i := idx + 1; i < len(run.Steps); i++ {
		if run.Steps[i].Status == StepPending {
			run.Steps[i].Status = StepSkipped
		}
	}

	payload := map[string]any{
		"failedStep": idx,
		"error":      cause.Error(),
		"rejected":   IsRejection(cause),
	}
	if idx >= 0 && idx < len(run.Steps) {
		payload["stepId"] = run.Steps[idx].StepID
	}
	o.persist(ctx, run)
	o.publish(events.TopicWorkflowFailed, run, payload)
	o.retire(run)
	o.logger.Warn("workflow failed",
		"run_id", run.ID,
		"correlation_id", run.CorrelationID,
		"failed_step", idx,
		"rejected", IsRejection(cause),
		"error", cause,
	)
}

// retire moves a terminal run out of the work set.
func (o *Orchestrator) retire(run *Run) {
	o.mu.Lock()
	delete(o.active, run.ID)
	if t, ok := o.waiting[run.ID]; ok {
		t.Stop()
		delete(o.waiting, run.ID)
	}
	metrics.WorkflowActiveRuns.Set(float64(len(o.active)))
	o.mu.Unlock()

	o.recent.Set(run.ID, run, ttlcache.DefaultTTL)
	metrics.WorkflowRunsFinished.WithLabelValues(run.Template, string(run.Status)).Inc()
}

func (o *Orchestrator) lookup(id string) *Run {
	o.mu.Lock()
	run, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		return run
	}
	if item := o.recent.Get(id); item != nil {
		return item.Value()
	}
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// scheduleRetry parks the run until delay elapses, then wakes the driver.
func (o *Orchestrator) scheduleRetry(id string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if t, ok := o.waiting[id]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.waiting[id] == timer {
			delete(o.waiting, id)
		}
		o.mu.Unlock()
		o.signal()
	})
	o.waiting[id] = timer
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) persist(ctx context.Context, run *Run) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.Save(pctx, run); err != nil {
		metrics.WorkflowPersistErrors.Inc()
		o.logger.Warn("failed to persist workflow run",
			"run_id", run.ID,
			"status", run.Status,
			"current_step", run.CurrentStep,
			"error", err,
		)
	}
}

// publish enqueues a lifecycle event for the run. Caller holds the run lock.
func (o *Orchestrator) publish(topic events.Topic, run *Run, extra map[string]any) {
	payload := map[string]any{
		"runId":         run.ID,
		"correlationId": run.CorrelationID,
		"template":      run.Template,
		"orderId":       run.OrderID,
		"payerId":       run.PayerID,
		"paymentMethod": run.PaymentMethod,
		"amount":        run.Amount.String(),
		"currency":      run.Currency,
		"status":        string(run.Status),
		"currentStep":   run.CurrentStep,
		"retryCount":    run.RetryCount,
	}
	maps.Copy(payload, extra)
	event := events.New(topic, run.ID, payload)

	o.mu.Lock()
	ob, ok := o.outboxes[run.ID]
	if !ok {
		ob = &outbox{}
		o.outboxes[run.ID] = ob
	}
	ob.pending = append(ob.pending, event)
	o.queued++
	metrics.WorkflowPendingEvents.Set(float64(o.queued))
	o.mu.Unlock()
}

// flush delivers the run's queued events in order. It must be called
// without the run lock held, so a slow publisher delays only the caller.
func (o *Orchestrator) flush(ctx context.Context, id string) {
	o.mu.Lock()
	ob := o.outboxes[id]
	o.mu.Unlock()
	if ob == nil {
		return
	}

	ob.deliver.Lock()
	defer ob.deliver.Unlock()
	pctx := context.WithoutCancel(ctx)
	for {
		o.mu.Lock()
		if len(ob.pending) == 0 {
			if o.outboxes[id] == ob {
				delete(o.outboxes, id)
			}
			o.mu.Unlock()
			return
		}
		event := ob.pending[0]
		ob.pending[0] = nil
		ob.pending = ob.pending[1:]
		o.mu.Unlock()

		if err := o.publisher.Publish(pctx, event); err != nil {
			o.logger.Warn("failed to publish workflow event", "run_id", id, "topic", event.Topic, "error", err)
		}

		o.mu.Lock()
		o.queued--
		metrics.WorkflowPendingEvents.Set(float64(o.queued))
		o.mu.Unlock()
	}
}

func hasCompensable(tmpl *Template, failedIdx int) bool {
	for i := 0; i < failedIdx && i < len(tmpl.Steps); i++ {
		if _, ok := tmpl.Steps[i].Step.(Compensator); ok {
			return true
		}
	}
	return false
}

func outcomeFor(err error) string {
	if IsRejection(err) {
		return "rejected"
	}
	return "failed"
}
