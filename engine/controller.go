package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
	"github.com/privacypoint/docflow/state"
)

// Controller owns the lifecycle of document runs. Each run is driven by a
// single goroutine at a time; every read-modify-append cycle for a run
// happens under that run's handle lock, so the store's optimistic head
// check never fires in normal operation.
type Controller struct {
	store    state.Store
	reg      *registry.Registry
	policy   Policy
	router   *Router
	executor *Executor
	emit     EventHandler
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	handles map[string]*runHandle

	sem     chan struct{}
	pending int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// runHandle serializes writers for one run and carries its cancellation.
type runHandle struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventHandler sets the handler that receives engine events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Controller) { c.emit = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller over a validated registry.
func NewController(store state.Store, reg *registry.Registry, policy Policy, opts ...Option) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:   store,
		reg:     reg,
		policy:  policy,
		router:  NewRouter(reg, policy),
		emit:    func(Event) {},
		log:     slog.Default(),
		now:     time.Now,
		handles: make(map[string]*runHandle),
		sem:     make(chan struct{}, policy.Workers),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.executor = NewExecutor(policy, c.emit)
	return c, nil
}

// CreateRun validates the request, stores the version-0 snapshot and
// schedules the run. It returns the new run id.
func (c *Controller) CreateRun(ctx context.Context, documentID string, req core.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.policy.QueueDepth > 0 && c.pending >= c.policy.QueueDepth {
		c.mu.Unlock()
		return "", fmt.Errorf("engine: run queue full (%d pending)", c.pending)
	}
	c.pending++
	c.mu.Unlock()

	runID := uuid.NewString()
	snap := core.NewSnapshot(runID, documentID, req, c.now().UTC())
	if err := c.store.CreateRun(ctx, snap); err != nil {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return "", err
	}

	c.emit(NewEvent(EventRunCreated, runID).WithStatus(core.StatusCreated))
	c.log.Info("run created", "run_id", runID, "document_id", documentID, "document_type", req.DocumentType)

	c.spawnDrive(runID, true)
	return runID, nil
}

// Resume schedules drive loops for runs left in a non-suspended,
// non-terminal status, typically after a daemon restart.
func (c *Controller) Resume(ctx context.Context) error {
	for _, status := range []core.RunStatus{core.StatusCreated, core.StatusRunning, core.StatusRevising} {
		runIDs, err := c.store.Runs(ctx, status)
		if err != nil {
			return err
		}
		for _, runID := range runIDs {
			c.log.Info("resuming run", "run_id", runID, "status", status)
			c.spawnDrive(runID, false)
		}
	}
	return nil
}

// StatusView is the idempotent status answer for a run.
type StatusView struct {
	RunID          string            `json:"run_id"`
	DocumentID     string            `json:"document_id"`
	Status         core.RunStatus    `json:"status"`
	Version        int               `json:"version"`
	CurrentStage   core.StageName    `json:"current_stage,omitempty"`
	History        []core.StageEvent `json:"history"`
	SettledStages  []core.StageName  `json:"settled_stages"`
	Progress       float64           `json:"progress"`
	RevisionCount  int               `json:"revision_count"`
	AutoRevisions  int               `json:"auto_revisions"`
	QualityWarning bool              `json:"quality_warning,omitempty"`
	Stalled        bool              `json:"stalled,omitempty"`
	Feedback       []string          `json:"feedback,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// GetStatus returns the run's current status view. It never blocks on the
// run's writer.
func (c *Controller) GetStatus(ctx context.Context, runID string) (StatusView, error) {
	snap, err := c.store.ReadCurrent(ctx, runID)
	if err != nil {
		return StatusView{}, err
	}

	all := c.reg.Stages()
	var settled []core.StageName
	for _, stage := range all {
		if snap.Settled(stage) {
			settled = append(settled, stage)
		}
	}

	return StatusView{
		RunID:          snap.RunID,
		DocumentID:     snap.DocumentID,
		Status:         snap.Status,
		Version:        snap.Version,
		CurrentStage:   snap.CurrentStage,
		History:        snap.History,
		SettledStages:  settled,
		Progress:       float64(len(settled)) / float64(len(all)),
		RevisionCount:  snap.RevisionCount,
		AutoRevisions:  snap.AutoRevisions,
		QualityWarning: snap.QualityWarning,
		Stalled:        snap.Stalled,
		Feedback:       snap.Feedback,
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      snap.UpdatedAt,
	}, nil
}

// ContentView is the produced document of a delivered run.
type ContentView struct {
	RunID           string            `json:"run_id"`
	DocumentID      string            `json:"document_id"`
	DocumentType    core.DocumentType `json:"document_type"`
	Title           string            `json:"title,omitempty"`
	Content         string            `json:"content"`
	QualityScore    float64           `json:"quality_score"`
	ComplianceScore float64           `json:"compliance_score"`
	QualityWarning  bool              `json:"quality_warning,omitempty"`
	RevisionCount   int               `json:"revision_count"`
	DeliveredAt     time.Time         `json:"delivered_at"`
}

// GetContent returns the document of a delivered run. Runs in any other
// status answer with *core.NotReadyError.
func (c *Controller) GetContent(ctx context.Context, runID string) (ContentView, error) {
	snap, err := c.store.ReadCurrent(ctx, runID)
	if err != nil {
		return ContentView{}, err
	}
	if snap.Status != core.StatusDelivered {
		return ContentView{}, &core.NotReadyError{RunID: runID, Status: snap.Status}
	}
	return ContentView{
		RunID:           snap.RunID,
		DocumentID:      snap.DocumentID,
		DocumentType:    snap.Request.DocumentType,
		Title:           snap.OutputString(core.StageGeneration, "title"),
		Content:         snap.OutputString(core.StageGeneration, "content"),
		QualityScore:    snap.OutputFloat(core.StageQualityCheck, "score"),
		ComplianceScore: snap.OutputFloat(core.StageComplianceCheck, "score"),
		QualityWarning:  snap.QualityWarning,
		RevisionCount:   snap.RevisionCount,
		DeliveredAt:     snap.UpdatedAt,
	}, nil
}

// Events returns the run's stage-event audit trail.
func (c *Controller) Events(ctx context.Context, runID string) ([]core.StageEvent, error) {
	return c.store.Events(ctx, runID)
}

// Runs lists known run ids, optionally filtered by status.
func (c *Controller) Runs(ctx context.Context, status core.RunStatus) ([]string, error) {
	return c.store.Runs(ctx, status)
}

// SubmitReview records a human decision for a run suspended at the review
// gate and resumes it. Approving delivers, rejecting retires the run, and
// a revision request routes back to generation until the revision budget
// is spent.
func (c *Controller) SubmitReview(ctx context.Context, review core.ReviewDecision) error {
	if !review.Decision.Valid() {
		return &core.ValidationError{Field: "decision", Reason: "unknown decision"}
	}

	h := c.handle(review.RunID)
	h.mu.Lock()
	defer h.mu.Unlock()

	snap, err := c.store.ReadCurrent(ctx, review.RunID)
	if err != nil {
		c.release(review.RunID, h)
		return err
	}
	if snap.Status != core.StatusAwaitingReview {
		if snap.Status.Terminal() {
			c.release(review.RunID, h)
		}
		return &core.InvalidTransitionError{RunID: review.RunID, Status: snap.Status, Op: "submit_review"}
	}

	if review.SubmittedAt.IsZero() {
		review.SubmittedAt = c.now().UTC()
	}
	review.RunID = snap.RunID

	// The gate capability records the review as the supervision stage's
	// output so the audit trail shows who decided and when.
	gateDef, _ := c.reg.Get(core.StageHumanSupervision)
	working := snap.Clone()
	working.Review = &review
	result := c.executor.ExecuteStage(ctx, gateDef, working)
	if result.Err != nil {
		return fmt.Errorf("engine: review gate capability: %w", result.Err)
	}

	next := snap.Next(c.now().UTC())
	next.Review = &review
	next.Outputs[core.StageHumanSupervision] = result.Payload
	next.History = append(next.History, result.Attempts...)
	next.CurrentStage = core.StageHumanSupervision
	next.Stalled = false

	c.emit(NewEvent(EventReviewSubmitted, snap.RunID).
		WithStage(core.StageHumanSupervision, 0).
		WithPayload("decision", string(review.Decision)).
		WithPayload("reviewer_id", review.ReviewerID))

	resume := false
	switch review.Decision {
	case core.DecisionApproved:
		next.Status = core.StatusRunning
		resume = true

	case core.DecisionRejected:
		next.Status = core.StatusRejected

	case core.DecisionRevisionRequested:
		next.RevisionCount++
		if review.Feedback != "" {
			next.Feedback = append(next.Feedback, review.Feedback)
		}
		if next.RevisionCount > c.policy.MaxHumanRevisions {
			next.Status = core.StatusFailed
			c.log.Warn("revision budget spent", "run_id", snap.RunID, "revisions", next.RevisionCount)
		} else {
			c.clearForRevision(next)
			next.Status = core.StatusRevising
			resume = true
		}
	}

	if err := c.store.Append(ctx, snap.RunID, snap.Version, next); err != nil {
		return err
	}

	switch next.Status {
	case core.StatusRejected:
		c.emit(NewEvent(EventRunRejected, snap.RunID).WithStatus(next.Status).WithVersion(next.Version))
		c.finish(next)
	case core.StatusFailed:
		c.emit(NewEvent(EventRunFailed, snap.RunID).
			WithStatus(next.Status).
			WithVersion(next.Version).
			WithPayload("reason", "human revision budget spent"))
		c.finish(next)
	case core.StatusRevising:
		c.emit(NewEvent(EventRunRevising, snap.RunID).
			WithStatus(next.Status).
			WithVersion(next.Version).
			WithPayload("revision_count", next.RevisionCount))
	}

	if resume {
		c.spawnDrive(snap.RunID, false)
	}
	return nil
}

// Cancel retires a non-terminal run. In-flight stage work is interrupted;
// its partial results are discarded.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	h := c.handle(runID)
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	snap, err := c.store.ReadCurrent(ctx, runID)
	if err != nil {
		c.release(runID, h)
		return err
	}
	if snap.Status.Terminal() {
		c.release(runID, h)
		if snap.Status == core.StatusCancelled {
			return nil
		}
		return &core.InvalidTransitionError{RunID: runID, Status: snap.Status, Op: "cancel"}
	}

	next := snap.Next(c.now().UTC())
	next.Status = core.StatusCancelled
	if err := c.store.Append(ctx, runID, snap.Version, next); err != nil {
		return err
	}
	c.emit(NewEvent(EventRunCancelled, runID).WithStatus(core.StatusCancelled).WithVersion(next.Version))
	c.finish(next)
	c.log.Info("run cancelled", "run_id", runID)
	return nil
}

// SweepStalled flags runs that have waited at the review gate past the
// policy deadline. It returns the newly flagged run ids.
func (c *Controller) SweepStalled(ctx context.Context) ([]string, error) {
	if c.policy.GateStallAfter <= 0 {
		return nil, nil
	}

	runIDs, err := c.store.Runs(ctx, core.StatusAwaitingReview)
	if err != nil {
		return nil, err
	}

	cutoff := c.now().UTC().Add(-c.policy.GateStallAfter)
	var flagged []string
	for _, runID := range runIDs {
		h := c.handle(runID)
		h.mu.Lock()
		snap, err := c.store.ReadCurrent(ctx, runID)
		if err != nil {
			h.mu.Unlock()
			return flagged, err
		}
		if snap.Status != core.StatusAwaitingReview || snap.Stalled || snap.UpdatedAt.After(cutoff) {
			h.mu.Unlock()
			continue
		}

		next := snap.Next(c.now().UTC())
		next.Stalled = true
		// The stall flag keeps the gate timestamp: UpdatedAt moves, but a
		// flagged run is not re-flagged.
		if err := c.store.Append(ctx, runID, snap.Version, next); err != nil {
			h.mu.Unlock()
			return flagged, err
		}
		h.mu.Unlock()

		flagged = append(flagged, runID)
		c.emit(NewEvent(EventRunStalled, runID).WithStatus(core.StatusAwaitingReview).WithVersion(next.Version))
		c.log.Warn("run stalled at review gate", "run_id", runID, "waiting_since", snap.UpdatedAt)
	}
	return flagged, nil
}

// AwaitStatus polls until the run reaches one of the wanted statuses or
// the context expires. Intended for tests and one-shot CLI runs.
func (c *Controller) AwaitStatus(ctx context.Context, runID string, wanted ...core.RunStatus) (StatusView, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := c.GetStatus(ctx, runID)
		if err != nil {
			return StatusView{}, err
		}
		for _, status := range wanted {
			if view.Status == status {
				return view, nil
			}
		}
		select {
		case <-ctx.Done():
			return view, fmt.Errorf("engine: run %s still %s: %w", runID, view.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops accepting work and waits for in-flight drive loops.
func (c *Controller) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) handle(runID string) *runHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[runID]
	if !ok {
		ctx, cancel := context.WithCancel(c.baseCtx)
		h = &runHandle{ctx: ctx, cancel: cancel}
		c.handles[runID] = h
	}
	return h
}

// release drops a handle that was materialised for a run already retired in
// the store. The identity check keeps a concurrently re-created handle alive.
func (c *Controller) release(runID string, h *runHandle) {
	c.mu.Lock()
	if c.handles[runID] == h {
		delete(c.handles, runID)
	}
	c.mu.Unlock()
}

func (c *Controller) spawnDrive(runID string, counted bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if counted {
			defer func() {
				c.mu.Lock()
				c.pending--
				c.mu.Unlock()
			}()
		}

		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-c.baseCtx.Done():
			return
		}

		c.drive(runID)
	}()
}

// drive advances a run until it suspends at the review gate, reaches a
// terminal status, or the run context is cancelled. It is the run's only
// writer while it holds the handle lock.
func (c *Controller) drive(runID string) {
	h := c.handle(runID)
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := h.ctx
	started := false

	for {
		if ctx.Err() != nil {
			return
		}

		snap, err := c.store.ReadCurrent(ctx, runID)
		if err != nil {
			c.log.Error("drive: read failed", "run_id", runID, "error", err)
			c.release(runID, h)
			return
		}
		if snap.Status.Terminal() {
			c.release(runID, h)
			return
		}

		if !started {
			started = true
			c.emit(NewEvent(EventRunStarted, runID).WithStatus(snap.Status).WithVersion(snap.Version))
		}

		decision, err := c.router.Route(snap)
		if err != nil {
			c.failRun(ctx, snap, err)
			return
		}
		c.emit(NewEvent(EventRouteDecision, runID).
			WithStatus(snap.Status).
			WithVersion(snap.Version).
			WithPayload("reason", decision.Reason))

		switch {
		case decision.Deliver:
			next := snap.Next(c.now().UTC())
			next.Status = core.StatusDelivered
			next.CurrentStage = ""
			if err := c.store.Append(ctx, runID, snap.Version, next); err != nil {
				c.log.Error("drive: deliver append failed", "run_id", runID, "error", err)
				return
			}
			c.emit(NewEvent(EventRunDelivered, runID).WithStatus(core.StatusDelivered).WithVersion(next.Version))
			c.finish(next)
			c.log.Info("run delivered", "run_id", runID, "revisions", next.RevisionCount)
			return

		case decision.AutoRevise:
			next := snap.Next(c.now().UTC())
			c.clearForRevision(next)
			next.AutoRevisions++
			next.Status = core.StatusRunning
			if err := c.store.Append(ctx, runID, snap.Version, next); err != nil {
				c.log.Error("drive: revision append failed", "run_id", runID, "error", err)
				return
			}
			c.emit(NewEvent(EventRunRevising, runID).
				WithStatus(next.Status).
				WithVersion(next.Version).
				WithPayload("auto_revisions", next.AutoRevisions).
				WithPayload("reason", decision.Reason))
			c.log.Info("auto revision", "run_id", runID, "auto_revisions", next.AutoRevisions, "reason", decision.Reason)
			continue

		case decision.AwaitReview:
			next := snap.Next(c.now().UTC())
			next.Status = core.StatusAwaitingReview
			next.CurrentStage = core.StageHumanSupervision
			if c.router.BelowThreshold(snap) {
				next.QualityWarning = true
			}
			if err := c.store.Append(ctx, runID, snap.Version, next); err != nil {
				c.log.Error("drive: gate append failed", "run_id", runID, "error", err)
				return
			}
			c.emit(NewEvent(EventReviewRequested, runID).
				WithStatus(core.StatusAwaitingReview).
				WithVersion(next.Version).
				WithPayload("quality_warning", next.QualityWarning))
			c.log.Info("awaiting review", "run_id", runID, "quality_warning", next.QualityWarning)
			return

		default:
			if done := c.executeDecision(ctx, snap, decision); done {
				return
			}
		}
	}
}

// executeDecision runs the decision's skip and run sets and appends their
// results. It reports true when the drive loop should stop.
func (c *Controller) executeDecision(ctx context.Context, snap *core.Snapshot, decision RouteDecision) bool {
	now := c.now().UTC()
	next := snap.Next(now)
	next.Status = core.StatusRunning

	for _, stage := range decision.Skip {
		next.History = append(next.History, core.StageEvent{
			Stage:      stage,
			StartedAt:  now,
			FinishedAt: now,
			Outcome:    core.OutcomeSkipped,
		})
		c.emit(NewEvent(EventStageSkipped, snap.RunID).WithStage(stage, 0))
	}

	var failure error
	if len(decision.Run) > 0 {
		defs := make([]registry.StageDefinition, len(decision.Run))
		for i, stage := range decision.Run {
			defs[i], _ = c.reg.Get(stage)
		}
		next.CurrentStage = decision.Run[0]

		results := c.executor.ExecuteSet(ctx, defs, snap)
		for _, result := range results {
			next.History = append(next.History, result.Attempts...)
			if result.Err != nil {
				failure = result.Err
				continue
			}
			next.Outputs[result.Stage] = result.Payload
		}
	}

	// Cancellation interrupts execution; the cancel path appends the
	// terminal snapshot, partial results are dropped.
	if ctx.Err() != nil {
		return true
	}

	if failure != nil {
		next.Status = core.StatusFailed
		next.CurrentStage = ""
		if err := c.store.Append(ctx, snap.RunID, snap.Version, next); err != nil {
			c.log.Error("drive: failure append failed", "run_id", snap.RunID, "error", err)
			return true
		}
		c.emit(NewEvent(EventRunFailed, snap.RunID).
			WithStatus(core.StatusFailed).
			WithVersion(next.Version).
			WithPayload("error", failure.Error()))
		c.finish(next)
		c.log.Error("run failed", "run_id", snap.RunID, "error", failure)
		return true
	}

	if err := c.store.Append(ctx, snap.RunID, snap.Version, next); err != nil {
		c.log.Error("drive: append failed", "run_id", snap.RunID, "error", err)
		return true
	}
	return false
}

func (c *Controller) failRun(ctx context.Context, snap *core.Snapshot, cause error) {
	next := snap.Next(c.now().UTC())
	next.Status = core.StatusFailed
	next.CurrentStage = ""
	if err := c.store.Append(ctx, snap.RunID, snap.Version, next); err != nil {
		c.log.Error("drive: fail append failed", "run_id", snap.RunID, "error", err)
		return
	}
	c.emit(NewEvent(EventRunFailed, snap.RunID).
		WithStatus(core.StatusFailed).
		WithVersion(next.Version).
		WithPayload("error", cause.Error()))
	c.finish(next)
	c.log.Error("run failed", "run_id", snap.RunID, "error", cause)
}

// clearForRevision re-opens the generation tail of the pipeline: outputs
// from generation onward are dropped so the router schedules those stages
// again, while History keeps every earlier attempt for audit.
func (c *Controller) clearForRevision(snap *core.Snapshot) {
	for _, stage := range []core.StageName{
		core.StageGeneration,
		core.StageQualityCheck,
		core.StageComplianceCheck,
		core.StageHumanSupervision,
	} {
		delete(snap.Outputs, stage)
	}
	snap.Review = nil
	snap.QualityWarning = false
	snap.CurrentStage = core.StageGeneration
}

// finish emits the shared terminal event and releases the run's handle.
func (c *Controller) finish(snap *core.Snapshot) {
	c.emit(NewEvent(EventRunFinished, snap.RunID).
		WithStatus(snap.Status).
		WithVersion(snap.Version).
		WithPayload("document_id", snap.DocumentID).
		WithPayload("webhook_url", snap.Request.WebhookURL))

	c.mu.Lock()
	h, ok := c.handles[snap.RunID]
	if ok {
		delete(c.handles, snap.RunID)
	}
	c.mu.Unlock()
	if ok {
		h.cancel()
	}
}
