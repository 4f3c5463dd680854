package build

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/fingerprint"
	"github.com/shinyobjectz/tav/internal/logging"
)

// State is the build state of a project session.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateReady
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome describes how a preview request or build cycle was satisfied.
type Outcome int

const (
	// OutcomeBuilt means the external builder produced a new artifact.
	OutcomeBuilt Outcome = iota
	// OutcomeCached means the cached artifact matched the fingerprint.
	OutcomeCached
	// OutcomeDeferred means a build was in flight; a follow-up was scheduled.
	OutcomeDeferred
	// OutcomeFailed means the cycle ended without an artifact.
	OutcomeFailed
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeBuilt:
		return "built"
	case OutcomeCached:
		return "cached"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Fingerprinter computes the identity of a project's inputs.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, root string) (fingerprint.Fingerprint, error)
}

// Session is the build state of one open project. The Orchestrator owns it;
// callers only ever see copies.
type Session struct {
	ProjectID      string                  `json:"projectId"`
	State          State                   `json:"state"`
	PendingRebuild bool                    `json:"pendingRebuild"`
	ArtifactPath   string                  `json:"artifactPath,omitempty"`
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	LastError      string                  `json:"lastError,omitempty"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// BuildResult describes one completed cycle.
type BuildResult struct {
	ProjectID    string
	Fingerprint  fingerprint.Fingerprint
	Outcome      Outcome
	ArtifactPath string
	Output       string
	Error        error
	Duration     time.Duration
	// Invoked is true when the external builder ran.
	Invoked bool
	// FollowUp is true for cycles started by a coalesced trigger.
	FollowUp bool
}

// Options configures an Orchestrator.
type Options struct {
	ProjectPath   string
	Fingerprinter Fingerprinter
	Builder       Builder
	Cache         *BuildCache
	Logger        logging.Logger
	// Timeout bounds a single external build. Zero means no limit.
	Timeout time.Duration
}

// Orchestrator serialises build decisions for one project. At most one build
// is in flight; triggers arriving meanwhile collapse into a single follow-up
// that re-fingerprints the project when it starts.
type Orchestrator struct {
	projectPath   string
	fingerprinter Fingerprinter
	builder       Builder
	cache         *BuildCache
	metrics       *BuildMetrics
	logger        logging.Logger
	timeout       time.Duration

	mu           sync.Mutex
	session      Session
	pendingForce bool
	// idle is closed whenever the session is not Building.
	idle chan struct{}

	subMu       sync.RWMutex
	subscribers []func(BuildResult)

	followUps sync.WaitGroup
}

// NewOrchestrator creates an orchestrator in the Idle state.
func NewOrchestrator(opts Options) *Orchestrator {
	projectPath := opts.ProjectPath
	if abs, err := filepath.Abs(projectPath); err == nil {
		projectPath = abs
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewBuildCache(1, false)
	}

	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		idle:          idle,
		projectPath:   projectPath,
		fingerprinter: opts.Fingerprinter,
		builder:       opts.Builder,
		cache:         cache,
		metrics:       NewBuildMetrics(),
		logger:        logger.WithComponent("orchestrator").With("project", projectPath),
		timeout:       opts.Timeout,
		session: Session{
			ProjectID: projectPath,
			State:     StateIdle,
			UpdatedAt: time.Now(),
		},
	}
}

// ProjectID returns the session's project identifier.
func (o *Orchestrator) ProjectID() string {
	return o.projectPath
}

// RequestPreview decides between the cached artifact and a new build.
//
// A fingerprint failure is returned as an error and leaves the session as it
// was. While a build is in flight the request only marks a follow-up and
// returns OutcomeDeferred. Otherwise a cache hit (unless force is set) makes
// the session Ready immediately; a miss runs the builder synchronously. The
// build itself ignores ctx cancellation: once started it runs to completion
// or to the configured timeout.
func (o *Orchestrator) RequestPreview(ctx context.Context, force bool) (Outcome, error) {
	fp, err := o.fingerprinter.Fingerprint(ctx, o.projectPath)
	if err != nil {
		o.metrics.RecordFingerprintFailure()
		o.logger.Warn(ctx, err, "Fingerprint failed")
		return OutcomeFailed, err
	}

	o.mu.Lock()
	if o.session.State == StateBuilding {
		o.session.PendingRebuild = true
		o.pendingForce = o.pendingForce || force
		o.session.UpdatedAt = time.Now()
		o.mu.Unlock()

		o.metrics.RecordDeferred()
		o.logger.Debug(ctx, "Build in flight, follow-up scheduled", "fingerprint", fp.Short())
		return OutcomeDeferred, nil
	}

	if !force {
		if entry, ok := o.cache.Lookup(o.projectPath, fp); ok {
			result := BuildResult{
				ProjectID:    o.projectPath,
				Fingerprint:  fp,
				Outcome:      OutcomeCached,
				ArtifactPath: entry.ArtifactPath,
			}
			o.applyLocked(result)
			o.mu.Unlock()

			o.publish(ctx, result)
			return OutcomeCached, nil
		}
	}

	o.session.State = StateBuilding
	o.session.Fingerprint = fp
	o.session.UpdatedAt = time.Now()
	o.idle = make(chan struct{})
	o.mu.Unlock()

	result := o.build(ctx, fp, false)
	o.finish(ctx, result)

	if result.Error != nil {
		return OutcomeFailed, result.Error
	}
	return OutcomeBuilt, nil
}

// Refresh always rebuilds, ignoring the cache.
func (o *Orchestrator) Refresh(ctx context.Context) (Outcome, error) {
	return o.RequestPreview(ctx, true)
}

// ClearCache drops the project's cached build so the next request rebuilds.
func (o *Orchestrator) ClearCache() error {
	return o.cache.Clear(o.projectPath)
}

// Snapshot returns a copy of the session.
func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Metrics returns the orchestrator's counters.
func (o *Orchestrator) Metrics() MetricsSnapshot {
	return o.metrics.GetSnapshot()
}

// Subscribe registers fn to receive every completed cycle, follow-ups
// included. fn runs on the goroutine that finished the cycle.
func (o *Orchestrator) Subscribe(fn func(BuildResult)) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// Wait blocks until every scheduled follow-up cycle has finished.
func (o *Orchestrator) Wait() {
	o.followUps.Wait()
}

// WaitIdle blocks until the session leaves the Building state, including
// any follow-up cycles handed over to, or until ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) build(ctx context.Context, fp fingerprint.Fingerprint, followUp bool) BuildResult {
	buildCtx := context.WithoutCancel(ctx)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(buildCtx, o.timeout)
		defer cancel()
	}

	perf := logging.StartOperation(o.logger, "build")
	start := time.Now()
	out, err := o.builder.Build(buildCtx, o.projectPath)
	duration := time.Since(start)

	result := BuildResult{
		ProjectID:   o.projectPath,
		Fingerprint: fp,
		Outcome:     OutcomeBuilt,
		Output:      out.Log,
		Duration:    duration,
		Invoked:     true,
		FollowUp:    followUp,
	}
	if err == nil && out.ArtifactPath == "" {
		err = errors.NewBuildError("builder reported success without an artifact", out.Log, nil)
	}
	if err != nil {
		perf.EndWithError(ctx, err)
		result.Outcome = OutcomeFailed
		result.Error = err
		return result
	}

	perf.End(ctx)
	result.ArtifactPath = out.ArtifactPath
	return result
}

// finish records a cycle and, if triggers arrived meanwhile, hands over to
// one follow-up without leaving the Building state.
func (o *Orchestrator) finish(ctx context.Context, result BuildResult) {
	o.mu.Lock()
	o.applyLocked(result)
	followUp, force := o.takePendingLocked()
	if !followUp {
		close(o.idle)
	}
	o.mu.Unlock()

	o.publish(ctx, result)

	if followUp {
		go o.runFollowUp(force)
	}
}

// applyLocked moves the session to the state implied by result.
func (o *Orchestrator) applyLocked(result BuildResult) {
	now := time.Now()
	o.session.UpdatedAt = now

	if result.Error != nil {
		o.session.State = StateError
		o.session.LastError = errors.UserMessage(result.Error)
		return
	}

	if result.Outcome == OutcomeBuilt {
		o.cache.Store(o.projectPath, result.Fingerprint, result.ArtifactPath)
	}
	o.session.State = StateReady
	o.session.ArtifactPath = result.ArtifactPath
	o.session.Fingerprint = result.Fingerprint
	o.session.LastError = ""
}

// takePendingLocked clears the pending flag and, if it was set, keeps the
// session Building for the follow-up.
func (o *Orchestrator) takePendingLocked() (bool, bool) {
	if !o.session.PendingRebuild {
		return false, false
	}
	force := o.pendingForce
	o.session.PendingRebuild = false
	o.pendingForce = false
	o.session.State = StateBuilding
	o.followUps.Add(1)
	return true, force
}

func (o *Orchestrator) runFollowUp(force bool) {
	defer o.followUps.Done()
	ctx := context.Background()

	fp, err := o.fingerprinter.Fingerprint(ctx, o.projectPath)
	if err != nil {
		o.logger.Warn(ctx, err, "Fingerprint failed for follow-up build")
		o.finish(ctx, BuildResult{
			ProjectID: o.projectPath,
			Outcome:   OutcomeFailed,
			Error:     err,
			FollowUp:  true,
		})
		return
	}

	if !force {
		if entry, ok := o.cache.Lookup(o.projectPath, fp); ok {
			o.finish(ctx, BuildResult{
				ProjectID:    o.projectPath,
				Fingerprint:  fp,
				Outcome:      OutcomeCached,
				ArtifactPath: entry.ArtifactPath,
				FollowUp:     true,
			})
			return
		}
	}

	o.mu.Lock()
	o.session.Fingerprint = fp
	o.mu.Unlock()

	o.logger.Info(ctx, "Starting follow-up build", "fingerprint", fp.Short())
	o.finish(ctx, o.build(ctx, fp, true))
}

func (o *Orchestrator) publish(ctx context.Context, result BuildResult) {
	o.metrics.RecordResult(result)

	switch {
	case result.Error != nil:
		o.logger.Warn(ctx, result.Error, "Build cycle failed",
			"follow_up", result.FollowUp,
			"output", logging.Truncate(result.Output, 2048))
	case result.Outcome == OutcomeCached:
		o.logger.Info(ctx, "Using cached artifact",
			"fingerprint", result.Fingerprint.Short(),
			"artifact", result.ArtifactPath)
	default:
		o.logger.Info(ctx, "Build succeeded",
			"fingerprint", result.Fingerprint.Short(),
			"duration_ms", result.Duration.Milliseconds(),
			"follow_up", result.FollowUp)
	}

	o.subMu.RLock()
	subs := make([]func(BuildResult), len(o.subscribers))
	copy(subs, o.subscribers)
	o.subMu.RUnlock()

	for _, fn := range subs {
		fn(result)
	}
}
