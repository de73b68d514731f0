// Package orchestrator runs active workflow versions on an execution
// node: it verifies and loads IR artifacts, preloads their services,
// binds them to trigger activations and CDC missions, and persists every
// execution's record, memory and audit trail.
package orchestrator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/buffer"
	"github.com/mbathe/eyeflow-sub003/core/cancel"
	"github.com/mbathe/eyeflow-sub003/core/condition"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
	"github.com/mbathe/eyeflow-sub003/core/preload"
	"github.com/mbathe/eyeflow-sub003/core/rulec"
	"github.com/mbathe/eyeflow-sub003/core/svm"
	"github.com/mbathe/eyeflow-sub003/core/trigger"
)

// ProjectStore is the slice of project persistence the orchestrator
// needs. Satisfied by *repository.ProjectRepository.
type ProjectStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	RecordExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, at time.Time) error
}

// VersionStore is the slice of version persistence the orchestrator
// needs. Satisfied by *repository.VersionRepository.
type VersionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProjectVersion, error)
	RecordExecution(ctx context.Context, versionID uuid.UUID, at time.Time) error
}

// ExecutionStore persists execution records. Satisfied by
// *repository.ExecutionRepository.
type ExecutionStore interface {
	Create(ctx context.Context, e *models.ExecutionRecord) error
	Complete(ctx context.Context, e *models.ExecutionRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionRecord, error)
}

// MemoryStore persists per-version memory state. Satisfied by
// *repository.MemoryStateRepository.
type MemoryStore interface {
	Get(ctx context.Context, versionID, executionID uuid.UUID, nodeID string) (*models.MemoryState, error)
	Upsert(ctx context.Context, m *models.MemoryState) error
}

// Orchestrator owns the set of workflow versions loaded on this node
type Orchestrator struct {
	nodeID     string
	verifyKey  ed25519.PublicKey
	registry   *manifest.Registry
	preloader  *preload.Preloader
	dispatcher *svm.Dispatcher
	evaluator  *condition.Evaluator
	chain      *audit.Chain
	cancelBus  *cancel.Bus
	buf        *buffer.Buffer
	bus        *trigger.Bus
	log        *logger.Logger

	projects   ProjectStore
	versions   VersionStore
	executions ExecutionStore
	memory     MemoryStore

	scratchBytes int64
	serialGroups bool

	mu     sync.RWMutex
	loaded map[string]*loadedVersion // version id -> runtime state
}

// loadedVersion is one version resolved, preloaded and bound to triggers
type loadedVersion struct {
	version  *models.ProjectVersion
	project  *models.Project
	program  *ir.Program
	set      *preload.Set
	executor *svm.Executor
	verified bool
}

// Config wires the orchestrator
type Config struct {
	NodeID       string
	VerifyKey    ed25519.PublicKey
	ScratchBytes int64
	SerialGroups bool
}

// Deps carries the orchestrator's collaborators
type Deps struct {
	Registry   *manifest.Registry
	Preloader  *preload.Preloader
	Dispatcher *svm.Dispatcher
	CancelBus  *cancel.Bus
	Buffer     *buffer.Buffer
	TriggerBus *trigger.Bus
	Chain      *audit.Chain
	Logger     *logger.Logger

	Projects   ProjectStore
	Versions   VersionStore
	Executions ExecutionStore
	Memory     MemoryStore
}

// New creates an orchestrator for one node
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		nodeID:       cfg.NodeID,
		verifyKey:    cfg.VerifyKey,
		scratchBytes: cfg.ScratchBytes,
		serialGroups: cfg.SerialGroups,
		registry:     deps.Registry,
		preloader:    deps.Preloader,
		dispatcher:   deps.Dispatcher,
		evaluator:    condition.NewEvaluator(),
		cancelBus:    deps.CancelBus,
		buf:          deps.Buffer,
		bus:          deps.TriggerBus,
		log:          deps.Logger.WithNodeID(cfg.NodeID),
		projects:     deps.Projects,
		versions:     deps.Versions,
		executions:   deps.Executions,
		memory:       deps.Memory,
		chain:        deps.Chain,
		loaded:       make(map[string]*loadedVersion),
	}
}

// LoadVersion verifies, resolves and preloads one ACTIVE version and
// registers it with the trigger bus. The version runs on this node only
// if the project's placement policy allows it.
func (o *Orchestrator) LoadVersion(ctx context.Context, versionID uuid.UUID) error {
	v, err := o.versions.GetByID(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status != models.VersionActive {
		return fmt.Errorf("version %d is %s, only ACTIVE versions load", v.Version, v.Status)
	}

	project, err := o.projects.GetByID(ctx, v.ProjectID)
	if err != nil {
		return err
	}
	if !project.AllowsNode(o.nodeID) {
		return fmt.Errorf("project %s does not allow node %s", project.ID, o.nodeID)
	}

	verified := false
	if o.verifyKey != nil && v.IRSignature != "" {
		if err := rulec.VerifySignature(v.IRBinary, v.IRChecksum, v.IRSignature, o.verifyKey); err != nil {
			o.securityAlert(v, "artifact signature verification failed", err)
			return fmt.Errorf("version %d artifact rejected: %w", v.Version, err)
		}
		verified = true
	} else {
		o.log.Warn("running unverified artifact", "version", v.Version)
	}

	program, err := ir.Unmarshal(v.IRBinary)
	if err != nil {
		return err
	}

	minTrust := ir.TrustLevel(project.MinTrustLevel)
	resolution, err := o.registry.Resolve(program, minTrust)
	if err != nil {
		return err
	}

	set, err := o.preloader.Preload(ctx, v.ID.String(), program, resolution)
	if err != nil {
		return fmt.Errorf("version %d preload failed: %w", v.Version, err)
	}

	lv := &loadedVersion{
		version:  v,
		project:  project,
		program:  program,
		set:      set,
		verified: verified,
	}

	executor, err := svm.NewExecutor(svm.Options{
		Program:      program,
		PreloadSet:   set,
		Dispatcher:   o.dispatcher,
		Evaluator:    o.evaluator,
		Chain:        o.chain,
		CancelBus:    o.cancelBus,
		Logger:       o.log,
		ScratchBytes: o.scratchBytes,
		SerialGroups: o.serialGroups,
		OnTrigger:    o.chainTrigger(lv),
		OnMemory:     o.memoryWriter(lv),
	})
	if err != nil {
		o.preloader.Release(ctx, v.ID.String())
		return err
	}
	lv.executor = executor

	o.mu.Lock()
	o.loaded[v.ID.String()] = lv
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.RegisterWorkflow(v.ID.String(), o.activationHandler(lv))
	}

	o.log.Info("version loaded",
		"project", project.Name, "version", v.Version,
		"services", len(set.Handles), "signature_verified", verified)
	return nil
}

// securityAlert puts a tamper observation on the audit chain. The alert is
// part of the permanent record even though the version never loads.
func (o *Orchestrator) securityAlert(v *models.ProjectVersion, reason string, cause error) {
	if o.chain == nil {
		return
	}
	if _, err := o.chain.Append(audit.Entry{
		EventType:       audit.EventSecurityAlert,
		WorkflowID:      v.ID.String(),
		WorkflowVersion: &v.Version,
		Details: map[string]interface{}{
			"reason": reason,
			"error":  cause.Error(),
		},
	}); err != nil {
		o.log.Error("security alert append failed", "version", v.Version, "error", err)
	}
}

// UnloadVersion removes a version from this node and releases its preload
// set
func (o *Orchestrator) UnloadVersion(ctx context.Context, versionID uuid.UUID) {
	key := versionID.String()

	o.mu.Lock()
	lv := o.loaded[key]
	delete(o.loaded, key)
	o.mu.Unlock()

	if lv == nil {
		return
	}
	if o.bus != nil {
		o.bus.UnregisterWorkflow(key)
	}
	o.preloader.Release(ctx, key)
	o.log.Info("version unloaded", "version", lv.version.Version)
}

// activationHandler produces the trigger bus handler for one loaded
// version
func (o *Orchestrator) activationHandler(lv *loadedVersion) trigger.Handler {
	return func(ctx context.Context, ev models.TriggerEvent) error {
		var input interface{}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &input); err != nil {
				return fmt.Errorf("activation payload is not JSON: %w", err)
			}
		}
		_, err := o.Execute(ctx, lv, ExecuteRequest{
			TriggerType:      ev.DriverID,
			TriggerEventData: ev.Payload,
			Input:            input,
		})
		return err
	}
}

// HandleMission executes a CDC-derived mission under its deadline
func (o *Orchestrator) HandleMission(ctx context.Context, m *models.Mission) error {
	o.mu.RLock()
	lv := o.loaded[m.WorkflowID]
	o.mu.RUnlock()
	if lv == nil {
		return fmt.Errorf("workflow %s not loaded on node %s", m.WorkflowID, o.nodeID)
	}

	ctx, cancelFn := context.WithDeadline(ctx, m.Deadline)
	defer cancelFn()

	eventData, _ := json.Marshal(m.Event)
	var input interface{}
	if m.Event != nil && len(m.Event.After) > 0 {
		_ = json.Unmarshal(m.Event.After, &input)
	}

	_, err := o.Execute(ctx, lv, ExecuteRequest{
		TriggerType:      "cdc:" + m.RuleID,
		TriggerEventData: eventData,
		Input:            input,
	})
	return err
}

// ExecuteRequest describes one execution
type ExecuteRequest struct {
	TriggerType      string
	TriggerEventData json.RawMessage
	Input            interface{}
	RetryOf          *uuid.UUID
}

// ExecuteByVersionID runs a loaded version directly (API-triggered runs)
func (o *Orchestrator) ExecuteByVersionID(ctx context.Context, versionID uuid.UUID, req ExecuteRequest) (*models.ExecutionRecord, error) {
	o.mu.RLock()
	lv := o.loaded[versionID.String()]
	o.mu.RUnlock()
	if lv == nil {
		return nil, fmt.Errorf("version %s not loaded on node %s", versionID, o.nodeID)
	}
	return o.Execute(ctx, lv, req)
}

// Execute runs one activation end to end: record creation, VM execution,
// terminal record persistence and counter updates. Persistence failures
// after a completed run divert the result to the offline buffer rather
// than losing it.
func (o *Orchestrator) Execute(ctx context.Context, lv *loadedVersion, req ExecuteRequest) (*models.ExecutionRecord, error) {
	started := time.Now().UTC()
	record := &models.ExecutionRecord{
		ID:                uuid.New(),
		VersionID:         lv.version.ID,
		UserID:            lv.project.UserID,
		TriggerType:       req.TriggerType,
		TriggerEventData:  req.TriggerEventData,
		Status:            models.ExecutionRunning,
		StartedAt:         started,
		ExecutedOnNode:    o.nodeID,
		SignatureVerified: lv.verified,
	}
	if req.Input != nil {
		if in, err := json.Marshal(req.Input); err == nil {
			record.InputParameters = in
		}
	}

	if err := o.executions.Create(ctx, record); err != nil {
		o.log.Warn("execution record creation failed, continuing with buffer fallback",
			"execution", record.ID, "error", err)
	}

	log := o.log.WithWorkflowID(lv.version.ID.String()).WithExecutionID(record.ID.String())
	log.Info("execution started", "trigger", req.TriggerType)

	state, err := o.getOrCreateMemoryState(ctx, lv.version.ID, o.nodeID)
	if err != nil {
		log.Warn("memory state unavailable for this execution", "error", err)
	}

	result, err := lv.executor.Execute(ctx, record.ID.String(), req.Input)
	if err != nil {
		return nil, err
	}

	completed := time.Now().UTC()
	record.Status = result.Status
	record.CompletedAt = &completed
	record.DurationMS = completed.Sub(started).Milliseconds()
	record.Warnings = result.Warnings
	record.StepsExecuted = result.Steps
	record.ServicesCalled = result.Services
	record.Error = result.Err
	if result.Output != nil {
		if out, merr := json.Marshal(result.Output); merr == nil {
			record.Output = out
		}
	}

	if state != nil {
		if record.Status == models.ExecutionSucceeded {
			state.ConsecutiveErrors = 0
			state.LastError = ""
		} else {
			state.ConsecutiveErrors++
			if record.Error != nil {
				state.LastError = record.Error.Message
			}
		}
		if merr := o.memory.Upsert(ctx, state); merr != nil {
			log.Warn("memory state update failed", "error", merr)
		}
	}

	if err := o.executions.Complete(ctx, record); err != nil {
		o.bufferResult(record, err)
	}
	if err := o.versions.RecordExecution(ctx, lv.version.ID, completed); err != nil {
		log.Warn("version counter update failed", "error", err)
	}
	if err := o.projects.RecordExecution(ctx, lv.project.ID, record.Status, completed); err != nil {
		log.Warn("project stats update failed", "error", err)
	}

	log.Info("execution finished",
		"status", record.Status, "duration_ms", record.DurationMS,
		"steps", len(record.StepsExecuted))
	return record, nil
}

// bufferResult preserves a completed execution result that could not be
// persisted
func (o *Orchestrator) bufferResult(record *models.ExecutionRecord, cause error) {
	o.log.Warn("buffering execution result, database unavailable",
		"execution", record.ID, "error", cause)
	payload, err := json.Marshal(record)
	if err != nil {
		o.log.Error("execution result lost", "execution", record.ID, "error", err)
		return
	}
	if _, err := o.buf.Enqueue(models.BufferedExecutionResult, record.VersionID.String(), payload); err != nil {
		o.log.Error("execution result lost", "execution", record.ID, "error", err)
	}
}

// FlushExecutionResult is the buffer handler redelivering buffered results
func (o *Orchestrator) FlushExecutionResult(ctx context.Context, bev *models.BufferedEvent) error {
	var record models.ExecutionRecord
	if err := json.Unmarshal(bev.Payload, &record); err != nil {
		o.log.Error("dropping unparseable buffered execution result",
			"buffered_id", bev.ID, "error", err)
		return nil
	}
	// The row may or may not exist depending on where the original write
	// failed; create is best-effort, then the terminal update decides
	if err := o.executions.Create(ctx, &record); err != nil {
		o.log.Debug("buffered execution row already present", "execution", record.ID)
	}
	if err := o.executions.Complete(ctx, &record); err != nil {
		// Zero rows means a previous redelivery already landed it
		existing, gerr := o.executions.GetByID(ctx, record.ID)
		if gerr == nil && existing.Status.IsTerminal() {
			return nil
		}
		return err
	}
	return nil
}

// chainTrigger emits a chained workflow activation through the trigger bus
func (o *Orchestrator) chainTrigger(lv *loadedVersion) svm.TriggerEmitter {
	return func(ctx context.Context, workflowID string, payload json.RawMessage) error {
		if o.bus == nil {
			return fmt.Errorf("no trigger bus for chained activation")
		}
		o.bus.Emit(models.TriggerEvent{
			DriverID:   "chain:" + lv.version.ID.String(),
			WorkflowID: workflowID,
			Timestamp:  time.Now().UTC(),
			Payload:    payload,
		})
		return nil
	}
}

// getOrCreateMemoryState loads the node's memory row for a version,
// creating it on first use. Error streaks and trigger counters span
// executions, so the row is keyed by the version with the zero execution
// id rather than by any single run.
func (o *Orchestrator) getOrCreateMemoryState(ctx context.Context, versionID uuid.UUID, nodeID string) (*models.MemoryState, error) {
	state, err := o.memory.Get(ctx, versionID, uuid.Nil, nodeID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &models.MemoryState{
			VersionID:   versionID,
			ExecutionID: uuid.Nil,
			NodeID:      nodeID,
		}
		if err := o.memory.Upsert(ctx, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// memoryWriter persists STORE_MEMORY writes into the execution's memory
// state row
func (o *Orchestrator) memoryWriter(lv *loadedVersion) svm.MemoryWriter {
	return func(ctx context.Context, field string, value interface{}) error {
		// STORE_MEMORY addresses the shared per-version memory row keyed
		// by a zero execution id: counters survive across executions
		state, err := o.getOrCreateMemoryState(ctx, lv.version.ID, o.nodeID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		switch field {
		case "trigger_count":
			state.TriggerCount++
		case "consecutive_matches":
			state.ConsecutiveMatches++
		case "actions_triggered":
			state.ActionsTriggeredInState++
		case "reset_matches":
			state.ConsecutiveMatches = 0
		case "last_event":
			if payload, err := json.Marshal(value); err == nil {
				state.LastEventPayload = payload
				state.LastEventAt = &now
			}
		default:
			return fmt.Errorf("unknown memory field %q", field)
		}
		return o.memory.Upsert(ctx, state)
	}
}
