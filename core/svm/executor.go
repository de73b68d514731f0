// Package svm is the semantic virtual machine: a deterministic register
// machine that executes compiled workflow programs instruction by
// instruction, in topological order, with bounded scratch memory and full
// audit coverage.
package svm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/cancel"
	"github.com/mbathe/eyeflow-sub003/core/condition"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/preload"
)

// TriggerEmitter receives TRIGGER instruction emissions (chained workflow
// activations)
type TriggerEmitter func(ctx context.Context, workflowID string, payload json.RawMessage) error

// MemoryWriter receives STORE_MEMORY writes
type MemoryWriter func(ctx context.Context, field string, value interface{}) error

// Options configures one executor
type Options struct {
	Program    *ir.Program
	PreloadSet *preload.Set
	Dispatcher *Dispatcher
	Evaluator  *condition.Evaluator
	Chain      *audit.Chain
	CancelBus  *cancel.Bus
	Logger     *logger.Logger

	// Scratch budget in bytes for register contents; <= 0 means unlimited
	ScratchBytes int64

	// SerialGroups disables parallel group execution (debug escape hatch)
	SerialGroups bool

	OnTrigger TriggerEmitter
	OnMemory  MemoryWriter
}

// Result is the outcome of one program execution
type Result struct {
	Status   models.ExecutionStatus
	Output   interface{}
	Steps    []models.ExecutedStep
	Services []models.ServiceCallRecord
	Warnings []string
	Err      *models.ExecutionError
}

// Executor runs one program per Execute call. Safe for concurrent Execute
// calls: all per-run state lives in the run struct.
type Executor struct {
	opts Options

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor validates the program and prepares the executor
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Program == nil {
		return nil, fmt.Errorf("nil program")
	}
	if err := opts.Program.Validate(); err != nil {
		return nil, fmt.Errorf("invalid program: %w", err)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = condition.NewEvaluator()
	}
	return &Executor{
		opts:    opts,
		schemas: make(map[string]*jsonschema.Schema),
	}, nil
}

// run is the per-execution state
type run struct {
	ex          *Executor
	executionID string
	workflowID  string
	wfVersion   *int
	cancelCh    <-chan cancel.Signal

	mu      sync.Mutex
	regs    [ir.NumRegisters]interface{}
	written [ir.NumRegisters]bool
	scratch int64
	steps    []models.ExecutedStep
	services []models.ServiceCallRecord
	warnings []string

	output    interface{}
	returned  bool
	cancelled *cancel.Signal
}

// Execute runs the program against one input value
func (e *Executor) Execute(ctx context.Context, executionID string, input interface{}) (*Result, error) {
	p := e.opts.Program
	version := p.Metadata.Version
	r := &run{
		ex:          e,
		executionID: executionID,
		workflowID:  p.Metadata.ID,
		wfVersion:   &version,
	}

	r.regs[p.InputRegister] = input
	r.written[p.InputRegister] = true
	r.scratch = sizeOf(input)

	if e.opts.CancelBus != nil {
		r.cancelCh = e.opts.CancelBus.Watch(executionID)
		defer e.opts.CancelBus.Unwatch(executionID)
	}
	if e.opts.Dispatcher != nil {
		// Secrets resolved during this run must not survive it
		defer e.opts.Dispatcher.ClearSecrets(context.WithoutCancel(ctx))
	}

	started := time.Now()
	e.emit(r, audit.Entry{
		EventType: audit.EventExecutionStart,
		Input:     input,
		Details: map[string]interface{}{
			"workflow": p.Metadata.WorkflowName,
		},
	})

	err := e.runOrder(ctx, r, 0, len(p.InstructionOrder), false)

	res := &Result{
		Steps:    r.steps,
		Services: r.services,
		Warnings: r.warnings,
		Output:   r.output,
	}

	switch {
	case r.cancelled != nil:
		res.Status = models.ExecutionCancelled
		res.Err = &models.ExecutionError{Message: fmt.Sprintf("execution cancelled: %s", r.cancelled.Reason)}
	case err != nil:
		res.Status = models.ExecutionFailed
		res.Err = &models.ExecutionError{Message: err.Error()}
	default:
		res.Status = models.ExecutionSucceeded
		if !r.returned {
			res.Output = r.read(p.OutputRegister)
		}
	}

	complete := audit.Entry{
		EventType:  audit.EventExecutionComplete,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     res.Output,
		Details: map[string]interface{}{
			"status": string(res.Status),
			"steps":  len(r.steps),
		},
	}
	if res.Err != nil {
		complete.Details["error"] = res.Err.Message
	}
	e.emit(r, complete)

	return res, nil
}

// runOrder executes order positions [from, to). In loop mode the
// single-assignment check is relaxed so loop bodies can iterate.
func (e *Executor) runOrder(ctx context.Context, r *run, from, to int, loop bool) error {
	p := e.opts.Program
	skipUntil := -1 // order position; instructions before it are skipped

	pos := from
	for pos < to {
		if r.returned || r.cancelled != nil {
			return nil
		}
		if err := e.checkInterrupt(ctx, r); err != nil {
			return err
		}

		idx := p.InstructionOrder[pos]
		in, _ := p.InstructionByIndex(idx)

		if skipUntil > pos {
			r.record(in, models.StepSkipped, 0, nil, "")
			pos++
			continue
		}

		// Parallel groups: gather the contiguous run of positions that
		// belong to the same group and execute them together
		if group := p.GroupOf(idx); group != nil && !e.opts.SerialGroups && !loop {
			end := pos
			for end < to && skipUntil <= end && p.SameGroup(idx, p.InstructionOrder[end]) {
				end++
			}
			if end-pos > 1 {
				if err := e.runGroup(ctx, r, pos, end); err != nil {
					return err
				}
				pos = end
				continue
			}
		}

		ctrl, err := e.step(ctx, r, in, loop)
		if err != nil {
			return err
		}
		if ctrl != nil {
			switch {
			case ctrl.skipToIndex != nil:
				target := *ctrl.skipToIndex
				for p2 := pos + 1; p2 < to; p2++ {
					if p.InstructionOrder[p2] == target {
						skipUntil = p2
						break
					}
				}
			case ctrl.jumpPastIndex != nil:
				// LOOP consumed its body; resume after the body end
				target := *ctrl.jumpPastIndex
				for p2 := pos + 1; p2 < to; p2++ {
					if p.InstructionOrder[p2] == target {
						pos = p2
						break
					}
				}
			}
		}
		pos++
	}
	return nil
}

// runGroup executes order positions [from, to) concurrently. Members
// marked order-sensitive run serially after the parallel wave, preserving
// their relative order.
func (e *Executor) runGroup(ctx context.Context, r *run, from, to int) error {
	p := e.opts.Program

	var parallel, serial []*ir.Instruction
	for pos := from; pos < to; pos++ {
		in, _ := p.InstructionByIndex(p.InstructionOrder[pos])
		if in.OrderSensitive {
			serial = append(serial, in)
		} else {
			parallel = append(parallel, in)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range parallel {
		in := in
		g.Go(func() error {
			_, err := e.step(gctx, r, in, false)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, in := range serial {
		if r.cancelled != nil {
			return nil
		}
		if _, err := e.step(ctx, r, in, false); err != nil {
			return err
		}
	}
	return nil
}

// stepControl signals control flow decisions back to the order walker
type stepControl struct {
	skipToIndex   *int // BRANCH not taken: skip instructions before this index
	jumpPastIndex *int // LOOP: body handled, resume after this index
}

// step executes one instruction, applying its fallback policy on failure
// and recording the step trace
func (e *Executor) step(ctx context.Context, r *run, in *ir.Instruction, loop bool) (*stepControl, error) {
	start := time.Now()
	ctrl, out, err := e.exec(ctx, r, in, loop)
	dur := time.Since(start).Milliseconds()

	if err != nil && in.Fallback != nil {
		// applyFallback performs the dest write itself (retries re-enter
		// exec, which writes; default-value writes explicitly)
		out, err = e.applyFallback(ctx, r, in, err, loop)
		if err == nil && out == skipSentinel {
			r.record(in, models.StepSkipped, dur, nil, "")
			return nil, nil
		}
	}

	if err != nil {
		r.record(in, models.StepFailed, dur, nil, err.Error())
		return nil, fmt.Errorf("instruction %d (%s): %w", in.Index, in.Opcode, err)
	}

	r.record(in, models.StepSucceeded, dur, out, "")
	return ctrl, nil
}

// skipSentinel marks a fallback-skip outcome
var skipSentinel = &struct{}{}

// applyFallback runs the instruction's recovery strategy
func (e *Executor) applyFallback(ctx context.Context, r *run, in *ir.Instruction, cause error, loop bool) (interface{}, error) {
	fb := in.Fallback
	e.emit(r, audit.Entry{
		EventType:     audit.EventFallbackTriggered,
		InstructionID: &in.Index,
		Details: map[string]interface{}{
			"strategy": string(fb.Strategy),
			"cause":    cause.Error(),
		},
	})
	switch fb.Strategy {
	case ir.FallbackRetryBackoff:
		attempts := fb.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		base := time.Duration(fb.BackoffBaseMS) * time.Millisecond
		if base <= 0 {
			base = 100 * time.Millisecond
		}
		var lastErr = cause
		for attempt := 2; attempt <= attempts; attempt++ {
			shift := attempt - 2
			if shift > 6 {
				shift = 6
			}
			delay := base << shift
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			_, out, err := e.exec(ctx, r, in, loop)
			if err == nil {
				r.warn(fmt.Sprintf("instruction %d recovered on attempt %d", in.Index, attempt))
				return out, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("%w (after %d attempts)", lastErr, attempts)

	case ir.FallbackDefaultValue:
		var v interface{}
		if len(fb.DefaultValue) > 0 {
			if err := json.Unmarshal(fb.DefaultValue, &v); err != nil {
				return nil, fmt.Errorf("bad fallback default: %w", err)
			}
		}
		if in.Dest != nil {
			if werr := r.write(*in.Dest, v, loop); werr != nil {
				return nil, werr
			}
		}
		r.warn(fmt.Sprintf("instruction %d fell back to default value: %v", in.Index, cause))
		return v, nil

	case ir.FallbackSkip:
		r.warn(fmt.Sprintf("instruction %d skipped after failure: %v", in.Index, cause))
		return skipSentinel, nil

	default:
		return nil, cause
	}
}

// exec dispatches one opcode. Writes to the dest register happen here so
// retry attempts do not double-write.
func (e *Executor) exec(ctx context.Context, r *run, in *ir.Instruction, loop bool) (*stepControl, interface{}, error) {
	var out interface{}
	var ctrl *stepControl
	var err error

	switch in.Opcode {
	case ir.OpLoadResource:
		out, err = e.execLoadResource(in)
	case ir.OpValidate:
		err = e.execValidate(r, in)
		out = r.readSrc(in, 0)
	case ir.OpCallService, ir.OpCallAction:
		out, err = e.execCall(ctx, r, in)
	case ir.OpTransform:
		out, err = e.execTransform(r, in)
	case ir.OpBranch:
		ctrl, err = e.execBranch(r, in)
	case ir.OpReturn:
		r.mu.Lock()
		r.output = r.readSrcLocked(in, 0)
		r.returned = true
		r.mu.Unlock()
	case ir.OpTrigger:
		err = e.execTrigger(ctx, r, in)
	case ir.OpLoop:
		ctrl, err = e.execLoop(ctx, r, in)
	case ir.OpPostcondition:
		err = e.execPostcondition(r, in)
	case ir.OpStoreMemory:
		err = e.execStoreMemory(ctx, r, in)
	default:
		err = fmt.Errorf("unknown opcode %q", in.Opcode)
	}

	if err != nil {
		return nil, nil, err
	}
	if in.Dest != nil {
		if werr := r.write(*in.Dest, out, loop); werr != nil {
			return nil, nil, werr
		}
	}
	return ctrl, out, nil
}

func (e *Executor) execLoadResource(in *ir.Instruction) (interface{}, error) {
	var operands struct {
		ResourceID string `json:"resource_id"`
	}
	if err := json.Unmarshal(in.Operands, &operands); err != nil {
		return nil, fmt.Errorf("bad LOAD_RESOURCE operands: %w", err)
	}
	raw, ok := e.opts.Program.ResourceTable[operands.ResourceID]
	if !ok {
		return nil, fmt.Errorf("resource %q not in resource table", operands.ResourceID)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode resource %q: %w", operands.ResourceID, err)
	}
	return v, nil
}

func (e *Executor) execValidate(r *run, in *ir.Instruction) error {
	sch, err := e.schema(in.SchemaID)
	if err != nil {
		return err
	}
	value := r.readSrc(in, 0)
	if err := sch.Validate(value); err != nil {
		e.emit(r, audit.Entry{
			EventType:     audit.EventValidationFail,
			InstructionID: &in.Index,
			Input:         value,
			Details: map[string]interface{}{
				"schema_id": in.SchemaID,
				"error":     err.Error(),
			},
		})
		return fmt.Errorf("schema %s: %w", in.SchemaID, err)
	}
	e.emit(r, audit.Entry{
		EventType:     audit.EventValidationPass,
		InstructionID: &in.Index,
		Input:         value,
		Details:       map[string]interface{}{"schema_id": in.SchemaID},
	})
	return nil
}

func (e *Executor) execCall(ctx context.Context, r *run, in *ir.Instruction) (interface{}, error) {
	if e.opts.Dispatcher == nil || e.opts.PreloadSet == nil {
		return nil, fmt.Errorf("no dispatcher configured")
	}

	// Physical actions honor a cancellation window before committing
	if in.Opcode == ir.OpCallAction && in.CancellationWindowMS > 0 {
		if cancelled, err := e.waitCancellationWindow(ctx, r, in); err != nil {
			return nil, err
		} else if cancelled {
			return nil, fmt.Errorf("cancelled during pre-action window")
		}
	}

	secrets, err := e.opts.Dispatcher.ResolveSlots(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("resolve vault slots: %w", err)
	}
	for _, slot := range in.VaultSlots {
		e.emit(r, audit.Entry{
			EventType:     audit.EventVaultSecretFetched,
			InstructionID: &in.Index,
			Details: map[string]interface{}{
				"slot_id":    slot.SlotID,
				"vault_path": slot.VaultPath,
			},
		})
	}

	inputValue := r.readSrc(in, 0)
	input, err := json.Marshal(inputValue)
	if err != nil {
		return nil, fmt.Errorf("marshal call input: %w", err)
	}

	start := time.Now()
	raw, err := e.opts.Dispatcher.Call(ctx, e.opts.PreloadSet, in, input, secrets)
	dur := time.Since(start).Milliseconds()

	format := ""
	if in.Dispatch != nil {
		format = string(in.Dispatch.Format)
	}
	r.mu.Lock()
	r.services = append(r.services, models.ServiceCallRecord{
		ServiceID:  in.ServiceID,
		Format:     format,
		DurationMS: dur,
	})
	r.mu.Unlock()

	eventType := audit.EventActionTaken
	if in.Opcode == ir.OpCallAction {
		eventType = audit.EventPhysicalAction
	}
	entry := audit.Entry{
		EventType:     eventType,
		InstructionID: &in.Index,
		DurationMS:    dur,
		Input:         inputValue,
		Details: map[string]interface{}{
			"service_id": in.ServiceID,
			"version":    in.ServiceVersion,
			"format":     format,
			"success":    err == nil,
		},
	}

	if err != nil {
		entry.Details["error"] = err.Error()
		e.emit(r, entry)
		return nil, err
	}

	var out interface{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if uerr := json.Unmarshal(raw, &out); uerr != nil {
			e.emit(r, entry)
			return nil, fmt.Errorf("service %s returned invalid JSON: %w", in.ServiceID, uerr)
		}
	}
	entry.Output = out
	e.emit(r, entry)
	return out, nil
}

func (e *Executor) execTransform(r *run, in *ir.Instruction) (interface{}, error) {
	var spec TransformSpec
	if len(in.Operands) > 0 {
		if err := json.Unmarshal(in.Operands, &spec); err != nil {
			return nil, fmt.Errorf("bad TRANSFORM operands: %w", err)
		}
	}
	return ApplyTransform(&spec, r.readSrc(in, 0))
}

func (e *Executor) execBranch(r *run, in *ir.Instruction) (*stepControl, error) {
	value := r.readSrc(in, 0)

	taken := Truthy(value)
	if in.Predicate != "" {
		var err error
		taken, err = e.opts.Evaluator.EvaluateBool(in.Predicate, value, nil)
		if err != nil {
			return nil, err
		}
	}
	if taken {
		return nil, nil
	}
	// Not taken: skip forward to the branch target
	return &stepControl{skipToIndex: in.TargetInstruction}, nil
}

func (e *Executor) execTrigger(ctx context.Context, r *run, in *ir.Instruction) error {
	if e.opts.OnTrigger == nil {
		r.warn(fmt.Sprintf("instruction %d: TRIGGER emitted with no emitter wired", in.Index))
		return nil
	}
	var operands struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(in.Operands, &operands); err != nil {
		return fmt.Errorf("bad TRIGGER operands: %w", err)
	}
	payload, err := json.Marshal(r.readSrc(in, 0))
	if err != nil {
		return err
	}
	return e.opts.OnTrigger(ctx, operands.WorkflowID, payload)
}

func (e *Executor) execLoop(ctx context.Context, r *run, in *ir.Instruction) (*stepControl, error) {
	p := e.opts.Program
	loop := in.Loop

	bodyFrom, bodyTo := -1, -1
	for pos, idx := range p.InstructionOrder {
		if idx == loop.BodyStart {
			bodyFrom = pos
		}
		if idx == loop.BodyEnd {
			bodyTo = pos + 1
		}
	}
	if bodyFrom < 0 || bodyTo <= bodyFrom {
		return nil, fmt.Errorf("loop body [%d..%d] not contiguous in instruction order",
			loop.BodyStart, loop.BodyEnd)
	}

	converged := false
	for iter := 1; iter <= loop.MaxIterations; iter++ {
		if err := e.runOrder(ctx, r, bodyFrom, bodyTo, true); err != nil {
			return nil, fmt.Errorf("loop iteration %d: %w", iter, err)
		}
		e.emit(r, audit.Entry{
			EventType:     audit.EventLoopIteration,
			InstructionID: &in.Index,
			Details:       map[string]interface{}{"iteration": iter},
		})
		if r.returned || r.cancelled != nil {
			converged = true
			break
		}
		if loop.ConvergenceExpr != "" && loop.ConvergenceRegister != nil {
			value := r.read(*loop.ConvergenceRegister)
			done, err := e.opts.Evaluator.EvaluateBool(loop.ConvergenceExpr, value, nil)
			if err != nil {
				return nil, fmt.Errorf("loop convergence: %w", err)
			}
			if done {
				converged = true
				e.emit(r, audit.Entry{
					EventType:     audit.EventLoopConverged,
					InstructionID: &in.Index,
					Details:       map[string]interface{}{"iterations": iter},
				})
				break
			}
		}
	}
	if !converged && loop.ConvergenceExpr != "" {
		e.emit(r, audit.Entry{
			EventType:     audit.EventLoopTimeout,
			InstructionID: &in.Index,
			Details:       map[string]interface{}{"max_iterations": loop.MaxIterations},
		})
	}

	end := loop.BodyEnd
	return &stepControl{jumpPastIndex: &end}, nil
}

func (e *Executor) execPostcondition(r *run, in *ir.Instruction) error {
	value := r.readSrc(in, 0)

	held := Truthy(value)
	if in.Predicate != "" {
		var err error
		held, err = e.opts.Evaluator.EvaluateBool(in.Predicate, value, nil)
		if err != nil {
			return err
		}
	}

	eventType := audit.EventPostconditionPassed
	if !held {
		eventType = audit.EventPostconditionFailed
	}
	e.emit(r, audit.Entry{
		EventType:     eventType,
		InstructionID: &in.Index,
		Input:         value,
		Details:       map[string]interface{}{"predicate": in.Predicate},
	})

	if !held {
		if in.Predicate == "" {
			return fmt.Errorf("postcondition failed: value is falsy")
		}
		return fmt.Errorf("postcondition %q failed", in.Predicate)
	}
	return nil
}

func (e *Executor) execStoreMemory(ctx context.Context, r *run, in *ir.Instruction) error {
	if e.opts.OnMemory == nil {
		r.warn(fmt.Sprintf("instruction %d: STORE_MEMORY with no memory writer wired", in.Index))
		return nil
	}
	var operands struct {
		Field string `json:"field"`
	}
	if err := json.Unmarshal(in.Operands, &operands); err != nil {
		return fmt.Errorf("bad STORE_MEMORY operands: %w", err)
	}
	return e.opts.OnMemory(ctx, operands.Field, r.readSrc(in, 0))
}

// waitCancellationWindow pauses before a physical action, giving a pending
// cancellation its last chance to land. The expiry of the window is itself
// audited: after it the action is irrevocable.
func (e *Executor) waitCancellationWindow(ctx context.Context, r *run, in *ir.Instruction) (bool, error) {
	timer := time.NewTimer(time.Duration(in.CancellationWindowMS) * time.Millisecond)
	defer timer.Stop()

	expired := func() (bool, error) {
		e.emit(r, audit.Entry{
			EventType:     audit.EventCancellationWindowExpired,
			InstructionID: &in.Index,
			Details: map[string]interface{}{
				"window_ms":  in.CancellationWindowMS,
				"service_id": in.ServiceID,
			},
		})
		return false, nil
	}

	if r.cancelCh == nil {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return expired()
		}
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case sig := <-r.cancelCh:
		r.mu.Lock()
		r.cancelled = &sig
		r.mu.Unlock()
		return true, nil
	case <-timer.C:
		return expired()
	}
}

// checkInterrupt polls context and cancellation state between instructions
func (e *Executor) checkInterrupt(ctx context.Context, r *run) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if r.cancelCh != nil {
		select {
		case sig := <-r.cancelCh:
			r.mu.Lock()
			r.cancelled = &sig
			r.mu.Unlock()
		default:
		}
	}
	return nil
}

// schema compiles (and caches) a validator from the program's schema table
func (e *Executor) schema(id string) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if sch, ok := e.schemas[id]; ok {
		return sch, nil
	}
	raw, ok := e.opts.Program.Schemas[id]
	if !ok {
		return nil, fmt.Errorf("schema %q not in program", id)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	name := id + ".json"
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("register schema %q: %w", id, err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", id, err)
	}
	e.schemas[id] = sch
	return sch, nil
}

// emit appends an audit event; execution never fails because auditing did
func (e *Executor) emit(r *run, entry audit.Entry) {
	if e.opts.Chain == nil {
		return
	}
	entry.WorkflowID = r.workflowID
	entry.WorkflowVersion = r.wfVersion
	entry.ExecutionID = r.executionID
	if _, err := e.opts.Chain.Append(entry); err != nil && e.opts.Logger != nil {
		e.opts.Logger.Error("audit append failed", "event_type", entry.EventType, "error", err)
	}
}

// --- run helpers ---

func (r *run) read(reg int) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg]
}

func (r *run) readSrc(in *ir.Instruction, i int) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readSrcLocked(in, i)
}

func (r *run) readSrcLocked(in *ir.Instruction, i int) interface{} {
	if i >= len(in.Src) {
		return nil
	}
	return r.regs[in.Src[i]]
}

// write enforces single assignment (relaxed inside loop bodies) and the
// scratch budget
func (r *run) write(reg int, v interface{}, loop bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written[reg] && !loop {
		return fmt.Errorf("register r%d already written", reg)
	}
	if r.written[reg] {
		r.scratch -= sizeOf(r.regs[reg])
	}
	r.scratch += sizeOf(v)
	if budget := r.ex.opts.ScratchBytes; budget > 0 && r.scratch > budget {
		return fmt.Errorf("scratch budget exhausted: %d bytes over %d", r.scratch, budget)
	}
	r.regs[reg] = v
	r.written[reg] = true
	return nil
}

func (r *run) record(in *ir.Instruction, status models.StepStatus, durMS int64, out interface{}, errMsg string) {
	var raw json.RawMessage
	if out != nil && out != skipSentinel {
		if b, err := json.Marshal(out); err == nil && len(b) <= 4096 {
			raw = b
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, models.ExecutedStep{
		InstructionID: strconv.Itoa(in.Index),
		Opcode:        string(in.Opcode),
		Status:        status,
		DurationMS:    durMS,
		Output:        raw,
		Error:         errMsg,
	})
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}
