package svm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/ir"
)

func reg(v int) *int { return &v }

func mustExecutor(t *testing.T, p *ir.Program) *Executor {
	t.Helper()
	ex, err := NewExecutor(Options{Program: p})
	require.NoError(t, err)
	return ex
}

func TestExecute_TransformAndReturn(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"path":"order.id"}`)},
			{Index: 1, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1},
		DependencyGraph:  map[int][]int{1: {0}},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-1",
		map[string]interface{}{"order": map[string]interface{}{"id": "o-42"}})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "o-42", res.Output)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StepSucceeded, res.Steps[0].Status)
}

func TestExecute_OutputRegisterWithoutReturn(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"template":"hi {{name}}"}`)},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-2",
		map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "hi Ada", res.Output)
}

// branchProgram skips the transform when the input is falsy (or fails the
// predicate) by jumping to the RETURN target
func branchProgram(predicate string) *ir.Program {
	return &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpBranch, Src: []int{0}, Predicate: predicate,
				TargetInstruction: reg(2)},
			{Index: 1, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"template":"taken"}`)},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{1: {0}, 2: {1}},
		InputRegister:    0,
		OutputRegister:   1,
	}
}

func TestExecute_BranchTaken(t *testing.T) {
	ex := mustExecutor(t, branchProgram(""))

	res, err := ex.Execute(context.Background(), "exec-3", "truthy input")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "taken", res.Output)
}

func TestExecute_BranchNotTakenSkipsToTarget(t *testing.T) {
	ex := mustExecutor(t, branchProgram(""))

	res, err := ex.Execute(context.Background(), "exec-4", "")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Nil(t, res.Output)

	require.Len(t, res.Steps, 3)
	assert.Equal(t, models.StepSkipped, res.Steps[1].Status)
}

func TestExecute_BranchCELPredicate(t *testing.T) {
	ex := mustExecutor(t, branchProgram("value.qty > 3"))

	res, err := ex.Execute(context.Background(), "exec-5",
		map[string]interface{}{"qty": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, "taken", res.Output)

	res, err = ex.Execute(context.Background(), "exec-6",
		map[string]interface{}{"qty": float64(1)})
	require.NoError(t, err)
	assert.Nil(t, res.Output)
}

func TestExecute_ValidateAgainstSchema(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpValidate, Src: []int{0}, SchemaID: "order"},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		Schemas: map[string]json.RawMessage{
			"order": json.RawMessage(`{"type":"object","required":["id"]}`),
		},
		InputRegister:  0,
		OutputRegister: 0,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-7",
		map[string]interface{}{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)

	res, err = ex.Execute(context.Background(), "exec-8",
		map[string]interface{}{"name": "no id"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "schema")
}

func TestExecute_LoopRunsUntilMaxIterations(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpLoop, Loop: &ir.LoopOperands{
				BodyStart: 1, BodyEnd: 1, MaxIterations: 3,
				ConvergenceRegister: reg(1),
				ConvergenceExpr:     `value == "stop"`,
			}},
			{Index: 1, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0}},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{1: {0}, 2: {1}},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-9", "never")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)

	body := 0
	for _, s := range res.Steps {
		if s.Opcode == string(ir.OpTransform) {
			body++
		}
	}
	assert.Equal(t, 3, body)
}

func TestExecute_LoopConvergesEarly(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpLoop, Loop: &ir.LoopOperands{
				BodyStart: 1, BodyEnd: 1, MaxIterations: 10,
				ConvergenceRegister: reg(1),
				ConvergenceExpr:     `value == "stop"`,
			}},
			{Index: 1, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0}},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{1: {0}, 2: {1}},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-10", "stop")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "stop", res.Output)

	body := 0
	for _, s := range res.Steps {
		if s.Opcode == string(ir.OpTransform) {
			body++
		}
	}
	assert.Equal(t, 1, body)
}

func TestExecute_FallbackDefaultValue(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"path":"absent"}`),
				Fallback: &ir.FallbackSpec{
					Strategy:     ir.FallbackDefaultValue,
					DefaultValue: json.RawMessage(`42`),
				}},
			{Index: 1, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1},
		DependencyGraph:  map[int][]int{1: {0}},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-11",
		map[string]interface{}{"present": true})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, float64(42), res.Output)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "default value")
}

func TestExecute_FallbackSkip(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"path":"absent"}`),
				Fallback: &ir.FallbackSpec{Strategy: ir.FallbackSkip}},
			{Index: 1, Opcode: ir.OpReturn, Src: []int{1}},
		},
		InstructionOrder: []int{0, 1},
		DependencyGraph:  map[int][]int{1: {0}},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-12",
		map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Nil(t, res.Output)
	assert.Equal(t, models.StepSkipped, res.Steps[0].Status)
}

func TestExecute_FailureWithoutFallback(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0},
				Operands: json.RawMessage(`{"path":"absent"}`)},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-13",
		map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "instruction 0")
	assert.Equal(t, models.StepFailed, res.Steps[0].Status)
}

func TestExecute_ScratchBudgetExceeded(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: reg(1), Src: []int{0}},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   1,
	}
	ex, err := NewExecutor(Options{Program: p, ScratchBytes: 150})
	require.NoError(t, err)

	// A 100 byte input fits; copying it into a second register does not
	res, err := ex.Execute(context.Background(), "exec-14", strings.Repeat("x", 100))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "scratch budget")
}

func TestExecute_PostconditionFailureFailsExecution(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpPostcondition, Src: []int{0}, Predicate: "value > 10"},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   0,
	}
	ex := mustExecutor(t, p)

	res, err := ex.Execute(context.Background(), "exec-15", float64(5))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Status)

	res, err = ex.Execute(context.Background(), "exec-16", float64(20))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, float64(20), res.Output)
}

func TestExecute_TriggerEmitsChainedActivation(t *testing.T) {
	var gotWorkflow string
	var gotPayload json.RawMessage

	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTrigger, Src: []int{0},
				Operands: json.RawMessage(`{"workflow_id":"wf-next"}`)},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   0,
	}
	ex, err := NewExecutor(Options{
		Program: p,
		OnTrigger: func(ctx context.Context, workflowID string, payload json.RawMessage) error {
			gotWorkflow = workflowID
			gotPayload = payload
			return nil
		},
	})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), "exec-17",
		map[string]interface{}{"handoff": true})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "wf-next", gotWorkflow)
	assert.JSONEq(t, `{"handoff":true}`, string(gotPayload))
}

func TestExecute_StoreMemoryWrites(t *testing.T) {
	var gotField string
	var gotValue interface{}

	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpStoreMemory, Src: []int{0},
				Operands: json.RawMessage(`{"field":"last_seen"}`)},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   0,
	}
	ex, err := NewExecutor(Options{
		Program: p,
		OnMemory: func(ctx context.Context, field string, value interface{}) error {
			gotField = field
			gotValue = value
			return nil
		},
	})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), "exec-18", "sensor-9")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Status)
	assert.Equal(t, "last_seen", gotField)
	assert.Equal(t, "sensor-9", gotValue)
}

func TestExecute_AuditTrailForValidation(t *testing.T) {
	p := &ir.Program{
		Metadata: ir.Metadata{ID: "wf-audit", WorkflowName: "order-check", Version: 3},
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpValidate, Src: []int{0}, SchemaID: "order"},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		Schemas: map[string]json.RawMessage{
			"order": json.RawMessage(`{"type":"object","required":["id"]}`),
		},
		InputRegister:  0,
		OutputRegister: 0,
	}

	key, err := audit.GenerateKey()
	require.NoError(t, err)
	var events []*audit.Event
	chain := audit.NewChain("node-test", key, logger.New("error", "json"),
		func(ev *audit.Event) error {
			events = append(events, ev)
			return nil
		})

	ex, err := NewExecutor(Options{Program: p, Chain: chain})
	require.NoError(t, err)

	res, err := ex.Execute(context.Background(), "exec-a1",
		map[string]interface{}{"name": "no id"})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, res.Status)

	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
		assert.Equal(t, "wf-audit", ev.WorkflowID)
		assert.Equal(t, "exec-a1", ev.ExecutionID)
	}
	assert.Equal(t, []string{
		audit.EventExecutionStart,
		audit.EventValidationFail,
		audit.EventExecutionComplete,
	}, types)

	last := events[len(events)-1]
	assert.Equal(t, string(models.ExecutionFailed), last.Details["status"])
	require.NotNil(t, last.WorkflowVersion)
	assert.Equal(t, 3, *last.WorkflowVersion)

	// The passing side of the same check
	events = nil
	res, err = ex.Execute(context.Background(), "exec-a2",
		map[string]interface{}{"id": "o-1"})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionSucceeded, res.Status)

	types = nil
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		audit.EventExecutionStart,
		audit.EventValidationPass,
		audit.EventExecutionComplete,
	}, types)
}

func TestNewExecutor_RejectsInvalidProgram(t *testing.T) {
	p := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpReturn, Src: []int{5}},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
	}
	_, err := NewExecutor(Options{Program: p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid program")
}
