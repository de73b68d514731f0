package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

// linearProgram builds input -> transform -> return over r0..r2
func linearProgram() *Program {
	return &Program{
		Instructions: []Instruction{
			{Index: 0, Opcode: OpLoadResource, Dest: intp(1)},
			{Index: 1, Opcode: OpTransform, Dest: intp(2), Src: []int{1}},
			{Index: 2, Opcode: OpReturn, Src: []int{2}},
		},
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{1: {0}, 2: {1}},
		InputRegister:    0,
		OutputRegister:   2,
	}
}

func TestValidate_AcceptsLinearProgram(t *testing.T) {
	require.NoError(t, linearProgram().Validate())
}

func TestValidate_RejectsCycle(t *testing.T) {
	p := linearProgram()
	p.DependencyGraph[0] = []int{2}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_RejectsOrderViolatingDependency(t *testing.T) {
	p := linearProgram()
	p.InstructionOrder = []int{1, 0, 2}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ordered before its predecessor")
}

func TestValidate_RejectsIncompleteOrder(t *testing.T) {
	p := linearProgram()
	p.InstructionOrder = []int{0, 1}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "covers 2 of 3")
}

func TestValidate_RejectsUseBeforeDefinition(t *testing.T) {
	p := linearProgram()
	p.Instructions[1].Src = []int{7}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r7")
}

func TestValidate_InputRegisterIsAlwaysDefined(t *testing.T) {
	p := &Program{
		Instructions: []Instruction{
			{Index: 0, Opcode: OpReturn, Src: []int{0}},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   0,
	}
	require.NoError(t, p.Validate())
}

func TestValidate_RejectsDoubleWrite(t *testing.T) {
	p := linearProgram()
	p.Instructions[1].Dest = intp(1)

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "written twice")
}

func TestValidate_RejectsSharedDestInParallelGroup(t *testing.T) {
	p := &Program{
		Instructions: []Instruction{
			{Index: 0, Opcode: OpTransform, Dest: intp(1), Src: []int{0}},
			{Index: 1, Opcode: OpTransform, Dest: intp(1), Src: []int{0}},
		},
		InstructionOrder:      []int{0, 1},
		DependencyGraph:       map[int][]int{},
		ParallelizationGroups: [][]int{{0, 1}},
		InputRegister:         0,
	}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same parallel group")
}

func TestValidate_RejectsDependentParallelGroupMembers(t *testing.T) {
	p := linearProgram()
	p.ParallelizationGroups = [][]int{{0, 1}}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not independent")
}

func TestValidate_RejectsOutOfRangeRegister(t *testing.T) {
	p := linearProgram()
	p.Instructions[0].Dest = intp(NumRegisters)

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-range")
}

func TestValidate_ServiceCallNeedsServiceID(t *testing.T) {
	p := linearProgram()
	p.Instructions[1].Opcode = OpCallService

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no service id")
}

func TestValidate_BranchNeedsKnownTarget(t *testing.T) {
	p := linearProgram()
	p.Instructions[2] = Instruction{Index: 2, Opcode: OpBranch, Src: []int{2}, Predicate: "value > 0", TargetInstruction: intp(99)}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instruction 99")
}

func TestValidate_LoopNeedsPositiveMaxIterations(t *testing.T) {
	p := linearProgram()
	p.Instructions[1].Opcode = OpLoop
	p.Instructions[1].Loop = &LoopOperands{BodyStart: 1, BodyEnd: 1, MaxIterations: 0}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

func TestValidate_VaultSlotNeedsPath(t *testing.T) {
	p := linearProgram()
	p.Instructions[1].VaultSlots = []VaultSlot{{SlotID: "api_key"}}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no path")
}

func TestMarshalRoundTrip(t *testing.T) {
	p := linearProgram()
	p.Metadata = Metadata{ID: "prog-1", WorkflowName: "reorder", Version: 3}

	data, err := p.Marshal()
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, p.Metadata, back.Metadata)
	assert.Len(t, back.Instructions, 3)
	require.NoError(t, back.Validate())
}

func TestSameGroup(t *testing.T) {
	p := linearProgram()
	p.DependencyGraph = map[int][]int{2: {0, 1}}
	p.Instructions[1].Src = []int{0}
	p.ParallelizationGroups = [][]int{{0, 1}}

	require.NoError(t, p.Validate())
	assert.True(t, p.SameGroup(0, 1))
	assert.False(t, p.SameGroup(0, 2))
	assert.Nil(t, p.GroupOf(2))
}
