// Package ir defines the intermediate representation executed by the
// semantic virtual machine: the instruction set, the register model and the
// dependency-annotated program produced by the rule compiler.
package ir

import (
	"encoding/json"
	"time"
)

// NumRegisters is the size of the VM register file
const NumRegisters = 256

// Opcode identifies the operation of one instruction
type Opcode string

const (
	OpLoadResource  Opcode = "LOAD_RESOURCE"
	OpValidate      Opcode = "VALIDATE"
	OpCallService   Opcode = "CALL_SERVICE"
	OpCallAction    Opcode = "CALL_ACTION"
	OpTransform     Opcode = "TRANSFORM"
	OpBranch        Opcode = "BRANCH"
	OpReturn        Opcode = "RETURN"
	OpTrigger       Opcode = "TRIGGER"
	OpLoop          Opcode = "LOOP"
	OpPostcondition Opcode = "POSTCONDITION"
	OpStoreMemory   Opcode = "STORE_MEMORY"
)

// ServiceFormat is the execution format of a referenced service
type ServiceFormat string

const (
	FormatWASM      ServiceFormat = "WASM"
	FormatMCP       ServiceFormat = "MCP"
	FormatNative    ServiceFormat = "NATIVE"
	FormatContainer ServiceFormat = "CONTAINER"
)

// TrustLevel qualifies how much a service artifact is trusted
type TrustLevel string

const (
	TrustHigh   TrustLevel = "high"
	TrustMedium TrustLevel = "medium"
	TrustLow    TrustLevel = "low"
)

// Rank orders trust levels; higher is more trusted
func (t TrustLevel) Rank() int {
	switch t {
	case TrustHigh:
		return 3
	case TrustMedium:
		return 2
	case TrustLow:
		return 1
	default:
		return 0
	}
}

// VaultSlot references a secret by path. Secret values never appear in the
// IR; they are resolved at dispatch time.
type VaultSlot struct {
	SlotID    string `json:"slot_id"`
	VaultPath string `json:"vault_path"`
}

// DispatchMetadata is attached to service-calling instructions during
// resolution. It tells the VM how to reach the pre-loaded handle.
type DispatchMetadata struct {
	Format               ServiceFormat     `json:"format"`
	Method               string            `json:"method,omitempty"`
	EndpointURL          string            `json:"endpoint_url,omitempty"`
	ContainerEnv         map[string]string `json:"container_env,omitempty"`
	TimeoutMS            int               `json:"timeout_ms,omitempty"`
	CredentialsVaultPath string            `json:"credentials_vault_path,omitempty"`
}

// FallbackStrategy names how an instruction recovers from a dispatch error
type FallbackStrategy string

const (
	FallbackRetryBackoff FallbackStrategy = "retry_backoff"
	FallbackDefaultValue FallbackStrategy = "default_value"
	FallbackSkip         FallbackStrategy = "skip"
)

// FallbackSpec is the optional per-instruction recovery operand
type FallbackSpec struct {
	Strategy      FallbackStrategy `json:"strategy"`
	MaxAttempts   int              `json:"max_attempts,omitempty"`
	BackoffBaseMS int              `json:"backoff_base_ms,omitempty"`
	DefaultValue  json.RawMessage  `json:"default_value,omitempty"`
}

// LoopOperands parameterizes a LOOP instruction
type LoopOperands struct {
	BodyStart           int    `json:"body_start"`           // first body instruction index
	BodyEnd             int    `json:"body_end"`             // last body instruction index (inclusive)
	MaxIterations       int    `json:"max_iterations"`
	ConvergenceRegister *int   `json:"convergence_register,omitempty"`
	ConvergenceExpr     string `json:"convergence_expr,omitempty"` // CEL over register value
}

// Instruction is one IR operation. Dest is nil for instructions that do not
// produce a register value (BRANCH, RETURN, TRIGGER, POSTCONDITION).
type Instruction struct {
	Index   int    `json:"index"`
	Opcode  Opcode `json:"opcode"`
	Dest    *int   `json:"dest,omitempty"`
	Src     []int  `json:"src,omitempty"`

	Operands json.RawMessage `json:"operands,omitempty"`

	// Service reference for CALL_SERVICE / CALL_ACTION
	ServiceID      string `json:"service_id,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`

	// Populated by the resolver; absent in unresolved programs
	Dispatch *DispatchMetadata `json:"dispatch_metadata,omitempty"`

	VaultSlots []VaultSlot   `json:"vault_slots,omitempty"`
	Fallback   *FallbackSpec `json:"fallback,omitempty"`

	// BRANCH target (instruction index, not order position)
	TargetInstruction *int `json:"target_instruction,omitempty"`

	Loop *LoopOperands `json:"loop,omitempty"`

	// SchemaID selects the validator for VALIDATE
	SchemaID string `json:"schema_id,omitempty"`

	// CEL expression evaluated over src[0] for BRANCH / POSTCONDITION
	Predicate string `json:"predicate,omitempty"`

	// OrderSensitive marks side effects that must not run concurrently with
	// their parallelization-group peers
	OrderSensitive bool `json:"order_sensitive,omitempty"`

	// Cancellation window (ms) honored before physical actions
	CancellationWindowMS int `json:"cancellation_window_ms,omitempty"`
}

// WritesRegister reports whether the instruction defines a register
func (in *Instruction) WritesRegister() bool {
	return in.Dest != nil
}

// Metadata carries compiler provenance for a program
type Metadata struct {
	ID           string    `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	Version      int       `json:"version"`
	Compiler     string    `json:"compiler"`
	CompiledAt   time.Time `json:"compiled_at"`
}

// Program is a complete IR unit: instructions plus the ordering, dependency
// and resource annotations the VM needs.
type Program struct {
	Instructions []Instruction `json:"instructions"`

	// Topological order of instruction indices, respecting DependencyGraph
	InstructionOrder []int `json:"instruction_order"`

	// instruction index -> predecessor instruction indices
	DependencyGraph map[int][]int `json:"dependency_graph"`

	// Pre-allocated resource handles consumed by LOAD_RESOURCE
	ResourceTable map[string]json.RawMessage `json:"resource_table,omitempty"`

	// Sets of mutually independent instruction indices
	ParallelizationGroups [][]int `json:"parallelization_groups,omitempty"`

	// JSON Schema validators by id, consumed by VALIDATE
	Schemas map[string]json.RawMessage `json:"schemas,omitempty"`

	InputRegister  int `json:"input_register"`
	OutputRegister int `json:"output_register"`

	Metadata Metadata `json:"metadata"`
}
