// Package rulec compiles workflow DAG definitions into signed, executable
// IR programs. Compilation runs a fixed sequence of validation passes and
// either produces a program plus its checksum and signature, or a set of
// diagnostics pinpointing what is wrong.
package rulec

import (
	"encoding/json"

	"github.com/mbathe/eyeflow-sub003/core/ir"
)

// NodeType classifies a DAG node; each maps to one opcode
type NodeType string

const (
	NodeLoad          NodeType = "load"
	NodeValidate      NodeType = "validate"
	NodeService       NodeType = "service"
	NodeAction        NodeType = "action"
	NodeTransform     NodeType = "transform"
	NodeBranch        NodeType = "branch"
	NodeReturn        NodeType = "return"
	NodeTrigger       NodeType = "trigger"
	NodeLoop          NodeType = "loop"
	NodePostcondition NodeType = "postcondition"
	NodeMemory        NodeType = "memory"
)

// opcodeFor maps node types to opcodes
var opcodeFor = map[NodeType]ir.Opcode{
	NodeLoad:          ir.OpLoadResource,
	NodeValidate:      ir.OpValidate,
	NodeService:       ir.OpCallService,
	NodeAction:        ir.OpCallAction,
	NodeTransform:     ir.OpTransform,
	NodeBranch:        ir.OpBranch,
	NodeReturn:        ir.OpReturn,
	NodeTrigger:       ir.OpTrigger,
	NodeLoop:          ir.OpLoop,
	NodePostcondition: ir.OpPostcondition,
	NodeMemory:        ir.OpStoreMemory,
}

// producesValue reports whether nodes of this type define a register
func (t NodeType) producesValue() bool {
	switch t {
	case NodeBranch, NodeReturn, NodeTrigger, NodePostcondition, NodeMemory:
		return false
	default:
		return true
	}
}

// Node is one step of a DAG definition
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// Upstream node ids; the first one supplies the primary input value.
	// Empty means the node reads the workflow input.
	DependsOn []string `json:"depends_on,omitempty"`

	// Service reference (service / action nodes)
	ServiceID      string `json:"service_id,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`

	// Connector binding resolved at compile time against the project's
	// allowed sets
	ConnectorID string `json:"connector_id,omitempty"`
	FunctionID  string `json:"function_id,omitempty"`

	Operands  json.RawMessage `json:"operands,omitempty"`
	Predicate string          `json:"predicate,omitempty"`
	SchemaID  string          `json:"schema_id,omitempty"`

	// Branch target node id (jumped to when the predicate is false)
	Target string `json:"target,omitempty"`

	// Loop body boundaries (node ids) and bounds
	LoopBodyStart   string `json:"loop_body_start,omitempty"`
	LoopBodyEnd     string `json:"loop_body_end,omitempty"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	ConvergenceExpr string `json:"convergence_expr,omitempty"`

	VaultPaths []string         `json:"vault_paths,omitempty"`
	Fallback   *ir.FallbackSpec `json:"fallback,omitempty"`

	TimeoutMS            int  `json:"timeout_ms,omitempty"`
	CancellationWindowMS int  `json:"cancellation_window_ms,omitempty"`
	OrderSensitive       bool `json:"order_sensitive,omitempty"`

	// Per-node execution time estimate in ms; defaults per node type
	EstimatedMS int `json:"estimated_ms,omitempty"`
}

// Definition is a complete workflow DAG as authored (by hand or by the
// language parse service)
type Definition struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`

	// Output selects which node's value the workflow returns; empty means
	// the last value-producing node
	Output string `json:"output,omitempty"`

	Schemas   map[string]json.RawMessage `json:"schemas,omitempty"`
	Resources map[string]json.RawMessage `json:"resources,omitempty"`

	// TriggerTypes declares what may activate this workflow, checked
	// against the project's allowed set
	TriggerTypes []string `json:"trigger_types,omitempty"`
}

// node lookups used across passes
func (d *Definition) node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// defaultEstimateMS is the per-type execution time estimate used when a
// node does not declare one
func defaultEstimateMS(t NodeType) int {
	switch t {
	case NodeService, NodeAction:
		return 250
	case NodeValidate:
		return 5
	case NodeLoad, NodeTransform:
		return 1
	case NodeLoop:
		return 0 // body nodes carry the cost
	default:
		return 1
	}
}
