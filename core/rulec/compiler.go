package rulec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/condition"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
)

// slowWorkflowMS is the estimated-duration threshold above which the
// compiler emits a warning
const slowWorkflowMS = 60_000

// Compiler turns DAG definitions into signed IR programs
type Compiler struct {
	manifest  *manifest.Registry
	evaluator *condition.Evaluator
	log       *logger.Logger

	signingKey ed25519.PrivateKey
	keyID      string
}

// NewCompiler creates a compiler. signingKey may be nil for validate-only
// deployments; Compile then produces unsigned programs.
func NewCompiler(reg *manifest.Registry, signingKey ed25519.PrivateKey, log *logger.Logger) *Compiler {
	c := &Compiler{
		manifest:  reg,
		evaluator: condition.NewEvaluator(),
		log:       log,
	}
	if signingKey != nil {
		c.signingKey = signingKey
		pub := signingKey.Public().(ed25519.PublicKey)
		sum := sha256.Sum256(pub)
		c.keyID = hex.EncodeToString(sum[:8])
	}
	return c
}

// Input is one compilation request
type Input struct {
	Definition *Definition
	Project    *models.Project

	// Connectors referenced by the definition, keyed by id
	Connectors map[string]*models.Connector

	WorkflowID string
	Version    int
}

// Output is the compilation result. Program is nil when Diagnostics has
// errors.
type Output struct {
	Program        *ir.Program
	IRBinary       []byte
	Checksum       string
	Signature      string
	SignatureKeyID string

	Diagnostics          Diagnostics
	EstimatedExecutionMS int
}

// Compile runs all validation passes and, when they are clean, lowers the
// definition to IR and signs the artifact
func (c *Compiler) Compile(ctx context.Context, in Input) (*Output, error) {
	if in.Definition == nil {
		return nil, fmt.Errorf("nil definition")
	}
	out := &Output{}

	order := c.passStructure(in.Definition, &out.Diagnostics)
	c.passPolicy(in, &out.Diagnostics)
	c.passManifest(in.Definition, in.Project, &out.Diagnostics)
	c.passExpressions(in.Definition, &out.Diagnostics)

	if out.Diagnostics.HasErrors() {
		return out, nil
	}

	program, err := c.lower(in, order, &out.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("lowering failed: %w", err)
	}
	c.passLimits(in.Definition, program, order, out)
	if out.Diagnostics.HasErrors() {
		return out, nil
	}

	// Resolver annotates dispatch metadata and re-checks trust
	minTrust := ir.TrustLevel(in.Project.MinTrustLevel)
	if _, err := c.manifest.Resolve(program, minTrust); err != nil {
		out.Diagnostics.errorf(CodeServiceNotFound, "", "service resolution failed: %v", err)
		return out, nil
	}

	if err := program.Validate(); err != nil {
		return nil, fmt.Errorf("compiled program failed self-check: %w", err)
	}

	binary, err := program.Marshal()
	if err != nil {
		return nil, err
	}
	out.Program = program
	out.IRBinary = binary

	sum := sha256.Sum256(binary)
	out.Checksum = hex.EncodeToString(sum[:])
	if c.signingKey != nil {
		out.Signature = hex.EncodeToString(ed25519.Sign(c.signingKey, []byte(out.Checksum)))
		out.SignatureKeyID = c.keyID
	}

	c.log.Info("workflow compiled",
		"workflow", in.WorkflowID, "version", in.Version,
		"instructions", len(program.Instructions),
		"estimated_ms", out.EstimatedExecutionMS)
	return out, nil
}

// VerifySignature checks an IR artifact against its recorded checksum and
// signature
func VerifySignature(binary []byte, checksum, signature string, pub ed25519.PublicKey) error {
	sum := sha256.Sum256(binary)
	if hex.EncodeToString(sum[:]) != checksum {
		return fmt.Errorf("ir checksum mismatch")
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("bad signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, []byte(checksum), sig) {
		return fmt.Errorf("ir signature verification failed")
	}
	return nil
}

// passStructure checks node uniqueness, dependency references and
// acyclicity. Returns a deterministic topological order (lexicographically
// smallest ready node first) when the structure is sound, nil otherwise.
func (c *Compiler) passStructure(d *Definition, diags *Diagnostics) []string {
	if len(d.Nodes) == 0 {
		diags.errorf(CodeEmptyDAG, "", "workflow has no nodes")
		return nil
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if seen[n.ID] {
			diags.errorf(CodeDuplicateNode, n.ID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		if _, ok := opcodeFor[n.Type]; !ok {
			diags.errorf(CodeUnknownType, n.ID, "unknown node type %q", n.Type)
		}
		for _, dep := range n.DependsOn {
			if d.node(dep) == nil {
				diags.errorf(CodeUnknownDep, n.ID, "depends on unknown node %q", dep)
			}
		}
		if n.Type == NodeBranch {
			if n.Target == "" || d.node(n.Target) == nil {
				diags.errorf(CodeBadTarget, n.ID, "branch target %q does not exist", n.Target)
			}
		}
		if n.Type == NodeLoop {
			if d.node(n.LoopBodyStart) == nil || d.node(n.LoopBodyEnd) == nil {
				diags.errorf(CodeBadLoop, n.ID, "loop body [%q..%q] references unknown nodes",
					n.LoopBodyStart, n.LoopBodyEnd)
			}
			if n.MaxIterations <= 0 {
				diags.errorf(CodeLoopUnbounded, n.ID, "loop must declare max_iterations > 0")
			}
		}
	}

	if d.Output != "" {
		if out := d.node(d.Output); out == nil {
			diags.errorf(CodeBadOutput, "", "output node %q does not exist", d.Output)
		} else if !out.Type.producesValue() {
			diags.errorf(CodeBadOutput, d.Output, "output node %q produces no value", d.Output)
		}
	}

	if diags.HasErrors() {
		return nil
	}

	// Kahn's algorithm with a sorted frontier keeps compilation
	// deterministic: same definition, same instruction order
	indegree := make(map[string]int, len(d.Nodes))
	succ := make(map[string][]string)
	for i := range d.Nodes {
		n := &d.Nodes[i]
		indegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			indegree[n.ID]++
			succ[dep] = append(succ[dep], n.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		newlyReady := false
		for _, next := range succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				newlyReady = true
			}
		}
		if newlyReady {
			sort.Strings(ready)
		}
	}

	if len(order) != len(d.Nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		diags.errorf(CodeCycle, "", "dependency cycle through nodes %v", stuck)
		return nil
	}

	// Re-sort by (dependency depth, id). Still a topological order, since
	// a dependency always has strictly smaller depth, and it keeps
	// same-depth nodes adjacent so they can execute as one parallel wave.
	depth := nodeDepths(d, order)
	sort.SliceStable(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})
	return order
}

// nodeDepths computes each node's longest-path depth over a topological
// order
func nodeDepths(d *Definition, order []string) map[string]int {
	depth := make(map[string]int, len(order))
	for _, id := range order {
		n := d.node(id)
		level := 0
		for _, dep := range n.DependsOn {
			if depth[dep]+1 > level {
				level = depth[dep] + 1
			}
		}
		depth[id] = level
	}
	return depth
}

// passPolicy enforces the project's allowed sets
func (c *Compiler) passPolicy(in Input, diags *Diagnostics) {
	d, p := in.Definition, in.Project
	if p == nil {
		return
	}

	for _, tt := range d.TriggerTypes {
		if !p.AllowsTriggerType(tt) {
			diags.errorf(CodeTriggerDenied, "", "trigger type %q is not allowed for this project", tt)
		}
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ConnectorID == "" {
			continue
		}
		if !p.AllowsConnector(n.ConnectorID) {
			diags.errorf(CodeConnectorDenied, n.ID, "connector %q is not in the project's allowed set", n.ConnectorID)
			continue
		}
		conn := in.Connectors[n.ConnectorID]
		if conn == nil {
			diags.errorf(CodeConnectorDenied, n.ID, "connector %q not found", n.ConnectorID)
			continue
		}
		if n.FunctionID != "" {
			fn := conn.FindFunction(n.FunctionID)
			if fn == nil {
				diags.errorWithSuggestion(CodeUnknownFunction, n.ID,
					fmt.Sprintf("connector %q has no function %q", conn.Name, n.FunctionID),
					fmt.Sprintf("available functions: %v", conn.FunctionNames()))
				continue
			}
			if len(p.AllowedFunctionIDs) > 0 && !containsStr(p.AllowedFunctionIDs, fn.ID) {
				diags.errorf(CodeFunctionDenied, n.ID, "function %q is not in the project's allowed set", fn.Name)
			}
		}
	}
}

// passManifest checks every service reference against the manifest table
func (c *Compiler) passManifest(d *Definition, p *models.Project, diags *Diagnostics) {
	minTrust := ir.TrustLevel("")
	if p != nil {
		minTrust = ir.TrustLevel(p.MinTrustLevel)
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type != NodeService && n.Type != NodeAction {
			continue
		}
		if n.ServiceID == "" {
			diags.errorf(CodeMissingService, n.ID, "node declares no service")
			continue
		}
		entry, err := c.manifest.Lookup(n.ServiceID, n.ServiceVersion)
		if err != nil {
			diags.errorf(CodeServiceNotFound, n.ID, "service %s@%s not found in manifest",
				n.ServiceID, n.ServiceVersion)
			continue
		}
		if entry.TrustLevel.Rank() < minTrust.Rank() {
			diags.errorf(CodeTrustViolation, n.ID,
				"service %s@%s has trust %q, project requires at least %q",
				n.ServiceID, n.ServiceVersion, entry.TrustLevel, minTrust)
		}
	}
}

// passExpressions compiles every CEL predicate and JSON schema up front so
// bad expressions surface at compile time, not mid-execution
func (c *Compiler) passExpressions(d *Definition, diags *Diagnostics) {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Predicate != "" {
			if err := c.evaluator.Compile(n.Predicate); err != nil {
				diags.errorf(CodeBadPredicate, n.ID, "predicate does not compile: %v", err)
			}
		}
		if n.ConvergenceExpr != "" {
			if err := c.evaluator.Compile(n.ConvergenceExpr); err != nil {
				diags.errorf(CodeBadPredicate, n.ID, "convergence expression does not compile: %v", err)
			}
		}
		if n.Type == NodeValidate {
			if n.SchemaID == "" {
				diags.errorf(CodeMissingSchema, n.ID, "validate node declares no schema")
			} else if _, ok := d.Schemas[n.SchemaID]; !ok {
				diags.errorf(CodeMissingSchema, n.ID, "schema %q is not defined", n.SchemaID)
			}
		}
	}

	for id, raw := range d.Schemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			diags.errorf(CodeBadSchema, "", "schema %q is not valid JSON: %v", id, err)
			continue
		}
		compiler := jsonschema.NewCompiler()
		name := id + ".json"
		if err := compiler.AddResource(name, doc); err != nil {
			diags.errorf(CodeBadSchema, "", "schema %q: %v", id, err)
			continue
		}
		if _, err := compiler.Compile(name); err != nil {
			diags.errorf(CodeBadSchema, "", "schema %q does not compile: %v", id, err)
		}
	}
}

// passLimits checks resource bounds on the lowered program and computes
// the execution time estimate
func (c *Compiler) passLimits(d *Definition, program *ir.Program, order []string, out *Output) {
	registersUsed := 1 // input register
	for i := range program.Instructions {
		if program.Instructions[i].Dest != nil {
			registersUsed++
		}
	}
	if registersUsed > ir.NumRegisters {
		out.Diagnostics.errorf(CodeRegisterOverflow, "",
			"workflow needs %d registers, the machine has %d", registersUsed, ir.NumRegisters)
	}

	out.EstimatedExecutionMS = estimateCriticalPath(d, order)
	if out.EstimatedExecutionMS > slowWorkflowMS {
		out.Diagnostics.warnf(CodeSlowWorkflow, "",
			"estimated execution time %dms exceeds %dms", out.EstimatedExecutionMS, slowWorkflowMS)
	}
}

// estimateCriticalPath returns the longest dependency path in estimated
// milliseconds. Loop bodies are weighted by their max iteration count.
func estimateCriticalPath(d *Definition, order []string) int {
	// Per-node multiplier from enclosing loops
	multiplier := make(map[string]int)
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type != NodeLoop {
			continue
		}
		inBody := false
		for _, id := range order {
			if id == n.LoopBodyStart {
				inBody = true
			}
			if inBody {
				if multiplier[id] == 0 {
					multiplier[id] = 1
				}
				multiplier[id] *= n.MaxIterations
			}
			if id == n.LoopBodyEnd {
				break
			}
		}
	}

	finish := make(map[string]int, len(order))
	longest := 0
	for _, id := range order {
		n := d.node(id)
		est := n.EstimatedMS
		if est <= 0 {
			est = defaultEstimateMS(n.Type)
		}
		if m := multiplier[id]; m > 1 {
			est *= m
		}

		start := 0
		for _, dep := range n.DependsOn {
			if finish[dep] > start {
				start = finish[dep]
			}
		}
		finish[id] = start + est
		if finish[id] > longest {
			longest = finish[id]
		}
	}
	return longest
}

// lower translates the validated definition into an IR program
func (c *Compiler) lower(in Input, order []string, diags *Diagnostics) (*ir.Program, error) {
	d := in.Definition

	const inputRegister = 0
	nextRegister := 1

	indexOf := make(map[string]int, len(order))    // node id -> instruction index
	registerOf := make(map[string]int, len(order)) // node id -> dest register

	for pos, id := range order {
		indexOf[id] = pos
		if d.node(id).Type.producesValue() {
			// Registers past the file size are caught by the limits pass
			// before the program can validate
			registerOf[id] = nextRegister
			nextRegister++
		}
	}

	program := &ir.Program{
		DependencyGraph: make(map[int][]int),
		InputRegister:   inputRegister,
		Metadata: ir.Metadata{
			ID:           in.WorkflowID,
			WorkflowName: d.Name,
			Version:      in.Version,
			Compiler:     "rulec/1.0",
			CompiledAt:   time.Now().UTC(),
		},
	}

	if len(d.Resources) > 0 {
		program.ResourceTable = d.Resources
	}
	if len(d.Schemas) > 0 {
		program.Schemas = d.Schemas
	}

	for _, id := range order {
		n := d.node(id)
		idx := indexOf[id]

		instr := ir.Instruction{
			Index:                idx,
			Opcode:               opcodeFor[n.Type],
			Operands:             n.Operands,
			ServiceID:            n.ServiceID,
			ServiceVersion:       n.ServiceVersion,
			SchemaID:             n.SchemaID,
			Predicate:            n.Predicate,
			Fallback:             n.Fallback,
			OrderSensitive:       n.OrderSensitive,
			CancellationWindowMS: n.CancellationWindowMS,
		}

		if n.TimeoutMS > 0 {
			instr.Dispatch = &ir.DispatchMetadata{TimeoutMS: n.TimeoutMS}
		}
		for _, path := range n.VaultPaths {
			instr.VaultSlots = append(instr.VaultSlots, ir.VaultSlot{
				SlotID:    fmt.Sprintf("%s:%s", id, path),
				VaultPath: path,
			})
		}

		// Source registers come from value-producing dependencies; a node
		// with none reads the workflow input
		for _, dep := range n.DependsOn {
			if reg, ok := registerOf[dep]; ok {
				instr.Src = append(instr.Src, reg)
			}
			program.DependencyGraph[idx] = append(program.DependencyGraph[idx], indexOf[dep])
		}
		if len(instr.Src) == 0 && n.Type != NodeLoad {
			instr.Src = []int{inputRegister}
		}

		if reg, ok := registerOf[id]; ok {
			dest := reg
			instr.Dest = &dest
		}

		if n.Type == NodeBranch {
			target := indexOf[n.Target]
			instr.TargetInstruction = &target
		}
		if n.Type == NodeLoop {
			loop := &ir.LoopOperands{
				BodyStart:       indexOf[n.LoopBodyStart],
				BodyEnd:         indexOf[n.LoopBodyEnd],
				MaxIterations:   n.MaxIterations,
				ConvergenceExpr: n.ConvergenceExpr,
			}
			if reg, ok := registerOf[n.LoopBodyEnd]; ok {
				conv := reg
				loop.ConvergenceRegister = &conv
			}
			instr.Loop = loop
		}

		program.Instructions = append(program.Instructions, instr)
		program.InstructionOrder = append(program.InstructionOrder, idx)
	}

	program.ParallelizationGroups = parallelGroups(d, order, indexOf)

	// Output register: declared output node, or the last value produced
	outputID := d.Output
	if outputID == "" {
		for i := len(order) - 1; i >= 0; i-- {
			if _, ok := registerOf[order[i]]; ok {
				outputID = order[i]
				break
			}
		}
	}
	if reg, ok := registerOf[outputID]; ok {
		program.OutputRegister = reg
	}

	return program, nil
}

// parallelGroups clusters instructions by dependency depth: nodes at the
// same depth cannot reach each other, so each depth level with more than
// one member forms a parallelization group
func parallelGroups(d *Definition, order []string, indexOf map[string]int) [][]int {
	depth := nodeDepths(d, order)

	byLevel := make(map[int][]int)
	for _, id := range order {
		n := d.node(id)
		// Control-flow nodes never parallelize
		switch n.Type {
		case NodeBranch, NodeLoop, NodeReturn:
			continue
		}
		byLevel[depth[id]] = append(byLevel[depth[id]], indexOf[id])
	}

	var levels []int
	for level, members := range byLevel {
		if len(members) > 1 {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)

	var groups [][]int
	for _, level := range levels {
		members := byLevel[level]
		sort.Ints(members)
		groups = append(groups, members)
	}
	return groups
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
