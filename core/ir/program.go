package ir

import (
	"encoding/json"
	"fmt"
)

// InstructionByIndex returns the instruction with the given index
func (p *Program) InstructionByIndex(idx int) (*Instruction, bool) {
	for i := range p.Instructions {
		if p.Instructions[i].Index == idx {
			return &p.Instructions[i], true
		}
	}
	return nil, false
}

// GroupOf returns the parallelization group containing idx, or nil
func (p *Program) GroupOf(idx int) []int {
	for _, group := range p.ParallelizationGroups {
		for _, member := range group {
			if member == idx {
				return group
			}
		}
	}
	return nil
}

// SameGroup reports whether two instruction indices share a parallelization group
func (p *Program) SameGroup(a, b int) bool {
	group := p.GroupOf(a)
	for _, member := range group {
		if member == b {
			return true
		}
	}
	return false
}

// Validate enforces the program invariants:
//   - the dependency graph is a DAG
//   - instruction_order is a topological order of that graph and covers
//     every instruction exactly once
//   - every src register is defined by an earlier-ordered instruction
//     (or is the input register)
//   - every register is written at most once, and never by two members of
//     the same parallelization group
//   - every CALL_SERVICE names a service
//   - every vault slot carries a path
func (p *Program) Validate() error {
	byIndex := make(map[int]*Instruction, len(p.Instructions))
	for i := range p.Instructions {
		in := &p.Instructions[i]
		if _, dup := byIndex[in.Index]; dup {
			return fmt.Errorf("duplicate instruction index %d", in.Index)
		}
		byIndex[in.Index] = in
	}

	if len(p.InstructionOrder) != len(p.Instructions) {
		return fmt.Errorf("instruction_order covers %d of %d instructions",
			len(p.InstructionOrder), len(p.Instructions))
	}

	orderPos := make(map[int]int, len(p.InstructionOrder))
	for pos, idx := range p.InstructionOrder {
		if _, ok := byIndex[idx]; !ok {
			return fmt.Errorf("instruction_order references unknown instruction %d", idx)
		}
		if _, dup := orderPos[idx]; dup {
			return fmt.Errorf("instruction %d appears twice in instruction_order", idx)
		}
		orderPos[idx] = pos
	}

	// Cycle detection over the dependency graph
	if err := p.checkAcyclic(byIndex); err != nil {
		return err
	}

	// instruction_order must respect every dependency edge
	for idx, preds := range p.DependencyGraph {
		for _, pred := range preds {
			if _, ok := byIndex[pred]; !ok {
				return fmt.Errorf("instruction %d depends on unknown instruction %d", idx, pred)
			}
			if orderPos[pred] >= orderPos[idx] {
				return fmt.Errorf("instruction %d ordered before its predecessor %d", idx, pred)
			}
		}
	}

	// Register discipline: defined-before-use, single writer, no shared dest
	// inside a parallelization group
	definedAt := make(map[int]int) // register -> order position of defining instruction
	writerOf := make(map[int]int)  // register -> instruction index

	for pos, idx := range p.InstructionOrder {
		in := byIndex[idx]

		for _, src := range in.Src {
			if src == p.InputRegister {
				continue
			}
			defPos, ok := definedAt[src]
			if !ok || defPos >= pos {
				return fmt.Errorf("instruction %d reads register r%d before it is defined", idx, src)
			}
		}

		if in.Dest != nil {
			dest := *in.Dest
			if dest < 0 || dest >= NumRegisters {
				return fmt.Errorf("instruction %d writes out-of-range register r%d", idx, dest)
			}
			if prev, written := writerOf[dest]; written {
				if p.SameGroup(prev, idx) {
					return fmt.Errorf("register r%d written by instructions %d and %d in the same parallel group",
						dest, prev, idx)
				}
				return fmt.Errorf("register r%d written twice (instructions %d and %d)", dest, prev, idx)
			}
			writerOf[dest] = idx
			definedAt[dest] = pos
		}

		switch in.Opcode {
		case OpCallService, OpCallAction:
			if in.ServiceID == "" {
				return fmt.Errorf("instruction %d (%s) has no service id", idx, in.Opcode)
			}
		case OpValidate:
			if in.SchemaID == "" {
				return fmt.Errorf("VALIDATE instruction %d has no schema id", idx)
			}
		case OpBranch:
			if in.TargetInstruction == nil {
				return fmt.Errorf("BRANCH instruction %d has no target", idx)
			}
			if _, ok := byIndex[*in.TargetInstruction]; !ok {
				return fmt.Errorf("BRANCH instruction %d targets unknown instruction %d", idx, *in.TargetInstruction)
			}
		case OpLoop:
			if in.Loop == nil {
				return fmt.Errorf("LOOP instruction %d has no loop operands", idx)
			}
			if in.Loop.MaxIterations <= 0 {
				return fmt.Errorf("LOOP instruction %d: max_iterations must be > 0", idx)
			}
		}

		for _, slot := range in.VaultSlots {
			if slot.VaultPath == "" {
				return fmt.Errorf("instruction %d: vault slot %q has no path", idx, slot.SlotID)
			}
		}
	}

	// Parallelization groups may only contain known, mutually independent
	// instructions
	for gi, group := range p.ParallelizationGroups {
		for _, a := range group {
			if _, ok := byIndex[a]; !ok {
				return fmt.Errorf("parallel group %d references unknown instruction %d", gi, a)
			}
			for _, b := range group {
				if a == b {
					continue
				}
				if p.dependsOn(a, b) {
					return fmt.Errorf("parallel group %d members %d and %d are not independent", gi, a, b)
				}
			}
		}
	}

	return nil
}

// checkAcyclic runs a DFS cycle check over the dependency graph
func (p *Program) checkAcyclic(byIndex map[int]*Instruction) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[int]int, len(byIndex))

	var visit func(idx int) error
	visit = func(idx int) error {
		color[idx] = grey
		for _, pred := range p.DependencyGraph[idx] {
			switch color[pred] {
			case grey:
				return fmt.Errorf("dependency graph cycle through instruction %d", pred)
			case white:
				if err := visit(pred); err != nil {
					return err
				}
			}
		}
		color[idx] = black
		return nil
	}

	for idx := range byIndex {
		if color[idx] == white {
			if err := visit(idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// dependsOn reports whether a transitively depends on b
func (p *Program) dependsOn(a, b int) bool {
	seen := make(map[int]bool)
	var walk func(idx int) bool
	walk = func(idx int) bool {
		if seen[idx] {
			return false
		}
		seen[idx] = true
		for _, pred := range p.DependencyGraph[idx] {
			if pred == b || walk(pred) {
				return true
			}
		}
		return false
	}
	return walk(a)
}

// Marshal serializes the program to JSON (the persisted irBinary form)
func (p *Program) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal IR program: %w", err)
	}
	return data, nil
}

// Unmarshal parses a persisted irBinary back into a program
func Unmarshal(data []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal IR program: %w", err)
	}
	return &p, nil
}
