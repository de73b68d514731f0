// Package validation checks RFC 6902 patch documents before they are
// applied to a version's DAG, rejecting malformed operations with messages
// that name the offending operation.
package validation

import (
	"encoding/json"
	"fmt"
)

// Node additions per patch are capped so a single patch cannot balloon a
// workflow past review
const maxAddedServiceNodes = 5

// PatchValidator validates JSON Patch operations against DAG definitions
type PatchValidator struct{}

// NewPatchValidator creates a new patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// ValidateDocument decodes and validates a raw patch document
func (v *PatchValidator) ValidateDocument(doc json.RawMessage) error {
	var operations []map[string]interface{}
	if err := json.Unmarshal(doc, &operations); err != nil {
		return fmt.Errorf("patch document is not a JSON array of operations: %w", err)
	}
	if len(operations) == 0 {
		return fmt.Errorf("patch document is empty")
	}
	return v.ValidateOperations(operations)
}

// ValidateOperations validates all patch operations
func (v *PatchValidator) ValidateOperations(operations []map[string]interface{}) error {
	added := 0

	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}

		if op["op"] == "add" && op["path"] == "/nodes/-" {
			if value, ok := op["value"].(map[string]interface{}); ok {
				if nodeType, ok := value["type"].(string); ok &&
					(nodeType == "service" || nodeType == "action") {
					added++
				}
			}
		}
	}

	if added > maxAddedServiceNodes {
		return fmt.Errorf("patch adds %d service nodes, limit is %d per patch", added, maxAddedServiceNodes)
	}
	return nil
}

// validateOperation validates a single operation
func (v *PatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}

	switch opType {
	case "add", "replace":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}
		if path == "/nodes/-" {
			if err := v.validateNodeValue(op["value"], index); err != nil {
				return err
			}
		}

	case "remove", "test":
		return nil

	case "move", "copy":
		if _, ok := op["from"].(string); !ok {
			return fmt.Errorf("operation %d: 'from' required for %s operation", index, opType)
		}

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}

// validateNodeValue validates a node value added by a patch
func (v *PatchValidator) validateNodeValue(value interface{}, opIndex int) error {
	nodeValue, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("operation %d: node value must be an object, got %T", opIndex, value)
	}

	if _, ok := nodeValue["id"].(string); !ok {
		return fmt.Errorf("operation %d: node must have 'id' field (string)", opIndex)
	}
	if _, ok := nodeValue["type"].(string); !ok {
		return fmt.Errorf("operation %d: node must have 'type' field (string)", opIndex)
	}

	// depends_on, when present, must be a list of node ids
	if deps, exists := nodeValue["depends_on"]; exists {
		list, ok := deps.([]interface{})
		if !ok {
			return fmt.Errorf("operation %d: node 'depends_on' must be an array, got %T", opIndex, deps)
		}
		for _, d := range list {
			if _, ok := d.(string); !ok {
				return fmt.Errorf("operation %d: 'depends_on' entries must be strings, got %T", opIndex, d)
			}
		}
	}

	return nil
}
