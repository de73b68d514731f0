package rulec

import "fmt"

// Severity grades a diagnostic
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one finding from a validation pass
type Diagnostic struct {
	Severity   Severity `json:"severity"`
	Code       string   `json:"code"`
	NodeID     string   `json:"node_id,omitempty"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Diagnostic codes, grouped by the pass that emits them
const (
	// Pass 1: structure
	CodeDuplicateNode  = "E1001"
	CodeUnknownDep     = "E1002"
	CodeCycle          = "E1003"
	CodeUnknownType    = "E1004"
	CodeBadTarget      = "E1005"
	CodeBadLoop        = "E1006"
	CodeEmptyDAG       = "E1007"
	CodeBadOutput      = "E1008"

	// Pass 2: policy
	CodeConnectorDenied = "E2001"
	CodeFunctionDenied  = "E2002"
	CodeTriggerDenied   = "E2003"
	CodeUnknownFunction = "E2004"

	// Pass 3: manifest
	CodeServiceNotFound = "E3001"
	CodeTrustViolation  = "E3002"
	CodeMissingService  = "E3003"

	// Pass 4: expressions and schemas
	CodeBadPredicate = "E4001"
	CodeBadSchema    = "E4002"
	CodeMissingSchema = "E4003"

	// Pass 5: limits
	CodeRegisterOverflow = "E5001"
	CodeLoopUnbounded    = "E5002"
	CodeSlowWorkflow     = "W5003"
)

// Diagnostics collects findings across passes
type Diagnostics []Diagnostic

// HasErrors reports whether any error-severity diagnostic is present
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (ds *Diagnostics) errorf(code, nodeID, format string, args ...interface{}) {
	*ds = append(*ds, Diagnostic{
		Severity: SeverityError,
		Code:     code,
		NodeID:   nodeID,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (ds *Diagnostics) errorWithSuggestion(code, nodeID, message, suggestion string) {
	*ds = append(*ds, Diagnostic{
		Severity:   SeverityError,
		Code:       code,
		NodeID:     nodeID,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (ds *Diagnostics) warnf(code, nodeID, format string, args ...interface{}) {
	*ds = append(*ds, Diagnostic{
		Severity: SeverityWarning,
		Code:     code,
		NodeID:   nodeID,
		Message:  fmt.Sprintf(format, args...),
	})
}
