package rulec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
)

func testManifest(t *testing.T) *manifest.Registry {
	t.Helper()
	reg := manifest.NewRegistry()
	require.NoError(t, reg.Register(manifest.Entry{
		ServiceID: "crm", Version: "2.0.0",
		Format: ir.FormatMCP, URL: "http://crm:9000",
		TrustLevel: ir.TrustHigh,
	}))
	require.NoError(t, reg.Register(manifest.Entry{
		ServiceID: "scraper", Version: "0.1.0",
		Format: ir.FormatContainer, URL: "registry.local/scraper:0.1.0",
		TrustLevel: ir.TrustLow,
	}))
	reg.Seal()
	return reg
}

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewCompiler(testManifest(t), priv, logger.New("error", "json"))
}

func testProject() *models.Project {
	return &models.Project{MinTrustLevel: string(ir.TrustLow)}
}

func compile(t *testing.T, c *Compiler, d *Definition, p *models.Project) *Output {
	t.Helper()
	out, err := c.Compile(context.Background(), Input{
		Definition: d,
		Project:    p,
		WorkflowID: "wf-1",
		Version:    1,
	})
	require.NoError(t, err)
	return out
}

func diagCodes(ds Diagnostics) []string {
	codes := make([]string, 0, len(ds))
	for _, d := range ds {
		codes = append(codes, d.Code)
	}
	return codes
}

func TestCompile_SimpleWorkflow(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "reorder",
		Nodes: []Node{
			{ID: "extract", Type: NodeTransform, Operands: json.RawMessage(`{"path":"order"}`)},
			{ID: "done", Type: NodeReturn, DependsOn: []string{"extract"}},
		},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors(), "diagnostics: %v", out.Diagnostics)
	require.NotNil(t, out.Program)
	assert.NotEmpty(t, out.IRBinary)
	assert.Len(t, out.Checksum, 64)
	assert.NotEmpty(t, out.Signature)
	assert.NotEmpty(t, out.SignatureKeyID)
	assert.Equal(t, "reorder", out.Program.Metadata.WorkflowName)
}

func TestCompile_SignatureVerifies(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := NewCompiler(testManifest(t), priv, logger.New("error", "json"))

	out := compile(t, c, &Definition{
		Name:  "signed",
		Nodes: []Node{{ID: "t", Type: NodeTransform}},
	}, testProject())
	require.False(t, out.Diagnostics.HasErrors())

	pub := priv.Public().(ed25519.PublicKey)
	require.NoError(t, VerifySignature(out.IRBinary, out.Checksum, out.Signature, pub))

	tampered := append([]byte{}, out.IRBinary...)
	tampered[0] ^= 0xff
	require.Error(t, VerifySignature(tampered, out.Checksum, out.Signature, pub))
}

func TestCompile_DetectsCycle(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "cyclic",
		Nodes: []Node{
			{ID: "a", Type: NodeTransform, DependsOn: []string{"b"}},
			{ID: "b", Type: NodeTransform, DependsOn: []string{"a"}},
		},
	}, testProject())

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeCycle)
	assert.Nil(t, out.Program)
}

func TestCompile_UnknownService(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "missing-svc",
		Nodes: []Node{
			{ID: "call", Type: NodeService, ServiceID: "ghost", ServiceVersion: "1.0.0"},
		},
	}, testProject())

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeServiceNotFound)
	assert.Contains(t, out.Diagnostics[0].Message, "not found")
}

func TestCompile_TrustViolation(t *testing.T) {
	c := testCompiler(t)
	project := &models.Project{MinTrustLevel: string(ir.TrustHigh)}

	out := compile(t, c, &Definition{
		Name: "untrusted",
		Nodes: []Node{
			{ID: "call", Type: NodeService, ServiceID: "scraper", ServiceVersion: "0.1.0"},
		},
	}, project)

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeTrustViolation)
}

func TestCompile_ConnectorPolicy(t *testing.T) {
	c := testCompiler(t)
	project := testProject()
	project.AllowedConnectorIDs = []string{"conn-slack"}

	slack := &models.Connector{
		Name: "slack",
		Functions: []models.ConnectorFunction{
			{ID: "fn-1", Name: "send_message"},
			{ID: "fn-2", Name: "list_channels"},
		},
	}

	// Unknown function gets a suggestion naming what the connector offers
	out, err := c.Compile(context.Background(), Input{
		Definition: &Definition{
			Name: "notify",
			Nodes: []Node{
				{ID: "post", Type: NodeTransform, ConnectorID: "conn-slack", FunctionID: "post_message"},
			},
		},
		Project:    project,
		Connectors: map[string]*models.Connector{"conn-slack": slack},
		WorkflowID: "wf-1",
		Version:    1,
	})
	require.NoError(t, err)
	require.True(t, out.Diagnostics.HasErrors())

	var found bool
	for _, d := range out.Diagnostics {
		if d.Code == CodeUnknownFunction {
			found = true
			assert.Contains(t, d.Suggestion, "send_message")
		}
	}
	assert.True(t, found)

	// A connector outside the allowed set is denied outright
	out, err = c.Compile(context.Background(), Input{
		Definition: &Definition{
			Name: "notify",
			Nodes: []Node{
				{ID: "post", Type: NodeTransform, ConnectorID: "conn-other"},
			},
		},
		Project:    project,
		WorkflowID: "wf-1",
		Version:    1,
	})
	require.NoError(t, err)
	assert.Contains(t, diagCodes(out.Diagnostics), CodeConnectorDenied)
}

func TestCompile_TriggerTypeDenied(t *testing.T) {
	c := testCompiler(t)
	project := testProject()
	project.AllowedTriggerTypes = []string{"cron"}

	out := compile(t, c, &Definition{
		Name:         "mqtt-flow",
		Nodes:        []Node{{ID: "t", Type: NodeTransform}},
		TriggerTypes: []string{"mqtt"},
	}, project)

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeTriggerDenied)
}

func TestCompile_BadPredicate(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "bad-expr",
		Nodes: []Node{
			{ID: "check", Type: NodeBranch, Predicate: "value >>> 1", Target: "check"},
		},
	}, testProject())

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeBadPredicate)
}

func TestCompile_LoopMustBeBounded(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "unbounded",
		Nodes: []Node{
			{ID: "body", Type: NodeTransform},
			{ID: "lp", Type: NodeLoop, DependsOn: []string{"body"},
				LoopBodyStart: "body", LoopBodyEnd: "body"},
		},
	}, testProject())

	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeLoopUnbounded)
}

func TestCompile_RegisterOverflow(t *testing.T) {
	c := testCompiler(t)

	d := &Definition{Name: "huge"}
	for i := 0; i < ir.NumRegisters+10; i++ {
		d.Nodes = append(d.Nodes, Node{
			ID: fmt.Sprintf("n%03d", i), Type: NodeTransform,
		})
	}

	out := compile(t, c, d, testProject())
	require.True(t, out.Diagnostics.HasErrors())
	assert.Contains(t, diagCodes(out.Diagnostics), CodeRegisterOverflow)
}

func TestCompile_DeterministicOrder(t *testing.T) {
	c := testCompiler(t)

	// Same-depth nodes are ordered lexicographically regardless of authoring
	// order, so recompilation yields the same instruction layout
	out := compile(t, c, &Definition{
		Name: "ordered",
		Nodes: []Node{
			{ID: "zeta", Type: NodeTransform, Operands: json.RawMessage(`{"path":"z"}`)},
			{ID: "alpha", Type: NodeTransform, Operands: json.RawMessage(`{"path":"a"}`)},
			{ID: "merge", Type: NodeTransform, DependsOn: []string{"alpha", "zeta"}},
		},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors(), "diagnostics: %v", out.Diagnostics)
	require.Len(t, out.Program.Instructions, 3)
	assert.JSONEq(t, `{"path":"a"}`, string(out.Program.Instructions[0].Operands))
	assert.JSONEq(t, `{"path":"z"}`, string(out.Program.Instructions[1].Operands))
}

func TestCompile_ParallelGroups(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "fanout",
		Nodes: []Node{
			{ID: "left", Type: NodeTransform},
			{ID: "right", Type: NodeTransform},
			{ID: "join", Type: NodeTransform, DependsOn: []string{"left", "right"}},
		},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors())
	require.Len(t, out.Program.ParallelizationGroups, 1)
	assert.Equal(t, []int{0, 1}, out.Program.ParallelizationGroups[0])
}

func TestCompile_SlowWorkflowWarning(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "slow",
		Nodes: []Node{
			{ID: "crunch", Type: NodeTransform, EstimatedMS: 90_000},
		},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors())
	require.NotNil(t, out.Program)
	assert.Contains(t, diagCodes(out.Diagnostics), CodeSlowWorkflow)
	assert.Equal(t, 90_000, out.EstimatedExecutionMS)
}

func TestCompile_ServiceCallResolved(t *testing.T) {
	c := testCompiler(t)
	out := compile(t, c, &Definition{
		Name: "crm-sync",
		Nodes: []Node{
			{ID: "sync", Type: NodeService, ServiceID: "crm", ServiceVersion: "2.0.0"},
		},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors(), "diagnostics: %v", out.Diagnostics)
	d := out.Program.Instructions[0].Dispatch
	require.NotNil(t, d)
	assert.Equal(t, ir.FormatMCP, d.Format)
	assert.Equal(t, "http://crm:9000", d.EndpointURL)
}

func TestCompile_UnsignedWithoutKey(t *testing.T) {
	c := NewCompiler(testManifest(t), nil, logger.New("error", "json"))
	out := compile(t, c, &Definition{
		Name:  "unsigned",
		Nodes: []Node{{ID: "t", Type: NodeTransform}},
	}, testProject())

	require.False(t, out.Diagnostics.HasErrors())
	assert.NotEmpty(t, out.Checksum)
	assert.Empty(t, out.Signature)
}
