package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/core/ir"
)

func dest(v int) *int { return &v }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Entry{
		ServiceID: "inventory", Version: "1.2.0",
		Format: ir.FormatMCP, URL: "http://inventory:8080",
		TrustLevel: ir.TrustHigh, Method: "check_stock", DefaultTimeoutMS: 3000,
	}))
	require.NoError(t, r.Register(Entry{
		ServiceID: "notifier", Version: "0.4.1",
		Format: ir.FormatWASM, URL: "file:///srv/wasm/notifier.wasm",
		TrustLevel: ir.TrustLow,
	}))
	return r
}

func callProgram(services ...[2]string) *ir.Program {
	p := &ir.Program{
		DependencyGraph: map[int][]int{},
		InputRegister:   0,
	}
	for i, s := range services {
		p.Instructions = append(p.Instructions, ir.Instruction{
			Index: i, Opcode: ir.OpCallService, Dest: dest(i + 1), Src: []int{0},
			ServiceID: s[0], ServiceVersion: s[1],
		})
		p.InstructionOrder = append(p.InstructionOrder, i)
	}
	return p
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	r := testRegistry(t)
	err := r.Register(Entry{ServiceID: "inventory", Version: "1.2.0", TrustLevel: ir.TrustHigh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegister_FailsAfterSeal(t *testing.T) {
	r := testRegistry(t)
	r.Seal()
	err := r.Register(Entry{ServiceID: "late", Version: "1.0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
}

func TestLookup(t *testing.T) {
	r := testRegistry(t)

	e, err := r.Lookup("inventory", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, ir.FormatMCP, e.Format)

	_, err = r.Lookup("inventory", "9.9.9")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolve_AnnotatesDispatchMetadata(t *testing.T) {
	r := testRegistry(t)
	p := callProgram([2]string{"inventory", "1.2.0"})

	res, err := r.Resolve(p, ir.TrustLow)
	require.NoError(t, err)
	require.Len(t, res.Services, 1)

	d := p.Instructions[0].Dispatch
	require.NotNil(t, d)
	assert.Equal(t, ir.FormatMCP, d.Format)
	assert.Equal(t, "check_stock", d.Method)
	assert.Equal(t, "http://inventory:8080", d.EndpointURL)
	assert.Equal(t, 3000, d.TimeoutMS)
}

func TestResolve_DeduplicatesRepeatedReferences(t *testing.T) {
	r := testRegistry(t)
	p := callProgram(
		[2]string{"inventory", "1.2.0"},
		[2]string{"notifier", "0.4.1"},
		[2]string{"inventory", "1.2.0"},
	)

	res, err := r.Resolve(p, ir.TrustLow)
	require.NoError(t, err)
	require.Len(t, res.Services, 2)
	assert.Equal(t, "inventory", res.Services[0].Entry.ServiceID)
	assert.Equal(t, "notifier", res.Services[1].Entry.ServiceID)
}

func TestResolve_UnknownServiceFails(t *testing.T) {
	r := testRegistry(t)
	p := callProgram([2]string{"ghost", "1.0.0"})

	_, err := r.Resolve(p, ir.TrustLow)
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolve_TrustPolicyEnforced(t *testing.T) {
	r := testRegistry(t)
	p := callProgram([2]string{"notifier", "0.4.1"})

	_, err := r.Resolve(p, ir.TrustMedium)
	require.ErrorIs(t, err, ErrTrustViolation)

	_, err = r.Resolve(callProgram([2]string{"notifier", "0.4.1"}), ir.TrustLow)
	require.NoError(t, err)
}

func TestResolve_PerInstructionTimeoutOverride(t *testing.T) {
	r := testRegistry(t)
	p := callProgram([2]string{"inventory", "1.2.0"})
	p.Instructions[0].Dispatch = &ir.DispatchMetadata{TimeoutMS: 500}

	_, err := r.Resolve(p, ir.TrustLow)
	require.NoError(t, err)
	assert.Equal(t, 500, p.Instructions[0].Dispatch.TimeoutMS)
	assert.Equal(t, "http://inventory:8080", p.Instructions[0].Dispatch.EndpointURL)
}
