// Package manifest holds the process-wide service manifest: the immutable
// table of every service a workflow may call, and the resolver that binds
// CALL_SERVICE instructions to dispatch metadata.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mbathe/eyeflow-sub003/core/ir"
)

var (
	// ErrServiceNotFound means the (id, version) pair is absent from the table
	ErrServiceNotFound = errors.New("service not found")
	// ErrTrustViolation means the service's trust level is below project policy
	ErrTrustViolation = errors.New("service trust level below project policy")
)

// Entry is one immutable manifest row, unique by (ServiceID, Version)
type Entry struct {
	ServiceID  string           `json:"service_id"`
	Version    string           `json:"version"` // semver
	Format     ir.ServiceFormat `json:"format"`
	URL        string           `json:"url"`
	TrustLevel ir.TrustLevel    `json:"trust_level"`

	// Typed signatures
	Inputs  json.RawMessage `json:"inputs,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty"`

	// Dispatch defaults
	Method           string `json:"method,omitempty"`
	DefaultTimeoutMS int    `json:"default_timeout_ms,omitempty"`

	// Expected hex SHA-256 of the artifact (WASM module or native binary);
	// empty skips integrity checking
	ArtifactSHA256 string `json:"artifact_sha256,omitempty"`
}

// ResolvedService pairs a manifest entry with the dispatch metadata derived
// for one instruction reference
type ResolvedService struct {
	Entry    Entry               `json:"entry"`
	Dispatch ir.DispatchMetadata `json:"dispatch"`
}

// Registry is the in-process manifest table. Registration happens at
// startup; afterwards the table is read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry // key: id@version
	sealed  bool
}

// NewRegistry creates an empty manifest registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

func key(serviceID, version string) string {
	return serviceID + "@" + version
}

// Register adds an entry. Fails after Seal or on duplicate (id, version).
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("manifest registry is sealed")
	}
	k := key(e.ServiceID, e.Version)
	if _, dup := r.entries[k]; dup {
		return fmt.Errorf("duplicate manifest entry %s", k)
	}
	r.entries[k] = e
	return nil
}

// Seal makes the table read-only
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup returns the entry for (serviceID, version)
func (r *Registry) Lookup(serviceID, version string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key(serviceID, version)]
	if !ok {
		return Entry{}, fmt.Errorf("service %s@%s not found: %w", serviceID, version, ErrServiceNotFound)
	}
	return e, nil
}

// Resolution is the output of resolving one IR program
type Resolution struct {
	// Services deduplicated by (id, version), in first-reference order
	Services []ResolvedService
}

// Resolve annotates every CALL_SERVICE and CALL_ACTION instruction of the
// program with dispatch metadata from the manifest and returns the
// deduplicated resolved-service list.
//
// Deterministic: instructions are visited in index order, so the same
// program and the same manifest always produce byte-identical annotations.
func (r *Registry) Resolve(program *ir.Program, minTrust ir.TrustLevel) (*Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := &Resolution{}
	seen := make(map[string]bool)

	for i := range program.Instructions {
		in := &program.Instructions[i]
		if in.Opcode != ir.OpCallService && in.Opcode != ir.OpCallAction {
			continue
		}

		entry, ok := r.entries[key(in.ServiceID, in.ServiceVersion)]
		if !ok {
			return nil, fmt.Errorf("instruction %d: service %s@%s not found: %w",
				in.Index, in.ServiceID, in.ServiceVersion, ErrServiceNotFound)
		}

		if entry.TrustLevel.Rank() < minTrust.Rank() {
			return nil, fmt.Errorf("instruction %d: service %s@%s has trust %q, project requires at least %q: %w",
				in.Index, in.ServiceID, in.ServiceVersion, entry.TrustLevel, minTrust, ErrTrustViolation)
		}

		dispatch := dispatchFor(entry, in)
		in.Dispatch = &dispatch

		k := key(entry.ServiceID, entry.Version)
		if !seen[k] {
			seen[k] = true
			res.Services = append(res.Services, ResolvedService{
				Entry:    entry,
				Dispatch: dispatch,
			})
		}
	}

	return res, nil
}

// dispatchFor derives dispatch metadata for one instruction reference,
// keeping any per-instruction overrides already present
func dispatchFor(entry Entry, in *ir.Instruction) ir.DispatchMetadata {
	d := ir.DispatchMetadata{
		Format:      entry.Format,
		Method:      entry.Method,
		EndpointURL: entry.URL,
		TimeoutMS:   entry.DefaultTimeoutMS,
	}
	if in.Dispatch != nil {
		// Per-instruction timeout override dominates the manifest default
		if in.Dispatch.TimeoutMS > 0 {
			d.TimeoutMS = in.Dispatch.TimeoutMS
		}
		if in.Dispatch.CredentialsVaultPath != "" {
			d.CredentialsVaultPath = in.Dispatch.CredentialsVaultPath
		}
		if len(in.Dispatch.ContainerEnv) > 0 {
			d.ContainerEnv = in.Dispatch.ContainerEnv
		}
	}
	return d
}
