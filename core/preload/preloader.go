// Package preload warms every service a workflow version references before
// the version may activate: WASM modules are fetched and compiled, MCP
// endpoints handshaked, native binaries stat-checked and container images
// digest-resolved. A version whose preload set is not fully healthy cannot
// run.
package preload

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mbathe/eyeflow-sub003/common/canonical"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
)

// Handle is one warmed service, ready for dispatch
type Handle struct {
	Service  manifest.ResolvedService
	LoadedAt time.Time

	// Hex SHA-256 of the fetched artifact (WASM and NATIVE formats)
	Checksum string

	// Compiled module for WASM services
	Compiled wazero.CompiledModule

	// Resolved image digest for CONTAINER services
	ImageDigest string

	// Local binary path for NATIVE services
	BinaryPath string
}

// Set is the sealed preload result for one workflow version. Checksum is
// the hex SHA-256 over the canonical JSON of the program and its resolved
// services; Signature is the node's Ed25519 signature over that checksum.
type Set struct {
	VersionID string
	Handles   map[string]*Handle // key: serviceId@version
	SealedAt  time.Time
	Checksum  string
	Signature string
}

// Handle returns the warmed handle for (serviceID, version)
func (s *Set) Handle(serviceID, version string) (*Handle, bool) {
	h, ok := s.Handles[serviceID+"@"+version]
	return h, ok
}

// Verify checks the seal against a verification key
func (s *Set) Verify(pub ed25519.PublicKey) error {
	if s.Checksum == "" || s.Signature == "" {
		return fmt.Errorf("preload set %s is not sealed", s.VersionID)
	}
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("preload set %s: bad seal encoding", s.VersionID)
	}
	if !ed25519.Verify(pub, []byte(s.Checksum), sig) {
		return fmt.Errorf("preload set %s: seal verification failed", s.VersionID)
	}
	return nil
}

// Preloader loads and health-checks service artifacts
type Preloader struct {
	log     *logger.Logger
	client  *http.Client
	runtime wazero.Runtime
	key     ed25519.PrivateKey

	mu   sync.Mutex
	sets map[string]*Set // version id -> sealed set
}

// New creates a preloader with a shared WASM runtime. WASI is instantiated
// so command modules can use stdin/stdout for their I/O contract. key signs
// each sealed set.
func New(ctx context.Context, key ed25519.PrivateKey, log *logger.Logger) *Preloader {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &Preloader{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		runtime: r,
		key:     key,
		sets:    make(map[string]*Set),
	}
}

// Runtime exposes the shared WASM runtime for module instantiation at
// dispatch time
func (p *Preloader) Runtime() wazero.Runtime {
	return p.runtime
}

// Preload warms every resolved service for a version and seals the set
// over the program it was resolved for. Any single failure fails the whole
// preload; partial sets are discarded.
func (p *Preloader) Preload(ctx context.Context, versionID string, program *ir.Program, res *manifest.Resolution) (*Set, error) {
	set := &Set{
		VersionID: versionID,
		Handles:   make(map[string]*Handle, len(res.Services)),
	}

	for _, svc := range res.Services {
		h, err := p.loadOne(ctx, svc)
		if err != nil {
			p.releaseSet(ctx, set)
			return nil, fmt.Errorf("preload %s@%s: %w", svc.Entry.ServiceID, svc.Entry.Version, err)
		}
		set.Handles[svc.Entry.ServiceID+"@"+svc.Entry.Version] = h
		p.log.Info("service preloaded",
			"service", svc.Entry.ServiceID, "version", svc.Entry.Version,
			"format", svc.Entry.Format)
	}

	if err := p.seal(set, program, res); err != nil {
		p.releaseSet(ctx, set)
		return nil, err
	}
	set.SealedAt = time.Now().UTC()

	p.mu.Lock()
	p.sets[versionID] = set
	p.mu.Unlock()
	return set, nil
}

// seal computes the set checksum over the canonical JSON of the program and
// resolved services and signs it. Identical inputs produce an identical
// checksum, so a re-preload of the same version is detectable as such.
func (p *Preloader) seal(set *Set, program *ir.Program, res *manifest.Resolution) error {
	checksum, err := canonical.Hash(struct {
		IRProgram        *ir.Program                `json:"irProgram"`
		ResolvedServices []manifest.ResolvedService `json:"resolvedServices"`
	}{program, res.Services})
	if err != nil {
		return fmt.Errorf("seal preload set: %w", err)
	}
	set.Checksum = checksum
	if p.key != nil {
		set.Signature = hex.EncodeToString(ed25519.Sign(p.key, []byte(checksum)))
	}
	return nil
}

// Get returns the sealed set for a version
func (p *Preloader) Get(versionID string) (*Set, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sets[versionID]
	return s, ok
}

// Release drops a version's preload set and frees its compiled modules
func (p *Preloader) Release(ctx context.Context, versionID string) {
	p.mu.Lock()
	set := p.sets[versionID]
	delete(p.sets, versionID)
	p.mu.Unlock()

	if set != nil {
		p.releaseSet(ctx, set)
	}
}

func (p *Preloader) releaseSet(ctx context.Context, set *Set) {
	for _, h := range set.Handles {
		if h.Compiled != nil {
			h.Compiled.Close(ctx)
		}
	}
}

// Close frees the WASM runtime and every outstanding set
func (p *Preloader) Close(ctx context.Context) error {
	p.mu.Lock()
	sets := p.sets
	p.sets = make(map[string]*Set)
	p.mu.Unlock()

	for _, set := range sets {
		p.releaseSet(ctx, set)
	}
	return p.runtime.Close(ctx)
}

func (p *Preloader) loadOne(ctx context.Context, svc manifest.ResolvedService) (*Handle, error) {
	h := &Handle{
		Service:  svc,
		LoadedAt: time.Now().UTC(),
	}

	switch svc.Entry.Format {
	case ir.FormatWASM:
		return h, p.loadWASM(ctx, svc.Entry, h)
	case ir.FormatMCP:
		return h, p.handshakeMCP(ctx, svc.Entry)
	case ir.FormatNative:
		return h, p.checkNative(svc.Entry, h)
	case ir.FormatContainer:
		return h, p.resolveContainer(svc.Entry, h)
	default:
		return nil, fmt.Errorf("unknown service format %q", svc.Entry.Format)
	}
}

// loadWASM fetches, integrity-checks and compiles the module
func (p *Preloader) loadWASM(ctx context.Context, e manifest.Entry, h *Handle) error {
	data, err := p.fetchArtifact(ctx, e.URL)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	h.Checksum = hex.EncodeToString(sum[:])
	if e.ArtifactSHA256 != "" && !strings.EqualFold(e.ArtifactSHA256, h.Checksum) {
		return fmt.Errorf("artifact checksum mismatch: manifest %s, fetched %s",
			e.ArtifactSHA256, h.Checksum)
	}

	compiled, err := p.runtime.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("compile wasm module: %w", err)
	}
	h.Compiled = compiled
	return nil
}

// handshakeMCP sends a JSON-RPC initialize request and expects a result
func (p *Preloader) handshakeMCP(ctx context.Context, e manifest.Entry) error {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"clientInfo":      map[string]string{"name": "eyeflow-svm"},
		},
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mcp handshake: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mcp handshake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp handshake: endpoint returned %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("mcp handshake: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp handshake: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("mcp handshake: empty result")
	}
	return nil
}

// checkNative verifies the binary exists and is executable
func (p *Preloader) checkNative(e manifest.Entry, h *Handle) error {
	path := strings.TrimPrefix(e.URL, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("native binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("native binary %s is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("native binary %s is not executable", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read native binary: %w", err)
	}
	sum := sha256.Sum256(data)
	h.Checksum = hex.EncodeToString(sum[:])
	if e.ArtifactSHA256 != "" && !strings.EqualFold(e.ArtifactSHA256, h.Checksum) {
		return fmt.Errorf("native binary checksum mismatch")
	}
	h.BinaryPath = path
	return nil
}

// resolveContainer pins the image reference to its current digest
func (p *Preloader) resolveContainer(e manifest.Entry, h *Handle) error {
	ref := strings.TrimPrefix(e.URL, "docker://")
	digest, err := crane.Digest(ref)
	if err != nil {
		return fmt.Errorf("resolve image %s: %w", ref, err)
	}
	h.ImageDigest = digest
	return nil
}

// fetchArtifact reads a module from a local path or an HTTP(S) URL
func (p *Preloader) fetchArtifact(ctx context.Context, url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch artifact: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch artifact: %s returned %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("read artifact: %w", err)
		}
		return data, nil
	}
}

// Healthy re-checks every handle of a sealed set. WASM handles stay healthy
// while compiled; MCP endpoints are pinged again.
func (p *Preloader) Healthy(ctx context.Context, set *Set) error {
	for key, h := range set.Handles {
		switch h.Service.Entry.Format {
		case ir.FormatWASM:
			if h.Compiled == nil {
				return fmt.Errorf("handle %s: compiled module released", key)
			}
		case ir.FormatMCP:
			if err := p.handshakeMCP(ctx, h.Service.Entry); err != nil {
				return fmt.Errorf("handle %s: %w", key, err)
			}
		case ir.FormatNative:
			if _, err := os.Stat(h.BinaryPath); err != nil {
				return fmt.Errorf("handle %s: %w", key, err)
			}
		}
	}
	return nil
}
