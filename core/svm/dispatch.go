package svm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/preload"
	"github.com/mbathe/eyeflow-sub003/core/vault"
)

// Dispatcher invokes preloaded services. The I/O contract is JSON in both
// directions for every format.
type Dispatcher struct {
	preloader *preload.Preloader
	vault     vault.Resolver
	client    *http.Client
	log       *logger.Logger
}

// NewDispatcher wires service dispatch over a preloader and a secret resolver
func NewDispatcher(p *preload.Preloader, v vault.Resolver, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		preloader: p,
		vault:     v,
		client:    &http.Client{},
		log:       log,
	}
}

// ResolveSlots fills the instruction's vault slot map right before
// dispatch. Nil when the instruction carries no slots or no resolver is
// wired.
func (d *Dispatcher) ResolveSlots(ctx context.Context, in *ir.Instruction) (map[string]string, error) {
	if len(in.VaultSlots) == 0 {
		return nil, nil
	}
	if d.vault == nil {
		return nil, fmt.Errorf("instruction %d needs vault slots but no resolver is wired", in.Index)
	}
	return d.vault.ResolveSlots(ctx, in.VaultSlots)
}

// ClearSecrets evicts every secret resolved since the last clear. The
// executor calls this after each execution.
func (d *Dispatcher) ClearSecrets(ctx context.Context) {
	if d.vault != nil {
		d.vault.ClearCache(ctx)
	}
}

// Call invokes one service with a JSON input and returns its JSON output.
// The timeout from dispatch metadata bounds the whole call. Secrets reach
// the service through its transport (environment for WASM and native
// binaries, headers for HTTP endpoints) and never appear in the output.
func (d *Dispatcher) Call(ctx context.Context, set *preload.Set, in *ir.Instruction, input []byte, secrets map[string]string) ([]byte, error) {
	handle, ok := set.Handle(in.ServiceID, in.ServiceVersion)
	if !ok {
		return nil, fmt.Errorf("service %s@%s not in preload set", in.ServiceID, in.ServiceVersion)
	}

	dispatch := in.Dispatch
	if dispatch == nil {
		return nil, fmt.Errorf("instruction %d has no dispatch metadata", in.Index)
	}

	if dispatch.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(dispatch.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	switch dispatch.Format {
	case ir.FormatWASM:
		return d.callWASM(ctx, handle, input, secrets)
	case ir.FormatMCP:
		return d.callMCP(ctx, handle, dispatch, input, secrets)
	case ir.FormatNative:
		return d.callNative(ctx, handle, dispatch, input, secrets)
	case ir.FormatContainer:
		return d.callContainer(ctx, handle, dispatch, input, secrets)
	default:
		return nil, fmt.Errorf("unknown dispatch format %q", dispatch.Format)
	}
}

// callWASM instantiates the compiled module as a WASI command: input on
// stdin, output on stdout. Each call gets a fresh instance, so module
// state cannot leak between instructions.
func (d *Dispatcher) callWASM(ctx context.Context, h *preload.Handle, input []byte, secrets map[string]string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, allows concurrent instances
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for slot, value := range secrets {
		cfg = cfg.WithEnv("VAULT_SLOT_"+slotEnvName(slot), value)
	}

	mod, err := d.preloader.Runtime().InstantiateModule(ctx, h.Compiled, cfg)
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("wasm module failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
		}
		return nil, fmt.Errorf("wasm module failed: %w", err)
	}
	mod.Close(ctx)

	return stdout.Bytes(), nil
}

// callMCP issues a JSON-RPC tools/call against the endpoint
func (d *Dispatcher) callMCP(ctx context.Context, h *preload.Handle, dispatch *ir.DispatchMetadata, input []byte, secrets map[string]string) ([]byte, error) {
	method := dispatch.Method
	if method == "" {
		return nil, fmt.Errorf("mcp dispatch needs a tool name")
	}

	rpcReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      method,
			"arguments": json.RawMessage(input),
		},
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatch.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setSlotHeaders(req, secrets)
	if err := d.authorize(ctx, req, dispatch); err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp call: endpoint returned %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp call: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp call: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// callNative runs the preloaded binary with input on stdin
func (d *Dispatcher) callNative(ctx context.Context, h *preload.Handle, dispatch *ir.DispatchMetadata, input []byte, secrets map[string]string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.BinaryPath)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	env := make([]string, 0, len(dispatch.ContainerEnv)+len(secrets)+1)
	for k, v := range dispatch.ContainerEnv {
		env = append(env, k+"="+v)
	}
	for slot, value := range secrets {
		env = append(env, "VAULT_SLOT_"+slotEnvName(slot)+"="+value)
	}
	if dispatch.CredentialsVaultPath != "" {
		cred, err := d.vault.Resolve(ctx, dispatch.CredentialsVaultPath)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
		env = append(env, "SERVICE_CREDENTIALS="+cred)
	}
	cmd.Env = env

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("native service failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
		}
		return nil, fmt.Errorf("native service failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// callContainer posts to the HTTP endpoint the running container exposes;
// the image itself was digest-pinned at preload time
func (d *Dispatcher) callContainer(ctx context.Context, h *preload.Handle, dispatch *ir.DispatchMetadata, input []byte, secrets map[string]string) ([]byte, error) {
	if dispatch.EndpointURL == "" {
		return nil, fmt.Errorf("container service %s has no endpoint", h.Service.Entry.ServiceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatch.EndpointURL, bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Image-Digest", h.ImageDigest)
	setSlotHeaders(req, secrets)
	if err := d.authorize(ctx, req, dispatch); err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("container call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("container call: endpoint returned %d", resp.StatusCode)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("container call: read response: %w", err)
	}
	return out.Bytes(), nil
}

// authorize injects resolved credentials as a bearer token. Secrets live
// only in the outbound request, never in registers or audit payloads.
func (d *Dispatcher) authorize(ctx context.Context, req *http.Request, dispatch *ir.DispatchMetadata) error {
	if dispatch.CredentialsVaultPath == "" {
		return nil
	}
	cred, err := d.vault.Resolve(ctx, dispatch.CredentialsVaultPath)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(cred))
	return nil
}

// setSlotHeaders attaches resolved slots to an HTTP call as
// X-Vault-Slot-<id> headers
func setSlotHeaders(req *http.Request, secrets map[string]string) {
	for slot, value := range secrets {
		req.Header.Set("X-Vault-Slot-"+slot, value)
	}
}

// slotEnvName maps a slot id to its environment variable suffix:
// "db-password" -> "DB_PASSWORD"
func slotEnvName(slot string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, slot)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
