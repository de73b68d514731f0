// Package audit maintains the per-node cryptographic audit chain: every
// event carries the hash of its predecessor, its own content hash and an
// Ed25519 signature over that hash.
package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/canonical"
	"github.com/mbathe/eyeflow-sub003/common/logger"
)

// GenesisHash is the previous-hash value of the first event of a chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event type vocabulary. Every event on the chain carries one of these.
const (
	EventExecutionStart            = "EXECUTION_START"
	EventExecutionComplete         = "EXECUTION_COMPLETE"
	EventActionTaken               = "ACTION_TAKEN"
	EventPhysicalAction            = "PHYSICAL_ACTION"
	EventFallbackTriggered         = "FALLBACK_TRIGGERED"
	EventLLMCall                   = "LLM_CALL"
	EventValidationPass            = "VALIDATION_PASS"
	EventValidationFail            = "VALIDATION_FAIL"
	EventLoopIteration             = "LOOP_ITERATION"
	EventLoopConverged             = "LOOP_CONVERGED"
	EventLoopTimeout               = "LOOP_TIMEOUT"
	EventPostconditionPassed       = "POSTCONDITION_PASSED"
	EventPostconditionFailed       = "POSTCONDITION_FAILED"
	EventVaultSecretFetched        = "VAULT_SECRET_FETCHED"
	EventHumanConfirmationRequired = "HUMAN_CONFIRMATION_REQUIRED"
	EventCancellationWindowExpired = "CANCELLATION_WINDOW_EXPIRED"
	EventSecurityAlert             = "SECURITY_ALERT"
)

// Event is one audit chain entry. Inputs and outputs are present only as
// SHA-256 hashes of their canonical JSON, never as values. SelfHash covers
// the canonical JSON of the event body with self_hash, signature and
// public_key removed; the signature is Ed25519 over the hex-encoded
// SelfHash.
type Event struct {
	EventID         string                 `json:"event_id"`
	SequenceNum     uint64                 `json:"sequence_num"`
	Timestamp       time.Time              `json:"timestamp"`
	NodeID          string                 `json:"node_id"`
	EventType       string                 `json:"event_type"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	WorkflowVersion *int                   `json:"workflow_version,omitempty"`
	ExecutionID     string                 `json:"execution_id,omitempty"`
	InstructionID   *int                   `json:"instruction_id,omitempty"`
	InputHash       string                 `json:"input_hash,omitempty"`
	OutputHash      string                 `json:"output_hash,omitempty"`
	DurationMS      int64                  `json:"duration_ms,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`

	PrevHash  string `json:"prev_hash"`
	SelfHash  string `json:"self_hash"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// body returns the event with the crypto envelope fields stripped, the
// form the self hash is computed over
func (e *Event) body() map[string]interface{} {
	m := map[string]interface{}{
		"event_id":     e.EventID,
		"sequence_num": e.SequenceNum,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"node_id":      e.NodeID,
		"event_type":   e.EventType,
		"prev_hash":    e.PrevHash,
	}
	if e.WorkflowID != "" {
		m["workflow_id"] = e.WorkflowID
	}
	if e.WorkflowVersion != nil {
		m["workflow_version"] = *e.WorkflowVersion
	}
	if e.ExecutionID != "" {
		m["execution_id"] = e.ExecutionID
	}
	if e.InstructionID != nil {
		m["instruction_id"] = *e.InstructionID
	}
	if e.InputHash != "" {
		m["input_hash"] = e.InputHash
	}
	if e.OutputHash != "" {
		m["output_hash"] = e.OutputHash
	}
	if e.DurationMS != 0 {
		m["duration_ms"] = e.DurationMS
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// ComputeSelfHash returns the hex SHA-256 of the event's canonical body
func (e *Event) ComputeSelfHash() (string, error) {
	return canonical.Hash(e.body())
}

// Chain appends and signs audit events for one node. Append is serialized;
// the chain head (sequence number and previous hash) advances atomically
// with each append.
type Chain struct {
	nodeID string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	pubHex string
	log    *logger.Logger

	mu       sync.Mutex
	seq      uint64
	prevHash string
	sink     func(*Event) error
}

// NewChain creates a chain for nodeID signing with priv. The sink receives
// every appended event (typically the exporter); a nil sink drops events
// after signing.
func NewChain(nodeID string, priv ed25519.PrivateKey, log *logger.Logger, sink func(*Event) error) *Chain {
	pub := priv.Public().(ed25519.PublicKey)
	return &Chain{
		nodeID:   nodeID,
		priv:     priv,
		pub:      pub,
		pubHex:   hex.EncodeToString(pub),
		log:      log,
		prevHash: GenesisHash,
		sink:     sink,
	}
}

// Resume positions the chain head after a restart
func (c *Chain) Resume(seq uint64, prevHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = seq
	c.prevHash = prevHash
}

// Head returns the current sequence number and head hash
func (c *Chain) Head() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.prevHash
}

// PublicKeyHex returns the node's verification key, hex-encoded
func (c *Chain) PublicKeyHex() string {
	return c.pubHex
}

// Entry is the caller-facing form of an event. Input and Output, when
// non-nil, are hashed through canonical JSON; the values themselves never
// reach the chain.
type Entry struct {
	EventType       string
	WorkflowID      string
	WorkflowVersion *int
	ExecutionID     string
	InstructionID   *int
	DurationMS      int64
	Input           interface{}
	Output          interface{}
	Details         map[string]interface{}
}

// Append signs and links a new event. The returned event is fully sealed:
// sequence number, prev hash, self hash and signature are set.
func (c *Chain) Append(entry Entry) (*Event, error) {
	var inputHash, outputHash string
	var err error
	if entry.Input != nil {
		if inputHash, err = canonical.Hash(entry.Input); err != nil {
			return nil, fmt.Errorf("hash event input: %w", err)
		}
	}
	if entry.Output != nil {
		if outputHash, err = canonical.Hash(entry.Output); err != nil {
			return nil, fmt.Errorf("hash event output: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	ev := &Event{
		EventID:         uuid.NewString(),
		SequenceNum:     c.seq,
		Timestamp:       time.Now().UTC(),
		NodeID:          c.nodeID,
		EventType:       entry.EventType,
		WorkflowID:      entry.WorkflowID,
		WorkflowVersion: entry.WorkflowVersion,
		ExecutionID:     entry.ExecutionID,
		InstructionID:   entry.InstructionID,
		InputHash:       inputHash,
		OutputHash:      outputHash,
		DurationMS:      entry.DurationMS,
		Details:         entry.Details,
		PrevHash:        c.prevHash,
		PublicKey:       c.pubHex,
	}

	selfHash, err := ev.ComputeSelfHash()
	if err != nil {
		c.seq--
		return nil, fmt.Errorf("hash audit event: %w", err)
	}
	ev.SelfHash = selfHash
	ev.Signature = hex.EncodeToString(ed25519.Sign(c.priv, []byte(selfHash)))

	c.prevHash = selfHash

	if c.sink != nil {
		if err := c.sink(ev); err != nil {
			// The event stays part of the chain; delivery is the sink's
			// problem to retry
			c.log.Warn("audit sink rejected event",
				"event_id", ev.EventID, "seq", ev.SequenceNum, "error", err)
		}
	}
	return ev, nil
}

// VerifyResult reports the outcome of a chain verification
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	FirstBrokenAt *int   `json:"first_broken_at,omitempty"` // slice position
	Reason        string `json:"reason,omitempty"`
}

// VerifyChain checks hash linkage, self hashes and signatures over a slice
// of events ordered by sequence number. The first event must link to
// prevHash (GenesisHash for a full chain).
func VerifyChain(events []*Event, prevHash string) VerifyResult {
	broken := func(i int, reason string) VerifyResult {
		return VerifyResult{Valid: false, Checked: i, FirstBrokenAt: &i, Reason: reason}
	}

	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return broken(i, fmt.Sprintf("event %s: prev_hash mismatch", ev.EventID))
		}

		selfHash, err := ev.ComputeSelfHash()
		if err != nil {
			return broken(i, fmt.Sprintf("event %s: %v", ev.EventID, err))
		}
		if selfHash != ev.SelfHash {
			return broken(i, fmt.Sprintf("event %s: self_hash mismatch", ev.EventID))
		}

		pub, err := hex.DecodeString(ev.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return broken(i, fmt.Sprintf("event %s: bad public key", ev.EventID))
		}
		sig, err := hex.DecodeString(ev.Signature)
		if err != nil {
			return broken(i, fmt.Sprintf("event %s: bad signature encoding", ev.EventID))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), []byte(ev.SelfHash), sig) {
			return broken(i, fmt.Sprintf("event %s: signature verification failed", ev.EventID))
		}

		prevHash = ev.SelfHash
	}
	return VerifyResult{Valid: true, Checked: len(events)}
}

// GenerateKey creates a fresh Ed25519 signing key
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return priv, nil
}

// ParsePrivateKeyPEM loads an Ed25519 private key from PEM ("PRIVATE KEY"
// block holding the raw 64-byte seed+public form, or a 32-byte seed)
func ParsePrivateKeyPEM(pemData string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signing key")
	}
	switch len(block.Bytes) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(block.Bytes), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(block.Bytes), nil
	default:
		return nil, fmt.Errorf("signing key has unexpected length %d", len(block.Bytes))
	}
}

// ParsePublicKeyPEM loads an Ed25519 public key from PEM
func ParsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has unexpected length %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// MarshalPrivateKeyPEM encodes a private key for storage in configuration
func MarshalPrivateKeyPEM(priv ed25519.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv}))
}
