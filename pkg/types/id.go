// Package types defines the core data model shared by every subsystem:
// service and workflow identities, triggers, envelopes, packets, and the
// normalized trigger actions that flow through the dispatcher.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
)

// ServiceID is the content-derived identity of a service: the hex SHA-256
// of the RFC 8785 canonical form of its manifest's identity fields (name
// and service manager). It is stable across upgrades because upgrades
// replace workflows and URI, not those identity fields.
type ServiceID string

// WorkflowID names a workflow within a service.
type WorkflowID string

// ChainName identifies a configured chain, e.g. "evm:mainnet" or
// "cosmos:neutron". The prefix selects the trigger/submission transport.
type ChainName string

// Digest is a content address for a Wasm component: "sha256:<hex>".
type Digest string

var workflowIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks the workflow id character set.
func (w WorkflowID) Validate() error {
	if !workflowIDPattern.MatchString(string(w)) {
		return fmt.Errorf("invalid workflow id %q", string(w))
	}
	return nil
}

// Validate checks that the id is a 64-char lowercase hex string.
func (s ServiceID) Validate() error {
	if len(s) != 64 {
		return fmt.Errorf("service id must be 64 hex chars, got %d", len(s))
	}
	if _, err := hex.DecodeString(string(s)); err != nil {
		return fmt.Errorf("service id is not hex: %w", err)
	}
	if strings.ToLower(string(s)) != string(s) {
		return fmt.Errorf("service id must be lowercase hex")
	}
	return nil
}

// DigestOf computes the content address of a Wasm binary.
func DigestOf(wasm []byte) Digest {
	sum := sha256.Sum256(wasm)
	return Digest("sha256:" + hex.EncodeToString(sum[:]))
}

// Validate checks the digest shape.
func (d Digest) Validate() error {
	rest, ok := strings.CutPrefix(string(d), "sha256:")
	if !ok {
		return fmt.Errorf("digest %q missing sha256: prefix", string(d))
	}
	if len(rest) != 64 {
		return fmt.Errorf("digest %q has wrong length", string(d))
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return fmt.Errorf("digest %q is not hex: %w", string(d), err)
	}
	return nil
}

// Hex returns the bare hex portion of the digest.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), "sha256:")
}

// DeriveServiceID hashes the RFC 8785 canonical JSON of v.
// Manifests that differ only in key order or whitespace produce the
// same id.
func DeriveServiceID(v any) (ServiceID, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return ServiceID(hex.EncodeToString(sum[:])), nil
}

// IsEVM reports whether the chain uses the EVM transport.
func (c ChainName) IsEVM() bool { return strings.HasPrefix(string(c), "evm:") }

// IsCosmos reports whether the chain uses the Cosmos transport.
func (c ChainName) IsCosmos() bool { return strings.HasPrefix(string(c), "cosmos:") }
