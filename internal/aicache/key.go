// Package aicache is a content-addressed cache for model calls. Entries are
// keyed by a digest of the prompt template, the normalized inputs and the
// model name.
package aicache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashKey derives the cache key for one logical request. Inputs are
// re-encoded with sorted object keys, so key order never changes the digest.
func HashKey(prompt string, inputs any, model string) (string, error) {
	canonical, err := canonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}
	envelope, err := json.Marshal(struct {
		Prompt string          `json:"prompt"`
		Inputs json.RawMessage `json:"inputs"`
		Model  string          `json:"model"`
	}{prompt, canonical, model})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := blake2b.Sum256(envelope)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(value any) (json.RawMessage, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
