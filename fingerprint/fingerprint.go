// Package fingerprint computes deterministic content hashes identifying a
// unit of work and its transitive inputs.
//
// A fingerprint is referentially transparent: identical logic plus identical
// input fingerprints yield an identical fingerprint on any machine, in any
// process, regardless of where the definition lives on disk. The cache layer
// relies on this to guarantee at-most-one execution per fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/BaSui01/dataforge/types"
)

// Fingerprint is a hex-encoded SHA-256 digest.
type Fingerprint string

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// WorkDefinition is the explicit, serializable description of one pipeline
// stage: a versioned registration key plus every literal the stage's logic
// captures. It replaces runtime introspection of code: any change to the
// stage's logic must be reflected as a Kind/Version bump or a literal change,
// and only those fields participate in the hash.
//
// Name and storage location deliberately do not appear here, so relocating or
// renaming a definition never changes its fingerprint.
type WorkDefinition struct {
	// Kind names the registered operation, e.g. "completion".
	Kind string `json:"kind"`
	// Version is bumped whenever the operation's logic changes.
	Version string `json:"version"`

	Model            string                 `json:"model"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	PromptTemplate   string                 `json:"prompt_template,omitempty"`
	GenerationParams types.GenerationParams `json:"generation_params"`
	ResponseSchema   json.RawMessage        `json:"response_schema,omitempty"`

	// Literals captures values closed over by the stage's prompt logic,
	// keyed by name. A changed literal changes the fingerprint.
	Literals map[string]string `json:"literals,omitempty"`
}

// Canonical returns the canonical serialized form of the definition.
// JSON object keys are emitted sorted and the response schema is normalized,
// so two semantically identical definitions always serialize identically.
func (d *WorkDefinition) Canonical() ([]byte, error) {
	norm := *d
	if len(d.ResponseSchema) > 0 {
		schema, err := normalizeJSON(d.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("normalize response schema: %w", err)
		}
		norm.ResponseSchema = schema
	}
	data, err := json.Marshal(&norm)
	if err != nil {
		return nil, fmt.Errorf("marshal work definition: %w", err)
	}
	return data, nil
}

// normalizeJSON re-marshals raw JSON through an untyped value so that key
// order and insignificant whitespace do not affect the hash.
func normalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Hash returns the fingerprint of the definition alone.
func (d *WorkDefinition) Hash() (Fingerprint, error) {
	data, err := d.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Compute chains the definition hash with the fingerprint of its input
// dataset and the fingerprints of everything it transitively references:
//
//	Fingerprint(unit) = hash(canonical(definition) ++ input ++ deps...)
func Compute(def *WorkDefinition, input Fingerprint, deps ...Fingerprint) (Fingerprint, error) {
	data, err := def.Canonical()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(input))
	for _, dep := range deps {
		h.Write([]byte(dep))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// Hasher accumulates row content for dataset fingerprinting.
type Hasher struct {
	h    hash.Hash
	rows int
}

// NewHasher creates an empty dataset hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// WriteRow folds one row's serialized content into the hash. Row order is
// significant: the dataset boundary presents rows as an ordered sequence.
func (h *Hasher) WriteRow(row []byte) {
	var lenBuf [8]byte
	n := len(row)
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * i))
	}
	h.h.Write(lenBuf[:])
	h.h.Write(row)
	h.rows++
}

// Sum returns the fingerprint over all rows written so far.
func (h *Hasher) Sum() Fingerprint {
	return Fingerprint(hex.EncodeToString(h.h.Sum(nil)))
}

// Rows returns the number of rows folded in.
func (h *Hasher) Rows() int { return h.rows }
