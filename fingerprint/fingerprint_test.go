package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/dataforge/types"
)

func defFixture() *WorkDefinition {
	return &WorkDefinition{
		Kind:           "completion",
		Version:        "1",
		Model:          "gpt-4o-mini",
		PromptTemplate: "Say '{{.value}}'. Do not explain.",
		GenerationParams: types.GenerationParams{
			Temperature: 0.7,
			MaxTokens:   128,
		},
		Literals: map[string]string{"value": "1"},
	}
}

func TestCompute_Deterministic(t *testing.T) {
	t.Parallel()

	input := Fingerprint("aaaa")
	first, err := Compute(defFixture(), input)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := Compute(defFixture(), input)
		require.NoError(t, err)
		assert.Equal(t, first, again, "repeat %d diverged", i)
	}
}

func TestCompute_LiteralSensitivity(t *testing.T) {
	t.Parallel()

	input := Fingerprint("aaaa")
	base, err := Compute(defFixture(), input)
	require.NoError(t, err)

	changed := defFixture()
	changed.Literals["value"] = "2"
	other, err := Compute(changed, input)
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "changed literal must change fingerprint")

	bumped := defFixture()
	bumped.Version = "2"
	other, err = Compute(bumped, input)
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "version bump must change fingerprint")
}

func TestCompute_InputAndDepSensitivity(t *testing.T) {
	t.Parallel()

	def := defFixture()
	a, err := Compute(def, Fingerprint("in-a"))
	require.NoError(t, err)
	b, err := Compute(def, Fingerprint("in-b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	withDep, err := Compute(def, Fingerprint("in-a"), Fingerprint("dep"))
	require.NoError(t, err)
	assert.NotEqual(t, a, withDep)
}

func TestCanonical_SchemaKeyOrderInsensitive(t *testing.T) {
	t.Parallel()

	d1 := defFixture()
	d1.ResponseSchema = []byte(`{"type":"object","properties":{"a":{"type":"string"}}}`)
	d2 := defFixture()
	d2.ResponseSchema = []byte(`{ "properties": {"a": {"type": "string"}}, "type": "object" }`)

	h1, err := d1.Hash()
	require.NoError(t, err)
	h2, err := d2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "schema key order must not affect the hash")
}

func TestHasher_OrderSensitive(t *testing.T) {
	t.Parallel()

	h1 := NewHasher()
	h1.WriteRow([]byte(`{"instruction":"a"}`))
	h1.WriteRow([]byte(`{"instruction":"b"}`))

	h2 := NewHasher()
	h2.WriteRow([]byte(`{"instruction":"b"}`))
	h2.WriteRow([]byte(`{"instruction":"a"}`))

	assert.NotEqual(t, h1.Sum(), h2.Sum())
	assert.Equal(t, 2, h1.Rows())
}

func TestHasher_BoundaryUnambiguous(t *testing.T) {
	t.Parallel()

	// "ab"+"c" and "a"+"bc" must not collide.
	h1 := NewHasher()
	h1.WriteRow([]byte("ab"))
	h1.WriteRow([]byte("c"))

	h2 := NewHasher()
	h2.WriteRow([]byte("a"))
	h2.WriteRow([]byte("bc"))

	assert.NotEqual(t, h1.Sum(), h2.Sum())
}

func TestCompute_Property_DeterminismAndSensitivity(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		def := &WorkDefinition{
			Kind:           rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "kind"),
			Version:        rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "version"),
			Model:          rapid.SampledFrom([]string{"gpt-4o", "gpt-4o-mini"}).Draw(t, "model"),
			PromptTemplate: rapid.String().Draw(t, "template"),
			Literals:       map[string]string{"v": rapid.String().Draw(t, "literal")},
		}
		input := Fingerprint(rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "input"))

		h1, err := Compute(def, input)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		h2, err := Compute(def, input)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if h1 != h2 {
			t.Fatalf("non-deterministic fingerprint: %s vs %s", h1, h2)
		}

		mutated := *def
		mutated.Literals = map[string]string{"v": def.Literals["v"] + "x"}
		h3, err := Compute(&mutated, input)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if h1 == h3 {
			t.Fatalf("literal change did not change fingerprint")
		}
	})
}
