package callctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBag_ZeroValue(t *testing.T) {
	var b Bag

	_, ok := b.Value(KeyRequester)
	assert.False(t, ok)
	assert.Equal(t, "anonymous", b.ValueOr(KeyRequester, "anonymous"))
	assert.Equal(t, 0, b.Len())
}

func TestPropagate_ParentUnshadowed(t *testing.T) {
	parent := New(map[string]string{KeyRequester: "X", KeySessionID: "s-1"})
	child := Propagate(parent, map[string]string{KeyFilingDate: "2026-08-23"})

	v, ok := child.Value(KeyRequester)
	require.True(t, ok)
	assert.Equal(t, "X", v)

	v, ok = child.Value(KeyFilingDate)
	require.True(t, ok)
	assert.Equal(t, "2026-08-23", v)
}

func TestPropagate_ExplicitOverride(t *testing.T) {
	parent := New(map[string]string{KeyRequester: "X"})
	child := parent.With(map[string]string{KeyRequester: "Y"})

	assert.Equal(t, "Y", child.ValueOr(KeyRequester, ""))
	// Parent must be untouched.
	assert.Equal(t, "X", parent.ValueOr(KeyRequester, ""))
}

func TestPropagate_FidelityAcrossChain(t *testing.T) {
	// Every derived bag in a chain observes the top-level requester unless
	// a narrower scope overrides it.
	bag := New(map[string]string{KeyRequester: "X"})
	for i := 0; i < 5; i++ {
		bag = Propagate(bag, map[string]string{"depth": "nested"})
		assert.Equal(t, "X", bag.ValueOr(KeyRequester, ""))
	}
}

func TestBag_KeysInsertionOrder(t *testing.T) {
	b := Bag{}
	b = b.insert("a", "1")
	b = b.insert("b", "2")
	b = b.insert("a", "3") // overwrite keeps slot

	assert.Equal(t, []string{"a", "b"}, b.Keys())
	assert.Equal(t, "3", b.ValueOr("a", ""))
}

func TestBag_MapIsACopy(t *testing.T) {
	b := New(map[string]string{"k": "v"})
	m := b.Map()
	m["k"] = "mutated"

	assert.Equal(t, "v", b.ValueOr("k", ""))
}
