// Package callctx carries request-scoped values across call boundaries.
//
// A Bag is an immutable key/value carrier handed explicitly from caller to
// callee. It replaces ambient state: a callee only sees what its caller
// passed, and deriving a bag never mutates the parent. Values are out-of-band
// metadata (requester identity, filing date, session id) and must never be
// folded into natural-language content.
package callctx

// Well-known bag keys used throughout the dispatch chain.
const (
	// KeyRequester is the display name of the person filing the application.
	KeyRequester = "requester"
	// KeyFilingDate is the date the application is filed, YYYY-MM-DD.
	KeyFilingDate = "filing_date"
	// KeySessionID identifies the interactive session.
	KeySessionID = "session_id"
)

// Bag is an immutable, insertion-ordered key/value mapping.
//
// The zero value is an empty bag and is safe to use: lookups fall through to
// defaults. Bags are value types; copying one is cheap and the backing store
// is never mutated after construction.
type Bag struct {
	keys   []string
	values map[string]string
}

// New builds a bag from the given pairs. Keys keep the order of their first
// appearance; a repeated key overwrites the value but keeps its slot.
func New(pairs map[string]string) Bag {
	b := Bag{}
	for k, v := range pairs {
		b = b.insert(k, v)
	}
	return b
}

// Propagate returns a derived bag containing the union of parent and
// additions. Parent keys are preserved unless explicitly overridden by an
// addition. The parent is never modified.
func Propagate(parent Bag, additions map[string]string) Bag {
	child := parent.clone()
	for k, v := range additions {
		child = child.insert(k, v)
	}
	return child
}

// With is shorthand for Propagate(b, additions).
func (b Bag) With(additions map[string]string) Bag {
	return Propagate(b, additions)
}

// Value returns the value for key and whether it was present.
func (b Bag) Value(key string) (string, bool) {
	if b.values == nil {
		return "", false
	}
	v, ok := b.values[key]
	return v, ok
}

// ValueOr returns the value for key, or def when the key is absent.
// A missing key is the normal default path, not an error.
func (b Bag) ValueOr(key, def string) string {
	if v, ok := b.Value(key); ok {
		return v
	}
	return def
}

// Keys returns the bag's keys in insertion order.
func (b Bag) Keys() []string {
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Len returns the number of keys in the bag.
func (b Bag) Len() int {
	return len(b.keys)
}

// Map returns a mutable copy of the bag's contents.
func (b Bag) Map() map[string]string {
	out := make(map[string]string, len(b.keys))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

func (b Bag) clone() Bag {
	c := Bag{
		keys:   make([]string, len(b.keys)),
		values: make(map[string]string, len(b.values)),
	}
	copy(c.keys, b.keys)
	for k, v := range b.values {
		c.values[k] = v
	}
	return c
}

// insert returns a bag with key set, reusing the key's slot when it already
// exists. The receiver's backing store is assumed to be private to the
// caller (constructors only).
func (b Bag) insert(key, value string) Bag {
	if b.values == nil {
		b.values = make(map[string]string)
	}
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}
