// Package codec implements the Serializer described in spec.md §4.1: a
// self-describing, tagged graph encoding over github.com/fxamacker/cbor/v2
// that round-trips every member of the Value universe — including
// record references — and is parameterized by a persistence callback
// (Context) the same way the source parameterizes pickle with
// persistent_id/persistent_load.
//
// Value universe representation in Go:
//
//	nil            -> nil
//	bool           -> bool
//	integer        -> int64
//	float          -> float64
//	complex number -> Complex
//	string         -> string
//	byte string    -> []byte
//	sequence       -> []any
//	set            -> Set
//	frozen set     -> FrozenSet
//	mapping        -> map[any]any
//	record         -> anything implementing Record (substituted with Ref)
//
// Map keys must be comparable Go values (bool, numeric, string, Ref,
// Complex); []byte, Set and FrozenSet cannot be map keys, since Go
// requires map keys to be comparable and slices are not. This is a
// deliberate, idiomatic-Go narrowing of the Value universe's
// generality — see DESIGN.md.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/cuemby/dossier/pkg/gid"
)

// ErrCrossManager is returned by a Context's PersistentID implementation
// when a record reached while encoding belongs to a different manager
// than the one doing the encoding.
var ErrCrossManager = errors.New("codec: record belongs to a different manager")

// Tag numbers for the graph's non-primitive members. Drawn from
// CBOR's unassigned range (see the "Tags" registry in RFC 8949 §9.2);
// picked high enough to be unlikely to collide with any third-party
// registration.
const (
	tagRef       = 27701
	tagSet       = 27702
	tagFrozenSet = 27703
	tagComplex   = 27704
)

// Ref is the on-wire substitute for a record embedded in a value
// graph — spec.md §4.1's "Reference(gid, kind)" token.
type Ref struct {
	GID  [gid.Size]byte
	Kind string
}

// Set is an unordered collection of values. Encoding sorts members by
// their own canonical encoding and drops duplicates, so two Sets with
// the same members always produce identical wire bytes.
type Set []any

// FrozenSet is a Set whose identity is meant to be hashable, per
// spec.md §3 ("sets... with and without hash-freezing"). It encodes
// under a distinct tag so Decode can tell the two apart; it is still
// backed by a Go slice and so, like Set, cannot itself be used as a
// map key (see package doc).
type FrozenSet []any

// Complex represents the Value universe's complex-number member; CBOR
// has no native complex type.
type Complex struct {
	Re, Im float64
}

// Record is implemented by anything the Serializer may encounter
// embedded in a value graph in place of a reference token. pkg/record
// implements it; codec does not import pkg/record, avoiding a cycle.
type Record interface {
	RefGID() gid.GID
	RefKind() string
}

// Context is the persistence callback spec.md §4.1 requires: it
// substitutes records for Ref tokens on encode and resolves Ref
// tokens back into live records on decode.
type Context interface {
	// PersistentID is invoked for every Record reached while encoding a
	// value graph. Implementations return ErrCrossManager if r
	// belongs to a different manager, and otherwise a Ref token,
	// queuing r for persistence if it is not yet managed.
	PersistentID(r Record) (Ref, error)

	// ResolveRef resolves a reference token back to a live record,
	// typically via the manager's identity cache.
	ResolveRef(ref Ref) (any, error)
}

var tagSet_ = buildTagSet()

func buildTagSet() cbor.TagSet {
	ts := cbor.NewTagSet()
	add := func(typ reflect.Type, num uint64) {
		opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
		if err := ts.Add(opts, typ, num); err != nil {
			panic(fmt.Sprintf("codec: registering tag %d: %v", num, err))
		}
	}
	add(reflect.TypeOf(Ref{}), tagRef)
	add(reflect.TypeOf(Set{}), tagSet)
	add(reflect.TypeOf(FrozenSet{}), tagFrozenSet)
	add(reflect.TypeOf(Complex{}), tagComplex)
	return ts
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncModeWithTags(tagSet_)
	if err != nil {
		panic(err)
	}
	return mode
}

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[any]any(nil)),
	}
	mode, err := opts.DecModeWithTags(tagSet_)
	if err != nil {
		panic(err)
	}
	return mode
}

// Encode serializes value, substituting every Record it contains with
// a Ref token obtained from ctx.
func Encode(value any, ctx Context) ([]byte, error) {
	prepared, err := prepareEncode(value, ctx)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(prepared)
}

// Decode deserializes data, resolving every Ref token it contains
// through ctx.
func Decode(data []byte, ctx Context) (any, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return resolveRefs(raw, ctx)
}

func prepareEncode(v any, ctx Context) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rec, ok := v.(Record); ok {
		ref, err := ctx.PersistentID(rec)
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			t, err := prepareEncode(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	case Set:
		return prepareUnordered(val, ctx, false)
	case FrozenSet:
		return prepareUnordered(val, ctx, true)
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, e := range val {
			tk, err := prepareEncode(k, ctx)
			if err != nil {
				return nil, err
			}
			te, err := prepareEncode(e, ctx)
			if err != nil {
				return nil, err
			}
			out[tk] = te
		}
		return out, nil
	default:
		return v, nil
	}
}

func prepareUnordered(items []any, ctx Context, frozen bool) (any, error) {
	transformed := make([]any, len(items))
	for i, e := range items {
		t, err := prepareEncode(e, ctx)
		if err != nil {
			return nil, err
		}
		transformed[i] = t
	}
	transformed = canonicalizeUnique(transformed)
	if frozen {
		return FrozenSet(transformed), nil
	}
	return Set(transformed), nil
}

// canonicalizeUnique sorts items by their canonical encoding and
// removes duplicates (by that same encoding), giving Sets a
// deterministic wire form regardless of insertion order.
func canonicalizeUnique(items []any) []any {
	type keyed struct {
		key []byte
		val any
	}
	tagged := make([]keyed, len(items))
	for i, it := range items {
		b, err := encMode.Marshal(it)
		if err != nil {
			b = nil
		}
		tagged[i] = keyed{b, it}
	}
	sort.Slice(tagged, func(i, j int) bool {
		return bytes.Compare(tagged[i].key, tagged[j].key) < 0
	})

	out := tagged[:0]
	var prev []byte
	first := true
	for _, t := range tagged {
		if first || !bytes.Equal(t.key, prev) {
			out = append(out, t)
			prev = t.key
			first = false
		}
	}
	result := make([]any, len(out))
	for i, t := range out {
		result[i] = t.val
	}
	return result
}

func resolveRefs(v any, ctx Context) (any, error) {
	switch val := v.(type) {
	case Ref:
		return ctx.ResolveRef(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			r, err := resolveRefs(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case Set:
		out := make(Set, len(val))
		for i, e := range val {
			r, err := resolveRefs(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case FrozenSet:
		out := make(FrozenSet, len(val))
		for i, e := range val {
			r, err := resolveRefs(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, e := range val {
			rk, err := resolveRefs(k, ctx)
			if err != nil {
				return nil, err
			}
			re, err := resolveRefs(e, ctx)
			if err != nil {
				return nil, err
			}
			out[rk] = re
		}
		return out, nil
	default:
		return v, nil
	}
}
