package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Value is the opaque payload a caller stores. It is a tagged variant over
// the six shapes the source system supports: string, number, boolean, null,
// sequence, and mapping. Callers build it with the Of* constructors or by
// decoding JSON; it round-trips through ToNode for canonical hashing in
// NewID and through MarshalJSON for snapshot export.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	seq  []Value
	m    map[string]Value
}

// Kind identifies which shape a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindSequence
	KindMap
)

func Null() Value                { return Value{kind: KindNull} }
func OfString(s string) Value    { return Value{kind: KindString, str: s} }
func OfNumber(n float64) Value   { return Value{kind: KindNumber, num: n} }
func OfBool(b bool) Value        { return Value{kind: KindBool, b: b} }
func OfSequence(v []Value) Value { return Value{kind: KindSequence, seq: v} }
func OfMap(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() (string, bool)    { return v.str, v.kind == KindString }
func (v Value) Number() (float64, bool)   { return v.num, v.kind == KindNumber }
func (v Value) Bool() (bool, bool)        { return v.b, v.kind == KindBool }
func (v Value) Sequence() ([]Value, bool) { return v.seq, v.kind == KindSequence }
func (v Value) Map() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}

// IsMap reports whether this value is a mapping, used by the resolver to
// decide between deep-merge and last-write-wins.
func (v Value) IsMap() bool { return v.kind == KindMap }

// ToNode canonicalizes the value into an IPLD data model node so it can be
// content-hashed (see NewID).
func (v Value) ToNode() (datamodel.Node, error) {
	switch v.kind {
	case KindNull:
		return datamodel.Null, nil
	case KindString:
		return basicnode.NewString(v.str), nil
	case KindNumber:
		return basicnode.NewFloat(v.num), nil
	case KindBool:
		return basicnode.NewBool(v.b), nil
	case KindSequence:
		nb := basicnode.Prototype.List.NewBuilder()
		la, err := nb.BeginList(int64(len(v.seq)))
		if err != nil {
			return nil, err
		}
		for _, e := range v.seq {
			n, err := e.ToNode()
			if err != nil {
				return nil, err
			}
			if err := la.AssembleValue().AssignNode(n); err != nil {
				return nil, err
			}
		}
		if err := la.Finish(); err != nil {
			return nil, err
		}
		return nb.Build(), nil
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys) // deterministic encoding for content hashing
		nb := basicnode.Prototype.Map.NewBuilder()
		ma, err := nb.BeginMap(int64(len(keys)))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := ma.AssembleKey().AssignString(k); err != nil {
				return nil, err
			}
			n, err := v.m[k].ToNode()
			if err != nil {
				return nil, err
			}
			if err := ma.AssembleValue().AssignNode(n); err != nil {
				return nil, err
			}
		}
		if err := ma.Finish(); err != nil {
			return nil, err
		}
		return nb.Build(), nil
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// CanonicalBytes encodes the value as DAG-CBOR over a deterministically
// ordered node, used as the input to content-derived item identifiers.
func (v Value) CanonicalBytes() ([]byte, error) {
	n, err := v.ToNode()
	if err != nil {
		return nil, fmt.Errorf("canonicalize value: %w", err)
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return nil, fmt.Errorf("encode dag-cbor: %w", err)
	}
	return buf.Bytes(), nil
}

// FromAny builds a Value from a generic Go value, the shape callers get back
// from decoding JSON (map[string]interface{}, []interface{}, string, float64,
// bool, nil).
func FromAny(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case string:
		return OfString(t), nil
	case bool:
		return OfBool(t), nil
	case float64:
		return OfNumber(t), nil
	case int:
		return OfNumber(float64(t)), nil
	case int64:
		return OfNumber(float64(t)), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return OfSequence(out), nil
	case []Value:
		return OfSequence(t), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return OfMap(out), nil
	case map[string]Value:
		return OfMap(t), nil
	case Value:
		return t, nil
	default:
		return Value{}, fmt.Errorf("value: unsupported go type %T", v)
	}
}

// ToAny converts the Value back into a generic Go value for JSON marshaling.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindSequence:
		out := make([]interface{}, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
