// Package planmodel defines the durable data model shared by every component
// of the plan execution orchestrator: plans, steps, subjects, queue payloads,
// and the persisted step lifecycle state machine.
package planmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind discriminates the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSequence
	KindMapping
)

// Value is a tagged sum type carrying dynamic, JSON-round-trippable payloads
// (Step.input, Step.metadata, Completion.output, ...). No
// implicit schema is imposed; the only contract is that MarshalJSON and
// UnmarshalJSON round-trip arbitrary JSON documents.
type Value struct {
	Kind     ValueKind
	Bool     bool
	Int      int64
	Float    float64
	String   string
	Sequence []Value
	Mapping  map[string]Value
}

// Null is the zero Value.
var Null = Value{Kind: KindNull}

func BoolValue(b bool) Value   { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value   { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }
func SequenceValue(v []Value) Value { return Value{Kind: KindSequence, Sequence: v} }
func MappingValue(v map[string]Value) Value { return Value{Kind: KindMapping, Mapping: v} }

// IsNull reports whether v is the null variant (or the zero Value).
func (v Value) IsNull() bool { return v.Kind == KindNull }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindString:
		return json.Marshal(v.String)
	case KindSequence:
		if v.Sequence == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Sequence)
	case KindMapping:
		if v.Mapping == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Mapping)
	default:
		return nil, fmt.Errorf("planmodel: unknown Value kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler, classifying the incoming JSON
// token into the appropriate variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*v = Null
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		seq := make([]Value, len(raw))
		for i, r := range raw {
			if err := seq[i].UnmarshalJSON(r); err != nil {
				return err
			}
		}
		*v = SequenceValue(seq)
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		m := make(map[string]Value, len(raw))
		for k, r := range raw {
			var item Value
			if err := item.UnmarshalJSON(r); err != nil {
				return err
			}
			m[k] = item
		}
		*v = MappingValue(m)
		return nil
	default:
		// number — json numbers decode through float64 by default; retain
		// integer values exactly when they have no fractional component.
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if f == float64(int64(f)) {
			*v = IntValue(int64(f))
			return nil
		}
		*v = FloatValue(f)
		return nil
	}
}
