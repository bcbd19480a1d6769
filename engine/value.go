package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindBool
	KindSequence
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindSequence:
		return "sequence"
	case KindError:
		return "error"
	default:
		return "none"
	}
}

// Value is the explicit form of anything crossing the engine boundary.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	Seq  []Value
}

func None() Value                { return Value{} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Number(f float64) Value     { return Value{Kind: KindNumber, Num: f} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Sequence(vs ...Value) Value { return Value{Kind: KindSequence, Seq: vs} }
func Error(msg string) Value     { return Value{Kind: KindError, Str: msg} }

// FromAny converts a decoded guest value (JSON shapes) into a Value.
// Maps and other unknown shapes are rendered as strings.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return None()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case error:
		return Error(t.Error())
	case []string:
		seq := make([]Value, len(t))
		for i, s := range t {
			seq[i] = String(s)
		}
		return Sequence(seq...)
	case []any:
		seq := make([]Value, len(t))
		for i, item := range t {
			seq[i] = FromAny(item)
		}
		return Sequence(seq...)
	default:
		return String(fmt.Sprint(t))
	}
}

// Any converts v back to a JSON-friendly Go value for the guest side.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindSequence:
		out := make([]any, len(v.Seq))
		for i, item := range v.Seq {
			out[i] = item.Any()
		}
		return out
	case KindError:
		return map[string]any{"error": v.Str}
	default:
		return nil
	}
}

func (v Value) IsNone() bool { return v.Kind == KindNone }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindSequence:
		parts := make([]string, len(v.Seq))
		for i, item := range v.Seq {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindError:
		return "error: " + v.Str
	default:
		return "None"
	}
}
