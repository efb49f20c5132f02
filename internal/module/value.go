// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package module

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type is the type of a call argument.
type Type int

const (
	TypeBool Type = iota + 1
	TypeInt
	TypeNumber
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a typed call argument.
type Value struct {
	typ Type
	b   bool
	i   int64
	f   float64
	s   string
}

func Bool(b bool) Value      { return Value{typ: TypeBool, b: b} }
func Int(i int64) Value      { return Value{typ: TypeInt, i: i} }
func Number(f float64) Value { return Value{typ: TypeNumber, f: f} }
func String(s string) Value  { return Value{typ: TypeString, s: s} }

// Type returns the type of v.
func (v Value) Type() Type {
	return v.typ
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, error) {
	if v.typ != TypeBool {
		return false, v.mismatch(TypeBool)
	}
	return v.b, nil
}

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, error) {
	if v.typ != TypeInt {
		return 0, v.mismatch(TypeInt)
	}
	return v.i, nil
}

// AsNumber returns v as a float. Integers are widened.
func (v Value) AsNumber() (float64, error) {
	switch v.typ {
	case TypeNumber:
		return v.f, nil
	case TypeInt:
		return float64(v.i), nil
	}
	return 0, v.mismatch(TypeNumber)
}

// AsString returns the string held by v.
func (v Value) AsString() (string, error) {
	if v.typ != TypeString {
		return "", v.mismatch(TypeString)
	}
	return v.s, nil
}

func (v Value) mismatch(want Type) error {
	return fmt.Errorf("type mismatch: expected %s, got %s", want, v.typ)
}

// Literal returns v in call syntax: strings are quoted, numbers use the
// shortest representation.
func (v Value) Literal() string {
	switch v.typ {
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeNumber:
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		return s
	case TypeString:
		return strconv.Quote(v.s)
	}
	return ""
}

func (v Value) String() string {
	return v.Literal()
}

// FormatCall renders name(arg1, arg2, ...).
func FormatCall(name string, args []Value) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.Literal())
	}
	sb.WriteByte(')')
	return sb.String()
}

// MarshalJSON encodes v as the matching JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeBool:
		return json.Marshal(v.b)
	case TypeInt:
		return json.Marshal(v.i)
	case TypeNumber:
		return json.Marshal(v.f)
	case TypeString:
		return json.Marshal(v.s)
	}
	return nil, fmt.Errorf("cannot encode invalid value")
}

// UnmarshalJSON decodes a JSON scalar. Numbers without fraction or exponent
// become integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	default:
		if !bytes.ContainsAny(data, ".eE") {
			if i, err := strconv.ParseInt(string(data), 10, 64); err == nil {
				*v = Int(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("unsupported argument %s", data)
		}
		*v = Number(f)
	}
	return nil
}
