// Package cmdspec describes the commands each firmware version accepts and
// converts arguments and responses between their API and wire forms.
//
// Every field has one Kind. Its codec is picked once when the registry is
// loaded, so encoding a command never switches on the kind again.
package cmdspec

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the value type of a command argument or response field.
type Kind string

const (
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindDate    Kind = "date"
	KindBuffer  Kind = "buffer"
	KindString  Kind = "string"
	KindArray   Kind = "array"
	KindMatrix  Kind = "matrix"
)

// Field is one named argument or response value.
//
// API form and wire form per kind:
//
//	number   float64                      float64
//	boolean  bool                         bool
//	date     RFC 3339 string              unix seconds
//	buffer   base64 string                hex string
//	string   string                       string
//	array    []any of Elem                []any of Elem
//	matrix   [][]float64 (Rows x Cols)    flattened row-major []float64
type Field struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Elem     *Field `json:"elem,omitempty"`   // array element
	Length   int    `json:"length,omitempty"` // exact array length, max string or buffer length
	Rows     int    `json:"rows,omitempty"`   // matrix
	Cols     int    `json:"cols,omitempty"`   // matrix
	Optional bool   `json:"optional,omitempty"`

	codec codec
}

// codec converts a single value. encode goes API to wire, decode wire to API.
type codec struct {
	encode func(v any) (any, error)
	decode func(v any) (any, error)
}

// FieldError reports a value that does not match its field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

var ErrWrongType = errors.New("wrong type")

func wrongType(want string, v any) error {
	return fmt.Errorf("%w: want %s, got %T", ErrWrongType, want, v)
}

// compile selects the codec for f and its element, validating the shape.
func (f *Field) compile() error {
	if f.Name == "" {
		return fmt.Errorf("%s field without a name", f.Kind)
	}
	switch f.Kind {
	case KindNumber:
		f.codec = codec{encode: toNumber, decode: toNumber}
	case KindBoolean:
		f.codec = codec{encode: toBool, decode: toBool}
	case KindDate:
		f.codec = codec{encode: encodeDate, decode: decodeDate}
	case KindBuffer:
		f.codec = codec{encode: f.encodeBuffer, decode: f.decodeBuffer}
	case KindString:
		f.codec = codec{encode: f.checkString, decode: f.checkString}
	case KindArray:
		if f.Elem == nil {
			return fmt.Errorf("array field %q has no element", f.Name)
		}
		if f.Elem.Kind == KindArray || f.Elem.Kind == KindMatrix {
			return fmt.Errorf("array field %q: nested %s elements are not supported", f.Name, f.Elem.Kind)
		}
		if f.Elem.Name == "" {
			f.Elem.Name = f.Name + "[]"
		}
		if err := f.Elem.compile(); err != nil {
			return err
		}
		f.codec = codec{
			encode: f.mapArray(f.Elem.codec.encode),
			decode: f.mapArray(f.Elem.codec.decode),
		}
	case KindMatrix:
		if f.Rows <= 0 || f.Cols <= 0 {
			return fmt.Errorf("matrix field %q needs positive rows and cols", f.Name)
		}
		f.codec = codec{encode: f.encodeMatrix, decode: f.decodeMatrix}
	default:
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}
	return nil
}

// Encode converts an API value to its wire form.
func (f *Field) Encode(v any) (any, error) {
	out, err := f.codec.encode(v)
	if err != nil {
		return nil, &FieldError{Field: f.Name, Err: err}
	}
	return out, nil
}

// Decode converts a wire value to its API form.
func (f *Field) Decode(v any) (any, error) {
	out, err := f.codec.decode(v)
	if err != nil {
		return nil, &FieldError{Field: f.Name, Err: err}
	}
	return out, nil
}

func toNumber(v any) (any, error) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint64:
		n = float64(x)
	default:
		return nil, wrongType("number", v)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, fmt.Errorf("%v is not a finite number", n)
	}
	return n, nil
}

func toBool(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, wrongType("boolean", v)
	}
	return b, nil
}

func encodeDate(v any) (any, error) {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		var err error
		if t, err = time.Parse(time.RFC3339, x); err != nil {
			return nil, fmt.Errorf("parsing date: %w", err)
		}
	default:
		return nil, wrongType("RFC 3339 date", v)
	}
	return t.Unix(), nil
}

func decodeDate(v any) (any, error) {
	n, err := toNumber(v)
	if err != nil {
		return nil, err
	}
	sec := n.(float64)
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339), nil
}

func (f *Field) checkLength(n int) error {
	if f.Length > 0 && n > f.Length {
		return fmt.Errorf("length %d exceeds %d", n, f.Length)
	}
	return nil
}

func (f *Field) checkString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, wrongType("string", v)
	}
	if err := f.checkLength(len(s)); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *Field) encodeBuffer(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, wrongType("base64 string", v)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if err := f.checkLength(len(b)); err != nil {
		return nil, err
	}
	return hex.EncodeToString(b), nil
}

func (f *Field) decodeBuffer(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, wrongType("hex string", v)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (f *Field) mapArray(elem func(any) (any, error)) func(any) (any, error) {
	return func(v any) (any, error) {
		in, ok := v.([]any)
		if !ok {
			return nil, wrongType("array", v)
		}
		if f.Length > 0 && len(in) != f.Length {
			return nil, fmt.Errorf("array has %d elements, want %d", len(in), f.Length)
		}
		out := make([]any, len(in))
		for i, x := range in {
			y, err := elem(x)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = y
		}
		return out, nil
	}
}

func (f *Field) encodeMatrix(v any) (any, error) {
	if m, ok := v.([][]float64); ok {
		rows := make([]any, len(m))
		for i, r := range m {
			row := make([]any, len(r))
			for j, x := range r {
				row[j] = x
			}
			rows[i] = row
		}
		v = rows
	}
	rows, ok := v.([]any)
	if !ok {
		return nil, wrongType("matrix", v)
	}
	if len(rows) != f.Rows {
		return nil, fmt.Errorf("matrix has %d rows, want %d", len(rows), f.Rows)
	}
	flat := make([]float64, 0, f.Rows*f.Cols)
	for i, r := range rows {
		row, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("row %d: %w", i, wrongType("array", r))
		}
		if len(row) != f.Cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), f.Cols)
		}
		for j, x := range row {
			n, err := toNumber(x)
			if err != nil {
				return nil, fmt.Errorf("[%d][%d]: %w", i, j, err)
			}
			flat = append(flat, n.(float64))
		}
	}
	return flat, nil
}

func (f *Field) decodeMatrix(v any) (any, error) {
	in, ok := v.([]any)
	if !ok {
		return nil, wrongType("flattened matrix", v)
	}
	if len(in) != f.Rows*f.Cols {
		return nil, fmt.Errorf("matrix has %d values, want %d", len(in), f.Rows*f.Cols)
	}
	out := make([][]float64, f.Rows)
	for i := range out {
		out[i] = make([]float64, f.Cols)
		for j := range out[i] {
			n, err := toNumber(in[i*f.Cols+j])
			if err != nil {
				return nil, fmt.Errorf("[%d][%d]: %w", i, j, err)
			}
			out[i][j] = n.(float64)
		}
	}
	return out, nil
}
