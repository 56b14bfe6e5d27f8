package stage

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrUnknownParameter is returned when parameter key is not recognized
	// by the stage type.
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrInvalidValue is returned when parameter value is outside of the
	// accepted range.
	ErrInvalidValue = errors.New("invalid value")
)

// ValueKind is the type of parameter value.
type ValueKind int

// Parameter value kinds.
const (
	Bool ValueKind = iota
	Int
	String
	Enum
	Duration
)

func (k ValueKind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case String:
		return "string"
	case Enum:
		return "enum"
	case Duration:
		return "duration"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParamSpec describes a single named parameter of stage type. Min and
// Max bound Int and Duration values when Max is greater than Min.
// Duration bounds are in nanoseconds.
type ParamSpec struct {
	Key     string
	Kind    ValueKind
	Default interface{}
	Min     int64
	Max     int64
	Values  []string
	Doc     string
}

// Check validates the value and converts it into the canonical type of
// the parameter: bool, int, string or time.Duration. String values are
// parsed for non-string kinds.
func (s ParamSpec) Check(v interface{}) (interface{}, error) {
	switch s.Kind {
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	case Int:
		n, ok := toInt(v)
		if !ok {
			break
		}
		if s.Max > s.Min && (int64(n) < s.Min || int64(n) > s.Max) {
			return nil, fmt.Errorf("%w: %s=%d out of range [%d, %d]", ErrInvalidValue, s.Key, n, s.Min, s.Max)
		}
		return n, nil
	case String:
		if str, ok := v.(string); ok {
			return str, nil
		}
	case Enum:
		str, ok := v.(string)
		if !ok {
			if st, isStringer := v.(fmt.Stringer); isStringer {
				str, ok = st.String(), true
			}
		}
		if !ok {
			break
		}
		for _, allowed := range s.Values {
			if str == allowed {
				return str, nil
			}
		}
		return nil, fmt.Errorf("%w: %s=%q must be one of %v", ErrInvalidValue, s.Key, str, s.Values)
	case Duration:
		d, ok := toDuration(v)
		if !ok {
			break
		}
		if s.Max > s.Min && (int64(d) < s.Min || int64(d) > s.Max) {
			return nil, fmt.Errorf("%w: %s=%v out of range [%v, %v]", ErrInvalidValue, s.Key, d, time.Duration(s.Min), time.Duration(s.Max))
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s expects %v, got %T(%v)", ErrInvalidValue, s.Key, s.Kind, v, v)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toDuration(v interface{}) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// Params is an ordered set of typed parameter values of a stage.
type Params struct {
	specs  []ParamSpec
	values map[string]interface{}
}

// NewParams creates params with default values of provided specs.
func NewParams(specs ...ParamSpec) Params {
	p := Params{
		specs:  specs,
		values: make(map[string]interface{}, len(specs)),
	}
	for _, s := range specs {
		if s.Default != nil {
			p.values[s.Key] = s.Default
		}
	}
	return p
}

// Spec returns the spec of parameter.
func (p Params) Spec(key string) (ParamSpec, bool) {
	for _, s := range p.specs {
		if s.Key == key {
			return s, true
		}
	}
	return ParamSpec{}, false
}

// Set validates and assigns the value.
func (p Params) Set(key string, v interface{}) error {
	s, ok := p.Spec(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, key)
	}
	checked, err := s.Check(v)
	if err != nil {
		return err
	}
	p.values[key] = checked
	return nil
}

// Clone returns a deep copy of params.
func (p Params) Clone() Params {
	c := Params{
		specs:  p.specs,
		values: make(map[string]interface{}, len(p.values)),
	}
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Keys returns parameter keys in declaration order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p.specs))
	for _, s := range p.specs {
		keys = append(keys, s.Key)
	}
	return keys
}

// Value returns the raw value of parameter.
func (p Params) Value(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Bool returns the value of bool parameter.
func (p Params) Bool(key string) bool {
	b, _ := p.values[key].(bool)
	return b
}

// Int returns the value of int parameter.
func (p Params) Int(key string) int {
	n, _ := p.values[key].(int)
	return n
}

// String returns the value of string or enum parameter.
func (p Params) String(key string) string {
	s, _ := p.values[key].(string)
	return s
}

// Duration returns the value of duration parameter.
func (p Params) Duration(key string) time.Duration {
	d, _ := p.values[key].(time.Duration)
	return d
}
