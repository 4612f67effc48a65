package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/link"
)

// Kind is a field's value type.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindBool
	KindString
	KindMenu
	KindLink
)

// Flag modifies field put behaviour.
type Flag int

const (
	// ReadOnly rejects runtime puts. Configuration may still set the field.
	ReadOnly Flag = 1 << iota
	// Special calls the type's Special hook after a put.
	Special
	// ProcessOnPut processes a Passive record after a put (PP field).
	ProcessOnPut
	// Internal fields cannot be set from configuration either.
	Internal
)

// Field is one entry in a record's field table.
type Field struct {
	Name    string
	Kind    Kind
	Flags   Flag
	Choices []string

	get func() any
	num func() (float64, error)
	set func(v any) error
}

// Has reports whether f carries flag.
func (f Field) Has(flag Flag) bool {
	return f.Flags&flag != 0
}

// Get returns the field value: float64, int, bool or string (menus return
// the choice label).
func (f Field) Get() any {
	return f.get()
}

// Float returns the field as a number (menus return the choice index).
func (f Field) Float() (float64, error) {
	if f.num == nil {
		return 0, fmt.Errorf("field %s is not numeric", f.Name)
	}
	return f.num()
}

// Set converts and stores v.
func (f Field) Set(v any) error {
	if f.set == nil {
		return fmt.Errorf("field %s: %w", f.Name, ErrReadOnly)
	}
	return f.set(v)
}

func combine(flags []Flag) Flag {
	var out Flag
	for _, f := range flags {
		out |= f
	}
	return out
}

// FloatField binds a float64.
func FloatField(name string, p *float64, flags ...Flag) Field {
	return Field{
		Name:  name,
		Kind:  KindFloat,
		Flags: combine(flags),
		get:   func() any { return *p },
		num:   func() (float64, error) { return *p, nil },
		set: func(v any) error {
			f, err := ToFloat(v)
			if err != nil {
				return err
			}
			*p = f
			return nil
		},
	}
}

// IntField binds an int.
func IntField(name string, p *int, flags ...Flag) Field {
	return Field{
		Name:  name,
		Kind:  KindInt,
		Flags: combine(flags),
		get:   func() any { return *p },
		num:   func() (float64, error) { return float64(*p), nil },
		set: func(v any) error {
			f, err := ToFloat(v)
			if err != nil {
				return err
			}
			*p = int(f)
			return nil
		},
	}
}

// BoolField binds a bool. It reads as 0/1 numerically.
func BoolField(name string, p *bool, flags ...Flag) Field {
	return Field{
		Name:  name,
		Kind:  KindBool,
		Flags: combine(flags),
		get:   func() any { return *p },
		num: func() (float64, error) {
			if *p {
				return 1, nil
			}
			return 0, nil
		},
		set: func(v any) error {
			b, err := ToBool(v)
			if err != nil {
				return err
			}
			*p = b
			return nil
		},
	}
}

// StringField binds a string.
func StringField(name string, p *string, flags ...Flag) Field {
	return Field{
		Name:  name,
		Kind:  KindString,
		Flags: combine(flags),
		get:   func() any { return *p },
		set: func(v any) error {
			*p = ToString(v)
			return nil
		},
	}
}

// LinkField binds link text. Link fields are always Special so the type can
// re-resolve the link.
func LinkField(name string, p *string, flags ...Flag) Field {
	f := StringField(name, p, flags...)
	f.Kind = KindLink
	f.Flags |= Special
	return f
}

// MenuField binds an index into choices.
func MenuField(name string, p *int, choices []string, flags ...Flag) Field {
	return Field{
		Name:    name,
		Kind:    KindMenu,
		Flags:   combine(flags),
		Choices: choices,
		get: func() any {
			if *p >= 0 && *p < len(choices) {
				return choices[*p]
			}
			return strconv.Itoa(*p)
		},
		num: func() (float64, error) { return float64(*p), nil },
		set: func(v any) error {
			i, err := MenuIndex(choices, v)
			if err != nil {
				return err
			}
			*p = i
			return nil
		},
	}
}

// SeverityField binds an alarm severity as a menu.
func SeverityField(name string, p *alarm.Severity, flags ...Flag) Field {
	choices := []string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}
	return Field{
		Name:    name,
		Kind:    KindMenu,
		Flags:   combine(flags),
		Choices: choices,
		get:     func() any { return p.String() },
		num:     func() (float64, error) { return float64(*p), nil },
		set: func(v any) error {
			if s, ok := v.(string); ok {
				sev, err := alarm.ParseSeverity(s)
				if err != nil {
					return err
				}
				*p = sev
				return nil
			}
			i, err := MenuIndex(choices, v)
			if err != nil {
				return err
			}
			*p = alarm.Severity(i)
			return nil
		},
	}
}

// StatusField exposes an alarm status read-only.
func StatusField(name string, p *alarm.Status) Field {
	return Field{
		Name:  name,
		Kind:  KindMenu,
		Flags: ReadOnly | Internal,
		get:   func() any { return p.String() },
		num:   func() (float64, error) { return float64(*p), nil },
	}
}

// LinkStatusField exposes a tracked link status (INAV, OUTV...).
func LinkStatusField(name string, get func() link.Status) Field {
	return Field{
		Name:    name,
		Kind:    KindMenu,
		Flags:   ReadOnly | Internal,
		Choices: link.StatusNames(),
		get:     func() any { return get().String() },
		num:     func() (float64, error) { return float64(get()), nil },
	}
}

// ComputedField exposes a derived read-only value.
func ComputedField(name string, kind Kind, get func() any) Field {
	return Field{
		Name:  name,
		Kind:  kind,
		Flags: ReadOnly | Internal,
		get:   get,
		num:   func() (float64, error) { return ToFloat(get()) },
	}
}

// TriggerField is a write-only action field such as PROC. It reads as 0
// and accepts any value; the record acts on the put itself.
func TriggerField(name string) Field {
	return Field{
		Name:  name,
		Kind:  KindInt,
		Flags: Internal,
		get:   func() any { return 0 },
		num:   func() (float64, error) { return 0, nil },
		set:   func(any) error { return nil },
	}
}

// ToFloat converts numbers, bools and numeric strings.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		switch strings.ToLower(s) {
		case "nan":
			return math.NaN(), nil
		case "inf", "+inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("not a number: nil")
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// ToBool accepts bools, numbers and yes/no style strings.
func ToBool(v any) (bool, error) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "true", "on":
			return true, nil
		case "no", "false", "off", "":
			return false, nil
		}
	}
	f, err := ToFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// ToString formats v for a string field.
func ToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// MenuIndex resolves a choice label (case-insensitive) or numeric index.
func MenuIndex(choices []string, v any) (int, error) {
	if s, ok := v.(string); ok {
		for i, c := range choices {
			if strings.EqualFold(c, strings.TrimSpace(s)) {
				return i, nil
			}
		}
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("unknown choice %v (want one of %s)", v, strings.Join(choices, ", "))
	}
	i := int(f)
	if i < 0 || i >= len(choices) {
		return 0, fmt.Errorf("choice index %d out of range", i)
	}
	return i, nil
}
