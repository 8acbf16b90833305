package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
)

// decodeFunc converts one non-null wire value. A non-nil error is the
// validation reason.
type decodeFunc func(f schema.Field, raw any) (ir.Value, error)

// encodeFunc converts one non-null canonical value to its wire form.
type encodeFunc func(f schema.Field, v ir.Value) any

var decoders = map[schema.RuleKind]decodeFunc{
	schema.RuleIdentity:     decodeIdentity,
	schema.RuleIntBool:      decodeIntBool,
	schema.RulePositiveBool: decodePositiveBool,
	schema.RuleEnum:         decodeEnum,
	schema.RuleTimestamp:    decodeTimestamp,
	schema.RuleDecimal:      decodeDecimal,
}

var encoders = map[schema.RuleKind]encodeFunc{
	schema.RuleIdentity:     encodeIdentity,
	schema.RuleIntBool:      encodeBoolInt,
	schema.RulePositiveBool: encodeBoolInt,
	schema.RuleEnum:         encodeIdentity,
	schema.RuleTimestamp:    encodeIdentity,
	schema.RuleDecimal:      encodeDecimal,
}

func decodeIdentity(f schema.Field, raw any) (ir.Value, error) {
	switch f.Type {
	case schema.TypeString:
		s, err := wireString(raw)
		if err != nil {
			return nil, err
		}
		return ir.String(s), nil
	case schema.TypeInt:
		n, err := wireInt(raw)
		if err != nil {
			return nil, err
		}
		return ir.Int(n), nil
	case schema.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %s", wireTypeName(raw))
		}
		return ir.Bool(b), nil
	default:
		return nil, fmt.Errorf("identity rule cannot produce %s", f.Type)
	}
}

// decodeIntBool maps exactly {0 -> false, nonzero -> true}.
func decodeIntBool(_ schema.Field, raw any) (ir.Value, error) {
	n, err := wireInt(raw)
	if err != nil {
		return nil, err
	}
	return ir.Bool(n != 0), nil
}

// decodePositiveBool maps {> 0 -> true, <= 0 -> false}.
func decodePositiveBool(_ schema.Field, raw any) (ir.Value, error) {
	n, err := wireInt(raw)
	if err != nil {
		return nil, err
	}
	return ir.Bool(n > 0), nil
}

func decodeEnum(f schema.Field, raw any) (ir.Value, error) {
	s, err := wireString(raw)
	if err != nil {
		return nil, err
	}
	if !f.HasValue(s) {
		return nil, fmt.Errorf("value %q is not one of %v", s, f.Values)
	}
	return ir.String(s), nil
}

func decodeTimestamp(_ schema.Field, raw any) (ir.Value, error) {
	var t time.Time
	switch v := raw.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", v)
		}
		t = parsed
	case time.Time:
		t = v
	default:
		return nil, fmt.Errorf("expected timestamp string, got %s", wireTypeName(raw))
	}
	return ir.String(t.UTC().Format(schema.TimestampLayout)), nil
}

// decodeDecimal converts a decimal string or integer to minor units at the
// field's scale. Values with more fractional digits than the scale are
// rejected rather than rounded.
func decodeDecimal(f schema.Field, raw any) (ir.Value, error) {
	var text string
	switch v := raw.(type) {
	case string:
		text = v
	case json.Number:
		text = v.String()
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("decimal %v is not finite", v)
		}
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		n, err := wireInt(raw)
		if err != nil {
			return nil, fmt.Errorf("expected decimal, got %s", wireTypeName(raw))
		}
		text = strconv.FormatInt(n, 10)
	}

	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q", text)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("decimal %q is not finite", text)
	}
	d.Exponent += f.Scale
	minor, err := d.Int64()
	if err != nil {
		return nil, fmt.Errorf("decimal %q does not fit %d fractional digits in int64", text, f.Scale)
	}
	return ir.Int(minor), nil
}

func encodeIdentity(_ schema.Field, v ir.Value) any {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return int64(val)
	case ir.Bool:
		return bool(val)
	default:
		return nil
	}
}

func encodeBoolInt(_ schema.Field, v ir.Value) any {
	if b, ok := v.(ir.Bool); ok && bool(b) {
		return int64(1)
	}
	return int64(0)
}

func encodeDecimal(f schema.Field, v ir.Value) any {
	n, ok := v.(ir.Int)
	if !ok {
		return nil
	}
	return apd.New(int64(n), -f.Scale).Text('f')
}

// wireInt accepts integers in the forms Go callers and JSON decoders
// produce. Bools, strings and fractional numbers are rejected.
func wireInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", v)
		}
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v.String())
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %s", wireTypeName(raw))
	}
}

func wireTypeName(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64, float32:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", raw)
	}
}

// wireString type-checks a wire string and returns it NFC normalized, the
// form canonical JSON stores. Invalid UTF-8 cannot be stored and is
// rejected.
func wireString(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %s", wireTypeName(raw))
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("string is not valid UTF-8")
	}
	return norm.NFC.String(s), nil
}

// checkText reports strings that would change when stored.
func checkText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	if !norm.NFC.IsNormalString(s) {
		return fmt.Errorf("string is not NFC normalized")
	}
	return nil
}
