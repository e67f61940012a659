package orm

import (
	"fmt"
	"strconv"
	"time"
)

// Normalize maps a scanned or caller-supplied scalar onto the canonical
// representation the package compares and caches with: every signed or
// unsigned integer becomes int64, float32 becomes float64, []byte is
// copied (drivers reuse scan buffers), and everything else passes
// through unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		if x == nil {
			return nil
		}
		cp := make([]byte, len(x))
		copy(cp, x)
		return cp
	default:
		return v
	}
}

// Equal reports whether two scalars are the same value under the loose
// comparison rule used by the dirty diff: values are compared after
// Normalize, []byte and string compare by content, and a numeric string
// equals its numeric value. Loose comparison keeps driver round-trip
// coercion (MySQL returning []byte for text, SQLite returning int64 for
// a value stored as int) from producing phantom updates.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		case string:
			n, err := strconv.ParseFloat(y, 64)
			return err == nil && float64(x) == n
		case []byte:
			n, err := strconv.ParseFloat(string(y), 64)
			return err == nil && float64(x) == n
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		case string:
			n, err := strconv.ParseFloat(y, 64)
			return err == nil && x == n
		case []byte:
			n, err := strconv.ParseFloat(string(y), 64)
			return err == nil && x == n
		}
	case string:
		switch y := b.(type) {
		case string:
			return x == y
		case []byte:
			return x == string(y)
		case int64, float64:
			return Equal(b, a)
		case bool:
			return Equal(b, a)
		}
	case []byte:
		switch y := b.(type) {
		case []byte:
			return string(x) == string(y)
		case string:
			return string(x) == y
		case int64, float64:
			return Equal(b, a)
		}
	case bool:
		switch y := b.(type) {
		case bool:
			return x == y
		case string:
			p, err := strconv.ParseBool(y)
			return err == nil && x == p
		case int64:
			return x == (y != 0)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Equal(y)
		}
	}
	return false
}

// keyString renders a primary-key value in the canonical form used for
// identity-map keys and collection dedup, so int64(1), "1" and a []byte
// "1" all address the same entry.
func keyString(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// emptyKey reports whether a primary-key value counts as "not yet
// persisted": nil, zero, or the empty string.
func emptyKey(v any) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return true
	case int64:
		return x == 0
	case float64:
		return x == 0
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	default:
		return false
	}
}
