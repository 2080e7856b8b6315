package source

import (
	"fmt"
	"strconv"
	"time"
)

// Scanned row values arrive as whatever the driver hands back: strings,
// []byte, assorted integer widths, or time.Time. These helpers normalize
// them.

func toString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("value is NULL")
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int:
		return strconv.Itoa(x), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("cannot read %T as string", v)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("value is NULL")
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	default:
		return 0, fmt.Errorf("cannot read %T as int64", v)
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("value is NULL")
	case time.Time:
		return x, nil
	case string:
		return parseTimeString(x)
	case []byte:
		return parseTimeString(string(x))
	case int64:
		// Unix seconds.
		return time.Unix(x, 0), nil
	default:
		return time.Time{}, fmt.Errorf("cannot read %T as time", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// normalizeMetaValue coerces driver types into values that survive canonical
// JSON encoding: []byte becomes string, times become RFC 3339.
func normalizeMetaValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
