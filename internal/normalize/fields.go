package normalize

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// numberLike matches the json.Number types produced by decoders running with UseNumber.
type numberLike interface {
	String() string
	Float64() (float64, error)
}

// lookup returns the first present, non-null value under any of keys.
func lookup(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	return asString(v)
}

func stringOr(m map[string]any, fallback string, keys ...string) string {
	if s := stringField(m, keys...); s != "" {
		return s
	}
	return fallback
}

func decimalField(m map[string]any, keys ...string) (decimal.Decimal, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return decimal.Zero, false
	}
	return asDecimal(v)
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case numberLike:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case numberLike:
		d, err := decimal.NewFromString(typed.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(typed), true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int64:
		return decimal.NewFromInt(typed), true
	case string:
		return parseDecimalText(typed)
	default:
		return decimal.Zero, false
	}
}

// parseDecimalText accepts loosely formatted amounts such as "R$ 1.234,50" or "10.5".
func parseDecimalText(text string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			return r
		}
		return -1
	}, text)
	if cleaned == "" {
		return decimal.Zero, false
	}
	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case lastComma >= 0 && lastDot >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastComma >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// asTime parses RFC 3339 text or unix seconds/milliseconds.
func asTime(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case string:
		text := strings.TrimSpace(typed)
		if text == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return unixTime(n), true
		}
		return time.Time{}, false
	case numberLike:
		n, err := strconv.ParseInt(typed.String(), 10, 64)
		if err != nil {
			f, ferr := typed.Float64()
			if ferr != nil {
				return time.Time{}, false
			}
			n = int64(f)
		}
		return unixTime(n), true
	case float64:
		return unixTime(int64(typed)), true
	default:
		return time.Time{}, false
	}
}

// unixTime treats values beyond year 2286 in seconds as milliseconds.
func unixTime(n int64) time.Time {
	if n > 1e10 || n < -1e10 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
