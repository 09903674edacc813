package services

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{dotted.path}} placeholders with values from data.
// Placeholders that resolve to nothing are left in place.
func Interpolate(tmpl string, data map[string]any) string {
	if tmpl == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		v, ok := resolvePath(data, sub[1])
		if !ok || v == nil {
			return match
		}
		s := stringify(v)
		if s == "" {
			return match
		}
		return s
	})
}

// stringify renders a payload value as text. Arrays are joined with commas.
func stringify(v any) string {
	switch t := normalizeValue(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, stringify(rv.Index(i).Interface()))
		}
		return strings.Join(parts, ",")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
