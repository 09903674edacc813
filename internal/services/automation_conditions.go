package services

import (
	"reflect"
	"strconv"
	"strings"

	"homeservice/internal/models"
)

// EvaluateConditions 所有条件都成立时返回 true；空列表总是匹配，遇到第一个不成立的条件即停止。
// 未知运算符返回 *ConfigurationError
func EvaluateConditions(conds []models.HookCondition, data map[string]any) (bool, error) {
	for _, cond := range conds {
		ok, err := evaluateCondition(cond, data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateCondition(cond models.HookCondition, data map[string]any) (bool, error) {
	actual, defined := resolvePath(data, cond.Field)
	expected := cond.Value

	switch cond.Operator {
	case models.OpEq:
		return defined && strictEqual(actual, expected), nil
	case models.OpNe:
		return !defined || !strictEqual(actual, expected), nil
	case models.OpGt, models.OpLt, models.OpGte, models.OpLte:
		if !defined {
			return false, nil
		}
		c, comparable := compareOrdered(actual, expected)
		if !comparable {
			return false, nil
		}
		switch cond.Operator {
		case models.OpGt:
			return c > 0, nil
		case models.OpLt:
			return c < 0, nil
		case models.OpGte:
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	case models.OpContains:
		// 缺少 value 时不匹配，避免空串匹配一切
		if !defined || actual == nil || expected == nil {
			return false, nil
		}
		return strings.Contains(stringify(actual), stringify(expected)), nil
	case models.OpIn:
		if !defined {
			return false, nil
		}
		return sliceContains(expected, actual), nil
	default:
		return false, &ConfigurationError{Kind: "operator", Value: string(cond.Operator)}
	}
}

// normalizeValue 数值统一为 float64，JSON 解码值与 Go 构造值按同一方式比较
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil, string, bool, float64:
		return v
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// strictEqual 标量按类型与值比较；对象和数组永不相等
func strictEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// compareOrdered 数字按数值、字符串按字典序比较；数字与数字字符串按数值比较
func compareOrdered(a, b any) (int, bool) {
	a, b = normalizeValue(a), normalizeValue(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
	}
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func sliceContains(list, needle any) bool {
	if list == nil {
		return false
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if strictEqual(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}
