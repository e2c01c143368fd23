// Package query 后端无关的过滤条件节点，可转换为 mongo / es 查询，也可直接在内存中匹配记录
package query

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// QueryType 查询类型
type QueryType string

const (
	QueryTypeBool   QueryType = "bool"
	QueryTypeTerm   QueryType = "term"
	QueryTypeTerms  QueryType = "terms"
	QueryTypeRange  QueryType = "range"
	QueryTypeExists QueryType = "exists"
)

// Query 查询节点接口
type Query interface {
	Type() QueryType
	ToES() map[string]any
	ToMongo() map[string]any
	// Match 判断记录是否满足条件
	Match(doc map[string]any) bool
}

// Build 根据比较运算符构造查询节点
// 支持 = == EQ != <> NEQ < <= > >= in nin exists missing，exists 和 missing 忽略 value
func Build(field string, op string, value any) (Query, error) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "", "=", "==", "EQ":
		if values, ok := toSlice(value); ok {
			return &TermsQuery{Field: field, Values: values}, nil
		}
		return &TermQuery{Field: field, Value: value}, nil
	case "!=", "<>", "NEQ":
		if values, ok := toSlice(value); ok {
			return &BoolQuery{MustNot: []Query{&TermsQuery{Field: field, Values: values}}}, nil
		}
		return &BoolQuery{MustNot: []Query{&TermQuery{Field: field, Value: value}}}, nil
	case "<":
		return &RangeQuery{Field: field, Lt: value}, nil
	case "<=":
		return &RangeQuery{Field: field, Lte: value}, nil
	case ">":
		return &RangeQuery{Field: field, Gt: value}, nil
	case ">=":
		return &RangeQuery{Field: field, Gte: value}, nil
	case "IN":
		values, ok := toSlice(value)
		if !ok {
			values = []any{value}
		}
		return &TermsQuery{Field: field, Values: values}, nil
	case "NIN", "NOT IN":
		values, ok := toSlice(value)
		if !ok {
			values = []any{value}
		}
		return &BoolQuery{MustNot: []Query{&TermsQuery{Field: field, Values: values}}}, nil
	case "EXISTS", "IS NOT NULL":
		return &ExistsQuery{Field: field}, nil
	case "MISSING", "IS NULL":
		return &BoolQuery{MustNot: []Query{&ExistsQuery{Field: field}}}, nil
	}
	return nil, errors.Errorf("unsupported operator [%s] on field [%s]", op, field)
}

// And 合并多个条件，只有一个条件时直接返回该条件
func And(queries ...Query) Query {
	var must []Query
	for _, q := range queries {
		if q != nil {
			must = append(must, q)
		}
	}
	switch len(must) {
	case 0:
		return &BoolQuery{}
	case 1:
		return must[0]
	}
	return &BoolQuery{Must: must}
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if values, ok := v.([]any); ok {
		return values, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values, true
}

// Compare 比较两个值，数值（包括数字字符串）按数值比较，其余按字符串比较
func Compare(a, b any) int {
	if ia, aok := toInt(a); aok {
		if ib, bok := toInt(b); bok {
			switch {
			case ia < ib:
				return -1
			case ia > ib:
				return 1
			}
			return 0
		}
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(toString(a), toString(b))
}

// Equal 判断两个值是否相等，规则同 Compare，nil 只等于 nil
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// toInt 整数类型按 int64 精确比较，超出 int64 的 uint64 不处理
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
