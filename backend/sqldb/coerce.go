package sqldb

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/schema"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

var (
	nowRegex = regexp.MustCompile(`(?i)^now(\s*\(\s*\))?$`)
	isoRegex = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[T ](\d{2}:\d{2}(:\d{2})?)`)
)

// literal 把值转换为 SQL 字面量，f 为 nil 时按值本身的类型处理
func literal(d Dialect, v any, f *schema.Field) (string, error) {
	v = schema.Unwrap(v)
	if v == nil {
		return "NULL", nil
	}
	typ := ""
	if f != nil {
		typ = f.Type()
	}

	switch typ {
	case schema.TypeInteger:
		return integerLiteral(v)
	case schema.TypeFloat, schema.TypeNumber, schema.TypeDouble:
		return floatLiteral(v)
	case schema.TypeBoolean:
		return boolLiteral(v)
	case schema.TypeDate, schema.TypeTimestamp:
		return timeLiteral(d, v, typ), nil
	case schema.TypeString:
		return quote(d, stringValue(v)), nil
	}

	switch x := v.(type) {
	case string:
		return quote(d, x), nil
	case bool:
		return boolLiteral(x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32, float64:
		return floatLiteral(x)
	case time.Time:
		return quote(d, x.Format(timestampLayout)), nil
	}
	return quote(d, stringValue(v)), nil
}

func quote(d Dialect, s string) string {
	return "'" + d.Escape(s) + "'"
}

// stringValue 复合值按 JSON 存储
func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case map[string]any, []any, []string, schema.Props:
		buf, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(buf)
	}
	return fmt.Sprint(v)
}

func integerLiteral(v any) (string, error) {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatInt(int64(x), 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	case bool:
		return boolLiteral(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "NULL", nil
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return "", errors.Errorf("invalid integer value [%s]", x)
	}
	return "", errors.Errorf("invalid integer value [%v]", v)
}

func floatLiteral(v any) (string, error) {
	switch x := v.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "NULL", nil
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "NULL", nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return "", errors.Errorf("invalid number value [%s]", x)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", errors.Errorf("invalid number value [%v]", v)
}

func boolLiteral(v any) (string, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case string:
		if strings.TrimSpace(x) == "" {
			return "NULL", nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return "", errors.Errorf("invalid boolean value [%s]", x)
		}
		return boolLiteral(b)
	}
	if s, err := integerLiteral(v); err == nil {
		if s == "0" {
			return "0", nil
		}
		return "1", nil
	}
	return "", errors.Errorf("invalid boolean value [%v]", v)
}

func timeLiteral(d Dialect, v any, typ string) string {
	layout := timestampLayout
	if typ == schema.TypeDate {
		layout = dateLayout
	}
	switch x := v.(type) {
	case time.Time:
		return quote(d, x.Format(layout))
	case int, int32, int64, uint32, uint64:
		i, _ := strconv.ParseInt(fmt.Sprint(x), 10, 64)
		return quote(d, time.Unix(i, 0).UTC().Format(layout))
	case string:
		s := strings.TrimSpace(x)
		if s == "" || s == "-" {
			return "NULL"
		}
		// 只有整个值是 now / NOW() 时才不加引号
		if nowRegex.MatchString(s) {
			return d.Now(typ)
		}
		if m := isoRegex.FindStringSubmatch(s); m != nil {
			if typ == schema.TypeDate {
				return quote(d, m[1])
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return quote(d, t.UTC().Format(layout))
			}
			return quote(d, m[1]+" "+m[2])
		}
		return quote(d, s)
	}
	return quote(d, fmt.Sprint(v))
}

// normalize 将驱动读出的值统一为字段类型对应的 Go 类型
func normalize(v any, f *schema.Field) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil || f == nil {
		return v
	}

	switch f.Type() {
	case schema.TypeInteger:
		switch x := v.(type) {
		case int64:
			return x
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case uint64:
			return int64(x)
		case float64:
			return int64(x)
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i
			}
		}
	case schema.TypeFloat, schema.TypeNumber, schema.TypeDouble:
		switch x := v.(type) {
		case float64:
			return x
		case float32:
			return float64(x)
		case int64:
			return float64(x)
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return n
			}
		}
	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
	case schema.TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.Format(dateLayout)
		case string:
			if m := isoRegex.FindStringSubmatch(x); m != nil {
				return m[1]
			}
		}
	case schema.TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.Format(timestampLayout)
		case string:
			if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return t.Format(timestampLayout)
			}
			if m := isoRegex.FindStringSubmatch(x); m != nil && m[3] != "" {
				return m[1] + " " + m[2]
			}
		}
	case schema.TypeString:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.RFC3339)
		}
	}
	return v
}
