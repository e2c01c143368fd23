package cfg

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// Convert 将通用树转换为 object，填充 def 默认值并执行 validate 校验
func Convert(src any, object any) error {
	if err := ConvertTo(src, object); err != nil {
		return err
	}
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "SetDefaults failed")
	}
	if err := Validate(object); err != nil {
		return errors.WithMessage(err, "Validate failed")
	}
	return nil
}

// ConvertTo 将 map/slice 组成的数据转换成结构体或者任意结构
// 字段名优先使用 cfg tag，其次 json、yaml tag，最后是字段名本身（大小写不敏感）
func ConvertTo(src any, object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	return convertValue(src, rv.Elem())
}

func convertValue(src any, dst reflect.Value) error {
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return nil
	}
	for sv.Kind() == reflect.Ptr || sv.Kind() == reflect.Interface {
		if sv.IsNil() {
			return nil
		}
		sv = sv.Elem()
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return convertValue(sv.Interface(), dst.Elem())
	}

	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}

	switch dst.Type() {
	case durationType:
		return convertDuration(sv, dst)
	case timeType:
		return convertTime(sv, dst)
	}

	switch dst.Kind() {
	case reflect.Interface:
		if dst.Type().NumMethod() == 0 {
			dst.Set(sv)
			return nil
		}
	case reflect.Map:
		return convertMap(sv, dst)
	case reflect.Slice:
		return convertSlice(sv, dst)
	case reflect.Struct:
		return convertStruct(sv, dst)
	case reflect.String:
		if sv.Kind() != reflect.String {
			dst.SetString(toString(sv.Interface()))
			return nil
		}
	case reflect.Bool:
		if sv.Kind() == reflect.String {
			b, err := strconv.ParseBool(sv.String())
			if err != nil {
				return errors.Wrapf(err, "parse bool [%s] failed", sv.String())
			}
			dst.SetBool(b)
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if sv.Kind() == reflect.String {
			i, err := strconv.ParseInt(sv.String(), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parse int [%s] failed", sv.String())
			}
			dst.SetInt(i)
			return nil
		}
	case reflect.Float32, reflect.Float64:
		if sv.Kind() == reflect.String {
			f, err := strconv.ParseFloat(sv.String(), 64)
			if err != nil {
				return errors.Wrapf(err, "parse float [%s] failed", sv.String())
			}
			dst.SetFloat(f)
			return nil
		}
	}

	if sv.Type().ConvertibleTo(dst.Type()) && sv.Kind() != reflect.String {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return errors.Errorf("cannot convert %v to %v", sv.Type(), dst.Type())
}

func convertDuration(sv, dst reflect.Value) error {
	switch sv.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(sv.String())
		if err != nil {
			return errors.Wrapf(err, "parse duration [%s] failed", sv.String())
		}
		dst.SetInt(int64(d))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(sv.Int())
		return nil
	case reflect.Float32, reflect.Float64:
		// 浮点数视为秒
		dst.SetInt(int64(sv.Float() * float64(time.Second)))
		return nil
	}
	return errors.Errorf("cannot convert %v to time.Duration", sv.Type())
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func convertTime(sv, dst reflect.Value) error {
	switch sv.Kind() {
	case reflect.String:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, sv.String()); err == nil {
				dst.Set(reflect.ValueOf(t))
				return nil
			}
		}
		return errors.Errorf("parse time [%s] failed", sv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.Set(reflect.ValueOf(time.Unix(sv.Int(), 0)))
		return nil
	}
	return errors.Errorf("cannot convert %v to time.Time", sv.Type())
}

func convertMap(sv, dst reflect.Value) error {
	if sv.Kind() != reflect.Map {
		return errors.Errorf("cannot convert %v to %v", sv.Type(), dst.Type())
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}
	keyType := dst.Type().Key()
	for _, key := range sv.MapKeys() {
		item := reflect.New(dst.Type().Elem()).Elem()
		if err := convertValue(sv.MapIndex(key).Interface(), item); err != nil {
			return errors.WithMessagef(err, "key [%v]", key.Interface())
		}
		k := reflect.New(keyType).Elem()
		if err := convertValue(key.Interface(), k); err != nil {
			return errors.WithMessagef(err, "key [%v]", key.Interface())
		}
		dst.SetMapIndex(k, item)
	}
	return nil
}

func convertSlice(sv, dst reflect.Value) error {
	if sv.Kind() == reflect.String && dst.Type().Elem().Kind() == reflect.String {
		// 逗号分隔的字符串
		parts := strings.Split(sv.String(), ",")
		slice := reflect.MakeSlice(dst.Type(), 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				slice = reflect.Append(slice, reflect.ValueOf(part).Convert(dst.Type().Elem()))
			}
		}
		dst.Set(slice)
		return nil
	}
	if sv.Kind() != reflect.Slice && sv.Kind() != reflect.Array {
		return errors.Errorf("cannot convert %v to %v", sv.Type(), dst.Type())
	}
	slice := reflect.MakeSlice(dst.Type(), sv.Len(), sv.Len())
	for i := 0; i < sv.Len(); i++ {
		if err := convertValue(sv.Index(i).Interface(), slice.Index(i)); err != nil {
			return errors.WithMessagef(err, "index [%d]", i)
		}
	}
	dst.Set(slice)
	return nil
}

func convertStruct(sv, dst reflect.Value) error {
	if sv.Kind() != reflect.Map {
		return errors.Errorf("cannot convert %v to %v", sv.Type(), dst.Type())
	}

	keys := map[string]reflect.Value{}
	for _, key := range sv.MapKeys() {
		keys[strings.ToLower(toString(key.Interface()))] = key
	}

	rt := dst.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := dst.Field(i)
		if !fv.CanSet() {
			continue
		}
		name := FieldName(field)
		if name == "-" {
			continue
		}
		key, ok := keys[strings.ToLower(name)]
		if !ok {
			continue
		}
		if err := convertValue(sv.MapIndex(key).Interface(), fv); err != nil {
			return errors.WithMessagef(err, "field [%s]", name)
		}
	}
	return nil
}

// FieldName 返回结构体字段在配置中的名字
func FieldName(field reflect.StructField) string {
	for _, tag := range []string{"cfg", "json", "yaml"} {
		if v := field.Tag.Get(tag); v != "" {
			if name := strings.Split(v, ",")[0]; name != "" {
				return name
			}
		}
	}
	return field.Name
}
