package orm

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Record 以列名为键的一行数据，是与记录存储交换的基本单位。
type Record map[string]any

// Clone 浅拷贝，[]byte 值会被复制
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

// NormalizeKey 统一主键的动态类型：所有整数归为 int64，[]byte 归为 string。
// 不同存储返回的整数宽度不同（sqlite 为 int64，msgpack 可能是 int8/uint16），
// 身份映射依赖归一化后的键比较。
func NormalizeKey(v any) any {
	switch k := v.(type) {
	case nil:
		return nil
	case int:
		return int64(k)
	case int8:
		return int64(k)
	case int16:
		return int64(k)
	case int32:
		return int64(k)
	case int64:
		return k
	case uint:
		return int64(k)
	case uint8:
		return int64(k)
	case uint16:
		return int64(k)
	case uint32:
		return int64(k)
	case uint64:
		return int64(k)
	case []byte:
		return string(k)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	}
	return v
}

// IsZeroKey 判断主键是否为零值（表示瞬态实体）
func IsZeroKey(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// sqlite 文本时间的常见格式
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AssignField 把存储返回的值写入结构体字段，按需做类型转换。
// nil 写入零值；指针字段按需分配。
func AssignField(field reflect.Value, v any) error {
	if !field.CanSet() {
		return fmt.Errorf("field of type %s is not settable", field.Type())
	}
	if v == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := AssignField(elem.Elem(), v); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	src := reflect.ValueOf(v)
	if src.Kind() == reflect.Ptr {
		if src.IsNil() {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		src = src.Elem()
	}
	dst := field.Type()

	if src.Type().AssignableTo(dst) {
		field.Set(src)
		return nil
	}

	switch {
	case dst == timeType:
		t, err := toTime(src.Interface())
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(t))
		return nil

	case dst.Kind() == reflect.String:
		switch s := src.Interface().(type) {
		case []byte:
			field.SetString(string(s))
			return nil
		case time.Time:
			field.SetString(s.Format(time.RFC3339Nano))
			return nil
		}

	case dst.Kind() == reflect.Bool:
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetBool(src.Int() != 0)
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.SetBool(src.Uint() != 0)
			return nil
		case reflect.String:
			b, err := strconv.ParseBool(src.String())
			if err != nil {
				return err
			}
			field.SetBool(b)
			return nil
		}

	case isNumberKind(dst.Kind()):
		if src.Kind() == reflect.String || src.Type() == bytesType {
			return assignNumberFromString(field, string(toBytes(src)))
		}
		if isNumberKind(src.Kind()) && src.Type().ConvertibleTo(dst) {
			field.Set(src.Convert(dst))
			return nil
		}
	}

	// 整数到字符串的 Convert 会按码点解释，这里不允许
	if dst.Kind() != reflect.String && src.Kind() != reflect.String && src.Type().ConvertibleTo(dst) {
		field.Set(src.Convert(dst))
		return nil
	}
	return fmt.Errorf("cannot assign %T to field of type %s", v, dst)
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func toBytes(v reflect.Value) []byte {
	if v.Kind() == reflect.String {
		return []byte(v.String())
	}
	return v.Bytes()
}

func assignNumberFromString(field reflect.Value, s string) error {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	}
	return nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time.Time", v)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}
