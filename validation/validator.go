// Package validation 配置项与命令参数的校验辅助，失败时返回 VALIDATION_ERROR
package validation

import (
	"fmt"
	"slices"
	"strings"

	"gopersist/errors"
)

func invalid(field, format string, args ...any) error {
	return errors.NewError(errors.ErrCodeValidation, field+fmt.Sprintf(format, args...)).
		WithContext("field", field)
}

// ValidateRequired 去掉空白后不能为空
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return invalid(fieldName, "不能为空")
}

// ValidateIntRange 闭区间 [min, max]
func ValidateIntRange(value int64, fieldName string, min, max int64) error {
	switch {
	case value < min:
		return invalid(fieldName, "不能小于%d（当前%d）", min, value)
	case value > max:
		return invalid(fieldName, "不能大于%d（当前%d）", max, value)
	}
	return nil
}

func ValidatePositive(value int, fieldName string) error {
	if value > 0 {
		return nil
	}
	return invalid(fieldName, "必须为正数（当前%d）", value)
}

// ValidateEnum value 必须是 allowed 之一
func ValidateEnum(value, fieldName string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return invalid(fieldName, "的值%q无效，必须是以下之一: %s", value, strings.Join(allowed, ", "))
}

// ValidateID 实体主键必须为正整数
func ValidateID(id int64, fieldName string) error {
	if id > 0 {
		return nil
	}
	return invalid(fieldName, "必须为正整数（当前%d）", id)
}

// First 返回第一个非 nil 的错误
func First(checks ...error) error {
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
