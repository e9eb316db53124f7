// Package errors 提供带错误码的应用错误类型，持久化上下文的全部错误都以 AppError 的形式返回。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeDependency   ErrorCode = "DEPENDENCY_ERROR"
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"

	// 持久化上下文错误代码
	ErrCodeUnknownKind        ErrorCode = "UNKNOWN_KIND"
	ErrCodeDuplicateKey       ErrorCode = "DUPLICATE_KEY"
	ErrCodeEntityExists       ErrorCode = "ENTITY_EXISTS"
	ErrCodeDetachedAccess     ErrorCode = "DETACHED_ACCESS"
	ErrCodeFlushFailure       ErrorCode = "FLUSH_FAILURE"
	ErrCodeTerminalState      ErrorCode = "TERMINAL_STATE"
	ErrCodeNotManaged         ErrorCode = "NOT_MANAGED"
	ErrCodeTransientReference ErrorCode = "TRANSIENT_REFERENCE"
	ErrCodeMapping            ErrorCode = "MAPPING_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeCache    ErrorCode = "CACHE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// permanentCodes 重试无法改变结果的错误码
var permanentCodes = map[ErrorCode]bool{
	ErrCodeInvalidInput: true,
	ErrCodeValidation:   true,
	ErrCodeUnsupported:  true,
	ErrCodeUnknownKind:  true,
	ErrCodeMapping:      true,
}

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误详情（实体类型、主键、操作等）
	Details() map[string]any

	// 同错误码即匹配
	Is(target error) bool

	// 添加上下文，返回新错误
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{code: code, message: message}
}

// NewErrorWithCause 创建带原因的错误
func NewErrorWithCause(code ErrorCode, message string, cause error) IError {
	return &AppError{code: code, message: message, cause: cause}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, message, err)
}

// Error 形如 "[NOT_FOUND] 记录未找到 {key=7 kind=Course}: cause"，详情按键排序
func (e *AppError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if len(e.details) > 0 {
		keys := make([]string, 0, len(e.details))
		for k := range e.details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%v", k, e.details[k])
		}
		b.WriteByte('}')
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Details 获取错误详情的副本
func (e *AppError) Details() map[string]any {
	return copyMap(e.details)
}

// Is 同错误码即视为匹配；否则沿 cause 链继续比较。
// 这使得 errors.Is(flushErr, orm.ErrNotFound) 在 FLUSH_FAILURE 包裹 NOT_FOUND 时仍成立。
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		if e.code == appErr.code {
			return true
		}
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 添加上下文。哨兵错误不会被修改。
func (e *AppError) WithContext(key string, value any) IError {
	details := copyMap(e.details)
	details[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: details}
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsConflict 检查是否为冲突错误
func IsConflict(err error) bool {
	return IsErrorCode(err, ErrCodeConflict)
}

// IsErrorCode 检查错误链中是否存在指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return false
		}
		if appErr.code == code {
			return true
		}
		err = appErr.cause
	}
	return false
}

// IsPermanent 错误链中存在校验、映射或不支持类错误，重试无意义
func IsPermanent(err error) bool {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return false
		}
		if permanentCodes[appErr.code] {
			return true
		}
		err = appErr.cause
	}
	return false
}

// GetErrorCode 获取最外层错误代码；非 AppError 归为 INTERNAL_ERROR
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

// Detail 沿错误链查找第一个包含 key 的详情
func Detail(err error, key string) (any, bool) {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return nil, false
		}
		if v, ok := appErr.details[key]; ok {
			return v, true
		}
		err = appErr.cause
	}
	return nil, false
}

func copyMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original)+1)
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
