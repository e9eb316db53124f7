package errors

import (
	"context"
	"fmt"

	"gopersist/logging"
)

// WrapStoreError 包装记录存储错误
//
// 已经是 AppError 的错误（例如 NOT_FOUND、DUPLICATE_KEY）保留原错误码，
// 其余先经 Normalize，仍未识别的归为 DATABASE_ERROR。
func WrapStoreError(ctx context.Context, err error, kind, operation string) error {
	if err == nil {
		return nil
	}

	err = Normalize(err)
	if appErr, ok := err.(IError); ok {
		return appErr.WithContext("kind", kind).WithContext("operation", operation)
	}

	// 只记 Debug，错误由调用方处理
	logging.GetLogger().Debug(ctx, "store error",
		logging.String("kind", kind), logging.String("operation", operation), logging.Error(err))
	return NewErrorWithCause(ErrCodeDatabase, fmt.Sprintf("记录存储操作失败: %s %s", operation, kind), err).
		WithContext("kind", kind).
		WithContext("operation", operation)
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}
