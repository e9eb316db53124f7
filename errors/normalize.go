package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
)

// Normalize 将存储层返回的“裸”错误规范化为 AppError。
//
// 约定：
//   - 已经是 IError 的错误原样返回；
//   - sql.ErrNoRows 视为 NOT_FOUND；
//   - sql.ErrTxDone 视为 TERMINAL_STATE；
//   - 连接失效视为 DATABASE_ERROR；
//   - 上下文取消或超时视为 TIMEOUT；
//   - 未识别的错误保持原样，交由调用方决定是否包装。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return WrapError(err, ErrCodeNotFound, "记录未找到")
	case stdErrors.Is(err, sql.ErrTxDone):
		return WrapError(err, ErrCodeTerminalState, "事务已结束")
	case stdErrors.Is(err, driver.ErrBadConn), stdErrors.Is(err, sql.ErrConnDone):
		return WrapError(err, ErrCodeDatabase, "数据库连接不可用")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "操作超时")
	case stdErrors.Is(err, context.Canceled):
		return WrapError(err, ErrCodeTimeout, "操作已取消")
	}

	return err
}
