package orm

import (
	"gopersist/errors"
)

// 持久化上下文的哨兵错误。使用 errors.Is 按错误码匹配，
// 具体错误通常通过 WithContext 附带 kind / key 等上下文。
var (
	ErrNotFound            = errors.NewError(errors.ErrCodeNotFound, "实体未找到")
	ErrUnknownKind         = errors.NewError(errors.ErrCodeUnknownKind, "未注册的实体类型")
	ErrDuplicateKey        = errors.NewError(errors.ErrCodeDuplicateKey, "主键已被其他实例占用")
	ErrEntityAlreadyExists = errors.NewError(errors.ErrCodeEntityExists, "实体已存在")
	ErrDetachedAccess      = errors.NewError(errors.ErrCodeDetachedAccess, "工作单元已关闭，无法加载延迟关联")
	ErrFlushFailure        = errors.NewError(errors.ErrCodeFlushFailure, "刷新失败")
	ErrTerminalState       = errors.NewError(errors.ErrCodeTerminalState, "工作单元已结束")
	ErrNotManaged          = errors.NewError(errors.ErrCodeNotManaged, "实例不受当前工作单元管理")
	ErrTransientReference  = errors.NewError(errors.ErrCodeTransientReference, "引用了未持久化的实体")
	ErrMapping             = errors.NewError(errors.ErrCodeMapping, "实体映射无效")
	ErrUnsupported         = errors.NewError(errors.ErrCodeUnsupported, "记录存储不支持该操作")
)

// NotFound 返回带上下文的 NOT_FOUND 错误
func NotFound(kind string, key any) error {
	return ErrNotFound.WithContext("kind", kind).WithContext("key", key)
}

// MappingError 返回带消息的映射错误
func MappingError(kind, msg string) error {
	return errors.NewError(errors.ErrCodeMapping, "实体映射无效: "+msg).WithContext("kind", kind)
}
