// Package keygen 为 generated 主键策略提供生成器
package keygen

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"gopersist/data/orm"
	"gopersist/errors"
)

var (
	_ orm.KeyGenerator = (*Snowflake)(nil)
	_ orm.KeyGenerator = UUID{}
	_ orm.KeyGenerator = (*Sequence)(nil)
)

// UUID 生成按时间有序的 UUIDv7 字符串主键
type UUID struct{}

func (UUID) NextKey(ctx context.Context) (any, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "生成 UUID 失败")
	}
	return id.String(), nil
}

// Sequence 进程内递增序列，从 start+1 开始
type Sequence struct {
	n atomic.Int64
}

// NewSequence 创建序列
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

func (s *Sequence) NextKey(ctx context.Context) (any, error) {
	return s.n.Add(1), nil
}
