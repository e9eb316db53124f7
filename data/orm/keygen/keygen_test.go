package keygen

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/errors"
)

// TestNewSnowflake 测试雪花生成器参数校验
func TestNewSnowflake(t *testing.T) {
	tests := []struct {
		name         string
		datacenterID int64
		workerID     int64
		expectError  bool
	}{
		{"有效的datacenterID和workerID", 1, 1, false},
		{"边界值", 31, 0, false},
		{"datacenterID超出范围-负数", -1, 1, true},
		{"datacenterID超出范围-超过最大值", 32, 1, true},
		{"workerID超出范围-超过最大值", 1, 32, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSnowflake(tt.datacenterID, tt.workerID)
			if tt.expectError {
				assert.True(t, errors.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestSnowflake_SequenceAndParse 测试同一毫秒内序列递增并可解析
func TestSnowflake_SequenceAndParse(t *testing.T) {
	g, err := NewSnowflake(3, 7)
	require.NoError(t, err)
	g.now = func() int64 { return epoch + 1000 }

	a, err := g.NextID()
	require.NoError(t, err)
	b, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, a+1, b)

	p := Parse(b)
	assert.Equal(t, Parts{Timestamp: epoch + 1000, DatacenterID: 3, WorkerID: 7, Sequence: 1}, p)
}

// TestSnowflake_ClockBackwards 测试时钟回拨时返回错误
func TestSnowflake_ClockBackwards(t *testing.T) {
	g, _ := NewSnowflake(1, 1)
	ts := epoch + 5000
	g.now = func() int64 { return ts }
	_, err := g.NextID()
	require.NoError(t, err)

	ts -= 10
	_, err = g.NextID()
	assert.Error(t, err)
}

// TestSnowflake_ConcurrentUnique 测试并发生成的主键不重复
func TestSnowflake_ConcurrentUnique(t *testing.T) {
	g, _ := NewSnowflake(1, 1)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				k, err := g.NextKey(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[k.(int64)] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

// TestUUID 测试 UUID 主键生成
func TestUUID(t *testing.T) {
	k, err := UUID{}.NextKey(context.Background())
	require.NoError(t, err)
	id, err := uuid.Parse(k.(string))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

// TestSequence 测试内存序列从起始值递增
func TestSequence(t *testing.T) {
	s := NewSequence(10000)
	a, _ := s.NextKey(context.Background())
	b, _ := s.NextKey(context.Background())
	assert.Equal(t, int64(10001), a)
	assert.Equal(t, int64(10002), b)
}
