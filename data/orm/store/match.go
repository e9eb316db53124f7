package store

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
)

// Match 判断记录是否满足语句的全部等值条件（params 需已 Bind）
func Match(stmt *query.Statement, rec orm.Record, params query.Params) bool {
	for _, p := range stmt.Where {
		if !ValueEqual(rec[p.Column], params[p.Param]) {
			return false
		}
	}
	return true
}

// ValueEqual 比较两个列值，整数宽度与 []byte/string 差异不影响结果
func ValueEqual(a, b any) bool {
	a, b = orm.NormalizeKey(a), orm.NormalizeKey(b)
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// Apply 把 update 语句的赋值写入记录副本
func Apply(stmt *query.Statement, rec orm.Record, params query.Params) orm.Record {
	out := rec.Clone()
	for _, a := range stmt.Set {
		out[a.Column] = params[a.Param]
	}
	return out
}

// SortAndLimit 按语句的排序与条数限制处理结果；没有排序时保持输入顺序
func SortAndLimit(stmt *query.Statement, recs []orm.Record) []orm.Record {
	if len(stmt.OrderBy) > 0 {
		sort.SliceStable(recs, func(i, j int) bool {
			for _, o := range stmt.OrderBy {
				c := compare(recs[i][o.Column], recs[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if stmt.Limit > 0 && len(recs) > stmt.Limit {
		recs = recs[:stmt.Limit]
	}
	return recs
}

// compare nil 最小；同类数值、字符串、时间按自然顺序，其余按字符串形式
func compare(a, b any) int {
	a, b = orm.NormalizeKey(a), orm.NormalizeKey(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmpOrdered(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return cmpOrdered(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return cmpOrdered(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64 | string](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
