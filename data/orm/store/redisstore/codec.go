package redisstore

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"gopersist/data/orm"
	"gopersist/data/orm/store"
)

// maxSegment 超过该长度的键片段以 xxhash 代替
const maxSegment = 64

type keyspace struct {
	prefix string
}

func (k keyspace) record(table string, key any) string {
	return k.prefix + "rec:" + table + ":" + segment(encodeKey(key))
}

func (k keyspace) index(table string) string {
	return k.prefix + "idx:" + table
}

func (k keyspace) sequence(table string) string {
	return k.prefix + "seq:" + table
}

func (k keyspace) link(table, column string, key any) string {
	return k.prefix + "link:" + table + ":" + column + ":" + segment(encodeKey(key))
}

func segment(s string) string {
	if len(s) <= maxSegment {
		return s
	}
	return "h:" + strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// encodeKey 主键编码为可还原类型的字符串：整数 i:42，字符串 s:abc
func encodeKey(key any) string {
	switch v := orm.NormalizeKey(key).(type) {
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case string:
		return "s:" + v
	default:
		return "s:" + fmt.Sprint(v)
	}
}

func decodeKey(s string) (any, error) {
	switch {
	case strings.HasPrefix(s, "i:"):
		return strconv.ParseInt(s[2:], 10, 64)
	case strings.HasPrefix(s, "s:"):
		return s[2:], nil
	}
	return nil, fmt.Errorf("malformed key %q", s)
}

func encodeRecord(rec orm.Record) ([]byte, error) {
	return msgpack.Marshal(map[string]any(rec))
}

func decodeRecord(raw []byte) (orm.Record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return orm.Record(m), nil
}

func sortByKey(recs []orm.Record, pk string) {
	sort.SliceStable(recs, func(i, j int) bool {
		return lessKey(recs[i][pk], recs[j][pk])
	})
}

func sortKeys(keys []any) {
	sort.SliceStable(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
}

func lessKey(a, b any) bool {
	a, b = orm.NormalizeKey(a), orm.NormalizeKey(b)
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			return x < y
		}
	}
	return !store.ValueEqual(a, b) && fmt.Sprint(a) < fmt.Sprint(b)
}
