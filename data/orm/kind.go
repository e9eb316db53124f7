package orm

import (
	"fmt"
	"reflect"
	"time"
)

// New 创建该类型的零值实例（指针）
func (k *EntityKind) New() any {
	return reflect.New(k.Type).Interface()
}

// Owns 判断 v 是否为该类型的实例指针
func (k *EntityKind) Owns(v any) bool {
	t := reflect.TypeOf(v)
	return t != nil && t.Kind() == reflect.Ptr && t.Elem() == k.Type
}

// Field 按列名查找标量字段
func (k *EntityKind) Field(column string) (FieldMeta, bool) {
	i, ok := k.columns[column]
	if !ok {
		return FieldMeta{}, false
	}
	return k.Fields[i], true
}

// Association 按字段名查找关联
func (k *EntityKind) Association(name string) (*AssociationMeta, bool) {
	a, ok := k.assocs[name]
	return a, ok
}

// HasColumn 标量列或拥有方外键列
func (k *EntityKind) HasColumn(column string) bool {
	if _, ok := k.columns[column]; ok {
		return true
	}
	for _, a := range k.Associations {
		if a.OwningToOne() && a.ForeignKey == column {
			return true
		}
	}
	return false
}

// Columns 返回表中的全部列：标量列在前，拥有方外键列在后
func (k *EntityKind) Columns() []string {
	cols := make([]string, 0, len(k.Fields)+len(k.Associations))
	for _, f := range k.Fields {
		cols = append(cols, f.Column)
	}
	for _, a := range k.Associations {
		if a.OwningToOne() {
			cols = append(cols, a.ForeignKey)
		}
	}
	return cols
}

func (k *EntityKind) elem(entity any) (reflect.Value, error) {
	if !k.Owns(entity) {
		return reflect.Value{}, fmt.Errorf("%T is not a *%s", entity, k.Type.Name())
	}
	v := reflect.ValueOf(entity)
	if v.IsNil() {
		return reflect.Value{}, fmt.Errorf("nil *%s", k.Type.Name())
	}
	return v.Elem(), nil
}

// KeyOf 返回归一化后的主键；零值主键返回 ok=false
func (k *EntityKind) KeyOf(entity any) (key any, ok bool) {
	v, err := k.elem(entity)
	if err != nil {
		return nil, false
	}
	f := v.FieldByIndex(k.PrimaryKey.Index)
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return nil, false
		}
		f = f.Elem()
	}
	if f.IsZero() {
		return nil, false
	}
	return NormalizeKey(f.Interface()), true
}

// SetKey 写入主键
func (k *EntityKind) SetKey(entity, key any) error {
	v, err := k.elem(entity)
	if err != nil {
		return err
	}
	if err := AssignField(v.FieldByIndex(k.PrimaryKey.Index), key); err != nil {
		return MappingError(k.Name, fmt.Sprintf("primary key: %v", err))
	}
	return nil
}

// Stamped 是否声明了时间戳列
func (k *EntityKind) Stamped() bool {
	for _, f := range k.Fields {
		if f.Timestamp != "" {
			return true
		}
	}
	return false
}

// Touch 写入时间戳列：插入时写 created 与 updated，更新时只写 updated
func (k *EntityKind) Touch(entity any, now time.Time, insert bool) error {
	v, err := k.elem(entity)
	if err != nil {
		return err
	}
	for _, f := range k.Fields {
		if f.Timestamp == "" || (f.Timestamp == StampCreated && !insert) {
			continue
		}
		fv := v.FieldByIndex(f.Index)
		if fv.Kind() == reflect.Ptr {
			t := now
			fv.Set(reflect.ValueOf(&t))
			continue
		}
		fv.Set(reflect.ValueOf(now))
	}
	return nil
}

// Record 读取实体的当前行：标量列，以及拥有方单值关联的外键列。
// 零值主键不写入记录，由存储生成。
func (k *EntityKind) Record(entity any) (Record, error) {
	v, err := k.elem(entity)
	if err != nil {
		return nil, err
	}

	rec := make(Record, len(k.Fields)+len(k.Associations))
	for _, f := range k.Fields {
		fv := v.FieldByIndex(f.Index)
		if f.PrimaryKey {
			if key, ok := k.KeyOf(entity); ok {
				rec[f.Column] = key
			}
			continue
		}
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				rec[f.Column] = nil
				continue
			}
			fv = fv.Elem()
		}
		rec[f.Column] = fv.Interface()
	}

	for _, a := range k.Associations {
		if !a.OwningToOne() {
			continue
		}
		fk, err := k.ForeignKeyOf(entity, a)
		if err != nil {
			return nil, err
		}
		rec[a.ForeignKey] = fk
	}
	return rec, nil
}

// ForeignKeyOf 拥有方单值关联当前指向的主键：已加载时取目标对象的主键，否则取加载时记录的外键
func (k *EntityKind) ForeignKeyOf(entity any, a *AssociationMeta) (any, error) {
	l := LinkOf(entity, a)
	if l == nil {
		return nil, nil
	}
	if !l.Loaded() {
		key, _ := l.ForeignKey()
		return key, nil
	}
	target := l.Target()
	if target == nil {
		return nil, nil
	}
	if a.Target == nil {
		return nil, MappingError(k.Name, "association "+a.Name+" is not resolved; seal the registry first")
	}
	key, ok := a.Target.KeyOf(target)
	if !ok {
		return nil, ErrTransientReference.WithContext("kind", k.Name).WithContext("association", a.Name)
	}
	return key, nil
}

// Apply 把记录中的标量列写入实体，记录中缺失的列保持不变
func (k *EntityKind) Apply(entity any, rec Record) error {
	v, err := k.elem(entity)
	if err != nil {
		return err
	}
	for _, f := range k.Fields {
		val, ok := rec[f.Column]
		if !ok {
			continue
		}
		if err := AssignField(v.FieldByIndex(f.Index), val); err != nil {
			return MappingError(k.Name, fmt.Sprintf("column %s: %v", f.Column, err))
		}
	}
	return nil
}

// CopyFields 复制标量字段（含主键）
func (k *EntityKind) CopyFields(dst, src any) error {
	dv, err := k.elem(dst)
	if err != nil {
		return err
	}
	sv, err := k.elem(src)
	if err != nil {
		return err
	}
	for _, f := range k.Fields {
		dv.FieldByIndex(f.Index).Set(sv.FieldByIndex(f.Index))
	}
	return nil
}
