package orm

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Cardinality 关联基数
type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// FetchPolicy 关联加载策略
type FetchPolicy string

const (
	FetchEager FetchPolicy = "eager"
	FetchLazy  FetchPolicy = "lazy"
)

// KeyStrategy 主键分配策略
type KeyStrategy string

const (
	// KeyIdentity 由存储在插入时生成，刷新前使用占位键
	KeyIdentity KeyStrategy = "identity"
	// KeyAssigned 由调用方设置
	KeyAssigned KeyStrategy = "assigned"
	// KeyGenerated 在 Persist 时由 KeyGenerator 同步分配
	KeyGenerated KeyStrategy = "generated"
)

// KeyGenerator 为 generated 策略的实体分配主键
type KeyGenerator interface {
	NextKey(ctx context.Context) (any, error)
}

// Timestamp 由工作单元在刷新时写入的时间列
type Timestamp string

const (
	// StampCreated 插入时写入
	StampCreated Timestamp = "created"
	// StampUpdated 插入与每次实际更新时写入
	StampUpdated Timestamp = "updated"
)

// FieldMeta 描述标量字段
type FieldMeta struct {
	Name       string
	Column     string
	Index      []int
	Type       reflect.Type
	PrimaryKey bool
	Timestamp  Timestamp
}

// JoinTable 多对多关联表。OwnerColumn 指向声明该关联的一侧。
type JoinTable struct {
	Table        string
	OwnerColumn  string
	TargetColumn string
}

// AssociationMeta 描述关联字段
//
// 双向关联中只有拥有方（Owning）写外键或关联行；反向方通过 MappedBy 指向拥有方的字段名。
type AssociationMeta struct {
	Name           string
	Index          []int
	TargetType     reflect.Type
	Target         *EntityKind
	Cardinality    Cardinality
	Owning         bool
	MappedBy       string
	Fetch          FetchPolicy
	ForeignKey     string
	Join           JoinTable
	CascadePersist bool
	// Inverse 双向关联的另一侧，Seal 时解析
	Inverse *AssociationMeta
}

// ToOne 是否为单值关联
func (a *AssociationMeta) ToOne() bool {
	return a.Cardinality == OneToOne || a.Cardinality == ManyToOne
}

// OwningToOne 是否为持有外键的单值关联
func (a *AssociationMeta) OwningToOne() bool {
	return a.Owning && a.ToOne()
}

// OwningManyToMany 是否为写关联行的多对多
func (a *AssociationMeta) OwningManyToMany() bool {
	return a.Owning && a.Cardinality == ManyToMany
}

// EntityKind 已注册实体类型的映射元信息，Seal 后只读
type EntityKind struct {
	Name         string
	Table        string
	Type         reflect.Type
	PrimaryKey   FieldMeta
	Fields       []FieldMeta
	Associations []*AssociationMeta
	Keys         KeyStrategy
	Generator    KeyGenerator

	columns map[string]int
	assocs  map[string]*AssociationMeta
}

// KindOption 配置 KindOf
type KindOption func(*EntityKind)

// WithName 指定实体名（默认结构体名）
func WithName(name string) KindOption {
	return func(k *EntityKind) { k.Name = name }
}

// WithTable 指定表名（默认 TableName() 或蛇形结构体名）
func WithTable(table string) KindOption {
	return func(k *EntityKind) { k.Table = table }
}

// WithKeyStrategy 指定主键策略
func WithKeyStrategy(s KeyStrategy) KindOption {
	return func(k *EntityKind) { k.Keys = s }
}

// WithGenerator 使用生成器分配主键，隐含 KeyGenerated
func WithGenerator(g KeyGenerator) KindOption {
	return func(k *EntityKind) {
		k.Generator = g
		k.Keys = KeyGenerated
	}
}

// KindOf 通过反射结构体标签构建实体映射。
//
// 标量列名依次取 gorm:"column:x"、db:"x"、json:"x"，否则为蛇形字段名；
// 主键取 gorm:"primaryKey" 标记的字段，否则取名为 ID 的字段。
// Ref / Many 字段按 orm 标签解析为关联，例如 orm:"many_to_one,fk:subject_id,fetch:lazy"。
// 标量字段可标记 orm:"created" / orm:"updated"；值类型结构体字段标记 orm:"embedded"
// 时展开为当前表的列，列名前缀默认为蛇形字段名加下划线，可用 prefix:x 指定。
func KindOf(model any, opts ...KindOption) (*EntityKind, error) {
	t := reflect.TypeOf(model)
	if t == nil {
		return nil, MappingError("", "model is nil")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, MappingError(t.String(), "model must be a struct")
	}

	k := &EntityKind{
		Name:    t.Name(),
		Type:    t,
		columns: make(map[string]int),
		assocs:  make(map[string]*AssociationMeta),
	}

	autoIncrement := false
	var walkErr error
	var walk func(cur reflect.Type, prefix []int, colPrefix string)
	walk = func(cur reflect.Type, prefix []int, colPrefix string) {
		for i := 0; i < cur.NumField() && walkErr == nil; i++ {
			f := cur.Field(i)
			if f.PkgPath != "" {
				continue
			}
			if f.Tag.Get("orm") == "-" {
				continue
			}
			index := append(append([]int(nil), prefix...), i)

			if reflect.PointerTo(f.Type).Implements(linkFieldType) {
				a, err := parseAssociation(f, index)
				if err != nil {
					walkErr = MappingError(k.Name, err.Error())
					return
				}
				if _, dup := k.assocs[a.Name]; dup {
					walkErr = MappingError(k.Name, "duplicate association "+a.Name)
					return
				}
				k.Associations = append(k.Associations, a)
				k.assocs[a.Name] = a
				continue
			}

			opt, err := parseFieldTag(f.Tag.Get("orm"))
			if err != nil {
				walkErr = MappingError(k.Name, fmt.Sprintf("field %s: %v", f.Name, err))
				return
			}
			if opt.embedded {
				if f.Type.Kind() != reflect.Struct || isTimeType(f.Type) {
					walkErr = MappingError(k.Name, "embedded field "+f.Name+" must be a struct value")
					return
				}
				p := opt.prefix
				if !opt.hasPrefix {
					p = toSnakeCase(f.Name) + "_"
				}
				walk(f.Type, index, colPrefix+p)
				continue
			}
			if f.Anonymous && f.Type.Kind() == reflect.Struct && !isTimeType(f.Type) {
				walk(f.Type, index, colPrefix)
				continue
			}
			if !isScalarDBField(f.Type) {
				continue
			}

			col, pk, auto := parseColumnTag(f)
			if col == "" {
				col = toSnakeCase(f.Name)
			}
			col = colPrefix + col
			if opt.stamp != "" && (pk || !isTimeType(f.Type)) {
				walkErr = MappingError(k.Name, "timestamp field "+f.Name+" must be a non-key time.Time")
				return
			}
			if _, dup := k.columns[col]; dup {
				walkErr = MappingError(k.Name, "duplicate column "+col)
				return
			}
			fm := FieldMeta{Name: f.Name, Column: col, Index: index, Type: f.Type, PrimaryKey: pk, Timestamp: opt.stamp}
			k.columns[col] = len(k.Fields)
			k.Fields = append(k.Fields, fm)
			if pk {
				autoIncrement = auto
			}
		}
	}
	walk(t, nil, "")
	if walkErr != nil {
		return nil, walkErr
	}

	pkIdx := -1
	for i, f := range k.Fields {
		if f.PrimaryKey {
			pkIdx = i
			break
		}
	}
	if pkIdx < 0 {
		for i, f := range k.Fields {
			if f.Name == "ID" {
				pkIdx = i
				k.Fields[i].PrimaryKey = true
				break
			}
		}
	}
	if pkIdx < 0 {
		return nil, MappingError(k.Name, "no primary key field")
	}
	k.PrimaryKey = k.Fields[pkIdx]

	if tn, ok := tryGetTableName(model); ok {
		k.Table = tn
	}

	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	if k.Table == "" {
		k.Table = toSnakeCase(k.Name)
	}
	if k.Keys == "" {
		if autoIncrement || isIntegerKind(k.PrimaryKey.Type) {
			k.Keys = KeyIdentity
		} else {
			k.Keys = KeyAssigned
		}
	}
	if k.Keys == KeyGenerated && k.Generator == nil {
		return nil, MappingError(k.Name, "generated key strategy requires a generator")
	}

	for _, a := range k.Associations {
		if a.OwningToOne() {
			if a.ForeignKey == "" {
				a.ForeignKey = toSnakeCase(a.Name) + "_id"
			}
			if _, clash := k.columns[a.ForeignKey]; clash {
				return nil, MappingError(k.Name, "foreign key "+a.ForeignKey+" clashes with a field column")
			}
		}
	}
	return k, nil
}

// parseAssociation 解析 orm 标签：
//
//	orm:"one_to_one,fk:passport_id,fetch:lazy,cascade"
//	orm:"one_to_many,mapped_by:Subject"
//	orm:"many_to_many,join:student_subject,join_column:student_id,inverse_column:subject_id"
func parseAssociation(f reflect.StructField, index []int) (*AssociationMeta, error) {
	lf := reflect.New(f.Type).Interface().(linkField)
	a := &AssociationMeta{
		Name:       f.Name,
		Index:      index,
		TargetType: lf.targetType(),
	}

	tag := f.Tag.Get("orm")
	if tag == "" {
		return nil, fmt.Errorf("association %s needs an orm tag", f.Name)
	}
	parts := strings.Split(tag, ",")
	a.Cardinality = Cardinality(strings.TrimSpace(parts[0]))

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		key, val, _ := strings.Cut(p, ":")
		switch key {
		case "fk":
			a.ForeignKey = val
		case "mapped_by":
			a.MappedBy = val
		case "fetch":
			a.Fetch = FetchPolicy(val)
		case "cascade":
			a.CascadePersist = true
		case "join":
			a.Join.Table = val
		case "join_column":
			a.Join.OwnerColumn = val
		case "inverse_column":
			a.Join.TargetColumn = val
		case "":
		default:
			return nil, fmt.Errorf("association %s: unknown option %q", f.Name, key)
		}
	}

	switch a.Cardinality {
	case ManyToOne:
		a.Owning = true
		if a.MappedBy != "" {
			return nil, fmt.Errorf("association %s: many_to_one cannot be mapped_by", f.Name)
		}
		defaultFetch(a, FetchEager)
	case OneToOne:
		a.Owning = a.MappedBy == ""
		defaultFetch(a, FetchEager)
	case OneToMany:
		if a.MappedBy == "" {
			return nil, fmt.Errorf("association %s: one_to_many requires mapped_by", f.Name)
		}
		defaultFetch(a, FetchLazy)
	case ManyToMany:
		a.Owning = a.MappedBy == ""
		defaultFetch(a, FetchLazy)
	default:
		return nil, fmt.Errorf("association %s: unknown cardinality %q", f.Name, a.Cardinality)
	}

	if a.Fetch != FetchEager && a.Fetch != FetchLazy {
		return nil, fmt.Errorf("association %s: unknown fetch policy %q", f.Name, a.Fetch)
	}
	if a.ToOne() == lf.collection() {
		return nil, fmt.Errorf("association %s: %s does not match field type %s", f.Name, a.Cardinality, f.Type)
	}
	if !a.Owning && a.ForeignKey != "" {
		return nil, fmt.Errorf("association %s: inverse side cannot declare fk", f.Name)
	}
	return a, nil
}

type fieldTag struct {
	stamp     Timestamp
	embedded  bool
	prefix    string
	hasPrefix bool
}

// parseFieldTag 解析标量或嵌入字段的 orm 标签
func parseFieldTag(tag string) (fieldTag, error) {
	var ft fieldTag
	if tag == "" {
		return ft, nil
	}
	for _, p := range strings.Split(tag, ",") {
		key, val, _ := strings.Cut(strings.TrimSpace(p), ":")
		switch key {
		case string(StampCreated), string(StampUpdated):
			ft.stamp = Timestamp(key)
		case "embedded":
			ft.embedded = true
		case "prefix":
			ft.prefix, ft.hasPrefix = val, true
		case "":
		default:
			return ft, fmt.Errorf("unknown orm option %q", key)
		}
	}
	if ft.hasPrefix && !ft.embedded {
		return ft, fmt.Errorf("prefix requires embedded")
	}
	if ft.embedded && ft.stamp != "" {
		return ft, fmt.Errorf("embedded field cannot be a timestamp")
	}
	return ft, nil
}

func defaultFetch(a *AssociationMeta, fp FetchPolicy) {
	if a.Fetch == "" {
		a.Fetch = fp
	}
}

func isScalarDBField(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if isTimeType(t) {
		return true
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func isIntegerKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isTimeType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath() == "time" && t.Name() == "Time"
}

func parseColumnTag(f reflect.StructField) (column string, primaryKey, autoIncrement bool) {
	if gormTag := f.Tag.Get("gorm"); gormTag != "" {
		for _, part := range strings.Split(gormTag, ";") {
			part = strings.TrimSpace(part)
			switch {
			case strings.HasPrefix(part, "column:"):
				column = strings.TrimPrefix(part, "column:")
			case strings.EqualFold(part, "primaryKey"), strings.EqualFold(part, "primary_key"):
				primaryKey = true
			case strings.EqualFold(part, "autoIncrement"):
				autoIncrement = true
			}
		}
	}

	if column == "" {
		if dbTag := f.Tag.Get("db"); dbTag != "" {
			column = dbTag
		} else if jsonTag := f.Tag.Get("json"); jsonTag != "" && jsonTag != "-" {
			column = strings.Split(jsonTag, ",")[0]
		}
	}
	return column, primaryKey, autoIncrement
}

// toSnakeCase PassportID -> passport_id
func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || (nextLower && runes[i-1] >= 'A' && runes[i-1] <= 'Z') {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tryGetTableName 尝试从模型实例上调用 TableName()
func tryGetTableName(model any) (string, bool) {
	v := reflect.ValueOf(model)
	if !v.IsValid() {
		return "", false
	}
	t := v.Type()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return "", false
	}
	if m, ok := reflect.New(t).Interface().(interface{ TableName() string }); ok {
		return m.TableName(), true
	}
	return "", false
}
