package orm

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// Registry 实体类型注册表。启动时注册，Seal 之后只读，读操作无锁。
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool

	kinds  map[string]*EntityKind
	byType map[reflect.Type]*EntityKind
	order  []*EntityKind
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		kinds:  make(map[string]*EntityKind),
		byType: make(map[reflect.Type]*EntityKind),
	}
}

// Register 注册实体类型；Seal 之后或重名时返回映射错误
func (r *Registry) Register(kind *EntityKind) error {
	if kind == nil {
		return MappingError("", "kind is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return MappingError(kind.Name, "registry is sealed")
	}
	if _, dup := r.kinds[kind.Name]; dup {
		return MappingError(kind.Name, "kind already registered")
	}
	if _, dup := r.byType[kind.Type]; dup {
		return MappingError(kind.Name, "type "+kind.Type.String()+" already registered")
	}
	r.kinds[kind.Name] = kind
	r.byType[kind.Type] = kind
	r.order = append(r.order, kind)
	return nil
}

// RegisterModel KindOf + Register
func (r *Registry) RegisterModel(model any, opts ...KindOption) (*EntityKind, error) {
	kind, err := KindOf(model, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(kind); err != nil {
		return nil, err
	}
	return kind, nil
}

// Seal 解析关联目标并校验 mapped_by、外键、关联表，随后注册表只读。重复调用无副作用。
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return nil
	}

	for _, k := range r.order {
		for _, a := range k.Associations {
			target, ok := r.byType[a.TargetType]
			if !ok {
				return MappingError(k.Name, fmt.Sprintf("association %s targets unregistered type %s", a.Name, a.TargetType))
			}
			a.Target = target
		}
	}

	// 先补全拥有方多对多的关联表默认值，反向方随后复制
	for _, k := range r.order {
		for _, a := range k.Associations {
			if !a.OwningManyToMany() {
				continue
			}
			if a.Join.Table == "" {
				a.Join.Table = k.Table + "_" + a.Target.Table
			}
			if a.Join.OwnerColumn == "" {
				a.Join.OwnerColumn = k.Table + "_id"
			}
			if a.Join.TargetColumn == "" {
				a.Join.TargetColumn = a.Target.Table + "_id"
			}
			if a.Join.OwnerColumn == a.Join.TargetColumn {
				return MappingError(k.Name, "association "+a.Name+": join columns must differ")
			}
		}
	}

	for _, k := range r.order {
		for _, a := range k.Associations {
			if a.MappedBy == "" {
				continue
			}
			if err := linkInverse(k, a); err != nil {
				return err
			}
		}
	}

	r.sealed.Store(true)
	return nil
}

func linkInverse(k *EntityKind, a *AssociationMeta) error {
	other, ok := a.Target.Association(a.MappedBy)
	if !ok {
		return MappingError(k.Name, fmt.Sprintf("association %s: mapped_by %s.%s not found", a.Name, a.Target.Name, a.MappedBy))
	}
	if !other.Owning {
		return MappingError(k.Name, fmt.Sprintf("association %s: %s.%s is not the owning side", a.Name, a.Target.Name, a.MappedBy))
	}
	if other.TargetType != k.Type {
		return MappingError(k.Name, fmt.Sprintf("association %s: %s.%s does not reference %s", a.Name, a.Target.Name, a.MappedBy, k.Name))
	}

	want := map[Cardinality]Cardinality{
		OneToMany:  ManyToOne,
		OneToOne:   OneToOne,
		ManyToMany: ManyToMany,
	}[a.Cardinality]
	if other.Cardinality != want {
		return MappingError(k.Name, fmt.Sprintf("association %s: %s cannot be mapped by %s", a.Name, a.Cardinality, other.Cardinality))
	}

	a.Inverse = other
	other.Inverse = a
	if a.Cardinality == ManyToMany {
		a.Join = JoinTable{
			Table:        other.Join.Table,
			OwnerColumn:  other.Join.TargetColumn,
			TargetColumn: other.Join.OwnerColumn,
		}
	}
	return nil
}

// Sealed 是否已封存
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Describe 按名称查找实体类型
func (r *Registry) Describe(name string) (*EntityKind, error) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	k, ok := r.kinds[name]
	if !ok {
		return nil, ErrUnknownKind.WithContext("kind", name)
	}
	return k, nil
}

// KindFor 按实例、类型或 reflect.Type 查找实体类型
func (r *Registry) KindFor(v any) (*EntityKind, error) {
	var t reflect.Type
	if rt, ok := v.(reflect.Type); ok {
		t = rt
	} else {
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, ErrUnknownKind.WithContext("kind", "<nil>")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	k, ok := r.byType[t]
	if !ok {
		return nil, ErrUnknownKind.WithContext("kind", t.String())
	}
	return k, nil
}

// Kinds 按注册顺序返回全部实体类型
func (r *Registry) Kinds() []*EntityKind {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return append([]*EntityKind(nil), r.order...)
}
