package orm

import (
	"context"
	"reflect"
)

// Resolver 负责初始化尚未加载的关联，由加载该实体的工作单元提供。
type Resolver interface {
	ResolveLink(ctx context.Context, l *Link) error
}

// Link 是 Ref 与 Many 共享的关联状态。
//
// 未绑定 Resolver 的 Link 属于本地状态（新建实体的关联），始终视为已加载；
// 绑定后首次访问通过 Resolver 加载，加载前的 Add/Remove 会在加载完成时回放。
type Link struct {
	loaded   bool
	key      any
	target   any
	items    []any
	adds     []any
	removes  []any
	resolver Resolver
	owner    any
	assoc    *AssociationMeta
}

// Bind 将关联绑定到 Resolver，已加载的内容保持不变
func (l *Link) Bind(r Resolver, owner any, a *AssociationMeta) {
	l.resolver = r
	l.owner = owner
	l.assoc = a
}

// Reset 清空为未加载状态（需要重新 Bind）
func (l *Link) Reset() {
	*l = Link{}
}

// MarkUnloaded 丢弃已加载内容，下次访问重新加载
func (l *Link) MarkUnloaded() {
	l.loaded = false
	l.target = nil
	l.items = nil
	l.adds, l.removes = nil, nil
}

// Owner 返回持有该关联的实体
func (l *Link) Owner() any { return l.owner }

// Association 返回关联元信息
func (l *Link) Association() *AssociationMeta { return l.assoc }

// Loaded 是否已初始化
func (l *Link) Loaded() bool { return l.loaded || l.resolver == nil }

// SetForeignKey 记录拥有方外键指向的主键，nil 表示没有关联对象
func (l *Link) SetForeignKey(key any) { l.key = NormalizeKey(key) }

// ForeignKey 返回尚未加载时记录的外键
func (l *Link) ForeignKey() (any, bool) {
	return l.key, l.key != nil
}

// Resolve 按需初始化关联
func (l *Link) Resolve(ctx context.Context) error {
	if l.Loaded() {
		l.loaded = true
		return nil
	}
	return l.resolver.ResolveLink(ctx, l)
}

// Fill 以加载结果初始化单值关联
func (l *Link) Fill(target any) {
	l.target = target
	l.loaded = true
}

// FillMany 以加载结果初始化集合，并回放加载前排队的 Add/Remove
func (l *Link) FillMany(items []any) {
	l.items = append([]any(nil), items...)
	for _, r := range l.removes {
		l.items = removeItem(l.items, r)
	}
	for _, a := range l.adds {
		if !containsItem(l.items, a) {
			l.items = append(l.items, a)
		}
	}
	l.adds, l.removes = nil, nil
	l.loaded = true
}

// Target 返回单值关联的当前对象，不触发加载
func (l *Link) Target() any { return l.target }

// Items 返回集合的当前元素，不触发加载
func (l *Link) Items() []any { return append([]any(nil), l.items...) }

// Pending 返回未加载集合上排队的变更
func (l *Link) Pending() (adds, removes []any) { return l.adds, l.removes }

// ClearPending 清空排队的变更（已作为关联增量写出）
func (l *Link) ClearPending() { l.adds, l.removes = nil, nil }

// SetTarget 设置单值关联，同时视为已加载
func (l *Link) SetTarget(v any) {
	l.target = v
	l.key = nil
	l.loaded = true
}

// SetItems 整体替换集合内容
func (l *Link) SetItems(items []any) {
	l.items = append([]any(nil), items...)
	l.adds, l.removes = nil, nil
	l.loaded = true
}

// Add 向集合添加元素（按指针去重）
func (l *Link) Add(v any) {
	if l.Loaded() {
		l.loaded = true
		if !containsItem(l.items, v) {
			l.items = append(l.items, v)
		}
		return
	}
	l.removes = removeItem(l.removes, v)
	if !containsItem(l.adds, v) {
		l.adds = append(l.adds, v)
	}
}

// Remove 从集合移除元素
func (l *Link) Remove(v any) {
	if l.Loaded() {
		l.loaded = true
		l.items = removeItem(l.items, v)
		return
	}
	l.adds = removeItem(l.adds, v)
	if !containsItem(l.removes, v) {
		l.removes = append(l.removes, v)
	}
}

func containsItem(items []any, v any) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func removeItem(items []any, v any) []any {
	out := items[:0]
	for _, it := range items {
		if it != v {
			out = append(out, it)
		}
	}
	return out
}

// linkField 由 Ref 与 Many 实现，注册表据此识别关联字段
type linkField interface {
	linkState() *Link
	targetType() reflect.Type
	collection() bool
}

var linkFieldType = reflect.TypeOf((*linkField)(nil)).Elem()

// Ref 单值关联（one_to_one / many_to_one）
type Ref[T any] struct {
	link Link
}

// Get 返回关联对象，必要时延迟加载；没有关联对象时返回 nil
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if err := r.link.Resolve(ctx); err != nil {
		return nil, err
	}
	t, _ := r.link.target.(*T)
	return t, nil
}

// Set 设置关联对象，nil 清除关联
func (r *Ref[T]) Set(v *T) {
	if v == nil {
		r.link.SetTarget(nil)
		return
	}
	r.link.SetTarget(v)
}

// Loaded 是否已初始化
func (r *Ref[T]) Loaded() bool { return r.link.Loaded() }

func (r *Ref[T]) linkState() *Link        { return &r.link }
func (r *Ref[T]) targetType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }
func (r *Ref[T]) collection() bool         { return false }

// Many 集合关联（one_to_many / many_to_many）
type Many[T any] struct {
	link Link
}

// Get 返回集合元素，必要时延迟加载
func (m *Many[T]) Get(ctx context.Context) ([]*T, error) {
	if err := m.link.Resolve(ctx); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(m.link.items))
	for _, it := range m.link.items {
		if t, ok := it.(*T); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Add 添加元素；集合未加载时排队，加载后回放
func (m *Many[T]) Add(v *T) {
	if v != nil {
		m.link.Add(v)
	}
}

// Remove 移除元素；集合未加载时排队，加载后回放
func (m *Many[T]) Remove(v *T) {
	if v != nil {
		m.link.Remove(v)
	}
}

// Len 已加载元素个数，未加载时为 0
func (m *Many[T]) Len() int {
	if !m.link.Loaded() {
		return 0
	}
	return len(m.link.items)
}

// Loaded 是否已初始化
func (m *Many[T]) Loaded() bool { return m.link.Loaded() }

func (m *Many[T]) linkState() *Link        { return &m.link }
func (m *Many[T]) targetType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }
func (m *Many[T]) collection() bool         { return true }

// LinkOf 返回实体上指定关联字段的状态
func LinkOf(entity any, a *AssociationMeta) *Link {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	f := v.Elem().FieldByIndex(a.Index)
	lf, ok := f.Addr().Interface().(linkField)
	if !ok {
		return nil
	}
	return lf.linkState()
}
