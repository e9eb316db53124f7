package orm

// Capability 表示记录存储可选支持的能力标识。
// 超出能力的调用应由存储返回 ErrUnsupported，而非静默降级。
type Capability string

const (
	// CapabilityTransaction 存储实现 store.ITransactional
	CapabilityTransaction Capability = "transaction"
	// CapabilityLinks 支持多对多关联行（InsertLink/DeleteLink/LoadLinks）
	CapabilityLinks Capability = "links"
	// CapabilityNamedStatements 支持执行已注册的命名语句
	CapabilityNamedStatements Capability = "named_statements"
	// CapabilityGeneratedKeys 插入时可以由存储生成主键
	CapabilityGeneratedKeys Capability = "generated_keys"
)

// Capabilities 以集合形式表达存储支持的能力。
type Capabilities map[Capability]bool

// Supports 判断是否支持指定能力。
func (c Capabilities) Supports(cap Capability) bool {
	if c == nil {
		return false
	}
	return c[cap]
}

// NewCapabilities 便捷构造能力集合。
func NewCapabilities(caps ...Capability) Capabilities {
	set := make(Capabilities, len(caps))
	for _, cap := range caps {
		set[cap] = true
	}
	return set
}
