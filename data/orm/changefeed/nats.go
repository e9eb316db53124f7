package changefeed

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"gopersist/errors"
	"gopersist/logging"
)

// publisher *nats.Conn 的最小子集
type publisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSConfig NATS 发布配置
type NATSConfig struct {
	URL          string
	Subject      string
	Name         string
	FlushTimeout time.Duration
	Conn         *nats.Conn
	Logger       logging.Logger
}

// NATSPublisher 把变更集以 msgpack 编码发布到 NATS 主题
type NATSPublisher struct {
	cfg      NATSConfig
	conn     publisher
	ownsConn bool
	logger   logging.Logger
}

var _ Listener = (*NATSPublisher)(nil)

// NewNATSPublisher 创建发布者；未提供 Conn 时连接 URL
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = "gopersist.commits"
	}
	if cfg.Name == "" {
		cfg.Name = "gopersist"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("orm.changefeed.nats")
	}

	if cfg.Conn != nil {
		return newNATSPublisher(cfg, cfg.Conn, false), nil
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name(cfg.Name))
	if err != nil {
		return nil, errors.NewErrorWithCause(errors.ErrCodeQueue, "连接 NATS 失败", err).WithContext("url", url)
	}
	return newNATSPublisher(cfg, conn, true), nil
}

func newNATSPublisher(cfg NATSConfig, conn publisher, owns bool) *NATSPublisher {
	return &NATSPublisher{cfg: cfg, conn: conn, ownsConn: owns, logger: cfg.Logger}
}

// OnCommit 发布并等待服务器确认写入
func (p *NATSPublisher) OnCommit(ctx context.Context, cs ChangeSet) error {
	data, err := Encode(cs)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.cfg.Subject, data); err != nil {
		return errors.NewErrorWithCause(errors.ErrCodeQueue, "发布变更集失败", err).WithContext("subject", p.cfg.Subject)
	}
	if err := p.conn.FlushTimeout(p.cfg.FlushTimeout); err != nil {
		return errors.NewErrorWithCause(errors.ErrCodeQueue, "发布变更集失败", err).WithContext("subject", p.cfg.Subject)
	}
	p.logger.Debug(ctx, "change set published",
		logging.String("id", cs.ID),
		logging.Int("changes", len(cs.Changes)))
	return nil
}

// Close 关闭自建的连接
func (p *NATSPublisher) Close() {
	if p.ownsConn {
		p.conn.Close()
	}
}

// Encode msgpack 编码变更集
func Encode(cs ChangeSet) ([]byte, error) {
	data, err := msgpack.Marshal(cs)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "编码变更集失败")
	}
	return data, nil
}

// Decode 解码 Encode 的输出；整数主键还原为 int64
func Decode(data []byte) (ChangeSet, error) {
	var cs ChangeSet
	if err := msgpack.Unmarshal(data, &cs); err != nil {
		return ChangeSet{}, errors.WrapError(err, errors.ErrCodeInvalidInput, "解码变更集失败")
	}
	for i, c := range cs.Changes {
		cs.Changes[i].Key = normalize(c.Key)
	}
	return cs, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	}
	return v
}
