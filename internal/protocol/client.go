package protocol

import (
	"time"

	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/hardware"
	"go.uber.org/zap"
)

// Client 协议客户端，同一时刻只允许一个交换在进行
type Client struct {
	transport    hardware.Transport
	pollInterval time.Duration
	logger       *zap.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient 创建协议客户端
func NewClient(transport hardware.Transport, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PollInterval 当前轮询间隔
func (c *Client) PollInterval() time.Duration {
	return c.pollInterval
}

// SendCommand 发送命令并等待应答
func (c *Client) SendCommand(command byte, timeout time.Duration) (Outcome, error) {
	record, err := c.Exchange(command, timeout)
	if err != nil {
		return Outcome{}, err
	}
	return record.Outcome, nil
}

// Exchange 执行一次完整交换
//
// 先清空残留输入，再写命令字节，然后按轮询间隔检查应答直到超时。
// 收到的第一个字节立即分类返回，不在本次交换内重试。
// 耗时上限为 timeout + 一个轮询间隔；只有链路错误会返回error，
// 等待应答期间链路失败同样返回链路错误而不是超时。
func (c *Client) Exchange(command byte, timeout time.Duration) (ExchangeRecord, error) {
	if err := c.transport.DiscardInput(); err != nil {
		return ExchangeRecord{}, apperrors.Wrap(err, apperrors.ErrLinkRead, "discard stale input")
	}

	start := time.Now()
	if err := c.transport.Write([]byte{command}); err != nil {
		return ExchangeRecord{}, apperrors.Wrapf(err, apperrors.ErrLinkWrite, "send command 0x%02X", command)
	}

	record := ExchangeRecord{
		Command:   command,
		StartedAt: start,
	}

	deadline := start.Add(timeout)
	for {
		if c.transport.Available() > 0 {
			if reply := c.transport.Read(1); len(reply) == 1 {
				record.Outcome = classify(reply[0])
				break
			}
		}

		// 缓冲区已空且链路失败时不能按超时计
		if err := c.transport.Err(); err != nil {
			return ExchangeRecord{}, apperrors.Wrapf(err, apperrors.ErrLinkRead, "await reply to 0x%02X", command)
		}

		if !time.Now().Before(deadline) {
			record.Outcome = Outcome{Kind: TimedOut}
			break
		}

		time.Sleep(c.pollInterval)
	}

	record.Elapsed = time.Since(start)

	c.logger.Debug("命令交换完成",
		zap.Uint8("command", command),
		zap.Stringer("outcome", record.Outcome),
		zap.Duration("elapsed", record.Elapsed))

	return record, nil
}
