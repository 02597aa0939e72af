package hardware

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// AckByte 外设确认字节
const AckByte byte = 0xAA

// Responder 根据命令决定外设的应答（nil表示不应答）
//
// index为外设收到的第几个命令（从0开始）。
type Responder func(command byte, index int) []byte

// ReplyResponder 对所有命令回复固定字节
func ReplyResponder(reply byte) Responder {
	return func(byte, int) []byte {
		return []byte{reply}
	}
}

// AckResponder 对所有命令回复0xAA
func AckResponder() Responder {
	return ReplyResponder(AckByte)
}

// SilentResponder 从不应答
func SilentResponder() Responder {
	return func(byte, int) []byte {
		return nil
	}
}

// FailEveryResponder 每n个命令中最后一个不应答，其余回复reply
func FailEveryResponder(n int, reply byte) Responder {
	return func(_ byte, index int) []byte {
		if n > 0 && index%n == n-1 {
			return nil
		}
		return []byte{reply}
	}
}

// ScriptResponder 按脚本循环应答，脚本项为nil表示不应答
func ScriptResponder(script ...[]byte) Responder {
	return func(_ byte, index int) []byte {
		if len(script) == 0 {
			return nil
		}
		return script[index%len(script)]
	}
}

// MockPeripheral 模拟外设，实现SerialPort
type MockPeripheral struct {
	mu        sync.Mutex
	rx        []byte // 待主机读取的数据
	written   []byte
	commands  int
	closed    bool
	notify    chan struct{}
	responder Responder

	replyDelay  time.Duration
	readTimeout time.Duration
}

// MockOption 模拟外设选项
type MockOption func(*MockPeripheral)

// WithResponder 设置应答策略
func WithResponder(r Responder) MockOption {
	return func(m *MockPeripheral) {
		m.responder = r
	}
}

// WithReplyDelay 设置应答延迟
func WithReplyDelay(d time.Duration) MockOption {
	return func(m *MockPeripheral) {
		m.replyDelay = d
	}
}

// WithReadTimeout 设置Read无数据时的等待上限
func WithReadTimeout(d time.Duration) MockOption {
	return func(m *MockPeripheral) {
		if d > 0 {
			m.readTimeout = d
		}
	}
}

// NewMockPeripheral 创建模拟外设（默认立即回复0xAA）
func NewMockPeripheral(opts ...MockOption) *MockPeripheral {
	m := &MockPeripheral{
		notify:      make(chan struct{}, 1),
		responder:   AckResponder(),
		readTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write 接收主机命令，每个字节视为一个命令
func (m *MockPeripheral) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, os.ErrClosed
	}

	var replies [][]byte
	for _, b := range p {
		m.written = append(m.written, b)
		if reply := m.responder(b, m.commands); len(reply) > 0 {
			replies = append(replies, append([]byte(nil), reply...))
		}
		m.commands++
	}
	delay := m.replyDelay
	m.mu.Unlock()

	for _, reply := range replies {
		if delay <= 0 {
			m.deliver(reply)
			continue
		}
		reply := reply
		time.AfterFunc(delay, func() { m.deliver(reply) })
	}

	return len(p), nil
}

// Read 读取外设发出的数据，无数据时最多等待readTimeout
func (m *MockPeripheral) Read(p []byte) (int, error) {
	timer := time.NewTimer(m.readTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, os.ErrClosed
		}
		if len(m.rx) > 0 {
			n := copy(p, m.rx)
			m.rx = m.rx[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Flush 丢弃待读取数据
func (m *MockPeripheral) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	return nil
}

// Close 关闭模拟外设
func (m *MockPeripheral) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

// Inject 直接注入待读取数据（模拟残留字节）
func (m *MockPeripheral) Inject(data []byte) {
	m.deliver(data)
}

// SetResponder 运行中替换应答策略
func (m *MockPeripheral) SetResponder(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
}

// Written 主机已写入的全部字节
func (m *MockPeripheral) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

// Commands 收到的命令数
func (m *MockPeripheral) Commands() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands
}

// deliver 把数据放入接收缓冲并唤醒读取方
func (m *MockPeripheral) deliver(data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.rx = append(m.rx, data...)
	m.mu.Unlock()
	m.wake()
}

func (m *MockPeripheral) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func formatByte(b byte) string {
	return fmt.Sprintf("0x%02X", b)
}
