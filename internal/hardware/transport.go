package hardware

import (
	stderrors "errors"
	"io"
	"sync"

	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"go.uber.org/zap"
)

// Transport 字节流链路
type Transport interface {
	// Write 发送字节，失败返回链路错误
	Write(data []byte) error
	// Available 当前已缓冲、可立即读取的字节数（不阻塞）
	Available() int
	// Read 读取最多maxN个已缓冲字节，无数据时返回空切片（不阻塞）
	Read(maxN int) []byte
	// DiscardInput 丢弃所有已接收未读取的数据
	DiscardInput() error
	// Err 链路的致命错误，正常时返回nil
	Err() error
	Close() error
}

// SerialTransport 基于SerialPort的链路实现
//
// 读协程持续把串口数据搬入内部缓冲区；清空请求在两次读取之间由读协程执行，
// 因此不会有清空前收到的字节在清空后才进入缓冲区。
type SerialTransport struct {
	name   string
	port   SerialPort
	logger *zap.Logger

	mu      sync.Mutex
	pending []byte
	linkErr error
	closed  bool

	discardCh chan chan error
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewSerialTransport 创建链路并启动读协程
func NewSerialTransport(name string, port SerialPort, logger *zap.Logger) *SerialTransport {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &SerialTransport{
		name:      name,
		port:      port,
		logger:    logger,
		discardCh: make(chan chan error),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	go t.readLoop()

	return t
}

// Name 链路名称（设备路径）
func (t *SerialTransport) Name() string {
	return t.name
}

// Write 发送字节
func (t *SerialTransport) Write(data []byte) error {
	if err := t.failure(); err != nil {
		return err
	}

	n, err := t.port.Write(data)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrLinkWrite, "write %s", t.name)
	}
	if n != len(data) {
		return apperrors.Newf(apperrors.ErrLinkWrite, "short write on %s: %d/%d bytes", t.name, n, len(data))
	}

	return nil
}

// Available 已缓冲字节数
func (t *SerialTransport) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Read 读取最多maxN个已缓冲字节
func (t *SerialTransport) Read(maxN int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if maxN <= 0 || len(t.pending) == 0 {
		return []byte{}
	}
	if maxN > len(t.pending) {
		maxN = len(t.pending)
	}

	out := make([]byte, maxN)
	copy(out, t.pending[:maxN])
	t.pending = t.pending[maxN:]

	return out
}

// DiscardInput 丢弃已接收数据（串口驱动缓冲区与内部缓冲区）
func (t *SerialTransport) DiscardInput() error {
	ack := make(chan error, 1)

	select {
	case t.discardCh <- ack:
	case <-t.doneCh:
		return t.failure()
	}

	select {
	case err := <-ack:
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrLinkRead, "flush %s", t.name)
		}
		return nil
	case <-t.doneCh:
		return t.failure()
	}
}

// Close 关闭链路并等待读协程退出
func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.stopCh)
		err = t.port.Close()
		<-t.doneCh

		t.logger.Info("串口链路已关闭", zap.String("port", t.name))
	})
	return err
}

// Err 读协程失败或链路关闭后返回链路错误
func (t *SerialTransport) Err() error {
	return t.failure()
}

// failure 返回链路当前的致命错误
func (t *SerialTransport) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return apperrors.New(apperrors.ErrLinkClosed, t.name)
	}
	return t.linkErr
}

// readLoop 读取循环
func (t *SerialTransport) readLoop() {
	defer close(t.doneCh)

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopCh:
			return
		case ack := <-t.discardCh:
			err := t.port.Flush()
			t.mu.Lock()
			dropped := len(t.pending)
			t.pending = t.pending[:0]
			t.mu.Unlock()
			if dropped > 0 {
				t.logger.Debug("丢弃残留数据", zap.String("port", t.name), zap.Int("bytes", dropped))
			}
			ack <- err
			continue
		default:
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.pending = append(t.pending, buf[:n]...)
			t.mu.Unlock()
		}

		if err == nil || stderrors.Is(err, io.EOF) {
			// 读超时
			continue
		}

		t.mu.Lock()
		closed := t.closed
		if !closed {
			t.linkErr = apperrors.Wrapf(err, apperrors.ErrLinkRead, "read %s", t.name)
		}
		t.mu.Unlock()

		if !closed {
			t.logger.Error("串口读取失败，链路终止", zap.String("port", t.name), zap.Error(err))
		}
		return
	}
}
