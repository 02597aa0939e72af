package hardware

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/uart-probe/internal/config"
	"go.uber.org/zap"
)

func TestResponders(t *testing.T) {
	tests := []struct {
		name      string
		responder Responder
		want      [][]byte
	}{
		{
			name:      "确认",
			responder: AckResponder(),
			want:      [][]byte{{0xAA}, {0xAA}, {0xAA}},
		},
		{
			name:      "固定字节",
			responder: ReplyResponder(0x55),
			want:      [][]byte{{0x55}, {0x55}, {0x55}},
		},
		{
			name:      "静默",
			responder: SilentResponder(),
			want:      [][]byte{nil, nil, nil},
		},
		{
			name:      "每3次失败1次",
			responder: FailEveryResponder(3, 0xAA),
			want:      [][]byte{{0xAA}, {0xAA}, nil, {0xAA}, {0xAA}, nil},
		},
		{
			name:      "脚本循环",
			responder: ScriptResponder([]byte{0xAA}, nil, []byte{0x01}),
			want:      [][]byte{{0xAA}, nil, {0x01}, {0xAA}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.responder(0x00, i), "index %d", i)
			}
		})
	}
}

func TestMockPeripheralReplyDelay(t *testing.T) {
	peer := NewMockPeripheral(WithReplyDelay(30*time.Millisecond), WithReadTimeout(5*time.Millisecond))
	defer peer.Close()

	_, err := peer.Write([]byte{0x10})
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "应答尚未到达")

	require.Eventually(t, func() bool {
		n, _ := peer.Read(buf)
		return n == 1 && buf[0] == AckByte
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, peer.Commands())
}

func TestMockPeripheralFlushAndClose(t *testing.T) {
	peer := NewMockPeripheral(WithReadTimeout(time.Millisecond))
	peer.Inject([]byte{1, 2, 3})
	require.NoError(t, peer.Flush())

	n, err := peer.Read(make([]byte, 4))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, peer.Close())
	_, err = peer.Write([]byte{0x00})
	assert.Error(t, err)
	_, err = peer.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestOpenMockTransport(t *testing.T) {
	tr, peer := OpenMockTransport(config.SerialConfig{
		ReadTimeout: 2 * time.Millisecond,
		Mock:        config.MockConfig{Reply: 0xAA, FailEvery: 2},
	})
	defer tr.Close()

	require.NoError(t, tr.Write([]byte{0x00}))
	require.Eventually(t, func() bool { return tr.Available() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0xAA}, tr.Read(1))

	require.NoError(t, tr.Write([]byte{0x00}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tr.Available(), "第2个命令不应答")
	assert.Equal(t, 2, peer.Commands())
}

// safeBuffer 并发安全的输出缓冲
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestTerminalIndicatorPulse(t *testing.T) {
	out := &safeBuffer{}
	ind := NewTerminalIndicator(out, time.Millisecond, time.Millisecond)

	ind.Pulse(3)
	ind.Pulse(0)

	require.Eventually(t, func() bool {
		return bytes.Count([]byte(out.String()), []byte("●")) == 3
	}, time.Second, time.Millisecond)
}

func TestNewIndicator(t *testing.T) {
	log := zap.NewNop()
	cfg := config.IndicatorConfig{PulseOn: time.Millisecond, PulseOff: time.Millisecond}

	cfg.Kind = "terminal"
	assert.IsType(t, &TerminalIndicator{}, NewIndicator(cfg, &safeBuffer{}, log))

	cfg.Kind = "log"
	assert.IsType(t, &LogIndicator{}, NewIndicator(cfg, &safeBuffer{}, log))

	cfg.Kind = "none"
	assert.IsType(t, NopIndicator{}, NewIndicator(cfg, &safeBuffer{}, log))
}
