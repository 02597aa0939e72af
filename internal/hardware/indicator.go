package hardware

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wfunc/uart-probe/internal/config"
	"go.uber.org/zap"
)

// Indicator 指示灯（只做提示，不影响协议结果）
type Indicator interface {
	// Pulse 闪烁count次，立即返回
	Pulse(count int)
}

// NopIndicator 不做任何事
type NopIndicator struct{}

// Pulse 实现Indicator
func (NopIndicator) Pulse(int) {}

// blinker 后台串行执行闪烁，多次Pulse不会交叠
type blinker struct {
	mu  sync.Mutex
	on  time.Duration
	off time.Duration
}

func (b *blinker) run(count int, lightOn, lightOff func()) {
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := 0; i < count; i++ {
			lightOn()
			time.Sleep(b.on)
			lightOff()
			time.Sleep(b.off)
		}
	}()
}

// LogIndicator 把闪烁写入日志
type LogIndicator struct {
	blinker
	logger *zap.Logger
}

// NewLogIndicator 创建日志指示灯
func NewLogIndicator(on, off time.Duration, logger *zap.Logger) *LogIndicator {
	return &LogIndicator{
		blinker: blinker{on: on, off: off},
		logger:  logger,
	}
}

// Pulse 实现Indicator
func (l *LogIndicator) Pulse(count int) {
	if count <= 0 {
		return
	}
	l.logger.Debug("指示灯闪烁", zap.Int("count", count))
	l.run(count, func() {
		l.logger.Debug("指示灯亮")
	}, func() {})
}

// TerminalIndicator 在终端上打印闪烁符号
type TerminalIndicator struct {
	blinker
	out   io.Writer
	outMu sync.Mutex
}

// NewTerminalIndicator 创建终端指示灯
func NewTerminalIndicator(out io.Writer, on, off time.Duration) *TerminalIndicator {
	return &TerminalIndicator{
		blinker: blinker{on: on, off: off},
		out:     out,
	}
}

// Pulse 实现Indicator
func (t *TerminalIndicator) Pulse(count int) {
	if count <= 0 {
		return
	}
	t.run(count, func() {
		t.outMu.Lock()
		fmt.Fprint(t.out, "●")
		t.outMu.Unlock()
	}, func() {
		t.outMu.Lock()
		fmt.Fprint(t.out, "\b○\b")
		t.outMu.Unlock()
	})
}

// NewIndicator 根据配置创建指示灯
func NewIndicator(cfg config.IndicatorConfig, out io.Writer, logger *zap.Logger) Indicator {
	switch cfg.Kind {
	case "terminal":
		return NewTerminalIndicator(out, cfg.PulseOn, cfg.PulseOff)
	case "log":
		return NewLogIndicator(cfg.PulseOn, cfg.PulseOff, logger)
	default:
		return NopIndicator{}
	}
}
