// Package session 在协议客户端之上编排测试模式。
//
// 三种模式共用同一个收尾路径：正常完成、操作员取消和退出请求
// 都会生成一份Report；只有链路错误会中止模式并返回error。
package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/uart-probe/internal/config"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/hardware"
	"github.com/wfunc/uart-probe/internal/logger"
	"github.com/wfunc/uart-probe/internal/protocol"
	"go.uber.org/zap"
)

// Mode 测试模式
type Mode string

const (
	ModeSequence    Mode = "sequence"
	ModeInteractive Mode = "interactive"
	ModeContinuous  Mode = "continuous"
)

// ParseMode 解析模式名称，也接受菜单编号1-3
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", string(ModeSequence):
		return ModeSequence, nil
	case "2", string(ModeInteractive):
		return ModeInteractive, nil
	case "3", string(ModeContinuous):
		return ModeContinuous, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalidParam, "unknown mode %q", s)
}

// DefaultRecordLimit 单个报告保留的最大记录数
const DefaultRecordLimit = 4096

// Observer 每次交换完成后调用（在编排器的goroutine中同步执行）
type Observer func(mode Mode, record protocol.ExchangeRecord)

// RunInput 模式参数
type RunInput struct {
	Steps []protocol.Step // 序列模式，为空时使用默认序列
	Input InputSource     // 交互模式必填
}

// Status 编排器快照
type Status struct {
	State     State   `json:"state"`
	Report    *Report `json:"report,omitempty"` // 运行中或最近一次的报告（不含记录）
	ErrorRate float64 `json:"error_rate"`
}

type modeFunc func(ctx context.Context, in RunInput, t config.ProbeConfig, r *Report) error

// Orchestrator 测试编排器，独占协议客户端
type Orchestrator struct {
	client      *protocol.Client
	timing      config.ProbeConfig
	indicator   hardware.Indicator
	observers   []Observer
	out         io.Writer
	logger      *zap.Logger
	recordLimit int
	onState     func(from, to State)

	sm     *stateMachine
	modes  map[Mode]modeFunc
	events map[Mode]string

	mu          sync.Mutex
	current     *Report
	last        *Report
	cancel      context.CancelFunc
	terminating bool
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithTiming 设置超时和间隔，零值字段保持默认
func WithTiming(cfg config.ProbeConfig) Option {
	return func(o *Orchestrator) {
		mergeTiming(&o.timing, cfg)
	}
}

// mergeTiming 用cfg中的非零字段覆盖dst
func mergeTiming(dst *config.ProbeConfig, cfg config.ProbeConfig) {
	if cfg.DefaultTimeout > 0 {
		dst.DefaultTimeout = cfg.DefaultTimeout
	}
	if cfg.SequenceDelay > 0 {
		dst.SequenceDelay = cfg.SequenceDelay
	}
	if cfg.ContinuousTimeout > 0 {
		dst.ContinuousTimeout = cfg.ContinuousTimeout
	}
	if cfg.ContinuousDelay > 0 {
		dst.ContinuousDelay = cfg.ContinuousDelay
	}
	if cfg.ExitToken != "" {
		dst.ExitToken = cfg.ExitToken
	}
}

// WithIndicator 设置指示灯
func WithIndicator(ind hardware.Indicator) Option {
	return func(o *Orchestrator) {
		if ind != nil {
			o.indicator = ind
		}
	}
}

// WithObserver 添加交换观察者
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithOutput 设置操作员输出
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecordLimit 设置报告保留的记录数上限，<=0表示不限制
func WithRecordLimit(n int) Option {
	return func(o *Orchestrator) {
		o.recordLimit = n
	}
}

// WithStateListener 设置状态变更回调，回调在编排器锁外执行
func WithStateListener(fn func(from, to State)) Option {
	return func(o *Orchestrator) {
		o.onState = fn
	}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(client *protocol.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		timing: config.ProbeConfig{
			DefaultTimeout:    protocol.DefaultTimeout,
			SequenceDelay:     time.Second,
			ContinuousTimeout: 50 * time.Millisecond,
			ContinuousDelay:   100 * time.Millisecond,
			ExitToken:         "q",
		},
		indicator:   hardware.NopIndicator{},
		out:         io.Discard,
		logger:      zap.NewNop(),
		recordLimit: DefaultRecordLimit,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.sm = newStateMachine(o.logger)
	o.modes = map[Mode]modeFunc{
		ModeSequence:    o.runSequence,
		ModeInteractive: o.runInteractive,
		ModeContinuous:  o.runContinuous,
	}
	o.events = map[Mode]string{
		ModeSequence:    eventStartSequence,
		ModeInteractive: eventStartInteractive,
		ModeContinuous:  eventStartContinuous,
	}
	return o
}

// State 当前状态
func (o *Orchestrator) State() State {
	return o.sm.state()
}

// ExitToken 交互模式的退出符
func (o *Orchestrator) ExitToken() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timing.ExitToken
}

// UpdateTiming 更新超时和间隔，从下一次进入模式起生效
func (o *Orchestrator) UpdateTiming(cfg config.ProbeConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mergeTiming(&o.timing, cfg)
}

// RunSequence 运行序列测试
func (o *Orchestrator) RunSequence(ctx context.Context, steps []protocol.Step) (*Report, error) {
	return o.Run(ctx, ModeSequence, RunInput{Steps: steps})
}

// RunInteractive 运行交互测试
func (o *Orchestrator) RunInteractive(ctx context.Context, input InputSource) (*Report, error) {
	return o.Run(ctx, ModeInteractive, RunInput{Input: input})
}

// RunContinuous 运行连续测试，直到ctx取消或Terminate
func (o *Orchestrator) RunContinuous(ctx context.Context) (*Report, error) {
	return o.Run(ctx, ModeContinuous, RunInput{})
}

// Run 运行指定模式
//
// 取消不视为错误：返回的Report标记Canceled，状态回到Idle。
// 链路错误中止模式，同时返回已完成部分的Report。
func (o *Orchestrator) Run(ctx context.Context, mode Mode, in RunInput) (*Report, error) {
	run, ok := o.modes[mode]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "unknown mode %q", mode)
	}
	if mode == ModeInteractive && in.Input == nil {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "interactive mode requires an input source")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	report := newReport(mode)

	o.mu.Lock()
	change, err := o.fire(o.events[mode])
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.current = report
	o.cancel = cancel
	timing := o.timing
	o.mu.Unlock()
	o.notify(change)

	o.logger.Info("测试开始",
		zap.String("session_id", report.SessionID),
		zap.String("mode", string(mode)))

	err = run(runCtx, in, timing, report)
	o.finish(report, err == nil && runCtx.Err() != nil, err)
	return report, err
}

// finish 统一收尾：定格报告、输出摘要、转换状态
func (o *Orchestrator) finish(report *Report, canceled bool, runErr error) {
	o.mu.Lock()
	report.Canceled = canceled
	report.FinishedAt = time.Now()
	event := eventFinish
	if o.terminating {
		event = eventTerminate
	}
	change, err := o.fire(event)
	if err != nil {
		o.logger.Error("状态转换失败", zap.Error(err))
	}
	o.last = report
	o.current = nil
	o.cancel = nil
	o.mu.Unlock()
	o.notify(change)

	fields := []zap.Field{
		zap.String("session_id", report.SessionID),
		zap.String("mode", string(report.Mode)),
		zap.Int("attempts", report.Stats.Attempts),
		zap.Int("acknowledged", report.Stats.Acknowledged),
		zap.Int("timed_out", report.Stats.TimedOut),
		zap.Int("unexpected", report.Stats.Unexpected),
		zap.Int("cycles", report.Cycles),
		zap.Bool("canceled", report.Canceled),
		zap.Duration("duration", report.Duration()),
	}

	if runErr != nil {
		o.logger.Error("测试因链路错误中止", append(fields, zap.Error(runErr))...)
		fmt.Fprintf(o.out, "\n链路错误: %v\n", runErr)
	} else {
		o.logger.Info("测试结束", fields...)
	}
	fmt.Fprintf(o.out, "\n%s\n", report.Summary())
}

// Terminate 请求退出
//
// 待机时立即进入Terminated；运行中则取消当前模式，收尾后进入Terminated。
func (o *Orchestrator) Terminate() {
	o.mu.Lock()
	o.terminating = true
	if o.cancel != nil {
		o.cancel()
		o.mu.Unlock()
		return
	}

	var change *stateChange
	if o.sm.canTrigger(eventTerminate) {
		var err error
		if change, err = o.fire(eventTerminate); err != nil {
			o.logger.Error("状态转换失败", zap.Error(err))
		}
	}
	o.mu.Unlock()
	o.notify(change)
}

// stateChange 一次已完成的状态转换
type stateChange struct {
	from, to State
}

// fire 触发状态机事件，调用方持有o.mu
func (o *Orchestrator) fire(event string) (*stateChange, error) {
	from := o.sm.state()
	to, err := o.sm.trigger(event)
	if err != nil {
		return nil, err
	}
	return &stateChange{from: from, to: to}, nil
}

// notify 通知状态回调，调用方不能持有o.mu
func (o *Orchestrator) notify(change *stateChange) {
	if change != nil && o.onState != nil {
		o.onState(change.from, change.to)
	}
}

// Snapshot 当前状态和统计快照，可在其他goroutine中调用
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{State: o.sm.state()}
	r := o.current
	if r == nil {
		r = o.last
	}
	if r != nil {
		status.Report = r.clone()
		status.ErrorRate = r.Stats.ErrorRate()
	}
	return status
}

// exchange 执行一次交换并记录
func (o *Orchestrator) exchange(r *Report, command byte, timeout time.Duration) (protocol.ExchangeRecord, error) {
	record, err := o.client.Exchange(command, timeout)
	if err != nil {
		return record, err
	}

	o.mu.Lock()
	r.add(record, o.recordLimit)
	o.mu.Unlock()

	logger.LogExchange(string(r.Mode), command, record.Outcome.String(), record.Elapsed, record.Outcome.OK())

	for _, obs := range o.observers {
		obs(r.Mode, record)
	}
	return record, nil
}

// sleep 等待d，期间ctx取消则返回false
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// describeOutcome 操作员可读的结果描述
func describeOutcome(outcome protocol.Outcome) string {
	switch outcome.Kind {
	case protocol.Acknowledged:
		return "✓ 收到确认 (0xAA)"
	case protocol.Unexpected:
		return fmt.Sprintf("✗ 意外应答: 0x%02X", outcome.Reply)
	default:
		return "✗ 超时无应答"
	}
}

// runSequence 按顺序执行每一步，失败不提前结束
func (o *Orchestrator) runSequence(ctx context.Context, in RunInput, t config.ProbeConfig, r *Report) error {
	steps := in.Steps
	if len(steps) == 0 {
		steps = protocol.DefaultSequence()
	}

	fmt.Fprintf(o.out, "开始序列测试 (%d 条命令)\n", len(steps))

	for i, step := range steps {
		if i > 0 && !sleep(ctx, t.SequenceDelay) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		record, err := o.exchange(r, step.Command, t.DefaultTimeout)
		if err != nil {
			return err
		}

		fmt.Fprintf(o.out, "[%d/%d] 0x%02X %s: %s\n",
			i+1, len(steps), step.Command, step.Description, describeOutcome(record.Outcome))

		if record.Outcome.OK() {
			o.indicator.Pulse(1)
		}
	}
	return nil
}

// runInteractive 逐条读取操作员输入并执行交换
func (o *Orchestrator) runInteractive(ctx context.Context, in RunInput, t config.ProbeConfig, r *Report) error {
	fmt.Fprintf(o.out, "交互模式：输入命令值 (0x00-0xFF 或 0-255)，输入 %s 退出\n", t.ExitToken)

	for {
		line, err := in.Input.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if apperrors.Is(err, apperrors.ErrInputClosed) {
				o.logger.Info("输入结束，退出交互模式")
				return nil
			}
			return err
		}

		if protocol.IsExitToken(line, t.ExitToken) {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		command, err := protocol.ParseCommand(line)
		if err != nil {
			if !apperrors.IsInputError(err) {
				return err
			}
			o.logger.Debug("输入无效", zap.String("input", line), zap.Error(err))
			fmt.Fprintf(o.out, "输入无效: %v\n", err)
			continue
		}

		record, err := o.exchange(r, command, t.DefaultTimeout)
		if err != nil {
			return err
		}

		fmt.Fprintf(o.out, "0x%02X: %s (%s)\n",
			command, describeOutcome(record.Outcome), record.Elapsed.Round(time.Millisecond))

		if record.Outcome.OK() {
			o.indicator.Pulse(1)
		}
	}
}

// runContinuous 循环发送固定命令直到取消
//
// 只在交换之间检查取消，进行中的交换总会完成并被记录。
func (o *Orchestrator) runContinuous(ctx context.Context, _ RunInput, t config.ProbeConfig, r *Report) error {
	cycle := protocol.ContinuousCycle()

	fmt.Fprintf(o.out, "连续测试开始 (Ctrl+C 停止)\n")

	for {
		for i, command := range cycle {
			if ctx.Err() != nil {
				return nil
			}

			if _, err := o.exchange(r, command, t.ContinuousTimeout); err != nil {
				return err
			}

			if i == len(cycle)-1 {
				o.mu.Lock()
				r.Cycles++
				stats := r.Stats
				cycles := r.Cycles
				o.mu.Unlock()

				fmt.Fprintf(o.out, "\r测试周期: %d, 错误: %d, 错误率: %.2f%%",
					cycles, stats.Errors(), stats.ErrorRate()*100)
			}

			if !sleep(ctx, t.ContinuousDelay) {
				return nil
			}
		}
	}
}
