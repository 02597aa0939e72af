package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/uart-probe/internal/config"
	"github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/hardware"
	"github.com/wfunc/uart-probe/internal/logger"
	"github.com/wfunc/uart-probe/internal/monitor"
	"github.com/wfunc/uart-probe/internal/protocol"
	"github.com/wfunc/uart-probe/internal/session"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK         = 0
	exitError      = 1
	exitNotAllAcks = 2
)

// App 测试程序实例
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport *hardware.SerialTransport
	indicator hardware.Indicator
	orch      *session.Orchestrator
	monitor   *monitor.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	runCancel context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		modeName    = flag.String("mode", "menu", "运行模式: menu | sequence | interactive | continuous")
		portName    = flag.String("port", "", "串口设备（覆盖配置，auto表示自动查找）")
		mockMode    = flag.Bool("mock", false, "使用模拟外设")
		withMonitor = flag.Bool("monitor", false, "启动HTTP监控")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(exitOK)
	}

	if *showHelp {
		printHelp()
		os.Exit(exitOK)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(exitError)
	}

	cfg := config.Get()
	if *portName != "" {
		cfg.Serial.Port = *portName
	}
	if *mockMode {
		cfg.Serial.MockMode = true
	}
	if *withMonitor {
		cfg.Monitor.Enabled = true
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(exitError)
	}
	defer logger.Cleanup()

	printStartInfo(cfg)

	app, err := NewApp(cfg)
	if err != nil {
		logger.LogError(err, "启动失败")
		fmt.Printf("启动失败: %v\n", err)
		os.Exit(exitError)
	}

	app.handleSignals()
	app.warmUp()

	var code int
	if *modeName == "" || *modeName == "menu" {
		code = app.runMenu()
	} else {
		code = app.runOnce(*modeName)
	}

	app.Shutdown()
	if code != exitOK {
		logger.Cleanup()
		os.Exit(code)
	}
}

// NewApp 打开链路并组装各组件
func NewApp(cfg *config.Config) (*App, error) {
	log := logger.GetLogger()

	var (
		tr  *hardware.SerialTransport
		err error
	)
	if cfg.Serial.MockMode {
		tr, _ = hardware.OpenMockTransport(cfg.Serial)
	} else {
		tr, err = hardware.OpenSerialTransport(cfg.Serial)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		cfg:       cfg,
		logger:    log,
		transport: tr,
		indicator: hardware.NewIndicator(cfg.Indicator, os.Stdout, logger.WithModule("indicator")),
		ctx:       ctx,
		cancel:    cancel,
	}

	client := protocol.NewClient(tr,
		protocol.WithPollInterval(cfg.Probe.PollInterval),
		protocol.WithLogger(logger.WithModule("protocol")))

	opts := []session.Option{
		session.WithTiming(cfg.Probe),
		session.WithIndicator(app.indicator),
		session.WithOutput(os.Stdout),
		session.WithLogger(logger.WithModule("session")),
	}

	if cfg.Monitor.Enabled {
		app.monitor = monitor.NewServer(cfg.Monitor,
			monitor.StatusFunc(func() session.Status { return app.orch.Snapshot() }),
			logger.WithModule("monitor"))
		opts = append(opts,
			session.WithObserver(app.monitor.Observer()),
			session.WithStateListener(app.monitor.StateListener()))
	}

	app.orch = session.NewOrchestrator(client, opts...)

	if app.monitor != nil {
		if err := app.monitor.Start(); err != nil {
			_ = app.monitor.Shutdown(context.Background())
			if closeErr := app.transport.Close(); closeErr != nil {
				log.Warn("关闭串口失败", zap.Error(closeErr))
			}
			cancel()
			return nil, err
		}
	}

	// 监听配置变化：日志级别立即生效，测试参数从下一次进入模式起生效
	config.Watch(func(newCfg *config.Config) {
		if err := logger.SetLevel(newCfg.Log.Level); err != nil {
			log.Warn("更新日志级别失败", zap.Error(err))
		}
		app.orch.UpdateTiming(newCfg.Probe)
		log.Info("配置已更新，串口参数和轮询间隔需重启后生效")
	})

	return app, nil
}

// warmUp 启动提示：指示灯闪烁后等待外设就绪
func (a *App) warmUp() {
	if n := a.cfg.Indicator.StartupPulses; n > 0 {
		a.indicator.Pulse(n)
	}
	fmt.Println("等待设备就绪...")

	select {
	case <-time.After(time.Second):
	case <-a.ctx.Done():
	}
}

// handleSignals Ctrl+C中断当前测试，空闲时退出；SIGTERM直接退出
func (a *App) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT && a.cancelRun() {
				a.logger.Info("操作员中断当前测试")
				continue
			}

			a.logger.Info("收到退出信号", zap.String("signal", sig.String()))
			a.orch.Terminate()
			a.cancel()
		}
	}()
}

// cancelRun 取消正在运行的模式
func (a *App) cancelRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runCancel == nil {
		return false
	}
	a.runCancel()
	return true
}

// run 运行一个模式，返回报告
func (a *App) run(mode session.Mode, input session.InputSource) (*session.Report, error) {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.runCancel = nil
		a.mu.Unlock()
	}()

	return a.orch.Run(ctx, mode, session.RunInput{Input: input})
}

// runOnce 非交互运行单个模式
func (a *App) runOnce(name string) int {
	mode, err := session.ParseMode(name)
	if err != nil {
		fmt.Printf("无效的模式: %s\n", name)
		return exitError
	}

	input := session.NewLineInput(os.Stdin, os.Stdout, "命令> ")
	report, err := a.run(mode, input)
	a.orch.Terminate()

	if err != nil {
		logger.LogError(err, "测试中止", zap.String("mode", name))
		return exitError
	}
	if mode == session.ModeSequence && !report.AllAcknowledged() {
		return exitNotAllAcks
	}
	return exitOK
}

// runMenu 菜单循环
func (a *App) runMenu() int {
	input := session.NewLineInput(os.Stdin, os.Stdout, "")
	menu := input.WithPrompt("请选择 (1-4): ")
	commands := input.WithPrompt("命令> ")

	for a.orch.State() != session.StateTerminated {
		printMenu()

		line, err := menu.ReadLine(a.ctx)
		if err != nil {
			if errors.Is(err, errors.ErrInputClosed) {
				a.logger.Info("标准输入已关闭")
			}
			a.orch.Terminate()
			break
		}

		if strings.TrimSpace(line) == "4" || protocol.IsExitToken(line, a.orch.ExitToken()) {
			a.orch.Terminate()
			break
		}

		mode, err := session.ParseMode(line)
		if err != nil {
			fmt.Println("无效选择，请输入 1-4")
			continue
		}

		if _, err := a.run(mode, commands); err != nil {
			logger.LogError(err, "测试中止", zap.String("mode", string(mode)))
			if errors.IsLinkError(err) {
				fmt.Printf("串口链路故障，程序退出: %v\n", err)
				a.orch.Terminate()
				return exitError
			}
		}
	}

	fmt.Println("再见")
	return exitOK
}

// Shutdown 关闭监控与链路
func (a *App) Shutdown() {
	a.cancel()

	if a.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.monitor.Shutdown(ctx); err != nil {
			a.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
		cancel()
	}

	if err := a.transport.Close(); err != nil {
		a.logger.Warn("关闭串口失败", zap.Error(err))
	}
}

// printMenu 打印菜单
func printMenu() {
	fmt.Println()
	fmt.Println("========== UART 协议测试 ==========")
	fmt.Println("  1. 序列测试")
	fmt.Println("  2. 交互测试")
	fmt.Println("  3. 连续测试 (Ctrl+C 停止)")
	fmt.Println("  4. 退出")
	fmt.Println("===================================")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("UART协议测试工具\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("UART协议测试工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  uart-probe [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  UART_PROBE_SERIAL_PORT        串口设备")
	fmt.Println("  UART_PROBE_SERIAL_BAUD_RATE   波特率")
	fmt.Println("  UART_PROBE_LOG_LEVEL          日志级别")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  uart-probe -port=/dev/ttyACM0")
	fmt.Println("  uart-probe -mock -mode=continuous -monitor")
	fmt.Println("  uart-probe -config=config/config.yaml -mode=sequence")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	port := cfg.Serial.Port
	if cfg.Serial.MockMode {
		port = "mock"
	}
	fmt.Println("═══════════════════════════════════════════")
	fmt.Printf(" UART协议测试工具 %s | PID: %d\n", Version, os.Getpid())
	fmt.Printf(" 串口: %s | 波特率: %d | 8N1\n", port, cfg.Serial.BaudRate)
	if cfg.Monitor.Enabled {
		fmt.Printf(" 监控: http://%s\n", cfg.Monitor.Addr())
	}
	fmt.Println("═══════════════════════════════════════════")
}
