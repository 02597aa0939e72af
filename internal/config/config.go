package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Serial    SerialConfig    `mapstructure:"serial"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Indicator IndicatorConfig `mapstructure:"indicator"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
}

// SerialConfig 串口配置
//
// 帧格式固定为8N1，配置中的data_bits/stop_bits/parity只用于校验。
type SerialConfig struct {
	Port        string        `mapstructure:"port"` // 设备路径，auto表示自动查找
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // 读协程单次读取超时
	MockMode    bool          `mapstructure:"mock_mode"`    // 调试模式（使用模拟外设）
	Mock        MockConfig    `mapstructure:"mock"`
}

// MockConfig 模拟外设配置
type MockConfig struct {
	Reply      int           `mapstructure:"reply"`       // 应答字节
	ReplyDelay time.Duration `mapstructure:"reply_delay"` // 应答延迟
	FailEvery  int           `mapstructure:"fail_every"`  // 每N次交换静默一次，0表示不失败
}

// ProbeConfig 协议测试参数
type ProbeConfig struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SequenceDelay     time.Duration `mapstructure:"sequence_delay"`
	ContinuousTimeout time.Duration `mapstructure:"continuous_timeout"`
	ContinuousDelay   time.Duration `mapstructure:"continuous_delay"`
	ExitToken         string        `mapstructure:"exit_token"`
}

// IndicatorConfig 指示灯配置
type IndicatorConfig struct {
	Kind          string        `mapstructure:"kind"` // log | terminal | none
	PulseOn       time.Duration `mapstructure:"pulse_on"`
	PulseOff      time.Duration `mapstructure:"pulse_off"`
	StartupPulses int           `mapstructure:"startup_pulses"`
}

// MonitorConfig 实时监控服务配置
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"` // gin模式: debug | release | test
}

// Addr 监听地址
func (m MonitorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		var loaded *Config
		loaded, err = load(v, configPath)
		if err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 从指定路径加载一份独立的配置（不影响全局实例）
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

// load 读取、解析并校验配置
func load(v *viper.Viper, configPath string) (*Config, error) {
	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("UART_PROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigLoad)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigParse)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 串口默认配置（115200 8N1）
	v.SetDefault("serial.port", "auto")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "10ms")
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.mock.reply", 0xAA)
	v.SetDefault("serial.mock.reply_delay", "1ms")
	v.SetDefault("serial.mock.fail_every", 0)

	// 协议测试默认参数
	v.SetDefault("probe.default_timeout", "100ms")
	v.SetDefault("probe.poll_interval", "5ms")
	v.SetDefault("probe.sequence_delay", "1s")
	v.SetDefault("probe.continuous_timeout", "50ms")
	v.SetDefault("probe.continuous_delay", "100ms")
	v.SetDefault("probe.exit_token", "q")

	// 指示灯默认配置
	v.SetDefault("indicator.kind", "log")
	v.SetDefault("indicator.pulse_on", "100ms")
	v.SetDefault("indicator.pulse_off", "100ms")
	v.SetDefault("indicator.startup_pulses", 3)

	// 监控服务默认配置
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.host", "127.0.0.1")
	v.SetDefault("monitor.port", 9090)
	v.SetDefault("monitor.mode", "release")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "uart-probe.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	s := c.Serial
	if s.BaudRate <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "serial.baud_rate must be positive, got %d", s.BaudRate)
	}
	if s.DataBits != 8 || s.StopBits != 1 || !strings.EqualFold(s.Parity, "N") {
		return apperrors.Newf(apperrors.ErrConfigValidate,
			"serial frame must be 8N1, got %d%s%d", s.DataBits, s.Parity, s.StopBits)
	}
	if s.ReadTimeout <= 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "serial.read_timeout must be positive")
	}
	if s.Mock.Reply < 0 || s.Mock.Reply > 0xFF {
		return apperrors.Newf(apperrors.ErrConfigValidate, "serial.mock.reply out of byte range: %d", s.Mock.Reply)
	}
	if s.Mock.FailEvery < 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "serial.mock.fail_every must not be negative")
	}

	p := c.Probe
	if p.PollInterval <= 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "probe.poll_interval must be positive")
	}
	if p.DefaultTimeout <= 0 || p.ContinuousTimeout <= 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "probe timeouts must be positive")
	}
	if p.SequenceDelay < 0 || p.ContinuousDelay < 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "probe delays must not be negative")
	}
	if strings.TrimSpace(p.ExitToken) == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "probe.exit_token must not be empty")
	}

	switch c.Indicator.Kind {
	case "log", "terminal", "none":
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "unknown indicator.kind %q", c.Indicator.Kind)
	}

	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
//
// 新配置校验失败时保留旧配置。
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
	v.WatchConfig()
}
