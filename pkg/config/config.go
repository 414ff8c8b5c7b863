// 文件: pkg/config/config.go
// 配置加载
//
// 优先级: 命令行 > 环境变量 (STOCKSTREAM_*) > 配置文件 (--config) > 默认值
// .env 文件存在时先加载到进程环境变量

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stockstream.com/pkg/market"
	"stockstream.com/pkg/stream"
)

// ErrInvalidConfig 配置错误，与 market 共用一个哨兵
var ErrInvalidConfig = market.ErrInvalidConfig

// EnvPrefix 环境变量前缀
const EnvPrefix = "STOCKSTREAM"

// Config 全部配置
type Config struct {
	Host          string        `mapstructure:"host"`
	WebsocketPort int           `mapstructure:"websocket_port"`
	FlaskPort     int           `mapstructure:"flask_port"` // 管理端 HTTP 端口
	Symbol        string        `mapstructure:"symbol"`
	BasePrice     float64       `mapstructure:"base_price"`
	Interval      time.Duration `mapstructure:"interval"`
	Shock         bool          `mapstructure:"shock"` // 启动时是否开启冲击
	Seed          int64         `mapstructure:"seed"`  // 0 表示按时间取种子
	NodeID        int64         `mapstructure:"node_id"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// 镜像，全部为空表示不启用
	NATSURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	RedisAddr    string   `mapstructure:"redis_addr"`
	RedisRecent  int      `mapstructure:"redis_recent"`
	MySQLDSN     string   `mapstructure:"mysql_dsn"`

	Process    ProcessConfig    `mapstructure:"process"`
	ShockModel ShockModelConfig `mapstructure:"shock_model"`
	Volume     VolumeConfig     `mapstructure:"volume"`
	Stream     StreamConfig     `mapstructure:"stream"`
	History    HistoryConfig    `mapstructure:"history"`
}

// ProcessConfig 价格过程参数
type ProcessConfig struct {
	VolatilityFactor float64 `mapstructure:"volatility_factor"`
	VolatilitySpread float64 `mapstructure:"volatility_spread"`
	MeanReversion    float64 `mapstructure:"mean_reversion"`
}

// ShockModelConfig 冲击参数
type ShockModelConfig struct {
	Frequency    float64 `mapstructure:"frequency"`
	MinMagnitude float64 `mapstructure:"min_magnitude"`
	MaxMagnitude float64 `mapstructure:"max_magnitude"`
}

// VolumeConfig 成交量范围
type VolumeConfig struct {
	Min int64 `mapstructure:"min"`
	Max int64 `mapstructure:"max"`
}

// StreamConfig 连接参数
type StreamConfig struct {
	SinkBuffer     int           `mapstructure:"sink_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// HistoryConfig 历史窗口，Window 为 0 表示不保留
type HistoryConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// =============================================================================
// 加载
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("websocket_port", 6789)
	v.SetDefault("flask_port", 5000)
	v.SetDefault("symbol", "AAPL")
	v.SetDefault("base_price", 150.0)
	v.SetDefault("interval", 20*time.Millisecond)
	v.SetDefault("shock", false)
	v.SetDefault("seed", 0)
	v.SetDefault("node_id", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("nats_url", "")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "market.ticks")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_recent", 100)
	v.SetDefault("mysql_dsn", "")

	v.SetDefault("process.volatility_factor", 0.0001)
	v.SetDefault("process.volatility_spread", 0.1)
	v.SetDefault("process.mean_reversion", 0.1)

	v.SetDefault("shock_model.frequency", 0.1)
	v.SetDefault("shock_model.min_magnitude", 0.001)
	v.SetDefault("shock_model.max_magnitude", 0.01)

	v.SetDefault("volume.min", 1000)
	v.SetDefault("volume.max", 10000)

	v.SetDefault("stream.sink_buffer", 256)
	v.SetDefault("stream.write_wait", time.Second)
	v.SetDefault("stream.ping_period", 50*time.Second)
	v.SetDefault("stream.pong_wait", 60*time.Second)
	v.SetDefault("stream.max_message_size", 4096)
	v.SetDefault("stream.shutdown_grace", 5*time.Second)

	v.SetDefault("history.window", 5*time.Minute)
}

// Flags 命令行参数
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("host", "localhost", "listen host")
	fs.Int("websocket_port", 6789, "websocket port")
	fs.Int("flask_port", 5000, "health/admin HTTP port")
	fs.String("symbol", "AAPL", "simulated symbol")
	fs.Float64("base_price", 150, "base price the process reverts to")
	fs.Duration("interval", 20*time.Millisecond, "tick interval")
	fs.Bool("shock", false, "enable random shocks at start")
	fs.Int64("seed", 0, "random seed, 0 for time based")
	fs.String("log_level", "info", "debug, info, warn, error")
	fs.String("log_format", "console", "console or json")
	fs.String("nats_url", "", "mirror ticks to NATS and serve control requests")
	fs.StringSlice("kafka_brokers", nil, "mirror ticks to Kafka")
	fs.String("redis_addr", "", "cache latest ticks in Redis")
	fs.String("mysql_dsn", "", "record control and session events in MySQL")
	return fs
}

// Load 解析命令行并加载配置
func Load(args []string) (*Config, error) {
	fs := Flags("stockstream")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return LoadFlags(fs)
}

// LoadFlags 基于已解析的 FlagSet 加载配置
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	// .env 不存在时直接用系统环境变量
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 默认配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// =============================================================================
// 校验与转换
// =============================================================================

// Validate 启动前校验全部配置
func (c *Config) Validate() error {
	var errs []error
	if c.WebsocketPort < 0 || c.WebsocketPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: websocket_port %d", ErrInvalidConfig, c.WebsocketPort))
	}
	if c.FlaskPort < 0 || c.FlaskPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: flask_port %d", ErrInvalidConfig, c.FlaskPort))
	}
	if c.WebsocketPort != 0 && c.WebsocketPort == c.FlaskPort {
		errs = append(errs, fmt.Errorf("%w: websocket_port and flask_port are both %d", ErrInvalidConfig, c.FlaskPort))
	}
	if c.Stream.SinkBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%w: stream.sink_buffer must be > 0", ErrInvalidConfig))
	}
	if c.Stream.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("%w: stream.write_wait must be > 0", ErrInvalidConfig))
	}
	if c.Stream.PingPeriod > 0 && c.Stream.PongWait > 0 && c.Stream.PingPeriod >= c.Stream.PongWait {
		errs = append(errs, fmt.Errorf("%w: stream.ping_period must be < stream.pong_wait", ErrInvalidConfig))
	}
	if c.History.Window < 0 {
		errs = append(errs, fmt.Errorf("%w: history.window must be >= 0", ErrInvalidConfig))
	}
	errs = append(errs,
		c.ProcessConfig().Validate(),
		c.ShockConfig().Validate(),
		c.TickerConfig().Validate(),
		c.BroadcasterConfig().Validate(),
	)
	return errors.Join(errs...)
}

// ProcessConfig 价格过程配置
func (c *Config) ProcessConfig() market.ProcessConfig {
	return market.ProcessConfig{
		BasePrice:        c.BasePrice,
		VolatilityFactor: c.Process.VolatilityFactor,
		VolatilitySpread: c.Process.VolatilitySpread,
		MeanReversion:    c.Process.MeanReversion,
	}
}

// ShockConfig 冲击配置
func (c *Config) ShockConfig() market.ShockConfig {
	return market.ShockConfig{
		Enabled:      c.Shock,
		Frequency:    c.ShockModel.Frequency,
		MinMagnitude: c.ShockModel.MinMagnitude,
		MaxMagnitude: c.ShockModel.MaxMagnitude,
	}
}

// TickerConfig 调度配置
func (c *Config) TickerConfig() market.TickerConfig {
	return market.TickerConfig{
		Symbol:    c.Symbol,
		Interval:  c.Interval,
		MinVolume: c.Volume.Min,
		MaxVolume: c.Volume.Max,
	}
}

// BroadcasterConfig 广播器配置
func (c *Config) BroadcasterConfig() market.BroadcasterConfig {
	return market.BroadcasterConfig{
		NodeID:     c.NodeID,
		BufferSize: c.Stream.SinkBuffer,
	}
}

// StreamConfig 连接管理配置
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		Symbol:         c.Symbol,
		WriteWait:      c.Stream.WriteWait,
		PongWait:       c.Stream.PongWait,
		PingPeriod:     c.Stream.PingPeriod,
		MaxMessageSize: c.Stream.MaxMessageSize,
		SinkBuffer:     c.Stream.SinkBuffer,
	}
}

// WebsocketAddr WebSocket 监听地址
func (c *Config) WebsocketAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.WebsocketPort))
}

// AdminAddr 管理端监听地址
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.FlaskPort))
}

// GracePeriod 慢消费者宽限期 = 缓冲深度 * 周期
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Stream.SinkBuffer) * c.Interval
}
