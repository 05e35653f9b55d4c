// Package config loads the process-wide configuration from a YAML file
// (with environment-variable override) into a typed Config struct that
// the composition root passes into every component constructor.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ZoneMatrix 是一个按 (seller_zone, buyer_zone) 键入的二维费率矩阵，
// 用于 WHEELING_RATE 与 LOSS_FACTOR 这两个配置项
type ZoneMatrix map[int]map[int]decimal.Decimal

// Lookup 返回给定卖方/买方分区对的费率；未配置的分区对返回 found=false
func (m ZoneMatrix) Lookup(sellerZone, buyerZone int) (decimal.Decimal, bool) {
	row, ok := m[sellerZone]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := row[buyerZone]
	return v, ok
}

// ServerConfig 管理面/健康检查/事件通道的 HTTP 监听配置
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LogConfig 日志级别与输出格式
type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig 持久化后端选择与连接参数
type StorageConfig struct {
	Driver string // "memory" | "postgres"
	DSN    string
}

// RedisConfig 限流器/黑名单缓存的 Redis 连接参数
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ChainConfig 结算流水线提交/轮询的外部链参数
type ChainConfig struct {
	RPCURL                  string
	ChainID                 int64
	SettlementContractAddr  string
	SubmitTimeout           time.Duration
	PollTimeout             time.Duration
}

// EpochConfig 时钟与 epoch 调度参数
type EpochConfig struct {
	DurationSecs int64
}

// SettlementConfig 结算流水线的重试/批量/确认参数
type SettlementConfig struct {
	MaxRetries                int
	InitialRetryDelaySecs     int64
	MaxRetryDelaySecs         int64
	ConfirmationPollInterval  time.Duration
	PollMaxAttempts           int
	BatchSize                 int
}

// PricingConfig 平台费率与分区费率矩阵
type PricingConfig struct {
	PlatformFeeBps int64
	WheelingRate   ZoneMatrix
	LossFactor     ZoneMatrix
}

// OrderLimitsConfig 挂单的数量/价格边界，供 riskcontrol 校验
type OrderLimitsConfig struct {
	MaxOrderKwh decimal.Decimal
	MinOrderKwh decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
}

// AuthConfig 事件总线 AUTH 帧校验令牌所需的共享密钥
type AuthConfig struct {
	TokenSecret string
}

// Config 是进程启动时加载一次、随后传入各组件构造函数的只读配置快照
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Chain      ChainConfig
	Epoch      EpochConfig
	Settlement SettlementConfig
	Pricing    PricingConfig
	Limits     OrderLimitsConfig
	Auth       AuthConfig
}

// Load 读取 ./configs/config.yaml（找不到则使用默认值），环境变量可覆盖，
// 返回装配完毕的 Config
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Address:      viper.GetString("server.address"),
			ReadTimeout:  viper.GetDuration("server.read_timeout"),
			WriteTimeout: viper.GetDuration("server.write_timeout"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
		Storage: StorageConfig{
			Driver: viper.GetString("storage.driver"),
			DSN:    viper.GetString("storage.dsn"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Chain: ChainConfig{
			RPCURL:                 viper.GetString("chain.rpc_url"),
			ChainID:                viper.GetInt64("chain.chain_id"),
			SettlementContractAddr: viper.GetString("chain.settlement_contract_address"),
			SubmitTimeout:          viper.GetDuration("chain.submit_timeout"),
			PollTimeout:            viper.GetDuration("chain.poll_timeout"),
		},
		Epoch: EpochConfig{
			DurationSecs: viper.GetInt64("epoch.duration_secs"),
		},
		Settlement: SettlementConfig{
			MaxRetries:               viper.GetInt("settlement.max_retries"),
			InitialRetryDelaySecs:    viper.GetInt64("settlement.initial_retry_delay_secs"),
			MaxRetryDelaySecs:        viper.GetInt64("settlement.max_retry_delay_secs"),
			ConfirmationPollInterval: viper.GetDuration("settlement.confirmation_poll_interval_secs") * time.Second,
			PollMaxAttempts:          viper.GetInt("settlement.poll_max_attempts"),
			BatchSize:                viper.GetInt("settlement.batch_size"),
		},
		Pricing: PricingConfig{
			PlatformFeeBps: viper.GetInt64("pricing.platform_fee_bps"),
			WheelingRate:   parseZoneMatrix("pricing.wheeling_rate"),
			LossFactor:     parseZoneMatrix("pricing.loss_factor"),
		},
		Limits: OrderLimitsConfig{
			MaxOrderKwh: mustDecimal(viper.GetString("limits.max_order_kwh")),
			MinOrderKwh: mustDecimal(viper.GetString("limits.min_order_kwh")),
			MinPrice:    mustDecimal(viper.GetString("limits.min_price")),
			MaxPrice:    mustDecimal(viper.GetString("limits.max_price")),
		},
		Auth: AuthConfig{
			TokenSecret: viper.GetString("auth.token_secret"),
		},
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.address", ":8090")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	viper.SetDefault("storage.driver", "memory")
	viper.SetDefault("storage.dsn", "")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("chain.rpc_url", "")
	viper.SetDefault("chain.chain_id", 1337)
	viper.SetDefault("chain.settlement_contract_address", "")
	viper.SetDefault("chain.submit_timeout", "10s")
	viper.SetDefault("chain.poll_timeout", "2s")

	viper.SetDefault("epoch.duration_secs", 900)

	viper.SetDefault("settlement.max_retries", 3)
	viper.SetDefault("settlement.initial_retry_delay_secs", 300)
	viper.SetDefault("settlement.max_retry_delay_secs", 86400)
	viper.SetDefault("settlement.confirmation_poll_interval_secs", 2)
	viper.SetDefault("settlement.poll_max_attempts", 30)
	viper.SetDefault("settlement.batch_size", 25)

	viper.SetDefault("pricing.platform_fee_bps", 0)
	viper.SetDefault("pricing.wheeling_rate", map[string]interface{}{})
	viper.SetDefault("pricing.loss_factor", map[string]interface{}{})

	viper.SetDefault("limits.max_order_kwh", "10000")
	viper.SetDefault("limits.min_order_kwh", "0.01")
	viper.SetDefault("limits.min_price", "0")
	viper.SetDefault("limits.max_price", "1000000")

	viper.SetDefault("auth.token_secret", "")
}

// parseZoneMatrix 读取形如 {"1": {"1": "0.02", "2": "0.05"}} 的配置子树
func parseZoneMatrix(key string) ZoneMatrix {
	raw := viper.GetStringMap(key)
	matrix := make(ZoneMatrix, len(raw))
	for sellerZoneStr, v := range raw {
		row, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		sellerZone := atoiOrZero(sellerZoneStr)
		matrix[sellerZone] = make(map[int]decimal.Decimal, len(row))
		for buyerZoneStr, rate := range row {
			buyerZone := atoiOrZero(buyerZoneStr)
			matrix[sellerZone][buyerZone] = mustDecimal(fmt.Sprintf("%v", rate))
		}
	}
	return matrix
}

func atoiOrZero(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func mustDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
