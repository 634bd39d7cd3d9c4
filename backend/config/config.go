package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		// 本地 API 端口
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Channel struct {
		URL         string        `mapstructure:"url"`
		Heartbeat   time.Duration `mapstructure:"heartbeat"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffCap  time.Duration `mapstructure:"backoff_cap"`
		Jitter      float64       `mapstructure:"jitter"`
		StableAfter time.Duration `mapstructure:"stable_after"`
		AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	} `mapstructure:"channel"`
	Auth struct {
		// Token 固定令牌；为空时用用户名密码向 Path 登录
		Token    string `mapstructure:"token"`
		Path     string `mapstructure:"path"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"auth"`
	Reconcile struct {
		Window     int           `mapstructure:"window"`
		GapTimeout time.Duration `mapstructure:"gap_timeout"`
	} `mapstructure:"reconcile"`
	Outbox struct {
		Capacity    int           `mapstructure:"capacity"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"outbox"`
	Control struct {
		Interval time.Duration `mapstructure:"interval"`
		EntityID string        `mapstructure:"entity_id"`
	} `mapstructure:"control"`
	API struct {
		PasswordHash string `mapstructure:"password_hash"`
		EnableCORS   bool   `mapstructure:"enable_cors"`
	} `mapstructure:"api"`
	Redis struct {
		Addrs    []string      `mapstructure:"addrs"`
		Password string        `mapstructure:"password"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queue_size"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"max_retry"`
	} `mapstructure:"kafka"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8088)
	v.SetDefault("channel.heartbeat", 15*time.Second)
	v.SetDefault("channel.backoff_base", time.Second)
	v.SetDefault("channel.backoff_cap", 30*time.Second)
	v.SetDefault("channel.jitter", 0.2)
	v.SetDefault("channel.stable_after", 30*time.Second)
	v.SetDefault("channel.auth_timeout", 10*time.Second)
	v.SetDefault("reconcile.window", 32)
	v.SetDefault("reconcile.gap_timeout", 5*time.Second)
	v.SetDefault("outbox.capacity", 200)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.base_delay", 2*time.Second)
	v.SetDefault("outbox.max_delay", 30*time.Second)
	v.SetDefault("control.interval", 2*time.Second)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.workers", 2)
	v.SetDefault("kafka.max_retry", 3)
}

// Load reads syncClient.yaml. With an empty path it is searched in
// ./backend/config, ./config and the working directory. SYNC_* environment
// variables override file values (SYNC_CHANNEL_URL for channel.url).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncClient")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 没有配置文件时只用默认值和环境变量
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Channel.URL == "" {
		return errors.New("config: channel.url is required")
	}
	if c.Auth.Token == "" && (c.Auth.Path == "" || c.Auth.Username == "") {
		return errors.New("config: either auth.token or auth.path with auth.username is required")
	}
	if c.Kafka.Topic == "" && len(c.Kafka.Brokers) > 0 {
		return errors.New("config: kafka.topic is required when kafka.brokers is set")
	}
	return nil
}
