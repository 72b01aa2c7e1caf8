package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string
	}
	Log struct {
		Level string
	}
	Store struct {
		Driver string // memory | redis | postgres
	}
	Database struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	JWT struct {
		Secret string
	}
	Match struct {
		PollInterval  time.Duration
		PollTimeout   time.Duration
		SweepInterval time.Duration
		StaleAfter    time.Duration
		RecentLimit   int
	}
	Room struct {
		APIKey    string
		APISecret string
		URL       string
		TTL       time.Duration
	}
	Nats struct {
		URL     string
		Token   string
		Subject string
	}
}

var C Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("match.pollInterval", 3*time.Second)
	v.SetDefault("match.pollTimeout", 60*time.Second)
	v.SetDefault("match.sweepInterval", 30*time.Second)
	v.SetDefault("match.staleAfter", 2*time.Minute)
	v.SetDefault("match.recentLimit", 10)
	v.SetDefault("room.ttl", time.Hour)
	v.SetDefault("nats.subject", "peer")
	// 没有默认值的 key 也要注册，AutomaticEnv 才能在 Unmarshal 时覆盖
	for _, k := range []string{
		"database.dsn", "redis.password", "jwt.secret",
		"room.apiKey", "room.apiSecret", "room.url", "nats.url", "nats.token",
	} {
		v.SetDefault(k, "")
	}
}

// New 返回带默认值与 PEER_* 环境变量覆盖的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadFile 读取配置文件；path 为空时只使用默认值与环境变量
func LoadFile(path string) (Config, error) {
	v := New()
	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, err
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

func Load() {
	c, err := LoadFile("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}
	C = c
}
