package main

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/adapters/database"
	"gavel/api"
)

func ParseArgs() (Args, error) {
	const op = "ParseArgs"

	// server config
	pflag.String("config", "", "path of the config file")
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("node-id", "", "")
	pflag.Duration("stream-keep-alive", 30*time.Second, "")
	pflag.Duration("stream-write-timeout", 10*time.Second, "")

	// log config
	pflag.String("log-level", "info", "")
	pflag.String("log-file", "", "")

	// auth config
	pflag.String("auth-public-key", "", "Ed25519 public key in PEM, or a path to a PEM file")

	// oidc config
	pflag.String("oidc-issuer-url", "", "verify ID tokens from this issuer instead of auth-public-key")
	pflag.String("oidc-client-id", "", "")

	// storage config
	pflag.String("store", "postgres", "postgres, sqlite or redis")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")
	pflag.String("db-sqlite-path", "", "")
	pflag.Bool("db-auto-migrate", false, "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "gavel", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "gavel-shared-event-stream", "")
	pflag.Int64("redis-stream-max-len", 100000, "")
	pflag.String("redis-consumer-group", "gavel-notify", "")

	// nats config
	pflag.String("nats-url", "", "")
	pflag.String("nats-subject-prefix", "gavel.events", "")

	// sweeper config
	pflag.Duration("sweep-interval", time.Second, "")
	pflag.Int("sweep-batch", 100, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return Args{}, fmt.Errorf("[%s] Fail to read config file, err=%w", op, err)
		}
	}

	var publicKey crypto.PublicKey
	if value := viper.GetString("auth-public-key"); value != "" || viper.GetString("oidc-issuer-url") == "" {
		key, err := loadPublicKey(value)
		if err != nil {
			return Args{}, fmt.Errorf("[%s] %w", op, err)
		}
		publicKey = key
	}

	nodeID := viper.GetString("node-id")
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	// initial arguments
	args := Args{
		ServerURL: viper.GetString("server-url"),
		NodeID:    nodeID,
		LogLevel:  viper.GetString("log-level"),
		LogFile:   viper.GetString("log-file"),
		Store:     viper.GetString("store"),
		ServerConfig: api.ServerConfig{
			Auth: api.AuthConfig{
				PublicKey: publicKey,
			},
			Stream: api.StreamConfig{
				KeepAlive:    viper.GetDuration("stream-keep-alive"),
				WriteTimeout: viper.GetDuration("stream-write-timeout"),
			},
		},
		DB: database.Config{
			Driver:      viper.GetString("store"),
			User:        viper.GetString("db-user"),
			Password:    viper.GetString("db-password"),
			Host:        viper.GetString("db-host"),
			Port:        viper.GetInt("db-port"),
			Database:    viper.GetString("db-database"),
			Schema:      viper.GetString("db-schema"),
			SQLitePath:  viper.GetString("db-sqlite-path"),
			AutoMigrate: viper.GetBool("db-auto-migrate"),
		},
		Redis: RedisConfig{
			Addr:          viper.GetString("redis-addr"),
			Password:      viper.GetString("redis-password"),
			DB:            viper.GetInt("redis-db"),
			KeyPrefix:     viper.GetString("redis-key-prefix"),
			ConsumerGroup: viper.GetString("redis-consumer-group"),
			StreamMaxLen:  viper.GetInt64("redis-stream-max-len"),
			StreamKeys: RedisStreamKeys{
				Events: viper.GetString("redis-stream-key-for-events"),
			},
		},
		OIDC: OIDCConfig{
			IssuerURL: viper.GetString("oidc-issuer-url"),
			ClientID:  viper.GetString("oidc-client-id"),
		},
		NATS: NATSConfig{
			URL:           viper.GetString("nats-url"),
			SubjectPrefix: viper.GetString("nats-subject-prefix"),
		},
		Sweep: SweepConfig{
			Interval: viper.GetDuration("sweep-interval"),
			Batch:    viper.GetInt("sweep-batch"),
		},
	}
	return args, args.Validate()
}

// loadPublicKey 接受 PEM 內容或 PEM 檔案路徑
func loadPublicKey(value string) (crypto.PublicKey, error) {
	if value == "" {
		return nil, errors.New("auth-public-key is required")
	}
	data := []byte(value)
	if !strings.HasPrefix(strings.TrimSpace(value), "-----BEGIN") {
		content, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("fail to read public key, err=%w", err)
		}
		data = content
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("fail to parse public key, err=%w", err)
	}
	return key, nil
}

type Args struct {
	ServerURL    string
	NodeID       string
	LogLevel     string
	LogFile      string
	Store        string
	ServerConfig api.ServerConfig
	DB           database.Config
	Redis        RedisConfig
	OIDC         OIDCConfig
	NATS         NATSConfig
	Sweep        SweepConfig
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	ConsumerGroup string
	// StreamMaxLen 事件 stream 的大約最大長度，0 表示不修剪
	StreamMaxLen int64
	StreamKeys   RedisStreamKeys
}

type RedisStreamKeys struct {
	Events string
}

type OIDCConfig struct {
	IssuerURL string
	ClientID  string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type SweepConfig struct {
	Interval time.Duration
	Batch    int
}

func (args Args) Validate() error {
	switch {
	case args.ServerURL == "":
		return errors.New("server-url is required")
	case args.Store != "postgres" && args.Store != "sqlite" && args.Store != "redis":
		return fmt.Errorf("unsupported store %q", args.Store)
	case args.Store == "redis" && args.Redis.Addr == "":
		return errors.New("redis-addr is required when store is redis")
	case args.Store == "postgres" && (args.DB.Host == "" || args.DB.Database == ""):
		return errors.New("db-host and db-database are required when store is postgres")
	case args.Redis.Addr != "" && args.Redis.StreamKeys.Events == "":
		return errors.New("redis-stream-key-for-events is required")
	case args.Redis.StreamMaxLen < 0:
		return errors.New("redis-stream-max-len must not be negative")
	case args.Sweep.Interval <= 0:
		return errors.New("sweep-interval must be positive")
	}
	return nil
}
