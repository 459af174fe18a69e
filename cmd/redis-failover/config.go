package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	resilient "github.com/to6ka/go-resilient-redis"
	"github.com/to6ka/go-resilient-redis/connection_pool"
	"github.com/to6ka/go-resilient-redis/sentinel"
)

const envPrefix = "redis_failover"

var (
	ErrNoTarget      = errors.New("one of addrs or sentinels must be set")
	ErrBothTargets   = errors.New("addrs and sentinels are mutually exclusive")
	ErrNoMasterName  = errors.New("master name is required with sentinels")
	ErrUnknownPolicy = errors.New("policy must be round_robin or lowest_latency")
)

// Config is the resolved configuration of the tool.
type Config struct {
	Addrs          []string
	Sentinels      []string
	Master         string
	MasterPassword string
	DB             int

	Policy        connection_pool.Policy
	Timeout       time.Duration
	CheckInterval time.Duration

	MetricsAddr string
	LogLevel    logrus.Level
}

func setupViper(v *viper.Viper, cfgFile string) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("can't read config file %s: %w", cfgFile, err)
	}
	return nil
}

func parsePolicy(s string) (connection_pool.Policy, error) {
	switch s {
	case "", connection_pool.RoundRobin.String():
		return connection_pool.RoundRobin, nil
	case connection_pool.LowestLatency.String():
		return connection_pool.LowestLatency, nil
	}
	return 0, ErrUnknownPolicy
}

func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addrs:          v.GetStringSlice("addrs"),
		Sentinels:      v.GetStringSlice("sentinels"),
		Master:         v.GetString("master"),
		MasterPassword: v.GetString("master-password"),
		DB:             v.GetInt("db"),
		Timeout:        v.GetDuration("timeout"),
		CheckInterval:  v.GetDuration("check-interval"),
		MetricsAddr:    v.GetString("metrics-addr"),
	}

	switch {
	case len(cfg.Addrs) == 0 && len(cfg.Sentinels) == 0:
		return nil, ErrNoTarget
	case len(cfg.Addrs) > 0 && len(cfg.Sentinels) > 0:
		return nil, ErrBothTargets
	case len(cfg.Sentinels) > 0 && cfg.Master == "":
		return nil, ErrNoMasterName
	}

	var err error
	if cfg.Policy, err = parsePolicy(v.GetString("policy")); err != nil {
		return nil, err
	}
	level := v.GetString("log-level")
	if level == "" {
		level = "info"
	}
	if cfg.LogLevel, err = logrus.ParseLevel(level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// client is what every resilient client offers to the tool.
type client interface {
	resilient.Executor
	Ping() error
	Get(key string) (string, error)
	Set(key string, value interface{}) error
	Close() error
}

func (cfg *Config) connOpts(logger logrus.FieldLogger) resilient.Opts {
	return resilient.Opts{
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
}

// connect builds a sentinel client when sentinels are configured, a pool
// when several addresses are and a single connection otherwise.
func (cfg *Config) connect(logger logrus.FieldLogger) (client, error) {
	connOpts := cfg.connOpts(logger)

	if len(cfg.Sentinels) > 0 {
		c, err := sentinel.Connect(cfg.Sentinels, cfg.Master, connOpts, sentinel.OptsSentinel{
			CheckInterval:  cfg.CheckInterval,
			MasterPassword: cfg.MasterPassword,
			DB:             cfg.DB,
			OnSwitch: func(old, new sentinel.MasterRecord) {
				logger.WithField("master", new.Addr.Redacted()).Info("switched master")
			},
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	if len(cfg.Addrs) == 1 {
		c, err := resilient.Connect(cfg.Addrs[0], connOpts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := connection_pool.ConnectWithOpts(cfg.Addrs, connOpts, connection_pool.OptsPool{
		Policy:       cfg.Policy,
		CheckTimeout: cfg.CheckInterval,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
