// Package config loads service configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the approval engine service.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Environment string `mapstructure:"environment"`
		Version     string `mapstructure:"version"`
		HealthPort  int    `mapstructure:"health_port"`
	} `mapstructure:"service"`
	DB struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Name        string        `mapstructure:"name"`
		SSLMode     string        `mapstructure:"sslmode"`
		MaxConns    int32         `mapstructure:"max_conns"`
		MinConns    int32         `mapstructure:"min_conns"`
		MaxConnTime time.Duration `mapstructure:"max_conn_time"`
		MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	} `mapstructure:"db"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Engine struct {
		MaxRetries      int `mapstructure:"max_retries"`
		DelegationDepth int `mapstructure:"delegation_depth"`
	} `mapstructure:"engine"`
	Sweeps struct {
		EscalationSchedule string `mapstructure:"escalation_schedule"`
		ReminderSchedule   string `mapstructure:"reminder_schedule"`
		DelegationSchedule string `mapstructure:"delegation_schedule"`
		ReminderPercent    int    `mapstructure:"reminder_percent"`
	} `mapstructure:"sweeps"`
}

// Load reads config.yaml (working dir or ./config) plus the environment.
// Environment variables use underscore nesting, e.g. DB_HOST, SWEEPS_REMINDER_PERCENT.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine; env + defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("service.name", "be-wf-approvals")
	viper.SetDefault("service.environment", "development")
	viper.SetDefault("service.version", "dev")
	viper.SetDefault("service.health_port", 8090)
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("db.max_conns", 10)
	viper.SetDefault("db.min_conns", 2)
	viper.SetDefault("engine.max_retries", 3)
	viper.SetDefault("engine.delegation_depth", 5)
	viper.SetDefault("sweeps.escalation_schedule", "*/5 * * * *")
	viper.SetDefault("sweeps.reminder_schedule", "*/15 * * * *")
	viper.SetDefault("sweeps.delegation_schedule", "@hourly")
	viper.SetDefault("sweeps.reminder_percent", 80)
}
