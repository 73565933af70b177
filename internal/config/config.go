// Package config содержит логику чтения конфигурации системы рейтинга.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/rating-system/internal/model"
)

// Config содержит параметры конфигурации системы рейтинга.
type Config struct {
	RunAddress              string        `env:"RUN_ADDRESS"`
	DatabaseURI             string        `env:"DATABASE_URI"`
	MembershipSystemAddress string        `env:"MEMBERSHIP_SYSTEM_ADDRESS"`
	AdminToken              string        `env:"ADMIN_TOKEN"`
	ResyncInterval          time.Duration `env:"RESYNC_INTERVAL"`
	PointTableJSON          string        `env:"POINT_TABLE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMembershipAddress := cfg.MembershipSystemAddress
	envAdminToken := cfg.AdminToken
	envResyncInterval := cfg.ResyncInterval
	envPointTable := cfg.PointTableJSON

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MembershipSystemAddress, "m", "", "membership system address")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API token")
	flag.DurationVar(&cfg.ResyncInterval, "i", 0, "subscription resync interval (0 disables)")
	flag.StringVar(&cfg.PointTableJSON, "p", "", "point table override as JSON")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMembershipAddress != "" {
		cfg.MembershipSystemAddress = envMembershipAddress
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}
	if envResyncInterval != 0 {
		cfg.ResyncInterval = envResyncInterval
	}
	if envPointTable != "" {
		cfg.PointTableJSON = envPointTable
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// PointTable возвращает таблицу баллов из конфигурации.
// Пустая строка означает таблицу по умолчанию; переданный JSON
// переопределяет только перечисленные в нём типы действий.
func (c *Config) PointTable() (model.PointTable, error) {
	table := model.DefaultPointTable()
	if c.PointTableJSON == "" {
		return table, nil
	}

	override := map[model.ActionKind]int{}
	if err := json.Unmarshal([]byte(c.PointTableJSON), &override); err != nil {
		return nil, fmt.Errorf("parse point table: %w", err)
	}

	for kind, points := range override {
		if _, ok := table[kind]; !ok {
			return nil, fmt.Errorf("unknown action kind in point table: %s", kind)
		}
		table[kind] = points
	}

	return table, nil
}
