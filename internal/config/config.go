// Package config loads board.yaml and applies FLAP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/engine"
)

const maxRows = 64

type Config struct {
	TickRateHz int      `yaml:"tick_rate_hz"`
	Board      Board    `yaml:"board"`
	Items      Items    `yaml:"items"`
	Rotation   Rotation `yaml:"rotation"`
	Feed       Feed     `yaml:"feed"`
}

type Board struct {
	NumRows   int            `yaml:"num_rows"`
	StaggerMS int            `yaml:"stagger_ms"`
	SettleMS  int            `yaml:"settle_ms"`
	Template  board.Template `yaml:"template"`
}

type Items struct {
	Plugin         string `yaml:"plugin"`
	NumRows        int    `yaml:"num_rows"`
	MaxResults     int    `yaml:"max_results"`
	PageIntervalMS int    `yaml:"page_interval_ms"`
	Sort           string `yaml:"sort"`
	Order          string `yaml:"order"`
}

type Rotation struct {
	FadeMS int `yaml:"fade_ms"`
}

type Feed struct {
	URL       string `yaml:"url"`
	Stop      string `yaml:"stop"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// overrides are read from the environment after the file. Unset variables
// leave the file value alone.
type overrides struct {
	TickRateHz     *int    `env:"FLAP_TICK_RATE_HZ"`
	NumRows        *int    `env:"FLAP_BOARD_NUM_ROWS"`
	StaggerMS      *int    `env:"FLAP_BOARD_STAGGER_MS"`
	SettleMS       *int    `env:"FLAP_BOARD_SETTLE_MS"`
	Plugin         *string `env:"FLAP_ITEMS_PLUGIN"`
	ItemsNumRows   *int    `env:"FLAP_ITEMS_NUM_ROWS"`
	MaxResults     *int    `env:"FLAP_ITEMS_MAX_RESULTS"`
	PageIntervalMS *int    `env:"FLAP_ITEMS_PAGE_INTERVAL_MS"`
	Sort           *string `env:"FLAP_ITEMS_SORT"`
	Order          *string `env:"FLAP_ITEMS_ORDER"`
	FadeMS         *int    `env:"FLAP_ROTATION_FADE_MS"`
	FeedURL        *string `env:"FLAP_FEED_URL"`
	FeedStop       *string `env:"FLAP_FEED_STOP"`
	FeedPath       *string `env:"FLAP_FEED_PATH"`
	RedisAddr      *string `env:"FLAP_FEED_REDIS_ADDR"`
	RedisKey       *string `env:"FLAP_FEED_REDIS_KEY"`
	TimeoutMS      *int    `env:"FLAP_FEED_TIMEOUT_MS"`
}

// Load reads path (defaults only when empty), applies env overrides,
// normalizes and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("board.yaml: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, fmt.Errorf("board.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("board.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		TickRateHz: engine.DefaultTickRateHz,
		Board: Board{
			NumRows:   board.DefaultNumRows,
			StaggerMS: 1000,
			SettleMS:  2000,
			Template:  board.DefaultTemplate(),
		},
		Items: Items{
			Plugin:         "arrivals",
			PageIntervalMS: 30000,
			Sort:           "scheduled",
			Order:          string(feed.Asc),
		},
		Rotation: Rotation{FadeMS: 60},
		Feed: Feed{
			URL:       "http://127.0.0.1:8000/api/arrivals",
			RedisAddr: "127.0.0.1:6379",
			RedisKey:  "arrivals",
			TimeoutMS: 10000,
		},
	}
}

func (c *Config) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setInt(&c.TickRateHz, o.TickRateHz)
	setInt(&c.Board.NumRows, o.NumRows)
	setInt(&c.Board.StaggerMS, o.StaggerMS)
	setInt(&c.Board.SettleMS, o.SettleMS)
	setString(&c.Items.Plugin, o.Plugin)
	setInt(&c.Items.NumRows, o.ItemsNumRows)
	setInt(&c.Items.MaxResults, o.MaxResults)
	setInt(&c.Items.PageIntervalMS, o.PageIntervalMS)
	setString(&c.Items.Sort, o.Sort)
	setString(&c.Items.Order, o.Order)
	setInt(&c.Rotation.FadeMS, o.FadeMS)
	setString(&c.Feed.URL, o.FeedURL)
	setString(&c.Feed.Stop, o.FeedStop)
	setString(&c.Feed.Path, o.FeedPath)
	setString(&c.Feed.RedisAddr, o.RedisAddr)
	setString(&c.Feed.RedisKey, o.RedisKey)
	setInt(&c.Feed.TimeoutMS, o.TimeoutMS)
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Normalize fills zero values with defaults and derives the items section
// from the board where it is left unset. A zero stagger_ms, settle_ms or
// fade_ms means "use the default"; there is no zero-delay board.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Defaults()
	if c.TickRateHz <= 0 {
		c.TickRateHz = def.TickRateHz
	}
	if c.Board.NumRows == 0 {
		c.Board.NumRows = def.Board.NumRows
	}
	if c.Board.StaggerMS == 0 {
		c.Board.StaggerMS = def.Board.StaggerMS
	}
	if c.Board.SettleMS == 0 {
		c.Board.SettleMS = def.Board.SettleMS
	}
	if c.Rotation.FadeMS == 0 {
		c.Rotation.FadeMS = def.Rotation.FadeMS
	}
	if len(c.Board.Template) == 0 {
		c.Board.Template = def.Board.Template
	}
	c.Board.Template = c.Board.Template.Normalize()
	if c.Items.NumRows <= 0 || (c.Board.NumRows > 0 && c.Items.NumRows > c.Board.NumRows) {
		c.Items.NumRows = c.Board.NumRows
	}
	if c.Items.MaxResults <= 0 {
		c.Items.MaxResults = c.Items.NumRows
	}
	if c.Items.PageIntervalMS <= 0 {
		c.Items.PageIntervalMS = def.Items.PageIntervalMS
	}
	c.Items.Plugin = strings.ToLower(strings.TrimSpace(c.Items.Plugin))
	c.Items.Sort = strings.TrimSpace(c.Items.Sort)
	c.Items.Order = strings.ToLower(strings.TrimSpace(c.Items.Order))
	if c.Items.Order == "" {
		c.Items.Order = string(feed.Asc)
	}
	if c.Feed.TimeoutMS <= 0 {
		c.Feed.TimeoutMS = def.Feed.TimeoutMS
	}
}

func (c Config) Validate() error {
	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in [1, 1000], got %d", c.TickRateHz)
	}
	if c.Board.NumRows <= 0 || c.Board.NumRows > maxRows {
		return fmt.Errorf("board.num_rows must be in [1, %d], got %d", maxRows, c.Board.NumRows)
	}
	if c.Board.StaggerMS <= 0 {
		return errors.New("board.stagger_ms must be > 0")
	}
	if c.Board.SettleMS <= 0 {
		return errors.New("board.settle_ms must be > 0")
	}
	if c.Rotation.FadeMS <= 0 {
		return errors.New("rotation.fade_ms must be > 0")
	}
	if err := c.Board.Template.Validate(); err != nil {
		return fmt.Errorf("board.%w", err)
	}
	if _, err := feed.DefaultRegistry().Lookup(c.Items.Plugin); err != nil {
		return fmt.Errorf("items.plugin: %w", err)
	}
	switch feed.Order(c.Items.Order) {
	case feed.Asc, feed.Desc:
	default:
		return fmt.Errorf("items.order must be asc or desc, got %q", c.Items.Order)
	}
	if c.Items.Sort != "" && !knownField(c.Items.Sort) {
		return fmt.Errorf("items.sort: unknown field %q", c.Items.Sort)
	}
	return nil
}

func knownField(key string) bool {
	switch key {
	case "line", "stop", "terminal", "scheduled", "remarks", "status":
		return true
	}
	return false
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Engine maps the file onto the engine's runtime configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		NumRows:    c.Board.NumRows,
		Template:   c.Board.Template,
		Stagger:    ms(c.Board.StaggerMS),
		Settle:     ms(c.Board.SettleMS),
		Fade:       ms(c.Rotation.FadeMS),
		TickRateHz: c.TickRateHz,
		Items: engine.ItemsConfig{
			Plugin:       c.Items.Plugin,
			NumRows:      c.Items.NumRows,
			MaxResults:   c.Items.MaxResults,
			PageInterval: ms(c.Items.PageIntervalMS),
			Sort:         c.Items.Sort,
			Order:        feed.Order(c.Items.Order),
		},
	}
}

// FeedConfig maps the feed section onto the source plugin configuration.
func (c Config) FeedConfig() feed.Config {
	return feed.Config{
		URL:       c.Feed.URL,
		Stop:      c.Feed.Stop,
		Path:      c.Feed.Path,
		RedisAddr: c.Feed.RedisAddr,
		RedisKey:  c.Feed.RedisKey,
		Timeout:   ms(c.Feed.TimeoutMS),
	}
}
