// Package config loads engine settings from YAML with environment
// overrides and validates them before anything is built from them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/observability"
	"github.com/stitchworks/crochet3d/internal/storage"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/model"
)

// ErrInvalid wraps every load or validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Logging    logging.Config              `yaml:"logging"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Storage    storage.Config              `yaml:"storage"`
	Tier       TierConfig                  `yaml:"tier"`
	Snap       SnapConfig                  `yaml:"snap"`
	Bridges    BridgeConfig                `yaml:"bridges"`
	Validation ValidationConfig            `yaml:"validation"`
	History    HistoryConfig               `yaml:"history"`
	Recovery   RecoveryConfig              `yaml:"recovery"`
}

type ServerConfig struct {
	GRPCAddr     string        `yaml:"grpcAddr" validate:"required"`
	MetricsAddr  string        `yaml:"metricsAddr"`
	TickInterval time.Duration `yaml:"tickInterval" validate:"gt=0"`
}

type TierConfig struct {
	Name             string `yaml:"name" validate:"oneof=freemium pro studio"`
	AutoPay          bool   `yaml:"autoPay"`
	HasPaymentMethod bool   `yaml:"hasPaymentMethod"`
	AutoPayThreshold string `yaml:"autoPayThreshold" validate:"numeric"`
}

type SnapConfig struct {
	Enabled           bool          `yaml:"enabled"`
	SnapDistance      float64       `yaml:"snapDistance" validate:"gte=0.5,lte=3"`
	SnapStrength      float64       `yaml:"snapStrength" validate:"gte=0.1,lte=1"`
	VisualFeedback    bool          `yaml:"visualFeedback"`
	AutoConnect       bool          `yaml:"autoConnect"`
	SnapPreview       bool          `yaml:"snapPreview"`
	AnimationDuration time.Duration `yaml:"animationDuration" validate:"gte=0"`
}

type BridgeConfig struct {
	Visible         bool          `yaml:"visible"`
	YarnColor       string        `yaml:"yarnColor"`
	YarnThickness   float64       `yaml:"yarnThickness" validate:"gte=0.02,lte=0.15"`
	YarnSag         float64       `yaml:"yarnSag" validate:"gte=0,lte=0.3"`
	AnimateCreation bool          `yaml:"animateCreation"`
	GrowDuration    time.Duration `yaml:"growDuration" validate:"gte=0"`
}

// RuleConfig overrides one validation rule. A nil Enabled leaves the
// rule's state alone.
type RuleConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity" validate:"omitempty,oneof=error warning info"`
}

type ValidationConfig struct {
	CacheTTL time.Duration         `yaml:"cacheTTL" validate:"gte=0"`
	Rules    map[string]RuleConfig `yaml:"rules" validate:"dive"`
}

type HistoryConfig struct {
	GroupWindow time.Duration `yaml:"groupWindow" validate:"gte=0"`
	IdleGap     time.Duration `yaml:"idleGap" validate:"gte=0"`
	Milestones  []int         `yaml:"milestones" validate:"dive,gt=0"`
}

type RecoveryConfig struct {
	RingSize int  `yaml:"ringSize" validate:"gte=1,lte=50"`
	AutoSave bool `yaml:"autoSave"`
}

// Default returns the stock configuration.
func Default() Config {
	snap := core.DefaultSnapConfig()
	br := core.DefaultBridgeConfig()
	return Config{
		Server: ServerConfig{
			GRPCAddr:     "127.0.0.1:7420",
			MetricsAddr:  "127.0.0.1:9420",
			TickInterval: 16 * time.Millisecond,
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
		Storage: storage.DefaultConfig(),
		Tier: TierConfig{
			Name:             string(tier.Freemium),
			AutoPayThreshold: "10",
		},
		Snap: SnapConfig{
			Enabled:           snap.Enabled,
			SnapDistance:      snap.SnapDistance,
			SnapStrength:      snap.SnapStrength,
			VisualFeedback:    snap.VisualFeedback,
			AutoConnect:       snap.AutoConnect,
			SnapPreview:       snap.SnapPreview,
			AnimationDuration: snap.AnimationDuration,
		},
		Bridges: BridgeConfig{
			Visible:         br.Visible,
			YarnColor:       br.YarnColor.Hex(),
			YarnThickness:   br.YarnThickness,
			YarnSag:         br.YarnSag,
			AnimateCreation: br.AnimateCreation,
			GrowDuration:    br.GrowDuration,
		},
		Validation: ValidationConfig{CacheTTL: validation.DefaultCacheTTL},
		History: HistoryConfig{
			GroupWindow: history.DefaultGroupWindow,
			IdleGap:     history.DefaultIdleGap,
		},
		Recovery: RecoveryConfig{RingSize: 5},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg, err := cfg.ApplyEnv(os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// ApplyEnv overlays CROCHET_* and LOG_* variables read through getenv.
func (c Config) ApplyEnv(getenv func(string) string) (Config, error) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CROCHET_GRPC_ADDR", &c.Server.GRPCAddr)
	str("CROCHET_METRICS_ADDR", &c.Server.MetricsAddr)
	str("CROCHET_TIER", &c.Tier.Name)
	str("CROCHET_AUTOPAY_THRESHOLD", &c.Tier.AutoPayThreshold)
	str("CROCHET_STORAGE", &c.Storage.Backend)
	str("CROCHET_STORAGE_PATH", &c.Storage.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)

	if v := getenv("CROCHET_AUTOPAY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: CROCHET_AUTOPAY: %v", ErrInvalid, err)
		}
		c.Tier.AutoPay = b
	}
	if v := getenv("CROCHET_SNAP_DISTANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: CROCHET_SNAP_DISTANCE: %v", ErrInvalid, err)
		}
		c.Snap.SnapDistance = f
	}
	c.Tracing = c.Tracing.ApplyEnv(getenv)
	return c, nil
}

// Validate checks struct tags and the values tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := decimal.NewFromString(c.Tier.AutoPayThreshold); err != nil {
		return fmt.Errorf("%w: tier.autoPayThreshold: %v", ErrInvalid, err)
	}
	if c.Bridges.YarnColor != "" && !validColor(c.Bridges.YarnColor) {
		return fmt.Errorf("%w: bridges.yarnColor %q", ErrInvalid, c.Bridges.YarnColor)
	}
	for name := range c.Validation.Rules {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty validation rule name", ErrInvalid)
		}
	}
	return nil
}

func validColor(s string) bool {
	_, ok := model.ParseColor(s)
	return ok
}

//
// ---------- Conversions ----------
//

// CoreSnap converts the snap section.
func (c Config) CoreSnap() core.SnapConfig {
	return core.SnapConfig{
		Enabled:           c.Snap.Enabled,
		SnapDistance:      c.Snap.SnapDistance,
		SnapStrength:      c.Snap.SnapStrength,
		VisualFeedback:    c.Snap.VisualFeedback,
		AutoConnect:       c.Snap.AutoConnect,
		SnapPreview:       c.Snap.SnapPreview,
		AnimationDuration: c.Snap.AnimationDuration,
	}
}

// CoreBridges converts the bridge section.
func (c Config) CoreBridges() core.BridgeConfig {
	out := core.BridgeConfig{
		Visible:         c.Bridges.Visible,
		YarnColor:       core.DefaultBridgeConfig().YarnColor,
		YarnThickness:   c.Bridges.YarnThickness,
		YarnSag:         c.Bridges.YarnSag,
		AnimateCreation: c.Bridges.AnimateCreation,
		GrowDuration:    c.Bridges.GrowDuration,
	}
	if c.Bridges.YarnColor != "" {
		out.YarnColor = model.NormalizeColor(c.Bridges.YarnColor, nil)
	}
	return out
}

// TierName parses the configured tier.
func (c Config) TierName() (tier.Tier, error) {
	return tier.Parse(c.Tier.Name)
}

// GuardOptions returns the tier guard options for the configured payment
// settings.
func (c Config) GuardOptions() []tier.GuardOption {
	opts := []tier.GuardOption{tier.WithAutoPay(c.Tier.AutoPay, c.Tier.HasPaymentMethod)}
	if d, err := decimal.NewFromString(c.Tier.AutoPayThreshold); err == nil {
		opts = append(opts, tier.WithThreshold(d))
	}
	return opts
}

// HistoryOptions returns the timeline options.
func (c Config) HistoryOptions() []history.Option {
	opts := []history.Option{
		history.WithGroupWindow(c.History.GroupWindow),
		history.WithIdleGap(c.History.IdleGap),
	}
	if len(c.History.Milestones) > 0 {
		opts = append(opts, history.WithMilestones(c.History.Milestones...))
	}
	return opts
}

// ApplyRules pushes the rule overrides into a validation engine. Rules the
// engine does not know are reported.
func (c Config) ApplyRules(e *validation.Engine) error {
	var errs []error
	for name, rc := range c.Validation.Rules {
		r, ok := e.Rule(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown validation rule %q", ErrInvalid, name))
			continue
		}
		enabled, sev := r.Enabled, r.Severity
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		if rc.Severity != "" {
			sev = validation.Severity(rc.Severity)
		}
		if err := e.Configure(name, enabled, sev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
