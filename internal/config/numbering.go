package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/invoicing/internal/currency"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MaxNumberPadding keeps padded sequences within int64 digit width.
const MaxNumberPadding = 18

// NumberingDefaults seeds the numbering state of an organization the first
// time it reserves an invoice number.
type NumberingDefaults struct {
	PrefixTemplate  string `mapstructure:"prefixTemplate"`
	NumberPadding   int    `mapstructure:"numberPadding"`
	DefaultCurrency string `mapstructure:"defaultCurrency"`
}

func DefaultNumberingDefaults() NumberingDefaults {
	return NumberingDefaults{
		PrefixTemplate:  "INV-YYYY-",
		NumberPadding:   4,
		DefaultCurrency: "USD",
	}
}

type NumberingDefaultsHolder struct {
	current atomic.Value // holds NumberingDefaults
}

// NewNumberingDefaultsHolder loads numbering.yml from the usual locations and
// reloads it on change. A missing file yields the built-in defaults.
func NewNumberingDefaultsHolder(log *zap.Logger) (*NumberingDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("numbering")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/invoicing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INVOICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newNumberingDefaultsHolder(v, log, true)
}

// NewNumberingDefaultsHolderFromFile loads a specific file without watching it.
func NewNumberingDefaultsHolderFromFile(path string, log *zap.Logger) (*NumberingDefaultsHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newNumberingDefaultsHolder(v, log, false)
}

// StaticNumberingDefaults returns a holder that always yields d.
func StaticNumberingDefaults(d NumberingDefaults) *NumberingDefaultsHolder {
	holder := &NumberingDefaultsHolder{}
	holder.current.Store(normalizeNumberingDefaults(d))
	return holder
}

func newNumberingDefaultsHolder(v *viper.Viper, log *zap.Logger, watch bool) (*NumberingDefaultsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.numbering")

	defaults := DefaultNumberingDefaults()
	v.SetDefault("numbering.prefixTemplate", defaults.PrefixTemplate)
	v.SetDefault("numbering.numberPadding", defaults.NumberPadding)
	v.SetDefault("numbering.defaultCurrency", defaults.DefaultCurrency)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := readNumberingDefaults(v)
	if err != nil {
		return nil, err
	}

	holder := &NumberingDefaultsHolder{}
	holder.current.Store(cfg)

	if watch && fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := readNumberingDefaults(v)
			if err != nil {
				log.Warn("invalid numbering config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("numbering config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func readNumberingDefaults(v *viper.Viper) (NumberingDefaults, error) {
	// per-key reads so defaults fill keys the file leaves out
	cfg := normalizeNumberingDefaults(NumberingDefaults{
		PrefixTemplate:  v.GetString("numbering.prefixTemplate"),
		NumberPadding:   v.GetInt("numbering.numberPadding"),
		DefaultCurrency: v.GetString("numbering.defaultCurrency"),
	})
	if err := ValidateNumberingDefaults(cfg); err != nil {
		return NumberingDefaults{}, err
	}
	return cfg, nil
}

func (h *NumberingDefaultsHolder) Get() NumberingDefaults {
	if h == nil {
		return DefaultNumberingDefaults()
	}
	cfg, ok := h.current.Load().(NumberingDefaults)
	if !ok {
		return DefaultNumberingDefaults()
	}
	return cfg
}

func normalizeNumberingDefaults(cfg NumberingDefaults) NumberingDefaults {
	cfg.PrefixTemplate = strings.TrimSpace(cfg.PrefixTemplate)
	cfg.DefaultCurrency = currency.Normalize(cfg.DefaultCurrency)
	return cfg
}

func ValidateNumberingDefaults(cfg NumberingDefaults) error {
	if cfg.PrefixTemplate == "" {
		return errors.New("numbering.prefixTemplate cannot be empty")
	}
	if cfg.NumberPadding < 1 || cfg.NumberPadding > MaxNumberPadding {
		return fmt.Errorf("numbering.numberPadding must be between 1 and %d", MaxNumberPadding)
	}
	if !currency.IsValidCode(cfg.DefaultCurrency) {
		return fmt.Errorf("numbering.defaultCurrency %q is not a 3-letter code", cfg.DefaultCurrency)
	}
	return nil
}
