package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig
	Bot       BotConfig
	Exit      ExitConfig
	Rate      RateConfig
	Reconcile ReconcileConfig
	Notify    NotifyConfig
	Runtime   RuntimeConfig
}

type ExchangeConfig struct {
	ApiKey  string
	Secret  string
	Testnet bool
	WSUrl   string
}

type BotConfig struct {
	Symbols          []string
	Side             string
	Leverage         int
	BaseOrderQty     float64
	AddDropPercents  []float64
	AddQtyMultiplier float64
	CycleCap         int
	MinQty           float64
	MinNotional      float64
	QtyStep          float64
	PriceStep        float64
}

type ExitConfig struct {
	BreakoutFraction        float64
	BreakoutProfitThreshold float64
	MomentumMinPeak         float64
	MomentumBreakevenBand   float64
	ProtectionArmThreshold  float64
	TrailFraction           float64
	UnwindMargin            float64
}

type RateConfig struct {
	Ceiling        int
	SoftRetryAfter time.Duration
	HardBan        time.Duration
	CallTimeout    time.Duration
}

type ReconcileConfig struct {
	Interval  time.Duration
	Tolerance float64
}

type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
}

type RuntimeConfig struct {
	DryRun    bool
	StateFile string
	Metrics   string
	Log       LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	setDefaults()

	cfg.Exchange = ExchangeConfig{
		ApiKey:  envSub("exchange.api_key"),
		Secret:  envSub("exchange.secret"),
		Testnet: viper.GetBool("exchange.testnet"),
		WSUrl:   viper.GetString("exchange.ws_url"),
	}

	cfg.Bot = BotConfig{
		Symbols:          viper.GetStringSlice("bot.symbols"),
		Side:             viper.GetString("bot.side"),
		Leverage:         viper.GetInt("bot.leverage"),
		BaseOrderQty:     viper.GetFloat64("bot.base_order_qty"),
		AddDropPercents:  floats(viper.GetStringSlice("bot.add_drop_percents")),
		AddQtyMultiplier: viper.GetFloat64("bot.add_qty_multiplier"),
		CycleCap:         viper.GetInt("bot.cycle_cap"),
		MinQty:           viper.GetFloat64("bot.min_qty"),
		MinNotional:      viper.GetFloat64("bot.min_notional"),
		QtyStep:          viper.GetFloat64("bot.qty_step"),
		PriceStep:        viper.GetFloat64("bot.price_step"),
	}

	cfg.Exit = ExitConfig{
		BreakoutFraction:        viper.GetFloat64("exit.breakout_fraction"),
		BreakoutProfitThreshold: viper.GetFloat64("exit.breakout_profit_threshold"),
		MomentumMinPeak:         viper.GetFloat64("exit.momentum_min_peak"),
		MomentumBreakevenBand:   viper.GetFloat64("exit.momentum_breakeven_band"),
		ProtectionArmThreshold:  viper.GetFloat64("exit.protection_arm_threshold"),
		TrailFraction:           viper.GetFloat64("exit.trail_fraction"),
		UnwindMargin:            viper.GetFloat64("exit.unwind_margin"),
	}

	cfg.Rate = RateConfig{
		Ceiling:        viper.GetInt("rate.ceiling"),
		SoftRetryAfter: viper.GetDuration("rate.soft_retry_after"),
		HardBan:        viper.GetDuration("rate.hard_ban"),
		CallTimeout:    viper.GetDuration("rate.call_timeout"),
	}

	cfg.Reconcile = ReconcileConfig{
		Interval:  viper.GetDuration("reconcile.interval"),
		Tolerance: viper.GetFloat64("reconcile.tolerance"),
	}

	cfg.Notify = NotifyConfig{
		TelegramToken:  envSub("notify.telegram_token"),
		TelegramChatID: envSub("notify.telegram_chat_id"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun:    viper.GetBool("runtime.dry_run"),
		StateFile: viper.GetString("runtime.state_file"),
		Metrics:   viper.GetString("runtime.metrics"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("bot.side", "BUY")
	viper.SetDefault("bot.leverage", 3)
	viper.SetDefault("bot.add_drop_percents", []string{"2.0", "4.5"})
	viper.SetDefault("bot.add_qty_multiplier", 1.5)
	viper.SetDefault("bot.cycle_cap", 3)

	viper.SetDefault("exit.breakout_fraction", 0.5)
	viper.SetDefault("exit.breakout_profit_threshold", 0.06)
	viper.SetDefault("exit.momentum_min_peak", 0.04)
	viper.SetDefault("exit.momentum_breakeven_band", 0.01)
	viper.SetDefault("exit.protection_arm_threshold", 0.08)
	viper.SetDefault("exit.trail_fraction", 0.015)
	viper.SetDefault("exit.unwind_margin", 0.003)

	viper.SetDefault("rate.ceiling", 1200)
	viper.SetDefault("rate.soft_retry_after", "5s")
	viper.SetDefault("rate.hard_ban", "2m")
	viper.SetDefault("rate.call_timeout", "15s")

	viper.SetDefault("reconcile.interval", "45s")
	viper.SetDefault("reconcile.tolerance", 0.005)

	viper.SetDefault("runtime.state_file", "data/state.json")
	viper.SetDefault("runtime.log.level", "info")
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}

func floats(vals []string) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
