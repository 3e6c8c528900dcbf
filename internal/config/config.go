// Package config implements the Config Store (spec §4.1): a typed
// key/value store for leverages, cutoff times, intervals and capital,
// persisted via gorm, with post-update hooks (hot-reload). Boot-time
// deployment parameters (DSN, timezone, log level) are loaded separately
// by LoadBoot(), the same env-driven shape the teacher's internal/config
// package uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/store"
)

// Keys enumerated by spec §4.1.
const (
	KeyStartingCapital      = "starting_capital"
	KeyResetDay             = "reset_day"
	KeyResetTime            = "reset_time"
	KeyOrderCheckInterval   = "order_check_interval"
	KeyMTMUpdateInterval    = "mtm_update_interval"
	KeyNSEBSESquareOffTime  = "nse_bse_square_off_time"
	KeyCDSBCDSquareOffTime  = "cds_bcd_square_off_time"
	KeyMCXSquareOffTime     = "mcx_square_off_time"
	KeyNCDEXSquareOffTime   = "ncdex_square_off_time"
	KeyEquityMISLeverage    = "equity_mis_leverage"
	KeyEquityCNCLeverage    = "equity_cnc_leverage"
	KeyFuturesLeverage      = "futures_leverage"
	KeyOptionBuyLeverage    = "option_buy_leverage"
	KeyOptionSellLeverage   = "option_sell_leverage"
	KeyAPIRateLimit         = "api_rate_limit"
	KeyOrderRateLimit       = "order_rate_limit"
)

var validStartingCapitals = []string{"100000", "500000", "1000000", "2500000", "5000000", "10000000"}

var validWeekdays = map[string]bool{
	"Sunday": true, "Monday": true, "Tuesday": true, "Wednesday": true,
	"Thursday": true, "Friday": true, "Saturday": true,
}

var defaults = map[string]string{
	KeyStartingCapital:     "1000000",
	KeyResetDay:            "Sunday",
	KeyResetTime:           "00:00",
	KeyOrderCheckInterval:  "2",
	KeyMTMUpdateInterval:   "5",
	KeyNSEBSESquareOffTime: "15:15",
	KeyCDSBCDSquareOffTime: "16:45",
	KeyMCXSquareOffTime:    "23:30",
	KeyNCDEXSquareOffTime:  "17:00",
	KeyEquityMISLeverage:   "5",
	KeyEquityCNCLeverage:   "1",
	KeyFuturesLeverage:     "1",
	KeyOptionBuyLeverage:   "1",
	KeyOptionSellLeverage:  "1",
	KeyAPIRateLimit:        "10",
	KeyOrderRateLimit:      "10",
}

// Hook is invoked after a successful write to key, with the old and new
// raw values.
type Hook func(key, oldValue, newValue string)

// Store is the runtime-mutable, hot-reloadable config backing §4.1.
type Store struct {
	st    *store.Store
	hooks []Hook
}

func New(st *store.Store) *Store {
	return &Store{st: st}
}

// Bootstrap seeds defaults for any key not already present. Safe to call
// on every boot.
func (s *Store) Bootstrap() error {
	for k, v := range defaults {
		var e models.ConfigEntry
		err := s.st.DB.Where("key = ?", k).First(&e).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		if err := s.st.DB.Create(&models.ConfigEntry{Key: k, Value: v, UpdatedAt: time.Now()}).Error; err != nil {
			return err
		}
	}
	return nil
}

// OnChange registers a hook fired after any successful Set.
func (s *Store) OnChange(h Hook) {
	s.hooks = append(s.hooks, h)
}

func (s *Store) get(key string) (string, error) {
	var e models.ConfigEntry
	if err := s.st.DB.Where("key = ?", key).First(&e).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			if v, ok := defaults[key]; ok {
				return v, nil
			}
		}
		return "", err
	}
	return e.Value, nil
}

// Set validates and persists key=value, leaving state unchanged and
// returning an error describing the violated range on failure. Registered
// hooks fire only after a successful write.
func (s *Store) Set(key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}
	old, _ := s.get(key)

	err := s.st.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Save(&models.ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}).Error
	})
	if err != nil {
		return err
	}
	for _, h := range s.hooks {
		h(key, old, value)
	}
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyStartingCapital:
		for _, v := range validStartingCapitals {
			if v == value {
				return nil
			}
		}
		return fmt.Errorf("config: %s must be one of %v, got %q", key, validStartingCapitals, value)
	case KeyResetDay:
		if !validWeekdays[value] {
			return fmt.Errorf("config: %s must be a weekday name, got %q", key, value)
		}
	case KeyResetTime, KeyNSEBSESquareOffTime, KeyCDSBCDSquareOffTime, KeyMCXSquareOffTime, KeyNCDEXSquareOffTime:
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("config: %s must be HH:MM, got %q: %w", key, value, err)
		}
	case KeyOrderCheckInterval:
		return intRange(key, value, 1, 30)
	case KeyMTMUpdateInterval:
		return intRange(key, value, 0, 60)
	case KeyEquityMISLeverage, KeyEquityCNCLeverage, KeyFuturesLeverage, KeyOptionBuyLeverage, KeyOptionSellLeverage:
		return decimalRange(key, value, 1, 50)
	case KeyAPIRateLimit, KeyOrderRateLimit:
		return intRange(key, value, 1, 1000)
	default:
		return fmt.Errorf("config: unknown key %q", key)
	}
	return nil
}

func intRange(key, value string, lo, hi int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer, got %q", key, value)
	}
	if n < lo || n > hi {
		return fmt.Errorf("config: %s must be in [%d, %d], got %d", key, lo, hi, n)
	}
	return nil
}

func decimalRange(key, value string, lo, hi float64) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("config: %s must be a decimal, got %q", key, value)
	}
	f, _ := d.Float64()
	if f < lo || f > hi {
		return fmt.Errorf("config: %s must be in [%v, %v], got %v", key, lo, hi, f)
	}
	return nil
}

// --- typed accessors ---

func (s *Store) String(key string) (string, error) { return s.get(key) }

func (s *Store) Int(key string) (int, error) {
	v, err := s.get(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (s *Store) Decimal(key string) (decimal.Decimal, error) {
	v, err := s.get(key)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}

func (s *Store) Duration(key string) (time.Duration, error) {
	n, err := s.Int(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// ClockTime parses a HH:MM key into hour/minute components.
func (s *Store) ClockTime(key string) (hour, minute int, err error) {
	v, err := s.get(key)
	if err != nil {
		return 0, 0, err
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// SquareOffKeyForGroup maps an exchange group name to its cutoff config key.
func SquareOffKeyForGroup(group string) (string, bool) {
	switch group {
	case "NSE_BSE":
		return KeyNSEBSESquareOffTime, true
	case "CDS_BCD":
		return KeyCDSBCDSquareOffTime, true
	case "MCX":
		return KeyMCXSquareOffTime, true
	case "NCDEX":
		return KeyNCDEXSquareOffTime, true
	default:
		return "", false
	}
}

// --- boot-time deployment parameters (env-driven, not hot-reloadable) ---

// Boot holds deployment parameters loaded once at process start, mirroring
// the teacher's own env-driven internal/config.Load() shape.
type Boot struct {
	DatabaseDSN  string
	Timezone     string
	LogLevel     string
	TelegramBotToken string
	TelegramChatID   int64
}

// LoadBoot reads deployment parameters from the environment (after
// godotenv.Load has been called by the caller), applying the same
// getEnv/getEnvInt helper pattern the teacher uses.
func LoadBoot() *Boot {
	return &Boot{
		DatabaseDSN:      getEnv("SANDBOX_DATABASE_DSN", "data/sandbox.db"),
		Timezone:         getEnv("SANDBOX_TIMEZONE", "Asia/Kolkata"),
		LogLevel:         getEnv("SANDBOX_LOG_LEVEL", "info"),
		TelegramBotToken: os.Getenv("SANDBOX_TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   getEnvInt64("SANDBOX_TELEGRAM_CHAT_ID", 0),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// Location resolves the configured timezone, failing loudly rather than
// silently defaulting, since every cutoff/cron in the system depends on it.
func (b *Boot) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", b.Timezone, err)
	}
	return loc, nil
}

// ExchangeGroup returns the fixed (non-configurable) exchange group for an
// exchange code, per spec §6.
func ExchangeGroup(exchange string) (string, bool) {
	switch strings.ToUpper(exchange) {
	case "NSE", "BSE", "NFO", "BFO":
		return "NSE_BSE", true
	case "CDS", "BCD":
		return "CDS_BCD", true
	case "MCX":
		return "MCX", true
	case "NCDEX":
		return "NCDEX", true
	default:
		return "", false
	}
}
