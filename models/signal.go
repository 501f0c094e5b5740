package models

import (
	"fmt"
	"time"
)

type Direction string

const (
	Call Direction = "CALL"
	Put  Direction = "PUT"
)

type Sensitivity string

const (
	Conservative Sensitivity = "conservative"
	Moderate     Sensitivity = "moderate"
	Aggressive   Sensitivity = "aggressive"
)

// ParseSensitivity returns the named sensitivity or an error.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(s) {
	case Conservative, Moderate, Aggressive:
		return Sensitivity(s), nil
	}
	return "", fmt.Errorf("unknown sensitivity %q", s)
}

type PatternType string

const (
	PinBar           PatternType = "pin_bar"
	EngulfingBullish PatternType = "engulfing_bullish"
	EngulfingBearish PatternType = "engulfing_bearish"
	InsideBar        PatternType = "inside_bar"
	Doji             PatternType = "doji"
	BOSBullish       PatternType = "bos_bullish"
	BOSBearish       PatternType = "bos_bearish"
)

type Pattern struct {
	Type        PatternType `json:"pattern_type"`
	Description string      `json:"description"`
	CandleIndex int         `json:"candle_index"`
}

type LevelType string

const (
	Support    LevelType = "support"
	Resistance LevelType = "resistance"
)

// Level is a support or resistance price. Strength is 1..5.
type Level struct {
	Price    float64   `json:"level"`
	Type     LevelType `json:"type"`
	Strength int       `json:"strength"`
	Touches  int       `json:"touches"`
}

// Signal is a trade suggestion produced by the scanner.
type Signal struct {
	ID            string    `json:"signal_id"`
	Username      string    `json:"username,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Symbol        string    `json:"symbol"`
	Timeframe     int       `json:"timeframe"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	ExpiryTime    time.Time `json:"expiry_time"`
	Pattern       Pattern   `json:"pattern"`
	Level         *Level    `json:"support_resistance,omitempty"`
	Confluences   []string  `json:"confluences"`
	Confidence    float64   `json:"confidence"`
	ExpiryMinutes int       `json:"expiry_minutes"`
}

type ScanMode string

const (
	ScanManual ScanMode = "manual"
	ScanAuto   ScanMode = "auto"
)

// ScanConfig drives both the scanner loop and the signal generator.
type ScanConfig struct {
	Mode                ScanMode    `json:"mode"`
	Symbols             []string    `json:"symbols,omitempty"`
	Timeframe           int         `json:"timeframe"`
	Sensitivity         Sensitivity `json:"sensitivity"`
	UseVolumeFilter     bool        `json:"use_volume_filter"`
	UseVolatilityFilter bool        `json:"use_volatility_filter"`
	UseTrendFilter      bool        `json:"use_trend_filter"`
	OnlyOTC             bool        `json:"only_otc"`
	OnlyOpenMarket      bool        `json:"only_open_market"`
}

// DefaultScanConfig mirrors the defaults the dashboard submits.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Mode:                ScanAuto,
		Timeframe:           5,
		Sensitivity:         Moderate,
		UseVolumeFilter:     true,
		UseVolatilityFilter: true,
		UseTrendFilter:      true,
	}
}

// Validate checks ranges and enums.
func (c ScanConfig) Validate() error {
	if c.Timeframe < 1 || c.Timeframe > 60 {
		return fmt.Errorf("timeframe must be between 1 and 60, got %d", c.Timeframe)
	}
	if _, err := ParseSensitivity(string(c.Sensitivity)); err != nil {
		return err
	}
	switch c.Mode {
	case ScanAuto:
	case ScanManual:
		if len(c.Symbols) == 0 {
			return fmt.Errorf("manual mode requires symbols")
		}
	default:
		return fmt.Errorf("unknown scan mode %q", c.Mode)
	}
	return nil
}
