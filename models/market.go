package models

import (
	"strings"
	"time"
)

// AccountType selects which broker balance a session trades against.
type AccountType string

const (
	AccountPractice AccountType = "PRACTICE"
	AccountReal     AccountType = "REAL"
)

// NormalizeAccountType maps free-form input to a known account type.
// Anything unrecognised falls back to PRACTICE.
func NormalizeAccountType(raw string) AccountType {
	switch AccountType(strings.ToUpper(strings.TrimSpace(raw))) {
	case AccountReal:
		return AccountReal
	default:
		return AccountPractice
	}
}

// Alternate returns the other account type.
func (a AccountType) Alternate() AccountType {
	if a == AccountReal {
		return AccountPractice
	}
	return AccountReal
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"timestamp"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Pair is a tradable instrument as listed by a broker.
type Pair struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	IsOTC    bool   `json:"is_otc"`
	IsActive bool   `json:"is_active"`
	Type     string `json:"market_type,omitempty"`
}

// Tick is a single live price update.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

type Balance struct {
	Amount      float64     `json:"balance"`
	Currency    string      `json:"currency"`
	AccountType AccountType `json:"account_type"`
}
