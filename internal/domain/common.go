package domain

import (
	"fmt"
	"strings"
)

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side. Unknown sides return themselves.
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return s
	}
}

// IsValid reports whether s is BUY or SELL.
func (s OrderSide) IsValid() bool {
	return s == Buy || s == Sell
}

// ParseOrderSide accepts "buy"/"sell" in any case.
func ParseOrderSide(s string) (OrderSide, error) {
	side := OrderSide(strings.ToUpper(strings.TrimSpace(s)))
	if !side.IsValid() {
		return "", fmt.Errorf("invalid order side %q", s)
	}
	return side, nil
}

// ActivityLevel classifies activity log entries and operator notifications.
type ActivityLevel string

const (
	LevelInfo    ActivityLevel = "INFO"
	LevelSuccess ActivityLevel = "SUCCESS"
	LevelWarning ActivityLevel = "WARNING"
	LevelError   ActivityLevel = "ERROR"
)
