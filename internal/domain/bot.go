package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the operator-visible lifecycle state of a bot.
type BotStatus string

const (
	BotActive  BotStatus = "ACTIVE"
	BotStopped BotStatus = "STOPPED"
	BotError   BotStatus = "ERROR"
)

// DefaultLeverage is applied when a bot is created without an explicit leverage.
const DefaultLeverage = 3

// Bot is a user-configured trading instance bound to one symbol on one exchange.
type Bot struct {
	ID              string              `json:"id"`                         // UUID
	Symbol          string              `json:"symbol"`                     // Standard form, e.g. "ETH/USDT"
	Exchange        string              `json:"exchange"`                   // Exchange identifier, e.g. "binance"
	FirstOrder      OrderSide           `json:"first_order"`                // Side of the very first order when no fill history exists
	Quantity        decimal.Decimal     `json:"quantity"`                   // Order size for every leg
	BuyPrice        decimal.Decimal     `json:"buy_price"`                  // Limit price for BUY legs
	SellPrice       decimal.Decimal     `json:"sell_price"`                 // Limit price for SELL legs, must exceed BuyPrice
	TrailingPercent decimal.NullDecimal `json:"trailing_percent,omitempty"` // Optional, stored but not acted on by the cycle engine
	Leverage        int                 `json:"leverage"`
	InfiniteLoop    bool                `json:"infinite_loop"` // Continuous-loop flag
	Status          BotStatus           `json:"status"`
	PnL             decimal.Decimal     `json:"pnl"`                      // Cumulative realized PnL
	TotalTrades     int                 `json:"total_trades"`             // Completed buy/sell cycles
	LastFillSide    OrderSide           `json:"last_fill_side,omitempty"` // Empty until the first fill
	LastFillPrice   decimal.Decimal     `json:"last_fill_price"`
	LastFillTime    time.Time           `json:"last_fill_time,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	EditedAt        time.Time           `json:"edited_at,omitempty"` // Last operator edit of trading parameters, zero if never edited
}

// ErrInvalidBot is returned by Validate.
var ErrInvalidBot = errors.New("invalid bot configuration")

// Validate checks the invariants that must hold before the bot can trade.
func (b *Bot) Validate() error {
	var problems []string
	if b.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if !b.FirstOrder.IsValid() {
		problems = append(problems, fmt.Sprintf("first order side %q is invalid", b.FirstOrder))
	}
	if !b.Quantity.IsPositive() {
		problems = append(problems, "quantity must be positive")
	}
	if !b.BuyPrice.IsPositive() {
		problems = append(problems, "buy price must be positive")
	}
	if !b.SellPrice.GreaterThan(b.BuyPrice) {
		problems = append(problems, "sell price must be greater than buy price")
	}
	if b.Leverage < 1 {
		problems = append(problems, "leverage must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBot, problems)
	}
	return nil
}

// PriceFor returns the configured limit price for the given side.
func (b *Bot) PriceFor(side OrderSide) decimal.Decimal {
	if side == Sell {
		return b.SellPrice
	}
	return b.BuyPrice
}

// HasFillHistory reports whether any order of this bot has filled.
func (b *Bot) HasFillHistory() bool {
	return b.LastFillSide.IsValid()
}

// NextOpeningSide picks the side for a new opening order when the bot is
// (re)started. The last fill wins over the static FirstOrder field. flagged is
// true when there is no fill history and the bot was edited after creation,
// so FirstOrder may no longer reflect what the operator intended.
func (b *Bot) NextOpeningSide() (side OrderSide, flagged bool) {
	if b.HasFillHistory() {
		return b.LastFillSide.Opposite(), false
	}
	edited := !b.EditedAt.IsZero() && b.EditedAt.After(b.CreatedAt)
	return b.FirstOrder, edited
}

// RecordFill stores the last-fill fields.
func (b *Bot) RecordFill(side OrderSide, price decimal.Decimal, at time.Time) {
	b.LastFillSide = side
	b.LastFillPrice = price
	b.LastFillTime = at
}

// RecordCycle adds a completed cycle's PnL.
func (b *Bot) RecordCycle(pnl decimal.Decimal) {
	b.PnL = b.PnL.Add(pnl)
	b.TotalTrades++
}

// MarkError moves the bot to ERROR with a human-readable reason.
func (b *Bot) MarkError(reason string) {
	b.Status = BotError
	b.LastError = reason
}

// IsActive checks if the bot is armed for fill reactions.
func (b *Bot) IsActive() bool {
	return b.Status == BotActive
}

// CyclePnL is the realized profit of one buy/sell round trip.
func CyclePnL(buyPrice, sellPrice, quantity decimal.Decimal) decimal.Decimal {
	return sellPrice.Sub(buyPrice).Mul(quantity)
}
