package execution

import (
	"errors"
	"fmt"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/pkg/num"

	"github.com/shopspring/decimal"
)

// ErrInsufficientCapital aborts an open before any exchange side effect.
var ErrInsufficientCapital = errors.New("execution: required margin exceeds available capital")

// ValidationError reports malformed trade parameters. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Sizing struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Margin   decimal.Decimal `json:"margin"`
}

// ResolveQuantity turns a suggested size into an order the venue accepts:
// raise to the minimum quantity, raise until the minimum notional is met,
// round up to the quantity step, then derive notional and margin.
func ResolveQuantity(suggested, price decimal.Decimal, rules exchange.InstrumentRules, leverage int) (Sizing, error) {
	if !price.IsPositive() {
		return Sizing{}, invalid("price", "must be positive, got %s", price)
	}
	if leverage <= 0 {
		return Sizing{}, invalid("leverage", "must be positive, got %d", leverage)
	}
	if suggested.IsNegative() {
		return Sizing{}, invalid("quantity", "must not be negative, got %s", suggested)
	}

	qty := suggested
	if qty.LessThan(rules.MinQty) {
		qty = rules.MinQty
	}
	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
		qty = rules.MinNotional.Div(price)
	}
	qty = num.RoundUpToStep(qty, rules.QtyStep)
	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) && rules.QtyStep.IsPositive() {
		qty = qty.Add(rules.QtyStep)
	}
	if !qty.IsPositive() {
		return Sizing{}, invalid("quantity", "resolved to zero")
	}

	notional := qty.Mul(price)
	return Sizing{
		Quantity: qty,
		Notional: notional,
		Margin:   notional.Div(decimal.NewFromInt(int64(leverage))),
	}, nil
}
