// Package intake receives trade signals over an HTTP webhook.
package intake

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Payload is the webhook body sent by charting alerts. Numeric fields may
// arrive as JSON numbers or strings.
type Payload struct {
	Action    string         `json:"action" validate:"required,oneof=long short"`
	Pair      string         `json:"pair" validate:"omitempty,alphanum,max=32"`
	Close     any            `json:"close"`
	Indicator string         `json:"indicator" validate:"max=128"`
	Exchange  string         `json:"exchange" validate:"max=64"`
	Quantity  any            `json:"quantity"`
	Metadata  map[string]any `json:"metadata"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalises and checks the payload.
func (p *Payload) Validate() error {
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	p.Pair = strings.ToUpper(strings.TrimSpace(p.Pair))
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Signal converts the payload into a trade signal with the given id.
func (p *Payload) Signal(id string) (types.TradeSignal, error) {
	direction, ok := types.ParseSide(p.Action)
	if !ok {
		return types.TradeSignal{}, fmt.Errorf("invalid payload: action %q", p.Action)
	}

	closePrice, err := toDecimal("close", p.Close)
	if err != nil {
		return types.TradeSignal{}, err
	}
	quantity, err := toDecimal("quantity", p.Quantity)
	if err != nil {
		return types.TradeSignal{}, err
	}
	if quantity.Valid && !quantity.Decimal.IsPositive() {
		return types.TradeSignal{}, fmt.Errorf("invalid payload: quantity %s must be positive", quantity.Decimal)
	}
	md, err := parseMetadata(p.Metadata)
	if err != nil {
		return types.TradeSignal{}, err
	}

	return types.TradeSignal{
		ID:               id,
		Symbol:           p.Pair,
		Direction:        direction,
		NotionalQuantity: quantity.Decimal,
		Metadata:         md,
		Source: types.SignalSource{
			Indicator: p.Indicator,
			Exchange:  p.Exchange,
			Close:     closePrice.Decimal,
		},
	}, nil
}

// parseMetadata maps override keys onto types.Metadata. Keys match
// case-insensitively with or without underscores, so stop_delta and
// stopDelta are equivalent. Unknown keys are ignored.
func parseMetadata(raw map[string]any) (types.Metadata, error) {
	var md types.Metadata
	for key, value := range raw {
		var dst *decimal.NullDecimal
		switch strings.ToLower(strings.ReplaceAll(key, "_", "")) {
		case "stopdelta":
			dst = &md.StopDelta
		case "takeprofitdelta", "tpdelta":
			dst = &md.TakeProfitDelta
		case "riskrewardratio":
			dst = &md.RiskRewardRatio
		case "stoptriggerprice", "stoptriggerpriceoverride":
			dst = &md.StopTriggerPrice
		case "trailingstopby":
			dst = &md.TrailingStopBy
		case "trailingstoptriggerprice":
			dst = &md.TrailingStopTriggerPrice
		default:
			continue
		}

		v, err := toDecimal("metadata."+key, value)
		if err != nil {
			return types.Metadata{}, err
		}
		if v.Valid && !v.Decimal.IsPositive() {
			return types.Metadata{}, fmt.Errorf("invalid payload: metadata.%s must be positive", key)
		}
		*dst = v
	}
	return md, nil
}

// toDecimal parses a loosely typed JSON value. Nil and empty strings are
// reported as not set.
func toDecimal(field string, v any) (decimal.NullDecimal, error) {
	s, err := cast.ToStringE(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid payload: %s: %w", field, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid payload: %s %q is not a number", field, s)
	}
	return decimal.NewNullDecimal(d), nil
}
