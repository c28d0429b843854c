// Package parser normalizes inbound webhook payloads into a TradeAlert.
//
// Two shapes are accepted: a JSON object carrying "action" and "symbol"
// fields, and colon-delimited text ("Symbol: BTCUSDT") either as the whole
// body or inside a "message"/"text" field. TradingView sends both.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAlert means the payload cannot be acted upon
var ErrInvalidAlert = errors.New("invalid alert payload")

// TradeAlert is the canonical form of an inbound trading signal
type TradeAlert struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Quantity   float64  `json:"quantity"`
	Price      *float64 `json:"price,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// Side classifies the action into buy, sell or close
func (a *TradeAlert) Side() string {
	action := strings.ToLower(a.Action)
	switch {
	case strings.Contains(action, "buy"):
		return "buy"
	case strings.Contains(action, "sell"):
		return "sell"
	case strings.Contains(action, "close"):
		return "close"
	}
	return action
}

// Notional returns quantity x price, when a price is known
func (a *TradeAlert) Notional() (float64, bool) {
	if a.Price == nil {
		return 0, false
	}
	return a.Quantity * *a.Price, true
}

// Parse normalizes body into a TradeAlert. A body that is not JSON is
// treated as free text. now stamps alerts that carry no timestamp.
func Parse(body []byte, now time.Time) (*TradeAlert, error) {
	var payload map[string]any
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return parseText(string(body), now)
	}
	return ParsePayload(payload, now)
}

// ParsePayload normalizes an already decoded JSON object
func ParsePayload(payload map[string]any, now time.Time) (*TradeAlert, error) {
	_, hasAction := payload["action"]
	_, hasSymbol := payload["symbol"]
	if hasAction && hasSymbol {
		return parseStructured(payload, now)
	}

	for _, key := range []string{"message", "text"} {
		if text, ok := payload[key].(string); ok {
			return parseText(text, now)
		}
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}
	return parseText(string(serialized), now)
}

func parseStructured(payload map[string]any, now time.Time) (*TradeAlert, error) {
	alert := &TradeAlert{
		Symbol:    strings.TrimSpace(stringValue(payload["symbol"])),
		Action:    strings.ToLower(strings.TrimSpace(stringValue(payload["action"]))),
		Quantity:  1,
		Timestamp: timestampValue(payload, now),
	}

	if raw, ok := payload["quantity"]; ok {
		if qty, ok := numberValue(raw); ok {
			alert.Quantity = qty
		}
	}
	alert.Price = positive(payload["price"])
	alert.StopLoss = positive(firstPresent(payload, "stopLoss", "stop_loss"))
	alert.TakeProfit = positive(firstPresent(payload, "takeProfit", "take_profit"))

	return validate(alert)
}

func parseText(text string, now time.Time) (*TradeAlert, error) {
	alert := &TradeAlert{Timestamp: now.UTC().Format(time.RFC3339)}
	var quantitySeen bool

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "symbol":
			alert.Symbol = value
		case "action", "side":
			alert.Action = strings.ToLower(value)
		case "quantity", "size":
			qty, ok := numberValue(value)
			if !ok {
				return nil, fmt.Errorf("%w: quantity %q is not a number", ErrInvalidAlert, value)
			}
			alert.Quantity = qty
			quantitySeen = true
		case "price":
			alert.Price = positive(value)
		case "stop", "stop_loss":
			alert.StopLoss = positive(value)
		case "target", "take_profit":
			alert.TakeProfit = positive(value)
		}
	}

	if !quantitySeen {
		return nil, fmt.Errorf("%w: quantity is required", ErrInvalidAlert)
	}
	return validate(alert)
}

func validate(alert *TradeAlert) (*TradeAlert, error) {
	switch {
	case alert.Symbol == "":
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidAlert)
	case alert.Action == "":
		return nil, fmt.Errorf("%w: action is required", ErrInvalidAlert)
	case alert.Quantity <= 0:
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidAlert)
	}
	return alert, nil
}

func firstPresent(payload map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			return v
		}
	}
	return nil
}

func timestampValue(payload map[string]any, now time.Time) string {
	for _, key := range []string{"timestamp", "time", "timenow"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return now.UTC().Format(time.RFC3339)
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// numberValue is a best-effort numeric coercion
func numberValue(v any) (float64, bool) {
	f, ok := coerce(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func coerce(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func positive(v any) *float64 {
	f, ok := numberValue(v)
	if !ok || f <= 0 {
		return nil
	}
	return &f
}
