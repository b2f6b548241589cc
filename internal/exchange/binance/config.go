// Package binance provides a Binance USDⓈ-M futures adapter.
package binance

import (
	"time"
)

// Testnet endpoint for USDⓈ-M futures.
const testnetBaseURL = "https://testnet.binancefuture.com"

// Config holds Binance connection configuration.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the REST endpoint. Empty selects mainnet or testnet.
	BaseURL string

	// Timeouts
	RequestTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Margin mode applied together with leverage: CROSSED or ISOLATED.
	MarginMode string
}

// DefaultConfig returns default Binance configuration.
func DefaultConfig() Config {
	return Config{
		Testnet:              true,
		RequestTimeout:       10 * time.Second,
		MaxRequestsPerSecond: 10, // well below the 2400 weight/min account limit
		MarginMode:           "CROSSED",
	}
}
