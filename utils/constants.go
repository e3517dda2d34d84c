package utils

import (
	"time"
)

// Currency constants
const (
	// EuroCurrency is the fiat currency every price and balance is quoted in
	EuroCurrency = "EUR"

	// FiatMinorUnitDigits is the number of decimal places of the fiat minor unit
	FiatMinorUnitDigits = 2
)

// Basket and deposit constants
const (
	// DefaultBasketTTL is how long an untouched basket keeps its reservations
	DefaultBasketTTL = 15 * time.Minute

	// DefaultSweepInterval is how often the expiry sweeper runs
	DefaultSweepInterval = 30 * time.Second

	// DefaultDepositWindow is the payment window communicated to the processor
	DefaultDepositWindow = 60 * time.Minute

	// DefaultBridgeTimeout bounds how long a webhook waits for the owning
	// context to finish reconciliation before asking the processor to retry
	DefaultBridgeTimeout = 30 * time.Second
)

// Context keys used across layers
type ContextKey string

const (
	// EndpointKey carries the inbound endpoint path for audit logging
	EndpointKey ContextKey = "endpoint"

	// RequestIDKey carries the inbound request id
	RequestIDKey ContextKey = "request_id"

	// IPAddressKey carries the caller address
	IPAddressKey ContextKey = "ip_address"

	// UserAgentKey carries the caller user agent
	UserAgentKey ContextKey = "user_agent"
)
