package utils

import (
	"time"
)

// Request-scoped context keys used by handlers and flows
type ContextKey string

const (
	RequestIDKey  ContextKey = "request_id"
	UserAgentKey  ContextKey = "user_agent"
	IPAddressKey  ContextKey = "ip_address"
	EndpointKey   ContextKey = "endpoint"
	TimeoutKey    ContextKey = "timeout"
	CancelFuncKey ContextKey = "cancel_func"
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Dispatch defaults applied when a campaign or account leaves a value unset
const (
	DefaultBatchSize  = 50
	MaxBatchSize      = 1000
	DefaultBatchDelay = 2 * time.Second

	// QuotaWindow is the rolling day boundary for sent_today resets
	QuotaWindow = 24 * time.Hour
)
