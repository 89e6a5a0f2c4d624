// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultHost is the bind address when none is configured.
const DefaultHost = "127.0.0.1"

// DefaultPort is the listen port when none is configured.
const DefaultPort = 18080

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// =============================================================================
// RETRY / FAILOVER
// =============================================================================

// DefaultAttemptTimeout bounds a single upstream attempt.
const DefaultAttemptTimeout = 2 * time.Minute

// DefaultRequestDeadline bounds the whole request across attempts.
const DefaultRequestDeadline = 10 * time.Minute

// DefaultMaxAttempts is the total attempt budget per request.
const DefaultMaxAttempts = 3

// DefaultSameCredentialRetries before failing over to a different credential.
const DefaultSameCredentialRetries = 1

// DefaultBackoffBase is the first retry delay.
const DefaultBackoffBase = 500 * time.Millisecond

// DefaultBackoffCap clamps exponential backoff.
const DefaultBackoffCap = 30 * time.Second

// =============================================================================
// CREDENTIAL POOL
// =============================================================================

// DefaultUnhealthyThreshold is consecutive failures before Unhealthy.
const DefaultUnhealthyThreshold = 3

// DefaultProbeDelay schedules the half-open probe after Unhealthy.
const DefaultProbeDelay = 1 * time.Minute

// DefaultCooldownBase is the cooldown applied on the first rate-limit
// observation when the upstream supplied no Retry-After.
const DefaultCooldownBase = 30 * time.Second

// DefaultCooldownCap clamps the doubling cooldown backoff.
const DefaultCooldownCap = 15 * time.Minute

// =============================================================================
// SESSION STICKINESS / SIGNATURES
// =============================================================================

// DefaultStickyTTL is how long a fingerprint stays pinned to a credential.
const DefaultStickyTTL = 5 * time.Minute

// DefaultSignatureTTL bounds the age of stashed reasoning signatures.
const DefaultSignatureTTL = 15 * time.Minute

// DefaultSignatureCapacity bounds the number of stashed signatures (LRU).
const DefaultSignatureCapacity = 1024

// DefaultCleanupInterval is the frequency for background cleanup goroutines.
const DefaultCleanupInterval = 1 * time.Minute

// =============================================================================
// TELEMETRY
// =============================================================================

// DefaultRequestLogCapacity is the request-log ring buffer size.
const DefaultRequestLogCapacity = 1000

// DefaultUsageCapacity is the token-usage ring buffer size.
const DefaultUsageCapacity = 1000

// RecentWindow is the aggregation window for live metrics.
const RecentWindow = 1 * time.Minute

// TokenEstimateRatio is the approximate number of characters per token,
// used only when the tokenizer itself is unavailable.
const TokenEstimateRatio = 4

// =============================================================================
// PAIRING GUARD
// =============================================================================

// PairingMaxFailures before the guard locks out.
const PairingMaxFailures = 5

// PairingFailureWindow is the window in which failures accumulate.
const PairingFailureWindow = 5 * time.Minute

// PairingLockout is how long pairing is blocked after too many failures.
const PairingLockout = 5 * time.Minute

// =============================================================================
// SANITIZER
// =============================================================================

// DefaultRedactionPlaceholder replaces matched secrets in sanitized text.
const DefaultRedactionPlaceholder = "[REDACTED]"

// MinKeyValueSecretLen is the minimum value length for key=value redaction.
const MinKeyValueSecretLen = 16
