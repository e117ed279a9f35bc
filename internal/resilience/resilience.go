// Package resilience guards calls to the remote tier backends (the NER
// endpoint and the Anthropic API) with bounded retries and per-backend
// circuit breakers.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/clinical-extractor/internal/config"
)

// Backend names used for breakers and retry logs.
const (
	BackendNER       = "ner"
	BackendAnthropic = "anthropic"
)

// RetryFromConfig converts config values to a RetryConfig. Zero values keep
// the defaults.
func RetryFromConfig(c config.ResilienceConfig) RetryConfig {
	r := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		r.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMS > 0 {
		r.InitialBackoff = time.Duration(c.InitialBackoffMS) * time.Millisecond
	}
	if c.MaxBackoffMS > 0 {
		r.MaxBackoff = time.Duration(c.MaxBackoffMS) * time.Millisecond
	}
	if c.Multiplier > 0 {
		r.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		r.JitterFraction = c.JitterFraction
	}
	return r
}

// BreakerFromConfig converts config values to a BreakerConfig.
func BreakerFromConfig(c config.ResilienceConfig) BreakerConfig {
	b := DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		b.Threshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		b.Cooldown = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return b
}

// TransientError marks a backend failure that is safe to retry.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable. status is the HTTP status that
// caused it, or 0.
func MarkTransient(err error, status int) error {
	return &TransientError{Err: err, StatusCode: status}
}

// RetryableStatus reports whether an HTTP status from a backend is worth
// retrying. 529 is Anthropic's overloaded status.
func RetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"temporary failure in name resolution",
	"server closed idle connection",
}

// IsTransient reports whether err is marked transient or looks like a
// dropped connection or network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
