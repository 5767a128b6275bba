// Package classify maps step failures onto error categories and the retry
// policy that applies to each category.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"claim-orchestrator/internal/domain"
)

// Error is a failure whose category was decided where it happened.
type Error struct {
	Category domain.ErrorCategory
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(category domain.ErrorCategory, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

func Errorf(category domain.ErrorCategory, format string, args ...any) error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// Outcome is what happens to a claim once a step exhausts its retries.
type Outcome string

const (
	OutcomeQuarantine Outcome = "QUARANTINE"
	OutcomeReview     Outcome = "HUMAN_REVIEW"
)

type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter is the fraction of the computed delay added at random. It stays
	// below Multiplier-1 so consecutive delays never shrink.
	Jitter float64
}

// Delay returns the wait before retry number n (1-based). rnd yields values
// in [0,1); nil disables jitter.
func (b Backoff) Delay(n int, rnd func() float64) time.Duration {
	if n < 1 || b.Base <= 0 {
		return 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if rnd != nil && b.Jitter > 0 {
		d += d * b.Jitter * rnd()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

type Policy struct {
	Category   domain.ErrorCategory
	MaxRetries int
	Backoff    Backoff
	Exhausted  Outcome
}

func (p Policy) Retryable() bool {
	return p.MaxRetries > 0
}

// MaxStepRetries caps the retries of one step across all categories, so a
// step whose failures change category still stops after this many.
const MaxStepRetries = 3

var exponential = Backoff{
	Base:       2 * time.Second,
	Multiplier: 2.0,
	Max:        30 * time.Second,
	Jitter:     0.25,
}

var policies = map[domain.ErrorCategory]Policy{
	domain.CategoryTransient: {
		Category:   domain.CategoryTransient,
		MaxRetries: 3,
		Backoff:    exponential,
		Exhausted:  OutcomeQuarantine,
	},
	domain.CategoryThrottle: {
		Category:   domain.CategoryThrottle,
		MaxRetries: 3,
		Backoff:    exponential,
		Exhausted:  OutcomeQuarantine,
	},
	domain.CategoryInvalidInput: {
		Category:  domain.CategoryInvalidInput,
		Exhausted: OutcomeQuarantine,
	},
	domain.CategoryAccessDenied: {
		Category:  domain.CategoryAccessDenied,
		Exhausted: OutcomeQuarantine,
	},
	domain.CategoryInternal: {
		Category:   domain.CategoryInternal,
		MaxRetries: 1,
		Backoff:    exponential,
		Exhausted:  OutcomeReview,
	},
}

func PolicyFor(category domain.ErrorCategory) Policy {
	if p, ok := policies[category]; ok {
		return p
	}
	return policies[domain.CategoryInternal]
}

func Classify(err error) Policy {
	return PolicyFor(CategoryOf(err))
}

// CategoryOf decides the category of err. Explicitly categorised errors win;
// an open circuit is throttling; timeouts and broken connections are
// transient; anything else is internal.
func CategoryOf(err error) domain.ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.CategoryThrottle
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CategoryTransient
	}
	return domain.CategoryInternal
}

// FromHTTPStatus maps a collaborator response status to a category. Statuses
// below 400 return an empty category.
func FromHTTPStatus(code int) domain.ErrorCategory {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.CategoryThrottle
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.CategoryAccessDenied
	case code == http.StatusRequestTimeout || code >= 500:
		return domain.CategoryTransient
	case code >= 400:
		return domain.CategoryInvalidInput
	}
	return ""
}
