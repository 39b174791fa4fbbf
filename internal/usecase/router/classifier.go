package router

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/sony/gobreaker/v2"

	"fleetd/internal/domain"
)

// FallbackCondition is the classified failure condition a fallback rule
// keys on.
type FallbackCondition string

const (
	CondRateLimit   FallbackCondition = "rate_limit"
	CondUnavailable FallbackCondition = "unavailable"
	CondTimeout     FallbackCondition = "timeout"
	CondCost        FallbackCondition = "cost"
	CondError       FallbackCondition = "error" // generic catch-all
)

// apiErrorPattern matches "API error <status_code>:" produced by HTTP
// backend adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// ClassifyCondition maps a backend execution error to the fallback
// condition used for rule lookup. Sentinels win over string matching.
func ClassifyCondition(err error) FallbackCondition {
	if err == nil {
		return CondError
	}

	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return CondRateLimit
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CondTimeout
	case errors.Is(err, domain.ErrCostExceeded):
		return CondCost
	case errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return CondUnavailable
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		switch {
		case code == 429:
			return CondRateLimit
		case code == 408 || code == 504:
			return CondTimeout
		case code >= 500:
			return CondUnavailable
		}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return CondRateLimit
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return CondTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "no such host"), strings.Contains(lower, "connection reset"):
		return CondUnavailable
	default:
		return CondError
	}
}
