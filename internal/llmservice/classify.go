package llmservice

import (
	"context"
	"errors"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"regdoc-rag/internal/ragerr"
)

var statusCodeRe = regexp.MustCompile(`(?i)status(?: code)?:? (\d{3})`)

// Classify tags a provider error with one of the ragerr kinds. Errors that
// already carry a provider kind, and context cancellation, are returned
// unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ragerr.ErrQuotaExceeded, ragerr.ErrAuth, ragerr.ErrTimeout, ragerr.ErrNetwork} {
		if errors.Is(err, kind) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ragerr.Wrap(ragerr.ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ragerr.Wrap(ragerr.ErrTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	code := statusCode(msg)
	switch {
	case code == 429,
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "too many requests"):
		return ragerr.Wrap(ragerr.ErrQuotaExceeded, err)
	case code == 401, code == 403,
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "permission denied"):
		return ragerr.Wrap(ragerr.ErrAuth, err)
	case code == 408, code == 504,
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return ragerr.Wrap(ragerr.ErrTimeout, err)
	case code >= 500:
		return ragerr.Wrap(ragerr.ErrNetwork, err)
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &netErr) ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return ragerr.Wrap(ragerr.ErrNetwork, err)
	}
	return err
}

func statusCode(msg string) int {
	m := statusCodeRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
