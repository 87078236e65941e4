package openai

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
)

func classifyTransportError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// mapUpstream folds transport failures into the domain taxonomy. The
// retriable flag mirrors the classification the executor used.
func mapUpstream(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resilience.IsCircuitOpen(err) {
		return domain.Unavailable(domain.ReasonCircuitOpen)
	}
	if domain.IsKind(err, domain.ErrUpstream) {
		return err
	}
	class := classifyTransportError(err)
	return &domain.UpstreamError{
		Provider:  providerName,
		Retriable: class.Retryable,
		Err:       err,
	}
}
