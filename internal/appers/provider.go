package appers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrGrantRejected: token endpoint отклонил refresh/authorization grant (400/401).
// Такой грант не восстанавливается повтором.
var ErrGrantRejected = errors.New("oauth grant rejected by provider")

// ProviderError - неуспешный HTTP ответ внешнего провайдера (OAuth, ATS).
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

// Transient: 5xx и 429 имеет смысл повторить позже.
func (e *ProviderError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (e *ProviderError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

const (
	KindTransient  = "transient"
	KindPermanent  = "permanent"
	KindAuth       = "auth"
	KindNotFound   = "not_found"
	KindValidation = "validation"
)

// ClassifyError раскладывает ошибку по таксономии для sync_log и решения о ретрае.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.Transient():
			return KindTransient
		case perr.Unauthorized():
			return KindAuth
		case perr.StatusCode == http.StatusNotFound:
			return KindNotFound
		case perr.StatusCode == http.StatusBadRequest || perr.StatusCode == http.StatusUnprocessableEntity:
			return KindValidation
		default:
			return KindPermanent
		}
	}

	var resp ErrorResp
	if errors.As(err, &resp) {
		switch {
		case resp.Reason == ReasonReconnectRequired, resp.StatusCode == http.StatusForbidden:
			return KindAuth
		case resp.StatusCode == http.StatusNotFound:
			return KindNotFound
		case resp.StatusCode == http.StatusBadRequest:
			return KindValidation
		default:
			return KindPermanent
		}
	}

	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}

	// таймауты, сетевые ошибки и прочие сбои без ответа провайдера считаем временными
	return KindTransient
}

// Retryable - ошибку можно повторить через очередь.
func Retryable(err error) bool {
	return ClassifyError(err) == KindTransient
}
