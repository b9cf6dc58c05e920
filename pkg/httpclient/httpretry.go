package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"integrations/internal/application/common"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	// maxRetryAfter: провайдер иногда просит подождать минуты, такие ответы сразу отдаём вызывающему
	maxRetryAfter = 30 * time.Second
)

// RetryClient повторяет идемпотентные запросы на сетевых ошибках, 5xx и 429.
type RetryClient struct {
	delegate    HTTPClient
	maxAttempts int
	ShouldRetry func(*http.Response, error) bool
	logger      *zap.SugaredLogger
}

func NewRetryClient(delegate HTTPClient, maxAttempts int, logger *zap.SugaredLogger) *RetryClient {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryClient{
		delegate:    delegate,
		maxAttempts: maxAttempts,
		ShouldRetry: retryable,
		logger:      logger,
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

func (c *RetryClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	// POST/PATCH не повторяем внутри запроса: повтор create во внешней системе задваивает запись.
	if !isIdempotent(req.Method) {
		return c.delegate.Do(ctx, req)
	}
	if err := rewindable(req); err != nil {
		return nil, err
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			req.Body = body
		}

		resp, err = c.delegate.Do(ctx, req.Clone(ctx))
		if attempt >= c.maxAttempts || !c.ShouldRetry(resp, err) {
			return resp, err
		}

		delay, ok := retryDelay(resp, attempt)
		if !ok {
			return resp, err
		}
		drain(resp)

		c.logger.Warnf("retry attempt=%d/%d backoff=%s %s %s%s status=%d err=%v",
			attempt, c.maxAttempts, delay, req.Method, req.URL.Host, req.URL.Path, statusOf(resp), err)

		if serr := common.SleepCtx(ctx, delay); serr != nil {
			return nil, fmt.Errorf("retry sleep canceled: %w", serr)
		}
	}
}

// retryDelay: Retry-After провайдера важнее собственного бэкоффа.
// false - ждать дольше maxRetryAfter внутри запроса не будем.
func retryDelay(resp *http.Response, attempt int) (time.Duration, bool) {
	if resp != nil {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return d, d <= maxRetryAfter
		}
	}
	d := common.NextBackoffWithJitter(attempt - 1)
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return d, true
}

// parseRetryAfter понимает секунды и HTTP-дату.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec < 0 {
			return 0, false
		}
		return time.Duration(sec) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// rewindable читает тело один раз, чтобы его можно было отправить повторно.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	_ = req.Body.Close()
	req.ContentLength = int64(len(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return nil
}

// drain возвращает соединение в пул перед повтором
func drain(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}
