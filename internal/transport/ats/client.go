package ats

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/pkg/config"
	"integrations/pkg/httpclient"

	"go.uber.org/zap"
)

const (
	maxBody  = 4 << 20
	maxPages = 50
)

// Client - адаптер одной ATS интеграции (ключ и on-behalf-of зашиты в клиент).
type Client interface {
	Platform() entity.ATSPlatform
	// Probe проверяет ключ живым запросом.
	Probe(ctx context.Context) error
	List(ctx context.Context, et entity.EntityType) ([]entity.ExternalRecord, error)
	Create(ctx context.Context, et entity.EntityType, payload json.RawMessage) (externalID string, resp json.RawMessage, err error)
	Update(ctx context.Context, et entity.EntityType, externalID string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, et entity.EntityType, externalID string) error
}

// Factory собирает клиента под интеграцию.
type Factory interface {
	For(in *entity.Integration) (Client, error)
}

type FactoryImpl struct {
	conf   config.ATS
	http   httpclient.HTTPClient
	logger *zap.SugaredLogger
}

func NewFactory(conf config.ATS, http httpclient.HTTPClient, logger *zap.SugaredLogger) *FactoryImpl {
	return &FactoryImpl{conf: conf, http: http, logger: logger}
}

func (f *FactoryImpl) For(in *entity.Integration) (Client, error) {
	switch in.Platform {
	case entity.PlatformGreenhouse:
		return newGreenhouse(f.conf.GreenhouseBaseURL, in.APIKey, in.OnBehalfOf, f.http, f.logger), nil
	case entity.PlatformLever:
		return newLever(f.conf.LeverBaseURL, in.APIKey, in.OnBehalfOf, f.http, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: platform %q", appers.ErrValidation, in.Platform)
	}
}

// api - общий HTTP слой адаптеров: basic auth ключом, JSON тело, ProviderError на не-2xx.
type api struct {
	platform entity.ATSPlatform
	base     string
	auth     string
	headers  map[string]string
	http     httpclient.HTTPClient
	logger   *zap.SugaredLogger
}

func newAPI(platform entity.ATSPlatform, base, apiKey string, http httpclient.HTTPClient, logger *zap.SugaredLogger) api {
	return api{
		platform: platform,
		base:     strings.TrimRight(base, "/"),
		auth:     "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":")),
		headers:  map[string]string{},
		http:     http,
		logger:   logger,
	}
}

// call выполняет запрос и возвращает тело ответа и заголовки.
func (a api) call(ctx context.Context, method, path string, body any, op string) ([]byte, http.Header, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%s %s marshal: %w", a.platform, op, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s build request: %w", a.platform, op, err)
	}
	req.Header.Set("Authorization", a.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	a.logger.Debugf("[%s] %s %s", a.platform, method, path)
	resp, err := a.http.Do(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", a.platform, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s read body: %w", a.platform, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &appers.ProviderError{
			Provider:   string(a.platform),
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(respBody),
		}
	}
	return respBody, resp.Header, nil
}

func unsupported(p entity.ATSPlatform, op string, et entity.EntityType) error {
	return fmt.Errorf("%w: %s %s %s", appers.ErrUnsupportedOperation, p, op, et)
}

// idString приводит числовой (Greenhouse) или строковый (Lever) id к строке.
func idString(raw json.RawMessage) string {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// normalizedCandidate возвращает кандидата, если payload в общем формате сервиса.
func normalizedCandidate(payload json.RawMessage) (entity.Candidate, bool) {
	var c entity.Candidate
	if len(payload) == 0 || json.Unmarshal(payload, &c) != nil {
		return c, false
	}
	return c, c.FirstName != "" || c.LastName != ""
}
