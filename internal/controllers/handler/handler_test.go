package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	use_cases "integrations/internal/application/use-cases"
	"integrations/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubUseCase struct {
	use_cases.UseCaser

	health   entity.HealthStatus
	tokenErr error
	push     *entity.PushResult
	users    []string
}

func (s *stubUseCase) HealthCheck(context.Context) entity.HealthStatus {
	return s.health
}

func (s *stubUseCase) ListConnections(_ context.Context, userID string) ([]*entity.Connection, error) {
	s.users = append(s.users, userID)
	return []*entity.Connection{}, nil
}

func (s *stubUseCase) IssueToken(_ context.Context, userID string, id uuid.UUID) (*entity.TokenResponse, error) {
	s.users = append(s.users, userID)
	if s.tokenErr != nil {
		return nil, s.tokenErr
	}
	return &entity.TokenResponse{ConnectionID: id, AccessToken: "access"}, nil
}

func (s *stubUseCase) PushCandidate(_ context.Context, userID string, _ uuid.UUID, _ entity.Candidate) (*entity.PushResult, error) {
	s.users = append(s.users, userID)
	return s.push, nil
}

func (s *stubUseCase) EnqueueItem(_ context.Context, userID string, id uuid.UUID, req entity.EnqueueRequest) (*entity.SyncQueueItem, error) {
	s.users = append(s.users, userID)
	item := &entity.SyncQueueItem{IntegrationID: id, EntityID: req.EntityID}
	if req.Priority != nil {
		item.Priority = *req.Priority
	}
	return item, nil
}

func newTestApp(uc *stubUseCase) *fiber.App {
	app := fiber.New()
	logger := zap.NewNop().Sugar()
	NewRouter(NewHandler(uc, logger), app, &config.Config{}, logger).RegisterRouter()
	return app
}

func do(t *testing.T, app *fiber.App, method, target, user, body string) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestRequireUser(t *testing.T) {
	uc := &stubUseCase{}
	app := newTestApp(uc)

	status, _ := do(t, app, http.MethodGet, "/integrations/api/v1/connections", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, uc.users)

	status, _ = do(t, app, http.MethodGet, "/integrations/api/v1/connections", "user-1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"user-1"}, uc.users)
}

func TestIssueToken_Errors(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	t.Run("expired token asks for reconnect", func(t *testing.T) {
		app := newTestApp(&stubUseCase{tokenErr: appers.ErrTokenExpired})

		status, body := do(t, app, http.MethodPost, "/integrations/api/v1/connections/"+id.String()+"/token", "user-1", "")
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, appers.ReasonReconnectRequired, body["reason"])
	})

	t.Run("provider failure", func(t *testing.T) {
		err := &appers.ProviderError{Provider: "google", Op: "refresh", StatusCode: 503}
		app := newTestApp(&stubUseCase{tokenErr: err})

		status, _ := do(t, app, http.MethodPost, "/integrations/api/v1/connections/"+id.String()+"/token", "user-1", "")
		assert.Equal(t, http.StatusBadGateway, status)
	})

	t.Run("internal error", func(t *testing.T) {
		app := newTestApp(&stubUseCase{tokenErr: errors.New("boom")})

		status, _ := do(t, app, http.MethodPost, "/integrations/api/v1/connections/"+id.String()+"/token", "user-1", "")
		assert.Equal(t, http.StatusInternalServerError, status)
	})

	t.Run("invalid id", func(t *testing.T) {
		uc := &stubUseCase{}
		app := newTestApp(uc)

		status, _ := do(t, app, http.MethodPost, "/integrations/api/v1/connections/not-a-uuid/token", "user-1", "")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Empty(t, uc.users)
	})

	t.Run("ok", func(t *testing.T) {
		app := newTestApp(&stubUseCase{})

		status, body := do(t, app, http.MethodPost, "/integrations/api/v1/connections/"+id.String()+"/token", "user-1", "")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "access", body["accessToken"])
	})
}

func TestPushCandidate(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	uc := &stubUseCase{push: &entity.PushResult{Success: true, ExternalID: "12345"}}
	app := newTestApp(uc)
	target := "/integrations/api/v1/ats/integrations/" + id.String() + "/candidates/push"

	status, body := do(t, app, http.MethodPost, target, "user-1", `{"id":"cand-1","firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "12345", body["external_id"])

	status, body = do(t, app, http.MethodPost, target, "user-1", `{"id":"cand-2","firstName":"  ","lastName":"Lovelace"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["details"])

	status, _ = do(t, app, http.MethodPost, target, "user-1", `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, uc.users, 1)
}

func TestEnqueueItem_Priority(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	uc := &stubUseCase{}
	app := newTestApp(uc)
	target := "/integrations/api/v1/ats/integrations/" + id.String() + "/queue"
	body := func(priority string) string {
		return `{"entityType":"candidate","entityId":"cand-1","action":"update","direction":"outbound"` + priority + `}`
	}

	status, resp := do(t, app, http.MethodPost, target, "user-1", body(`,"priority":0`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, resp["details"])
	assert.Empty(t, uc.users)

	status, resp = do(t, app, http.MethodPost, target, "user-1", body(`,"priority":1`))
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1.0, resp["priority"])

	status, _ = do(t, app, http.MethodPost, target, "user-1", body(""))
	assert.Equal(t, http.StatusAccepted, status)
	assert.Len(t, uc.users, 2)
}

func TestHealthCheck(t *testing.T) {
	app := newTestApp(&stubUseCase{})

	status, body := do(t, app, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["status"])

	app = newTestApp(&stubUseCase{health: entity.HealthStatus{Redis: errors.New("connection refused")}})

	status, body = do(t, app, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["status"])
	checks := body["checks"].(map[string]any)
	redis := checks["redis"].(map[string]any)
	assert.Equal(t, "connection refused", redis["error"])
}
