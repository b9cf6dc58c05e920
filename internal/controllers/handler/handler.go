package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/common"
	"integrations/internal/application/entity"
	use_cases "integrations/internal/application/use-cases"
	"integrations/pkg/validator"

	playgroundvalidator "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const HeaderUserID = "X-User-ID"

type Handler interface {
	HealthCheck(c *fiber.Ctx) error

	ListConnections(c *fiber.Ctx) error
	Authorize(c *fiber.Ctx) error
	Callback(c *fiber.Ctx) error
	IssueToken(c *fiber.Ctx) error
	Disconnect(c *fiber.Ctx) error

	SetupIntegration(c *fiber.Ctx) error
	TriggerSync(c *fiber.Ctx) error
	EnqueueItem(c *fiber.Ctx) error
	ListLogs(c *fiber.Ctx) error
	GetStats(c *fiber.Ctx) error
	PushCandidate(c *fiber.Ctx) error
}

type HandlerImpl struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewHandler(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *HandlerImpl {
	return &HandlerImpl{
		usecase: usecase,
		logger:  logger,
	}
}

// formatValidationErrors форматирует ошибки валидации в понятный формат для клиента
func formatValidationErrors(err error) fiber.Map {
	var errors []string
	if validationErrors, ok := err.(playgroundvalidator.ValidationErrors); ok {
		for _, e := range validationErrors {
			field := e.Field()
			tag := e.Tag()
			var message string
			switch tag {
			case "required":
				message = fmt.Sprintf("поле '%s' обязательно для заполнения", field)
			case "min":
				message = fmt.Sprintf("поле '%s' должно содержать минимум %s символов", field, e.Param())
			case "max":
				message = fmt.Sprintf("поле '%s' должно содержать максимум %s символов", field, e.Param())
			case "oneof":
				message = fmt.Sprintf("поле '%s' должно быть одним из: %s", field, e.Param())
			case "nospace":
				message = fmt.Sprintf("поле '%s' не должно содержать пробелов", field)
			case "email":
				message = fmt.Sprintf("поле '%s' должно быть email адресом", field)
			default:
				message = fmt.Sprintf("поле '%s' не прошло валидацию: %s", field, tag)
			}
			errors = append(errors, message)
		}
	} else {
		errors = append(errors, err.Error())
	}
	return fiber.Map{
		"error":   "validation failed",
		"details": errors,
	}
}

const localUserID = "userID"

// RequireUser: идентичность вызывающего проставляется шлюзом в X-User-ID.
func RequireUser(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(HeaderUserID))
	if id == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": HeaderUserID + " header is required"})
	}
	c.Locals(localUserID, id)
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func pathUUID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.FromString(c.Params(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", appers.ErrValidation, name)
	}
	return id, nil
}

// HealthCheck godoc
// @Summary     Проверка состояния сервиса
// @Description Проверяет доступность PostgreSQL, Kafka и Redis. Возвращает детальную информацию о состоянии каждого компонента.
// @Produce     json
// @Success     200   {object} entity.HealthCheckResponse "Все сервисы доступны"
// @Failure     503   {object} entity.HealthCheckResponse "Один или несколько сервисов недоступны"
// @tags        Health
// @Router      /health [get]
func (h *HandlerImpl) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st := h.usecase.HealthCheck(ctx)

	resp := entity.HealthCheckResponse{
		Status:  st.Healthy(),
		Message: "success",
		Version: common.Version,
		Checks: entity.HealthCheckResponseData{
			Database: checkItem("postgresql", st.Database),
			Kafka:    checkItem("kafka", st.Kafka),
			Redis:    checkItem("redis", st.Redis),
		},
	}
	if !resp.Status {
		resp.Message = "Some services are unavailable"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func checkItem(kind string, err error) entity.HealthCheckItem {
	item := entity.HealthCheckItem{Status: err == nil, Type: kind}
	if err != nil {
		item.Error = err.Error()
	}
	return item
}

// ListConnections godoc
// @Summary     Список подключений пользователя
// @Produce     json
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Success     200        {array}  entity.Connection
// @Failure     401
// @Failure     500
// @tags        Connections
// @Router      /v1/connections [get]
func (h *HandlerImpl) ListConnections(c *fiber.Ctx) error {
	user := currentUser(c)
	list, err := h.usecase.ListConnections(c.UserContext(), user)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(list)
}

// Authorize godoc
// @Summary     Начало OAuth подключения
// @Description Создаёт одноразовый state и возвращает адрес авторизации провайдера
// @Produce     json
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Param       provider   path     string true "google_calendar | google_gmail | microsoft_calendar | microsoft_mail | linkedin"
// @Success     200        {object} entity.AuthorizeResponse
// @Failure     400
// @Failure     401
// @Failure     503
// @tags        Connections
// @Router      /v1/connections/{provider}/authorize [get]
func (h *HandlerImpl) Authorize(c *fiber.Ctx) error {
	user := currentUser(c)
	resp, err := h.usecase.Authorize(c.UserContext(), user, c.Params("provider"))
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// Callback godoc
// @Summary     OAuth callback
// @Description Обменивает code на токены и сохраняет подключение. state одноразовый.
// @Produce     json
// @Param       state  query    string true  "OAuth state"
// @Param       code   query    string false "Authorization code"
// @Param       error  query    string false "Ошибка провайдера"
// @Success     200    {object} entity.Connection
// @Failure     400
// @Failure     502
// @tags        Connections
// @Router      /v1/connections/callback [get]
func (h *HandlerImpl) Callback(c *fiber.Ctx) error {
	if providerErr := c.Query("error"); providerErr != "" {
		h.logger.Warnf("oauth callback with provider error: %s", providerErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": providerErr, "description": c.Query("error_description")})
	}
	conn, err := h.usecase.Callback(c.UserContext(), c.Query("state"), c.Query("code"))
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(conn)
}

// IssueToken godoc
// @Summary     Действующий access token
// @Description Возвращает access token, при необходимости обновив его. 409 reconnect_required - нужно переподключение.
// @Produce     json
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Param       id         path     string true "ID подключения"
// @Success     200        {object} entity.TokenResponse
// @Failure     403
// @Failure     404
// @Failure     409
// @tags        Connections
// @Router      /v1/connections/{id}/token [post]
func (h *HandlerImpl) IssueToken(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	resp, err := h.usecase.IssueToken(c.UserContext(), user, id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// Disconnect godoc
// @Summary     Отключение провайдера
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Param       id         path     string true "ID подключения"
// @Success     200
// @Failure     403
// @Failure     404
// @Failure     409
// @tags        Connections
// @Router      /v1/connections/{id} [delete]
func (h *HandlerImpl) Disconnect(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	if err := h.usecase.Disconnect(c.UserContext(), user, id); err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"description": "ok"})
}

// SetupIntegration godoc
// @Summary     Подключение ATS
// @Description Проверяет API ключ живым запросом и сохраняет интеграцию
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header   string                          true "Идентификатор пользователя"
// @Param       body       body     entity.SetupIntegrationRequest  true "Параметры интеграции"
// @Success     201        {object} entity.Integration
// @Failure     400
// @Failure     401
// @tags        ATS
// @Router      /v1/ats/integrations [post]
func (h *HandlerImpl) SetupIntegration(c *fiber.Ctx) error {
	user := currentUser(c)
	var req entity.SetupIntegrationRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Errorf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validator.Validate.Struct(&req); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	in, err := h.usecase.SetupIntegration(c.UserContext(), user, req)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(in)
}

// TriggerSync godoc
// @Summary     Запуск синхронизации
// @Description Ставит по одному inbound элементу на каждую включённую категорию
// @Produce     json
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Param       id         path     string true "ID интеграции"
// @Success     202        {array}  entity.SyncQueueItem
// @Failure     403
// @Failure     404
// @Failure     409
// @tags        ATS
// @Router      /v1/ats/integrations/{id}/sync [post]
func (h *HandlerImpl) TriggerSync(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	items, err := h.usecase.TriggerSync(c.UserContext(), user, id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(items)
}

// EnqueueItem godoc
// @Summary     Постановка элемента в очередь синхронизации
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header   string                 true "Идентификатор пользователя"
// @Param       id         path     string                 true "ID интеграции"
// @Param       body       body     entity.EnqueueRequest  true "Элемент очереди"
// @Success     202        {object} entity.SyncQueueItem
// @Failure     400
// @Failure     403
// @Failure     409
// @tags        ATS
// @Router      /v1/ats/integrations/{id}/queue [post]
func (h *HandlerImpl) EnqueueItem(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	var req entity.EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Errorf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validator.Validate.Struct(&req); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	item, err := h.usecase.EnqueueItem(c.UserContext(), user, id, req)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(item)
}

// ListLogs godoc
// @Summary     Журнал синхронизации
// @Produce     json
// @Param       X-User-ID  header   string true  "Идентификатор пользователя"
// @Param       id         path     string true  "ID интеграции"
// @Param       limit      query    int    false "Количество записей (по умолчанию 50, максимум 500)"
// @Success     200        {array}  entity.SyncLog
// @Failure     403
// @Failure     404
// @tags        ATS
// @Router      /v1/ats/integrations/{id}/logs [get]
func (h *HandlerImpl) ListLogs(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	logs, err := h.usecase.ListLogs(c.UserContext(), user, id, c.QueryInt("limit", 0))
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(logs)
}

// GetStats godoc
// @Summary     Статистика синхронизации
// @Produce     json
// @Param       X-User-ID  header   string true "Идентификатор пользователя"
// @Param       id         path     string true "ID интеграции"
// @Success     200        {object} entity.SyncStats
// @Failure     403
// @Failure     404
// @tags        ATS
// @Router      /v1/ats/integrations/{id}/stats [get]
func (h *HandlerImpl) GetStats(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	st, err := h.usecase.GetStats(c.UserContext(), user, id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(st)
}

// PushCandidate godoc
// @Summary     Синхронная отправка кандидата в ATS
// @Description Ошибка ATS возвращается в теле с success=false
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header   string            true "Идентификатор пользователя"
// @Param       id         path     string            true "ID интеграции"
// @Param       body       body     entity.Candidate  true "Кандидат"
// @Success     200        {object} entity.PushResult
// @Failure     400
// @Failure     403
// @Failure     409
// @tags        ATS
// @Router      /v1/ats/integrations/{id}/candidates/push [post]
func (h *HandlerImpl) PushCandidate(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := pathUUID(c, "id")
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	var cand entity.Candidate
	if err := c.BodyParser(&cand); err != nil {
		h.logger.Errorf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validator.Validate.Struct(&cand); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	res, err := h.usecase.PushCandidate(c.UserContext(), user, id, cand)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}
