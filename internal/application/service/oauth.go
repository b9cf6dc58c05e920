package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/common"
	"integrations/internal/application/entity"
	"integrations/pkg/statestore"

	"github.com/gofrs/uuid"
)

const (
	defaultStateTTL = 5 * time.Minute
	stateBytes      = 32
	revokeTimeout   = 10 * time.Second
)

// Authorize создаёт одноразовый state и возвращает адрес авторизации провайдера.
func (s *ServiceImpl) Authorize(ctx context.Context, userID string, provider entity.ProviderSlug) (*entity.AuthorizeResponse, error) {
	s.logger.Debugf("[user: %s, provider: %s] Authorize started", userID, provider)

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", appers.ErrValidation)
	}

	state, err := common.RandomToken(stateBytes)
	if err != nil {
		return nil, err
	}
	// адрес строим до записи state: неизвестный или ненастроенный провайдер не оставляет мусора в Redis
	authURL, err := s.providers.AuthCodeURL(provider, state)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(entity.OAuthState{UserID: userID, Provider: provider, CreatedAt: s.now()})
	if err != nil {
		return nil, fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.states.Put(ctx, state, raw, s.stateTTL()); err != nil {
		s.logger.Errorf("[user: %s] store oauth state failed: %v", userID, err)
		return nil, err
	}

	return &entity.AuthorizeResponse{URL: authURL, State: state}, nil
}

// Callback завершает handshake: state используется ровно один раз.
func (s *ServiceImpl) Callback(ctx context.Context, state, code string) (*entity.Connection, error) {
	if state == "" {
		return nil, appers.ErrInvalidOAuthState
	}
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", appers.ErrValidation)
	}

	raw, err := s.states.Take(ctx, state)
	if errors.Is(err, statestore.ErrStateNotFound) {
		return nil, appers.ErrInvalidOAuthState
	}
	if err != nil {
		return nil, err
	}
	var st entity.OAuthState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Errorf("corrupted oauth state: %v", err)
		return nil, appers.ErrInvalidOAuthState
	}
	s.logger.Debugf("[user: %s, provider: %s] Callback started", st.UserID, st.Provider)

	grant, err := s.providers.Exchange(ctx, st.Provider, code)
	if err != nil {
		s.logger.Errorf("[user: %s, provider: %s] code exchange failed: %v", st.UserID, st.Provider, err)
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("[provider: %s] exchange returned empty access token", st.Provider)
	}

	acc, err := s.providers.FetchAccount(ctx, st.Provider, grant.AccessToken)
	if err != nil {
		s.logger.Errorf("[user: %s, provider: %s] fetch account failed: %v", st.UserID, st.Provider, err)
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("new connection id: %w", err)
	}
	meta, err := json.Marshal(map[string]string{"email": acc.Email})
	if err != nil {
		return nil, err
	}

	c := &entity.Connection{
		ID:             id,
		UserID:         st.UserID,
		Provider:       st.Provider,
		Status:         entity.ConnectionActive,
		AccessToken:    grant.AccessToken,
		TokenExpiresAt: grant.ExpiresAt,
		Scopes:         grant.Scopes,
		AccountID:      acc.ID,
		AccountName:    acc.Name,
		Metadata:       meta,
	}
	if grant.RefreshToken != "" {
		rt := grant.RefreshToken
		c.RefreshToken = &rt
	}

	if err := s.transactions.CreateConnection(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Infof("[connection: %s] user %s connected %s account %s", c.ID, c.UserID, c.Provider, c.AccountID)
	return c, nil
}

// Disconnect отзывает грант у провайдера (best effort) и переводит connection в revoked.
func (s *ServiceImpl) Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error {
	s.logger.Debugf("[connection: %s] Disconnect started by %s", connectionID, userID)

	c, err := s.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if c.Status == entity.ConnectionRevoked {
		return appers.ErrConnectionNotActive
	}

	token := c.AccessToken
	if c.HasRefreshToken() {
		token = *c.RefreshToken
	}
	rctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	if err := s.providers.Revoke(rctx, c.Provider, token); err != nil {
		s.logger.Warnf("[connection: %s] provider-side revoke failed, revoking locally: %v", c.ID, err)
	}
	cancel()

	return s.transactions.RevokeConnection(ctx, c, "user_disconnect")
}

func (s *ServiceImpl) ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error) {
	s.logger.Debugf("[user: %s] ListConnections started", userID)
	return s.repo.ListConnections(ctx, userID)
}

// GetConnection с проверкой владельца.
func (s *ServiceImpl) GetConnection(ctx context.Context, userID string, connectionID uuid.UUID) (*entity.Connection, error) {
	c, err := s.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, appers.ErrForbidden
	}
	return c, nil
}

func (s *ServiceImpl) stateTTL() time.Duration {
	if s.conf != nil && s.conf.OAuth.StateTTL > 0 {
		return s.conf.OAuth.StateTTL
	}
	return defaultStateTTL
}
