package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"

	"github.com/gofrs/uuid"
)

const (
	// токен, живущий меньше tokenMargin, считается истёкшим
	tokenMargin           = 5 * time.Minute
	defaultRefreshTimeout = 30 * time.Second
	sweepLimit            = 200
)

// GetValidToken отдаёт access token, при необходимости обновляя его.
// Параллельные запросы одного connection делят один refresh.
func (s *ServiceImpl) GetValidToken(ctx context.Context, connectionID uuid.UUID) (string, error) {
	s.logger.Debugf("[connection: %s] GetValidToken started", connectionID)

	c, err := s.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if c.Status != entity.ConnectionActive {
		return "", appers.ErrConnectionNotActive
	}
	if c.TokenValidFor(s.now(), tokenMargin) {
		s.countRefresh(c.Provider, "cached")
		return c.AccessToken, nil
	}

	return s.sharedRefresh(ctx, c, tokenMargin)
}

// RefreshExpiring заранее обновляет токены, истекающие в пределах oauth.refreshWindow.
func (s *ServiceImpl) RefreshExpiring(ctx context.Context) (int, error) {
	window := 2 * tokenMargin
	if s.conf != nil && s.conf.OAuth.RefreshWindow > 0 {
		window = s.conf.OAuth.RefreshWindow
	}

	conns, err := s.repo.ListExpiringConnections(ctx, s.now().Add(window), sweepLimit)
	if err != nil {
		s.logger.Errorf("token sweep: list expiring connections failed: %v", err)
		return 0, err
	}

	refreshed := 0
	for _, c := range conns {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := s.sharedRefresh(ctx, c, window); err != nil {
			s.logger.Warnf("[connection: %s] token sweep refresh failed: %v", c.ID, err)
			continue
		}
		refreshed++
	}
	s.logger.Infof("token sweep: %d of %d connections refreshed", refreshed, len(conns))
	return refreshed, nil
}

func (s *ServiceImpl) sharedRefresh(ctx context.Context, c *entity.Connection, margin time.Duration) (string, error) {
	ch := s.refreshes.DoChan(c.ID.String(), func() (any, error) {
		// отмена запроса первого вызывающего не должна обрывать refresh для остальных
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout())
		defer cancel()
		return s.refresh(rctx, c.ID, margin)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			s.countRefresh(c.Provider, "shared")
		}
		return res.Val.(string), nil
	}
}

// refresh выполняется не более одного раза на connection в пределах реплики.
func (s *ServiceImpl) refresh(ctx context.Context, id uuid.UUID, margin time.Duration) (string, error) {
	// строку перечитываем: refresh мог уже завершиться в предыдущем полёте или на другой реплике
	c, err := s.repo.GetConnection(ctx, id)
	if err != nil {
		return "", err
	}
	if c.Status != entity.ConnectionActive {
		return "", appers.ErrConnectionNotActive
	}
	if c.TokenValidFor(s.now(), margin) {
		s.countRefresh(c.Provider, "cached")
		return c.AccessToken, nil
	}

	if !c.HasRefreshToken() {
		s.logger.Infof("[connection: %s] no refresh token, marking expired", c.ID)
		if err := s.transactions.ExpireConnection(ctx, c, "no refresh token"); err != nil {
			return "", err
		}
		s.countRefresh(c.Provider, "expired")
		return "", appers.ErrTokenExpired
	}

	start := time.Now()
	grant, err := s.providers.Refresh(ctx, c.Provider, *c.RefreshToken)
	if s.m != nil {
		s.m.Token.RefreshDuration.WithLabelValues(c.Provider.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, appers.ErrGrantRejected) {
			s.logger.Warnf("[connection: %s] refresh rejected by provider: %v", c.ID, err)
			if err := s.transactions.ExpireConnection(ctx, c, "refresh rejected"); err != nil {
				return "", err
			}
			s.countRefresh(c.Provider, "expired")
			return "", appers.ErrTokenExpired
		}

		// статус и токены не меняем, только диагностика
		s.logger.Errorf("[connection: %s] refresh failed: %v", c.ID, err)
		if rerr := s.repo.RecordConnectionError(ctx, c.ID, err.Error()); rerr != nil {
			s.logger.Warnf("[connection: %s] record error failed: %v", c.ID, rerr)
		}
		s.countRefresh(c.Provider, "error")
		return "", err
	}
	if grant.AccessToken == "" {
		s.countRefresh(c.Provider, "error")
		return "", fmt.Errorf("[connection: %s] provider returned empty access token", c.ID)
	}

	saved, err := s.transactions.SaveRefreshedToken(ctx, c.ID, grant)
	if err != nil {
		s.logger.Errorf("[connection: %s] save refreshed token failed: %v", c.ID, err)
		return "", err
	}
	s.countRefresh(c.Provider, "refreshed")
	s.logger.Infof("[connection: %s] token refreshed, expires at %v", c.ID, saved.TokenExpiresAt)
	return saved.AccessToken, nil
}

func (s *ServiceImpl) refreshTimeout() time.Duration {
	if s.conf != nil && s.conf.OAuth.Timeout > 0 {
		return 2 * s.conf.OAuth.Timeout
	}
	return defaultRefreshTimeout
}

func (s *ServiceImpl) countRefresh(p entity.ProviderSlug, result string) {
	if s.m != nil {
		s.m.Token.RefreshTotal.WithLabelValues(p.String(), result).Inc()
	}
}
