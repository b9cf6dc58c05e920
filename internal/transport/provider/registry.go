package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/pkg/config"
	"integrations/pkg/httpclient"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Endpoints - адреса провайдера. В тестах подменяются на httptest сервер.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
	AuthStyle   oauth2.AuthStyle
}

type adapter struct {
	family    entity.ProviderFamily
	endpoints Endpoints
	authOpts  []oauth2.AuthCodeOption
	account   accountParser
	revoke    revoker
}

// таблица адаптеров по семействам: новое семейство добавляется здесь и в entity.ProviderFamily.
// AuthStyle задаётся явно: при AutoDetect x/oauth2 повторяет упавший token запрос вторым POST.
func defaultAdapters() map[entity.ProviderFamily]*adapter {
	azure := endpoints.AzureAD("common")
	return map[entity.ProviderFamily]*adapter{
		entity.FamilyGoogle: {
			family: entity.FamilyGoogle,
			endpoints: Endpoints{
				AuthURL:     endpoints.Google.AuthURL,
				TokenURL:    endpoints.Google.TokenURL,
				UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
				RevokeURL:   "https://oauth2.googleapis.com/revoke",
				AuthStyle:   oauth2.AuthStyleInParams,
			},
			authOpts: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")},
			account:  parseOIDCAccount,
			revoke:   revokeGoogle,
		},
		entity.FamilyMicrosoft: {
			family: entity.FamilyMicrosoft,
			endpoints: Endpoints{
				AuthURL:     azure.AuthURL,
				TokenURL:    azure.TokenURL,
				UserInfoURL: "https://graph.microsoft.com/v1.0/me",
				AuthStyle:   oauth2.AuthStyleInParams,
			},
			authOpts: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
			account:  parseGraphAccount,
			revoke:   nil, // у Microsoft identity platform нет endpoint отзыва refresh token
		},
		entity.FamilyLinkedIn: {
			family: entity.FamilyLinkedIn,
			endpoints: Endpoints{
				AuthURL:     endpoints.LinkedIn.AuthURL,
				TokenURL:    endpoints.LinkedIn.TokenURL,
				UserInfoURL: "https://api.linkedin.com/v2/userinfo",
				RevokeURL:   "https://www.linkedin.com/oauth/v2/revoke",
				AuthStyle:   oauth2.AuthStyleInParams,
			},
			account: parseOIDCAccount,
			revoke:  revokeLinkedIn,
		},
	}
}

var scopes = map[entity.ProviderSlug][]string{
	entity.ProviderGoogleCalendar: {"openid", "email", "profile", "https://www.googleapis.com/auth/calendar"},
	entity.ProviderGoogleMail:     {"openid", "email", "profile", "https://www.googleapis.com/auth/gmail.modify"},
	entity.ProviderMicrosoftCalendar: {
		"openid", "email", "profile", "offline_access", "User.Read", "Calendars.ReadWrite",
	},
	entity.ProviderMicrosoftMail: {
		"openid", "email", "profile", "offline_access", "User.Read", "Mail.ReadWrite", "Mail.Send",
	},
	entity.ProviderLinkedIn: {"openid", "profile", "email"},
}

// Registry - OAuth адаптеры семейств провайдеров.
// Креды читаются при первом обращении к семейству, а не на старте сервиса.
type Registry struct {
	adapters    map[entity.ProviderFamily]*adapter
	creds       config.CredentialSource
	redirectURL string
	client      *http.Client          // token endpoint, без ретраев: refresh не повторяем вслепую
	api         httpclient.HTTPClient // userinfo / revoke
	logger      *zap.SugaredLogger
}

type Option func(*Registry)

// WithEndpoints подменяет адреса семейства.
func WithEndpoints(f entity.ProviderFamily, e Endpoints) Option {
	return func(r *Registry) {
		if a, ok := r.adapters[f]; ok {
			a.endpoints = e
		}
	}
}

func NewRegistry(conf config.OAuth, creds config.CredentialSource, client *http.Client, api httpclient.HTTPClient, logger *zap.SugaredLogger, opts ...Option) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if conf.Timeout > 0 {
		c := *client
		c.Timeout = conf.Timeout
		client = &c
	}
	r := &Registry{
		adapters:    defaultAdapters(),
		creds:       creds,
		redirectURL: conf.RedirectURL,
		client:      client,
		api:         api,
		logger:      logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lookup(p entity.ProviderSlug) (*adapter, config.Credentials, error) {
	a, ok := r.adapters[p.Family()]
	if !ok {
		return nil, config.Credentials{}, appers.ErrUnknownProvider
	}
	creds, err := r.creds.Resolve(a.family.String())
	if err != nil {
		r.logger.Errorf("[provider: %s] %v", p, err)
		return nil, config.Credentials{}, fmt.Errorf("%w: %v", appers.ErrProviderNotConfigured, err)
	}
	return a, creds, nil
}

func (r *Registry) oauthConfig(p entity.ProviderSlug, a *adapter, creds config.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  r.redirectURL,
		Scopes:       scopes[p],
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.endpoints.AuthURL,
			TokenURL:  a.endpoints.TokenURL,
			AuthStyle: a.endpoints.AuthStyle,
		},
	}
}

func (r *Registry) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}

// AuthCodeURL - адрес, на который отправляется пользователь.
func (r *Registry) AuthCodeURL(p entity.ProviderSlug, state string) (string, error) {
	a, creds, err := r.lookup(p)
	if err != nil {
		return "", err
	}
	return r.oauthConfig(p, a, creds).AuthCodeURL(state, a.authOpts...), nil
}

func (r *Registry) Exchange(ctx context.Context, p entity.ProviderSlug, code string) (entity.TokenGrant, error) {
	a, creds, err := r.lookup(p)
	if err != nil {
		return entity.TokenGrant{}, err
	}
	tok, err := r.oauthConfig(p, a, creds).Exchange(r.withClient(ctx), code)
	if err != nil {
		return entity.TokenGrant{}, classifyTokenError(p, "exchange", err)
	}
	return toGrant(tok), nil
}

// Refresh выполняет refresh_token grant. 400/401 от провайдера -> appers.ErrGrantRejected.
func (r *Registry) Refresh(ctx context.Context, p entity.ProviderSlug, refreshToken string) (entity.TokenGrant, error) {
	a, creds, err := r.lookup(p)
	if err != nil {
		return entity.TokenGrant{}, err
	}
	ts := r.oauthConfig(p, a, creds).TokenSource(r.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return entity.TokenGrant{}, classifyTokenError(p, "refresh", err)
	}
	grant := toGrant(tok)
	// провайдер не прислал новый refresh token - старый остаётся в силе
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

func (r *Registry) FetchAccount(ctx context.Context, p entity.ProviderSlug, accessToken string) (entity.ProviderAccount, error) {
	a, ok := r.adapters[p.Family()]
	if !ok {
		return entity.ProviderAccount{}, appers.ErrUnknownProvider
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoints.UserInfoURL, nil)
	if err != nil {
		return entity.ProviderAccount{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := r.do(ctx, p, "userinfo", req)
	if err != nil {
		return entity.ProviderAccount{}, err
	}
	acc, err := a.account(body)
	if err != nil {
		return entity.ProviderAccount{}, fmt.Errorf("[provider: %s] parse userinfo: %w", p, err)
	}
	return acc, nil
}

// Revoke - отзыв токена на стороне провайдера (best effort, вызывающий решает что делать с ошибкой).
func (r *Registry) Revoke(ctx context.Context, p entity.ProviderSlug, token string) error {
	a, creds, err := r.lookup(p)
	if err != nil {
		return err
	}
	if a.revoke == nil || a.endpoints.RevokeURL == "" || token == "" {
		return nil
	}
	req, err := a.revoke(ctx, a.endpoints.RevokeURL, token, creds)
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	_, err = r.do(ctx, p, "revoke", req)
	return err
}

func (r *Registry) do(ctx context.Context, p entity.ProviderSlug, op string, req *http.Request) ([]byte, error) {
	resp, err := r.api.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("[provider: %s] %s: %w", p, op, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("[provider: %s] %s read body: %w", p, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &appers.ProviderError{Provider: p.String(), Op: op, StatusCode: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

func toGrant(tok *oauth2.Token) entity.TokenGrant {
	g := entity.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		g.ExpiresAt = &exp
	}
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		g.Scopes = strings.Fields(s)
	}
	return g
}

func classifyTokenError(p entity.ProviderSlug, op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("[provider: %s] %s: %w: %s %s", p, op, appers.ErrGrantRejected, rerr.ErrorCode, truncate(rerr.Body))
		default:
			return &appers.ProviderError{Provider: p.String(), Op: op, StatusCode: rerr.Response.StatusCode, Body: truncate(rerr.Body)}
		}
	}
	return fmt.Errorf("[provider: %s] %s: %w", p, op, err)
}
