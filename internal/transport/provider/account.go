package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"integrations/internal/application/entity"
	"integrations/pkg/config"
)

const maxBody = 1 << 20

type accountParser func(body []byte) (entity.ProviderAccount, error)

type revoker func(ctx context.Context, revokeURL, token string, creds config.Credentials) (*http.Request, error)

var errNoAccountID = errors.New("provider account id is empty")

// Google и LinkedIn отдают OpenID Connect userinfo.
func parseOIDCAccount(body []byte) (entity.ProviderAccount, error) {
	var v struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return entity.ProviderAccount{}, err
	}
	if v.Sub == "" {
		return entity.ProviderAccount{}, errNoAccountID
	}
	name := v.Name
	if name == "" {
		name = v.Email
	}
	return entity.ProviderAccount{ID: v.Sub, Name: name, Email: v.Email}, nil
}

// Microsoft Graph /me
func parseGraphAccount(body []byte) (entity.ProviderAccount, error) {
	var v struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return entity.ProviderAccount{}, err
	}
	if v.ID == "" {
		return entity.ProviderAccount{}, errNoAccountID
	}
	email := v.Mail
	if email == "" {
		email = v.UserPrincipalName
	}
	name := v.DisplayName
	if name == "" {
		name = email
	}
	return entity.ProviderAccount{ID: v.ID, Name: name, Email: email}, nil
}

func revokeGoogle(ctx context.Context, revokeURL, token string, _ config.Credentials) (*http.Request, error) {
	form := url.Values{"token": {token}}
	return formRequest(ctx, revokeURL, form)
}

func revokeLinkedIn(ctx context.Context, revokeURL, token string, creds config.Credentials) (*http.Request, error) {
	form := url.Values{
		"token":         {token},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}
	return formRequest(ctx, revokeURL, form)
}

func formRequest(ctx context.Context, target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
