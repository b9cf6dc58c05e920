package entity

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// Connection - один OAuth грант пользователя у провайдера.
// Токены в этой структуре всегда в открытом виде; шифрование выполняет repo.
type Connection struct {
	ID             uuid.UUID        `json:"id"`
	UserID         string           `json:"userId"`
	Provider       ProviderSlug     `json:"provider"`
	Status         ConnectionStatus `json:"status"`
	AccessToken    string           `json:"-"`
	RefreshToken   *string          `json:"-"`
	TokenExpiresAt *time.Time       `json:"tokenExpiresAt,omitempty"`
	Scopes         []string         `json:"scopes"`
	AccountID      string           `json:"accountId"`
	AccountName    string           `json:"accountName"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"`
	LastSyncAt     *time.Time       `json:"lastSyncAt,omitempty"`
	LastError      *string          `json:"lastError,omitempty"`
	LastErrorAt    *time.Time       `json:"lastErrorAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// TokenValidFor сообщает, проживёт ли access token ещё хотя бы margin.
func (c *Connection) TokenValidFor(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiresAt == nil {
		return false
	}
	return c.TokenExpiresAt.After(now.Add(margin))
}

func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// ProviderAccount - идентичность аккаунта на стороне провайдера (userinfo).
type ProviderAccount struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// TokenGrant - нормализованный ответ token endpoint провайдера.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// OAuthState хранится в общем кеше между authorize и callback.
type OAuthState struct {
	UserID    string       `json:"userId"`
	Provider  ProviderSlug `json:"provider"`
	CreatedAt time.Time    `json:"createdAt"`
}

type AuthorizeResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type TokenResponse struct {
	ConnectionID uuid.UUID  `json:"connectionId"`
	AccessToken  string     `json:"accessToken"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}
