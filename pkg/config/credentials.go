package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrCredentialsMissing = errors.New("client credentials are not configured")

// Credentials - client_id/client_secret семейства провайдеров.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// CredentialSource ищет значение по имени переменной окружения.
type CredentialSource func(key string) string

// EnvCredentials читает <FAMILY>_CLIENT_ID / <FAMILY>_CLIENT_SECRET через viper (env + .env).
func EnvCredentials() CredentialSource {
	return viper.GetString
}

// Resolve возвращает креды семейства. Отсутствие любого из значений - ошибка,
// проверка выполняется при первом использовании, а не на старте.
func (s CredentialSource) Resolve(family string) (Credentials, error) {
	prefix := strings.ToUpper(strings.TrimSpace(family))
	c := Credentials{
		ClientID:     s(prefix + "_CLIENT_ID"),
		ClientSecret: s(prefix + "_CLIENT_SECRET"),
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return Credentials{}, fmt.Errorf("%s: %w", prefix, ErrCredentialsMissing)
	}
	return c, nil
}
