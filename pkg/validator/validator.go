package validator

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate - singleton экземпляр валидатора
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	// Регистрируем кастомные валидаторы
	_ = Validate.RegisterValidation("notblank", validateNotBlank)
	_ = Validate.RegisterValidation("nospace", validateNoSpace)
}

// validateNotBlank: строка не пустая после обрезки пробелов
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateNoSpace: API ключи и внешние id не содержат пробельных символов
func validateNoSpace(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), " \t\r\n")
}
