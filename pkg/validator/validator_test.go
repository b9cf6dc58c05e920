package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomValidators(t *testing.T) {
	type req struct {
		Name string `validate:"required,notblank"`
		Key  string `validate:"required,nospace"`
	}

	assert.NoError(t, Validate.Struct(req{Name: "Ada", Key: "abc123"}))
	assert.Error(t, Validate.Struct(req{Name: "   ", Key: "abc123"}))
	assert.Error(t, Validate.Struct(req{Name: "Ada", Key: "abc 123"}))
}
