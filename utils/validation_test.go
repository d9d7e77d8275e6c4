package utils

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestProcessValidationErrors(t *testing.T) {
	type payload struct {
		IDs []string `validate:"required,min=2"`
	}
	err := validator.New().Struct(payload{})
	fields := ProcessValidationErrors(err)
	if fields["IDs"] != "required" {
		t.Fatalf("fields = %v", fields)
	}

	if got := ProcessValidationErrors(errors.New("boom")); got != nil {
		t.Fatalf("plain error must map to nil, got %v", got)
	}
	if got := ProcessValidationErrors(nil); got != nil {
		t.Fatalf("nil error must map to nil, got %v", got)
	}
}
