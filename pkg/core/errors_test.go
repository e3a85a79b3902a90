package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{Type: ErrValidation, Message: "audio too large"}
	if got := err.Error(); got != "validation_error: audio too large" {
		t.Fatalf("Error() = %q", got)
	}
	err = &Error{Type: ErrGenerationTimeout, Message: "deadline", Code: "deadline_exceeded"}
	if got := err.Error(); got != "generation_timeout: deadline (code: deadline_exceeded)" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestError_IsMatchesOnType(t *testing.T) {
	wrapped := fmt.Errorf("turn failed: %w", NewGenerationTimeout("model stalled"))
	if !errors.Is(wrapped, &Error{Type: ErrGenerationTimeout}) {
		t.Fatalf("expected wrapped timeout to match ErrGenerationTimeout")
	}
	if errors.Is(wrapped, &Error{Type: ErrSynthesis}) {
		t.Fatalf("timeout must not match ErrSynthesis")
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(NewUnknownToolError("get_stock_price")); got != ErrUnknownTool {
		t.Fatalf("TypeOf = %q, want %q", got, ErrUnknownTool)
	}
	if got := TypeOf(errors.New("plain")); got != ErrInternal {
		t.Fatalf("TypeOf(plain) = %q, want %q", got, ErrInternal)
	}
	if got := TypeOf(fmt.Errorf("wrap: %w", NewValidationError("empty audio", "data"))); got != ErrValidation {
		t.Fatalf("TypeOf(wrapped) = %q, want %q", got, ErrValidation)
	}
}
