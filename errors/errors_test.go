package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrCodeShapeMismatch, "dense_1 expects rank %d", 1)
	if got := err.Error(); got != "SHAPE_MISMATCH: dense_1 expects rank 1" {
		t.Errorf("Unexpected message: %q", got)
	}

	cause := fmt.Errorf("boom")
	wrapped := Wrap(ErrCodeEngine, cause, "train batch %d", 3)
	if got := wrapped.Error(); got != "ENGINE_ERROR: train batch 3: boom" {
		t.Errorf("Unexpected wrapped message: %q", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Errorf("Expected the cause to be reachable through Unwrap")
	}
}

func TestIsAndGetCodeThroughWrapping(t *testing.T) {
	inner := New(ErrCodeMalformedTopology, "cycle")
	outer := fmt.Errorf("compile: %w", inner)

	if !Is(outer, ErrCodeMalformedTopology) {
		t.Errorf("Expected Is to see the code through fmt wrapping")
	}
	if Is(outer, ErrCodeShapeMismatch) {
		t.Errorf("Is matched the wrong code")
	}
	if got := GetCode(outer); got != ErrCodeMalformedTopology {
		t.Errorf("Expected %s, got %s", ErrCodeMalformedTopology, got)
	}
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("Expected no code for a plain error, got %s", got)
	}
	if got := UserMessage(outer); got != "cycle" {
		t.Errorf("Expected user message %q, got %q", "cycle", got)
	}
	if got := UserMessage(errors.New("plain")); got != "plain" {
		t.Errorf("Expected plain errors to keep their message, got %q", got)
	}
}

func TestValidateName(t *testing.T) {
	if err := ValidateName("conv2d_1"); err != nil {
		t.Fatalf("Valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "has space", "a/b", `q"uote`, "tab\t"} {
		if err := ValidateName(bad); !Is(err, ErrCodeInvalidConfiguration) {
			t.Errorf("Expected %q to be rejected, got %v", bad, err)
		}
	}
}

func TestValidateFileName(t *testing.T) {
	if err := ValidateFileName("image9.jpg"); err != nil {
		t.Fatalf("Valid file name rejected: %v", err)
	}
	for _, bad := range []string{"", "..", "../etc/passwd", "a/b.png", `a\b.png`} {
		if err := ValidateFileName(bad); !Is(err, ErrCodeInvalidInput) {
			t.Errorf("Expected %q to be rejected, got %v", bad, err)
		}
	}
}
