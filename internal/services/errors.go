package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFormat         = errors.New("invalid format")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrVolumeKeyNotFound     = errors.New("volume key not found")
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
	ErrConversionTimeout     = errors.New("conversion timeout")
	ErrCancelled             = errors.New("cancelled")
	ErrExternalTool          = errors.New("external tool error")
	ErrValidation            = errors.New("validation error")
	ErrConfiguration         = errors.New("configuration error")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrTransient             = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsCancellation reports whether err represents a cooperative cancellation
// rather than a failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// CheckCancelled returns a wrapped ErrCancelled once ctx is done. Loops call
// it once per unit of work.
func CheckCancelled(ctx context.Context, stage string) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Wrap(ErrTransient, stage, "check", "deadline exceeded", ctx.Err())
		}
		return Wrap(ErrCancelled, stage, "check", "operation cancelled", ctx.Err())
	default:
		return nil
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
