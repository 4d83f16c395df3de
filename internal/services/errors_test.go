package services_test

import (
	"errors"
	"strings"
	"testing"

	"gantry/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("exit status 2")
	err := services.Wrap(services.ErrWrongPassword, "extraction", "7z extract", "Wrong password", base)
	if !errors.Is(err, services.ErrWrongPassword) {
		t.Fatalf("expected wrong password marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error, got %v", err)
	}
	if !strings.Contains(err.Error(), "extraction: 7z extract") {
		t.Fatalf("expected stage context in message, got %q", err.Error())
	}
}

func TestWrapDefaultsToUnexpected(t *testing.T) {
	err := services.Wrap(nil, "download", "", "boom", nil)
	if !errors.Is(err, services.ErrUnexpected) {
		t.Fatalf("expected unexpected marker, got %v", err)
	}
}

func TestTruncateBoundsMessage(t *testing.T) {
	long := strings.Repeat("x", services.MaxStoredErrorLength*2)
	got := services.Truncate(long)
	if len([]rune(got)) != services.MaxStoredErrorLength {
		t.Fatalf("expected bounded length, got %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got[len(got)-8:])
	}
	if services.Truncate(" short ") != "short" {
		t.Fatal("expected short message trimmed, not truncated")
	}
}

func TestIsExpectedTermination(t *testing.T) {
	err := services.Wrap(services.ErrTerminated, "download", "rclone copy", "cancelled", nil)
	if !services.IsExpectedTermination(err) {
		t.Fatal("expected termination to be classified as expected")
	}
	if services.IsExpectedTermination(errors.New("other")) {
		t.Fatal("expected plain error to not be a termination")
	}
}
