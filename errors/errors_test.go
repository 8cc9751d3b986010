package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/Skryldev/derivcache/errors"
)

func TestWrapNil(t *testing.T) {
	if apperrors.Wrap(apperrors.CategoryCache, "op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if apperrors.CacheFailure("op", nil) != nil {
		t.Fatal("CacheFailure(nil) should be nil")
	}
}

func TestCategoriesSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", apperrors.Validation("crop", "x %d outside width %d", 700, 600))
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Fatal("expected ErrInvalidRequest in chain")
	}
	if apperrors.IsCache(err) {
		t.Fatal("validation error misclassified as cache error")
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{apperrors.Validation("scale", "zero width"), http.StatusBadRequest},
		{apperrors.Unsupported("encode", "webp"), http.StatusUnsupportedMediaType},
		{fmt.Errorf("resolve: %w", apperrors.ErrNotFound), http.StatusNotFound},
		{apperrors.ErrAccessDenied, http.StatusForbidden},
		{apperrors.SourceRead("decode", errors.New("truncated")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := apperrors.StatusCode(c.err); got != c.want {
			t.Errorf("StatusCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestImmutableState(t *testing.T) {
	err := apperrors.ImmutableState("builder.add")
	if !apperrors.IsImmutableState(err) || !apperrors.IsCategory(err, apperrors.CategoryState) {
		t.Fatalf("unexpected classification: %v", err)
	}
}

func TestTransientIsRetryable(t *testing.T) {
	if !apperrors.IsRetryable(apperrors.Transient("objectstore.get", errors.New("timeout"))) {
		t.Fatal("transient error should be retryable")
	}
	if apperrors.IsRetryable(errors.New("plain")) {
		t.Fatal("plain error should not be retryable")
	}
}
