package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/cost"
	"github.com/docflowhq/docflow/pkg/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"cost limit", fmt.Errorf("gate: %w", cost.ErrCostLimitExceeded), KindCostLimit, false},
		{"invalid limit", cost.ErrInvalidLimit, KindCostLimit, false},
		{"zip bomb", archive.ErrZipBomb, KindSecurity, false},
		{"invalid archive", fmt.Errorf("open: %w", archive.ErrInvalidArchive), KindSecurity, false},
		{"empty archive", archive.ErrEmptyArchive, KindSecurity, false},
		{"not found", store.ErrNotFound, KindNotFound, false},
		{"deadline", context.DeadlineExceeded, KindTransientIO, true},
		{"cancelled", context.Canceled, KindCancelled, false},
		{"unknown errors retry", errors.New("connection reset"), KindTransientIO, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := Classify(tt.err)
			if he.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", he.Kind, tt.kind)
			}
			if he.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", he.Retryable, tt.retryable)
			}
			if !errors.Is(he, tt.err) && he.Unwrap() == nil {
				t.Error("Classify() lost the cause")
			}
		})
	}
}

func TestClassifyPassesThroughHandlerError(t *testing.T) {
	orig := Fail(KindSecurity, errors.New("traversal"))
	wrapped := fmt.Errorf("handler: %w", orig)

	if got := Classify(wrapped); got != orig {
		t.Errorf("Classify() = %+v, want the original HandlerError", got)
	}
}

func TestHandlerErrorMessage(t *testing.T) {
	he := Retry(KindProvider, errors.New("rate limited"))
	want := "provider: rate limited"
	if he.Error() != want {
		t.Errorf("Error() = %q, want %q", he.Error(), want)
	}
}
