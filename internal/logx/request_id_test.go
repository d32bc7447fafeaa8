package logx

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContextRoundTrip(t *testing.T) {
	id := uuid.NewString()
	ctx := WithRequestID(context.Background(), id)
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext() = %q, want %q", got, id)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("RequestIDFromContext() on empty ctx = %q, want empty", got)
	}
}

func TestNormalizeRequestID(t *testing.T) {
	id := uuid.NewString()
	if got := NormalizeRequestID(id); got != id {
		t.Fatalf("NormalizeRequestID() replaced a valid v4 id")
	}
	if got := NormalizeRequestID("not-a-uuid"); got == "not-a-uuid" {
		t.Fatalf("NormalizeRequestID() kept a non-UUID value")
	}
}
