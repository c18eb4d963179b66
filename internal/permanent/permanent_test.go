package permanent

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	if Mark(nil) != nil {
		t.Fatalf("marking nil must stay nil")
	}
	root := errors.New("bad config")
	wrapped := fmt.Errorf("send: %w", Mark(root))
	if !Is(wrapped) {
		t.Fatalf("wrapped permanent error must be detected")
	}
	if !errors.Is(wrapped, root) {
		t.Fatalf("root cause must stay reachable")
	}
	if Is(errors.New("timeout")) {
		t.Fatalf("plain error must be transient")
	}
}

func TestFromStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{status: http.StatusOK},
		{status: http.StatusNoContent},
		{status: http.StatusBadRequest, wantErr: true, permanent: true},
		{status: http.StatusNotFound, wantErr: true, permanent: true},
		{status: http.StatusTooManyRequests, wantErr: true},
		{status: http.StatusRequestTimeout, wantErr: true},
		{status: http.StatusBadGateway, wantErr: true},
	}
	for _, tc := range cases {
		err := FromStatus("webhook", tc.status)
		if (err != nil) != tc.wantErr {
			t.Fatalf("status %d: unexpected error %v", tc.status, err)
		}
		if Is(err) != tc.permanent {
			t.Fatalf("status %d: expected permanent=%v", tc.status, tc.permanent)
		}
	}

	var typed Error
	if !errors.As(FromStatus("slack", http.StatusForbidden), &typed) || typed.Status != http.StatusForbidden {
		t.Fatalf("permanent status must be recorded")
	}
}
