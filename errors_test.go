package keygate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ErrValidation, KindValidation},
		{ErrPasswordPolicy, KindValidation},
		{ErrPasswordReuse, KindValidation},
		{ErrDuplicateIdentity, KindDuplicate},
		{ErrNotFound, KindNotFound},
		{ErrAccountLocked, KindAccountLocked},
		{ErrAccountDisabled, KindAccountLocked},
		{ErrInvalidCredentials, KindInvalidCredentials},
		{ErrTokenInvalid, KindTokenInvalid},
		{ErrCodeInvalid, KindTokenInvalid},
		{ErrUnauthenticated, KindUnauthenticated},
		{ErrForbidden, KindForbidden},
		{ErrUnavailable, KindInternal},
		{errors.New("surprise"), KindInternal},
		{fmt.Errorf("wrapped: %w", ErrAccountLocked), KindAccountLocked},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindDuplicate, http.StatusConflict},
		{KindNotFound, http.StatusNotFound},
		{KindAccountLocked, http.StatusForbidden},
		{KindForbidden, http.StatusForbidden},
		{KindInvalidCredentials, http.StatusUnauthorized},
		{KindTokenInvalid, http.StatusUnauthorized},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.kind.HTTPStatus(); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestPermissionError(t *testing.T) {
	err := &PermissionError{Missing: []string{"task:delete", "user:admin"}}

	if !errors.Is(err, ErrForbidden) {
		t.Fatal("PermissionError must wrap ErrForbidden")
	}
	if !strings.Contains(err.Error(), "task:delete") || !strings.Contains(err.Error(), "user:admin") {
		t.Fatalf("error text must name the missing permissions: %q", err.Error())
	}
	if KindOf(err) != KindForbidden {
		t.Fatalf("expected KindForbidden, got %v", KindOf(err))
	}
}
