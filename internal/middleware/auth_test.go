package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuth_ValidToken(t *testing.T) {
	m := NewAdminAuth("test-token")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})

	r := httptest.NewRequest(http.MethodPost, "/admin/provisionPartner", nil)
	r.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()

	m.Middleware(next).ServeHTTP(w, r)

	if !nextCalled {
		t.Fatalf("next handler not called with valid token")
	}
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestAdminAuth_RejectsInvalidToken(t *testing.T) {
	m := NewAdminAuth("test-token")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not be called")
	})

	for _, header := range []string{"", "Bearer wrong", "test-token"} {
		r := httptest.NewRequest(http.MethodPost, "/admin/provisionPartner", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()

		m.Middleware(next).ServeHTTP(w, r)

		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want %d", header, w.Result().StatusCode, http.StatusUnauthorized)
		}
	}
}

func TestAdminAuth_EmptyTokenDeniesAll(t *testing.T) {
	m := NewAdminAuth("")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not be called")
	})

	r := httptest.NewRequest(http.MethodPost, "/admin/provisionPartner", nil)
	r.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()

	m.Middleware(next).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}
