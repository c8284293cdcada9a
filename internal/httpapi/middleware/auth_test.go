package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireKey(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RequireKey([]string{"ops_a", "ops_b"})(okHandler)

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"api key header", "X-API-Key", "ops_b", http.StatusOK},
		{"bearer token", "Authorization", "Bearer ops_a", http.StatusOK},
		{"wrong key", "X-API-Key", "nope", http.StatusForbidden},
		{"missing key", "", "", http.StatusUnauthorized},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/streams/x/groups/y", nil)
		if c.header != "" {
			req.Header.Set(c.header, c.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("%s: want %d got %d", c.name, c.want, rec.Code)
		}
	}
}

func TestRequireKey_OpenWithoutKeys(t *testing.T) {
	h := RequireKey(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("want pass-through, got %d", rec.Code)
	}
}
