package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// okHandler writes 200 "ok".
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok")) //nolint:errcheck
})

func do(t *testing.T, h http.Handler, header, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lanes", nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIKey_ModeNone_PassesThrough(t *testing.T) {
	h := APIKey("none", "x-api-key", "secret")(okHandler)
	if rr := do(t, h, "", ""); rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
}

func TestAPIKey_EmptyKey_PassesThrough(t *testing.T) {
	h := APIKey("apikey", "x-api-key", "")(okHandler)
	if rr := do(t, h, "", ""); rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
}

func TestAPIKey_CorrectKey(t *testing.T) {
	h := APIKey("apikey", "x-api-key", "secret")(okHandler)
	rr := do(t, h, "x-api-key", "secret")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("got %d %q, want 200 ok", rr.Code, rr.Body.String())
	}
}

func TestAPIKey_HeaderIsCaseInsensitive(t *testing.T) {
	h := APIKey("apikey", "X-Traffic-Key", "secret")(okHandler)
	if rr := do(t, h, "x-traffic-key", "secret"); rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
}

func TestAPIKey_MissingKey(t *testing.T) {
	h := APIKey("apikey", "x-api-key", "secret")(okHandler)
	rr := do(t, h, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "missing api key") {
		t.Errorf("body: got %q", rr.Body.String())
	}
}

func TestAPIKey_WrongKey(t *testing.T) {
	h := APIKey("apikey", "x-api-key", "secret")(okHandler)
	rr := do(t, h, "x-api-key", "guess")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid api key") {
		t.Errorf("body: got %q", rr.Body.String())
	}
}

func TestAPIKey_WrongHeader(t *testing.T) {
	h := APIKey("apikey", "x-api-key", "secret")(okHandler)
	if rr := do(t, h, "authorization", "secret"); rr.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rr.Code)
	}
}
