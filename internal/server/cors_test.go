package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()

	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"HTTPS://Loops.Example/"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	called := false
	handler := corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
	req.Header.Set("Origin", "https://loops.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to run")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://loops.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}
}

func TestCORSAllowsSameOrigin(t *testing.T) {
	t.Parallel()

	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	handler := corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodDelete, "http://api.loops.example/submissions/abc", nil)
	req.Header.Set("Origin", "http://api.loops.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rec.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	t.Parallel()

	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://loops.example"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	handler := corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/submissions/abc/approve", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSOpensCatalogueReads(t *testing.T) {
	t.Parallel()

	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	handler := corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/loops", http.StatusOK},
		{http.MethodHead, "/loops/groove-a.wav", http.StatusOK},
		{http.MethodGet, "/instruments", http.StatusOK},
		{http.MethodOptions, "/loops/groove-a.wav", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Origin", "https://anywhere.example")
		if tc.method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("%s %s: expected *, got %q", tc.method, tc.path, got)
		}
	}
}

func TestCORSTakedownIsNotPublic(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodDelete, "/loops/groove-a", nil)
	if isPublicRead(req) {
		t.Fatal("takedown must go through the origin allowlist")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                          "",
		"  ":                        "",
		"https://Loops.Example":     "https://loops.example",
		"http://localhost:3000/app": "http://localhost:3000",
	}
	for input, want := range cases {
		got, err := normalizeOrigin(input)
		if err != nil {
			t.Fatalf("normalizeOrigin(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("normalizeOrigin(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := normalizeOrigin("loops.example"); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}
