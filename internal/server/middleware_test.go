// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Enabled() {
		t.Fatal("zero rate should disable limiting")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected by disabled limiter", i)
		}
	}
	if rl.clientCount() != 0 {
		t.Errorf("disabled limiter tracked %d clients", rl.clientCount())
	}
}

func TestRateLimiter_PerClientBuckets(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third immediate request should be rejected")
	}
	if !rl.Allow("b") {
		t.Error("other clients have their own bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("a token should refill after one second")
	}
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(5, 5)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	if got := rl.clientCount(); got != 2 {
		t.Fatalf("clientCount = %d, want 2", got)
	}

	now = now.Add(limiterIdleTTL + time.Second)
	rl.Allow("c")
	if got := rl.clientCount(); got != 1 {
		t.Errorf("clientCount after sweep = %d, want 1", got)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.7:5555", "", "", "203.0.113.7"},
		{"untrusted proxy headers ignored", "203.0.113.7:5555", "198.51.100.1", "198.51.100.2", "203.0.113.7"},
		{"trusted proxy xff", "127.0.0.1:5555", "198.51.100.1, 10.0.0.1", "", "198.51.100.1"},
		{"trusted proxy real ip", "[::1]:5555", "", "198.51.100.2", "198.51.100.2"},
		{"invalid forwarded value", "127.0.0.1:5555", "not-an-ip", "", "127.0.0.1"},
		{"no port", "203.0.113.7", "", "", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := RecoveryMiddleware(&logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("kaboom")) {
		t.Errorf("panic value not logged: %s", buf.String())
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	h := LoggingMiddleware(&logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/abort", nil))

	for _, want := range []string{`"status":418`, `"path":"/api/abort"`, `"method":"POST"`} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log line missing %s: %s", want, buf.String())
		}
	}
}
