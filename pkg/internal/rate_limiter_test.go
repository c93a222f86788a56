package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should have been allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over the limit should have been denied")
	}

	// A different IP gets its own bucket.
	if !limiter.allow("10.0.0.2") {
		t.Error("request from a different IP should have been allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("first request should have been allowed")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("second request inside the window should have been denied")
	}

	time.Sleep(window + 20*time.Millisecond)

	if !limiter.allow("10.0.0.1") {
		t.Error("request after the window expired should have been allowed")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter := NewRateLimiter(10, 50*time.Millisecond)

	now := time.Now()
	limiter.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, exists := limiter.requests["expired"]; exists {
		t.Error("expired entry should have been removed")
	}
	if _, exists := limiter.requests["active"]; !exists {
		t.Error("active entry should have been kept")
	}
}

func TestRateLimiter_MapDoesNotGrowUnbounded(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	for i := 0; i < 300; i++ {
		limiter.allow(fmt.Sprintf("172.16.0.%d", i%256))
	}

	time.Sleep(window + 20*time.Millisecond)

	// Enough requests to cross the periodic cleanup threshold.
	for i := 0; i < 100; i++ {
		limiter.allow("10.0.0.1")
	}

	if len(limiter.requests) > 50 {
		t.Errorf("map size %d after cleanup, expected expired entries to be removed", len(limiter.requests))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/webhook", http.NoBody)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("first two requests should pass, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be limited, got %d", statuses[2])
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhook", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"

	if ip := GetClientIP(req); ip != "10.0.0.1:1234" {
		t.Errorf("expected RemoteAddr fallback, got %q", ip)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := GetClientIP(req); ip != "203.0.113.7" {
		t.Errorf("expected first X-Forwarded-For entry, got %q", ip)
	}
}
