// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit guards the protocol endpoints with fixed-window
// counters keyed by route and caller identity.
//
// Counters live in storage, so limits hold across server instances when
// backed by Redis and degrade to per-instance limiting on the in-memory
// backend. The check runs before any other request work.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// Budget is a per-route request allowance.
type Budget struct {
	Max    int64
	Window time.Duration
}

// Per-route defaults. Sign-in and registration are brute-force targets;
// device-code issuance is low because every issued code brings polling
// load with it.
var (
	BudgetSignIn       = Budget{Max: 10, Window: time.Minute}
	BudgetToken        = Budget{Max: 100, Window: time.Minute}
	BudgetUserInfo     = Budget{Max: 300, Window: time.Minute}
	BudgetDeviceCode   = Budget{Max: 10, Window: time.Minute}
	BudgetRegistration = Budget{Max: 10, Window: time.Minute}
)

// Limiter answers allow/reject for (route, identity) pairs.
type Limiter struct {
	store  storage.RateLimitStorage
	logger *slog.Logger
}

// NewLimiter creates a limiter over the given counter storage.
func NewLimiter(store storage.RateLimitStorage, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger}
}

// Allow increments the window counter for (route, identity) and reports
// whether the request is within budget. A storage failure fails open:
// availability of the token endpoints outranks strict limiting.
func (l *Limiter) Allow(ctx context.Context, route, identity string, budget Budget) bool {
	count, err := l.store.IncrementRateLimit(ctx, route+":"+identity, budget.Window)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			"route", route, "error", err)
		return true
	}
	return count <= budget.Max
}

// Middleware rejects over-budget requests with an OAuth-style
// rate_limited error before the wrapped handler runs. Identity is the
// client IP.
func (l *Limiter) Middleware(route string, budget Budget) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ClientIP(r)
			if identity == "" {
				identity = "unknown"
			}
			if !l.Allow(r.Context(), route, identity, budget) {
				l.logger.Info("rate limited", "route", route, "identity", identity)
				writeRateLimited(w, budget.Window)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, window time.Duration) {
	// The window boundary is the earliest the counter can reset.
	retryAfter := window - time.Since(time.Now().Truncate(window))
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "rate_limited",
		"error_description": fmt.Sprintf("too many requests, retry in %s", retryAfter.Round(time.Second)),
	})
}

// ClientIP extracts the caller address, honoring the first entry of
// X-Forwarded-For when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
