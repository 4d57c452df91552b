package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type window struct {
	count int
	until time.Time
}

// RateLimit allows limit requests per client in each fixed window of length
// per. Clients are keyed by remote host, so chi's RealIP must run first when
// the API sits behind a proxy.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	return rateLimit(limit, per, time.Now)
}

func rateLimit(limit int, per time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	var (
		mu        sync.Mutex
		windows   = make(map[string]*window)
		nextPrune time.Time
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			t := now()

			mu.Lock()
			if t.After(nextPrune) {
				for k, win := range windows {
					if t.After(win.until) {
						delete(windows, k)
					}
				}
				nextPrune = t.Add(per)
			}
			win, ok := windows[key]
			if !ok || t.After(win.until) {
				win = &window{until: t.Add(per)}
				windows[key] = win
			}
			allowed := win.count < limit
			if allowed {
				win.count++
			}
			remaining := limit - win.count
			retryAfter := win.until.Sub(t)
			mu.Unlock()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "too many requests, retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
