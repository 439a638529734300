// Package geo resolves destination IPs to country names using the ip-api
// free endpoint, with caching and client-side rate limiting.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// CountryLocal labels private, loopback, and link-local destinations.
	CountryLocal = "Local"
	// CountryUnknown labels destinations that could not be resolved.
	CountryUnknown = "Unknown"

	defaultBaseURL = "http://ip-api.com"
	lookupTimeout  = 2 * time.Second
)

// Resolver performs cached geo lookups. Failures degrade to "Unknown" and
// never propagate; when the rate limiter has no budget the lookup is
// skipped rather than queued, keeping the capture path non-blocking.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, string]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResolver creates a resolver. ratePerSec bounds outbound lookups
// (ip-api's free tier allows about 45 requests per minute).
func NewResolver(cacheSize int, ratePerSec float64, logger *slog.Logger) (*Resolver, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("geo cache: %w", err)
	}
	return &Resolver{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: lookupTimeout},
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 5),
		logger:  logger,
	}, nil
}

// Country returns the country name for ip.
func (r *Resolver) Country(ctx context.Context, ip string) string {
	if country, ok := r.cache.Get(ip); ok {
		return country
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return CountryUnknown
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified() {
		r.cache.Add(ip, CountryLocal)
		return CountryLocal
	}

	if !r.limiter.Allow() {
		// Out of lookup budget; do not cache so a later flow can retry.
		return CountryUnknown
	}

	country := r.fetch(ctx, ip)
	r.cache.Add(ip, country)
	return country
}

func (r *Resolver) fetch(ctx context.Context, ip string) string {
	url := fmt.Sprintf("%s/json/%s?fields=status,country", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CountryUnknown
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("geo lookup failed", "ip", ip, "error", err)
		return CountryUnknown
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Debug("geo response decode failed", "ip", ip, "error", err)
		return CountryUnknown
	}
	if body.Status != "success" || body.Country == "" {
		return CountryUnknown
	}
	return body.Country
}
