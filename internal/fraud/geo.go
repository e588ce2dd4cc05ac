package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Location is the resolved origin of a transaction.
type Location struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
}

// Resolver maps an origin address to a location. Implementations must
// honor the context deadline; the location detector degrades to
// not-detected when resolution fails or times out.
type Resolver interface {
	Resolve(ctx context.Context, originAddr string) (*Location, error)
}

// HTTPResolver resolves origin addresses against an ip-api style JSON
// endpoint.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPResolver creates a resolver with a bounded per-lookup timeout.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, originAddr string) (*Location, error) {
	if originAddr == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/%s", r.baseURL, url.PathEscape(originAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup returned status %d", resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("geo lookup decode failed: %w", err)
	}
	if loc.CountryCode == "" {
		return nil, nil
	}
	return &loc, nil
}

// StaticResolver maps addresses from a fixed table. Used in development
// mode and tests.
type StaticResolver struct {
	Table map[string]Location
}

func (r *StaticResolver) Resolve(_ context.Context, originAddr string) (*Location, error) {
	if loc, ok := r.Table[originAddr]; ok {
		cp := loc
		return &cp, nil
	}
	return nil, nil
}
