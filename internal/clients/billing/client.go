package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client asks a remote billing service which features an account has paid
// for. Answers are cached per account for the configured TTL. Any failure
// to reach the service denies the feature.
type Client struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedEntitlements
}

type cachedEntitlements struct {
	features  map[string]struct{}
	fetchedAt time.Time
}

// entitlementsResponse is the body of GET {baseURL}/accounts/{id}/features
type entitlementsResponse struct {
	AccountID string   `json:"account_id"`
	Features  []string `json:"features"`
}

// NewClient creates a billing client. A non-positive ttl disables caching.
func NewClient(baseURL string, ttl time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		now:     time.Now,
		log:     log.With().Str("client", "billing").Logger(),
		cache:   make(map[string]cachedEntitlements),
	}
}

// HasFeature implements trading.FeatureChecker
func (c *Client) HasFeature(ctx context.Context, accountID, feature string) bool {
	features, err := c.Features(ctx, accountID)
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("account_id", accountID).
			Str("feature", feature).
			Msg("Entitlement lookup failed, denying feature")
		return false
	}
	_, ok := features[feature]
	return ok
}

// Features returns the entitlement set of an account, from cache when fresh
func (c *Client) Features(ctx context.Context, accountID string) (map[string]struct{}, error) {
	if features, ok := c.fresh(accountID); ok {
		c.log.Debug().Str("account_id", accountID).Msg("Cache hit")
		return features, nil
	}

	features, err := c.fetch(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[accountID] = cachedEntitlements{features: features, fetchedAt: c.now()}
		c.mu.Unlock()
	}
	return features, nil
}

// Invalidate drops the cached entitlements of an account
func (c *Client) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

func (c *Client) fresh(accountID string) (map[string]struct{}, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[accountID]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.features, true
}

func (c *Client) fetch(ctx context.Context, accountID string) (map[string]struct{}, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/features", c.baseURL, url.PathEscape(accountID))
	c.log.Debug().Str("url", endpoint).Msg("Fetching entitlements")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Unknown to billing means no paid features
		return map[string]struct{}{}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("billing returned status %d", resp.StatusCode)
	}

	var body entitlementsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode entitlements: %w", err)
	}

	features := make(map[string]struct{}, len(body.Features))
	for _, f := range body.Features {
		features[f] = struct{}{}
	}
	return features, nil
}
