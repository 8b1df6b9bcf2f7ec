// Package idp talks to the external identity provider. The provider owns
// user records; this client only reads them, authenticated by a service API
// key rather than the request principal.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/shared/httpclient"
	"github.com/sony/gobreaker"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	lastProbe time.Time
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = httpclient.TimeoutDefault
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpclient.New(httpclient.WithTimeout(timeout)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "idp",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A clean 404 is an answer, not an outage.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrNotFound)
			},
		}),
	}
}

// userRecord tolerates both camelCase and snake_case field names; the
// provider has shipped both shapes.
type userRecord struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	DisplayAlt  string `json:"display_name"`
	FirstName   string `json:"firstName"`
	FirstAlt    string `json:"first_name"`
	LastName    string `json:"lastName"`
	LastAlt     string `json:"last_name"`
	Role        string `json:"role"`
	Division    string `json:"division"`
	Department  string `json:"department"`
	IsActive    *bool  `json:"isActive"`
	ActiveAlt   *bool  `json:"is_active"`
	IsLeader    *bool  `json:"isLeader"`
	LeaderAlt   *bool  `json:"is_leader"`
	ImageURL    string `json:"imageUrl"`
	ImageAlt    string `json:"image_url"`
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func pickBool(primary, fallback *bool, def bool) bool {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return def
}

func (r *userRecord) toUser(now time.Time) *domain.User {
	display := pick(r.DisplayName, r.DisplayAlt)
	if display == "" {
		display = r.Name
	}
	return &domain.User{
		ID:           r.ID,
		TmsUserID:    r.ID,
		Email:        r.Email,
		DisplayName:  display,
		FirstName:    pick(r.FirstName, r.FirstAlt),
		LastName:     pick(r.LastName, r.LastAlt),
		Role:         r.Role,
		Division:     r.Division,
		Department:   r.Department,
		IsActive:     pickBool(r.IsActive, r.ActiveAlt, true),
		IsLeader:     pickBool(r.IsLeader, r.LeaderAlt, false),
		ImageURL:     pick(r.ImageURL, r.ImageAlt),
		LastSyncedAt: now,
	}
}

// GetUser fetches one user by provider id.
func (c *Client) GetUser(ctx context.Context, tmsUserID string) (*domain.User, error) {
	var rec userRecord
	path := "/api/users/" + url.PathEscape(tmsUserID)
	if err := c.get(ctx, path, nil, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, domain.ErrNotFound
	}
	return rec.toUser(time.Now().UTC()), nil
}

// SearchUsers delegates the query to the provider's search endpoint; the
// local store is never the search authority.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]*domain.User, error) {
	var recs []userRecord
	if err := c.get(ctx, "/api/users", url.Values{"q": {query}}, &recs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	users := make([]*domain.User, 0, len(recs))
	for i := range recs {
		users = append(users, recs[i].toUser(now))
	}
	return users, nil
}

// Probe checks reachability for the readiness endpoint.
func (c *Client) Probe(ctx context.Context) error {
	err := c.get(ctx, "/api/health", nil, &struct{}{})
	if err == nil {
		c.mu.Lock()
		c.lastProbe = time.Now()
		c.mu.Unlock()
	}
	return err
}

// LastProbe reports the most recent successful contact with the provider,
// including implicit probes from successful user fetches.
func (c *Client) LastProbe() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastProbe
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dest any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("idp request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, domain.ErrNotFound
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("idp returned %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return nil, fmt.Errorf("decode idp response: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.Upstream("identity provider circuit open", err)
		}
		return err
	}

	c.mu.Lock()
	c.lastProbe = time.Now()
	c.mu.Unlock()
	return nil
}
