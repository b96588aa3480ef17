package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxDispatchRetries bounds per-endpoint retries.
const MaxDispatchRetries = 20

// DispatchEndpoint is a downstream consumer of billing events.
type DispatchEndpoint struct {
	ID                  string   `json:"id"`
	URL                 string   `json:"url"`
	EventTypes          []string `json:"event_types"`
	Secret              string   `json:"secret"`
	TimeoutMS           int      `json:"timeout_ms"`
	MaxRetries          *int     `json:"max_retries,omitempty"`
	BackoffMS           int      `json:"backoff_ms"`
	Enabled             *bool    `json:"enabled,omitempty"`
	RatePerSec          float64  `json:"rate_per_sec,omitempty"`
	VirtualCounterparty *bool    `json:"virtual_counterparty,omitempty"`
}

// Subscribes reports whether the endpoint wants eventType. "*" matches everything.
func (e DispatchEndpoint) Subscribes(eventType string) bool {
	for _, candidate := range e.EventTypes {
		if candidate == "*" || candidate == eventType {
			return true
		}
	}
	return false
}

// UsesVirtualCounterparty defaults to true so internal user ids stay private unless an endpoint opts out.
func (e DispatchEndpoint) UsesVirtualCounterparty() bool {
	return e.VirtualCounterparty == nil || *e.VirtualCounterparty
}

func (e DispatchEndpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

func (e DispatchEndpoint) Backoff() time.Duration {
	return time.Duration(e.BackoffMS) * time.Millisecond
}

func (e DispatchEndpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func (e DispatchEndpoint) Retries() int {
	if e.MaxRetries == nil {
		return 0
	}
	return *e.MaxRetries
}

// EndpointList decodes BILLING_DISPATCH_ENDPOINTS, a JSON array of endpoints.
type EndpointList []DispatchEndpoint

func (l *EndpointList) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*l = nil
		return nil
	}
	var endpoints []DispatchEndpoint
	if err := json.Unmarshal([]byte(value), &endpoints); err != nil {
		return fmt.Errorf("decode dispatch endpoints: %w", err)
	}
	*l = endpoints
	return nil
}

func (l EndpointList) validate() error {
	seen := make(map[string]struct{}, len(l))
	for i, ep := range l {
		if strings.TrimSpace(ep.ID) == "" {
			return fmt.Errorf("dispatch endpoint %d: id is required", i)
		}
		if _, dup := seen[ep.ID]; dup {
			return fmt.Errorf("dispatch endpoint %q: duplicate id", ep.ID)
		}
		seen[ep.ID] = struct{}{}
		u, err := url.Parse(ep.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("dispatch endpoint %q: invalid url", ep.ID)
		}
		if strings.TrimSpace(ep.Secret) == "" {
			return fmt.Errorf("dispatch endpoint %q: secret is required", ep.ID)
		}
		if len(ep.EventTypes) == 0 {
			return fmt.Errorf("dispatch endpoint %q: event_types is required", ep.ID)
		}
		if ep.MaxRetries != nil && (*ep.MaxRetries < 0 || *ep.MaxRetries > MaxDispatchRetries) {
			return fmt.Errorf("dispatch endpoint %q: max_retries must be between 0 and %d", ep.ID, MaxDispatchRetries)
		}
	}
	return nil
}

func (l EndpointList) applyDefaults(cfg DispatchConfig) {
	for i := range l {
		if l[i].TimeoutMS <= 0 {
			l[i].TimeoutMS = int(cfg.DefaultTimeout / time.Millisecond)
		}
		if l[i].BackoffMS <= 0 {
			l[i].BackoffMS = int(cfg.DefaultBackoff / time.Millisecond)
		}
		if l[i].MaxRetries == nil {
			retries := cfg.DefaultRetries
			l[i].MaxRetries = &retries
		}
	}
}
