package rulesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Provider is the monitoring system the synchronizer reconciles against.
// Implementations adapt the generic rule shape to a concrete vendor API;
// the diff engine itself is vendor-agnostic.
type Provider interface {
	// ListRules returns the live rules whose unique key starts with namePrefix.
	ListRules(ctx context.Context, namePrefix string) ([]Rule, error)
	CreateRule(ctx context.Context, spec *RuleSpec) error
	// UpdateRule rewrites an existing rule to match spec. An empty
	// ContactGroupIDs or AlertMethods means any attached notification
	// action must be removed, not left as-is.
	UpdateRule(ctx context.Context, spec *RuleSpec, existing *Rule) error
	// DeleteRules removes the rules with the given unique keys in one call.
	DeleteRules(ctx context.Context, uniqueKeys []string) error
	ListContactGroups(ctx context.Context) ([]ContactGroup, error)
	ListMediaTypes(ctx context.Context) ([]MediaType, error)
}

// HTTPProvider talks to a rule gateway over JSON HTTP. The gateway owns the
// vendor-specific translation (trigger expressions, action wiring).
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{baseURL: baseURL, client: client}
}

func (p *HTTPProvider) ListRules(ctx context.Context, namePrefix string) ([]Rule, error) {
	var rules []Rule
	path := "/rules?prefix=" + url.QueryEscape(namePrefix)
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (p *HTTPProvider) CreateRule(ctx context.Context, spec *RuleSpec) error {
	return p.doJSON(ctx, http.MethodPost, "/rules", spec, nil)
}

func (p *HTTPProvider) UpdateRule(ctx context.Context, spec *RuleSpec, existing *Rule) error {
	return p.doJSON(ctx, http.MethodPut, "/rules/"+url.PathEscape(existing.ID), spec, nil)
}

func (p *HTTPProvider) DeleteRules(ctx context.Context, uniqueKeys []string) error {
	body := struct {
		UniqueKeys []string `json:"unique_keys"`
	}{UniqueKeys: uniqueKeys}
	return p.doJSON(ctx, http.MethodPost, "/rules/delete", body, nil)
}

func (p *HTTPProvider) ListContactGroups(ctx context.Context) ([]ContactGroup, error) {
	var groups []ContactGroup
	if err := p.doJSON(ctx, http.MethodGet, "/contact-groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (p *HTTPProvider) ListMediaTypes(ctx context.Context) ([]MediaType, error) {
	var types []MediaType
	if err := p.doJSON(ctx, http.MethodGet, "/media-types", nil, &types); err != nil {
		return nil, err
	}
	return types, nil
}

func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode rule gateway request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build rule gateway request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("rule gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rule gateway returned status code: %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode rule gateway response: %w", err)
		}
	}
	return nil
}
