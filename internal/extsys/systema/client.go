// Package systema is the REST client for the asset/ticketing system. It
// speaks the system's entity API and translates its failure modes into the
// coded error taxonomy: network faults are transient, error payloads on
// writes are remote rejections.
package systema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"keysync/internal/extsys"
	"keysync/internal/platform/config"
	dErrors "keysync/pkg/domainerrors"
)

// Client implements extsys.SystemA over HTTP.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

// New constructs a Client from endpoint configuration.
func New(cfg config.EndpointConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("system A base URL is required")
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) QueryEntities(ctx context.Context, entityType string, filter map[string]string) ([]extsys.Entity, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	var out struct {
		Entities []entityPayload `json:"entities"`
	}
	path := "/entities/" + url.PathEscape(entityType)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	entities := make([]extsys.Entity, 0, len(out.Entities))
	for _, p := range out.Entities {
		entities = append(entities, p.toEntity(entityType))
	}
	return entities, nil
}

func (c *Client) CreateEntity(ctx context.Context, entityType string, attrs map[string]string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"attributes": attrs}
	if err := c.do(ctx, http.MethodPost, "/entities/"+url.PathEscape(entityType), body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) UpdateEntity(ctx context.Context, entityType, id string, attrs map[string]string) error {
	body := map[string]any{"attributes": attrs}
	path := "/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) SearchPersonsByName(ctx context.Context, firstName, lastName string) ([]extsys.Entity, error) {
	return c.QueryEntities(ctx, "person", map[string]string{
		"firstName": firstName,
		"lastName":  lastName,
	})
}

type entityPayload struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id"`
	Attributes map[string]string `json:"attributes"`
}

func (p entityPayload) toEntity(entityType string) extsys.Entity {
	return extsys.Entity{
		ID:         p.ID,
		ExternalID: p.ExternalID,
		Type:       entityType,
		Attributes: p.Attributes,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encode system A request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build system A request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "system A request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dErrors.Newf(dErrors.CodeTransient, "system A returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return dErrors.Newf(dErrors.CodeNotFound, "system A has no resource at %s", path)
	}
	if resp.StatusCode >= 400 {
		remote, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return dErrors.Newf(dErrors.CodeRemoteRejected, "system A rejected %s %s: %d %s", method, path, resp.StatusCode, string(remote))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "decode system A response")
	}
	return nil
}
