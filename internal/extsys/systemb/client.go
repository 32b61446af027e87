// Package systemb is the REST client for the physical access-control system.
// Error translation matches systema: network faults are transient, write
// rejections carry the remote body.
package systemb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"keysync/internal/extsys"
	"keysync/internal/platform/config"
	dErrors "keysync/pkg/domainerrors"
)

// Client implements extsys.SystemB over HTTP.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

// New constructs a Client from endpoint configuration.
func New(cfg config.EndpointConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("system B base URL is required")
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) GetKey(ctx context.Context, id string) (extsys.KeyRecord, error) {
	var out keyPayload
	if err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(id), nil, &out); err != nil {
		return extsys.KeyRecord{}, err
	}
	return out.toRecord(), nil
}

func (c *Client) ListPersons(ctx context.Context) ([]extsys.Person, error) {
	var out struct {
		Persons []personPayload `json:"persons"`
	}
	if err := c.do(ctx, http.MethodGet, "/persons", nil, &out); err != nil {
		return nil, err
	}
	persons := make([]extsys.Person, 0, len(out.Persons))
	for _, p := range out.Persons {
		persons = append(persons, p.toPerson())
	}
	return persons, nil
}

// GetPersonByExternalID returns nil when no person carries the external id;
// absence is an ordinary outcome here, not an error.
func (c *Client) GetPersonByExternalID(ctx context.Context, externalID string) (*extsys.Person, error) {
	var out personPayload
	err := c.do(ctx, http.MethodGet, "/persons/by-external-id/"+url.PathEscape(externalID), nil, &out)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	person := out.toPerson()
	return &person, nil
}

func (c *Client) CreatePerson(ctx context.Context, attrs extsys.PersonAttributes) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{
		"external_id": attrs.ExternalID,
		"first_name":  attrs.FirstName,
		"last_name":   attrs.LastName,
		"email":       attrs.Email,
	}
	if err := c.do(ctx, http.MethodPost, "/persons", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) CreateKey(ctx context.Context, attrs extsys.KeyAttributes) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys", keyBody(attrs), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) UpdateKey(ctx context.Context, id string, attrs extsys.KeyAttributes) error {
	return c.do(ctx, http.MethodPut, "/keys/"+url.PathEscape(id), keyBody(attrs), nil)
}

func (c *Client) UpdateKeySecurityAccesses(ctx context.Context, id string, accessIDs []string) error {
	body := map[string]any{"security_access_ids": accessIDs}
	return c.do(ctx, http.MethodPut, "/keys/"+url.PathEscape(id)+"/security-accesses", body, nil)
}

func (c *Client) UpdateKeyMainZone(ctx context.Context, id, zoneID string) error {
	body := map[string]string{"zone_id": zoneID}
	return c.do(ctx, http.MethodPut, "/keys/"+url.PathEscape(id)+"/main-zone", body, nil)
}

type personPayload struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
}

func (p personPayload) toPerson() extsys.Person {
	return extsys.Person{
		ID:         p.ID,
		ExternalID: p.ExternalID,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Email:      p.Email,
	}
}

type keyPayload struct {
	ID             string   `json:"id"`
	HolderPersonID string   `json:"holder_person_id"`
	OutsiderName   string   `json:"outsider_name"`
	OutsiderEmail  string   `json:"outsider_email"`
	RealEstateID   string   `json:"real_estate_id"`
	MainZoneID     string   `json:"main_zone_id"`
	AccessIDs      []string `json:"security_access_ids"`
	ValidUntil     string   `json:"valid_until"`
	State          string   `json:"state"`
}

func (p keyPayload) toRecord() extsys.KeyRecord {
	validUntil, _ := time.Parse(time.RFC3339, p.ValidUntil)
	return extsys.KeyRecord{
		ID:             p.ID,
		HolderPersonID: p.HolderPersonID,
		OutsiderName:   p.OutsiderName,
		OutsiderEmail:  p.OutsiderEmail,
		RealEstateID:   p.RealEstateID,
		MainZoneID:     p.MainZoneID,
		AccessIDs:      p.AccessIDs,
		ValidUntil:     validUntil,
		State:          extsys.KeyState(p.State),
	}
}

func keyBody(attrs extsys.KeyAttributes) map[string]any {
	return map[string]any{
		"holder_person_id":    attrs.HolderPersonID,
		"real_estate_id":      attrs.RealEstateID,
		"security_access_ids": attrs.AccessIDs,
		"valid_until":         attrs.ValidUntil.UTC().Format(time.RFC3339),
		"state":               string(attrs.State),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encode system B request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build system B request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "system B request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dErrors.Newf(dErrors.CodeTransient, "system B returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return dErrors.Newf(dErrors.CodeNotFound, "system B has no resource at %s", path)
	}
	if resp.StatusCode >= 400 {
		remote, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return dErrors.Newf(dErrors.CodeRemoteRejected, "system B rejected %s %s: %d %s", method, path, resp.StatusCode, string(remote))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "decode system B response")
	}
	return nil
}
