// Package api provides the HTTP client for the remote content API. Each
// entity type maps to a base URL; collections may come back as a bare array
// or wrapped in a paginated envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
)

// Client talks to the remote API. It implements resource.RemoteFetcher.
// No retries happen here; retry policy belongs to the callers that need one.
type Client struct {
	http     *http.Client
	baseURLs map[string]string
}

// NewClient creates a Client with per-urlName base URLs.
func NewClient(baseURLs map[string]string) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		baseURLs: baseURLs,
	}
}

func (c *Client) base(urlName string) (string, error) {
	base, ok := c.baseURLs[urlName]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrValidation, "no base URL for %q", urlName)
	}
	return strings.TrimSuffix(base, "/"), nil
}

// FetchModel retrieves one object from the detail endpoint.
func (c *Client) FetchModel(ctx context.Context, urlName, id string) (models.Attrs, error) {
	base, err := c.base(urlName)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, base+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var obj models.Attrs
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "decode model response", err)
	}
	return obj, nil
}

// FetchCollection retrieves a collection, accepting either a bare array or
// a paginated envelope with a results field.
func (c *Client) FetchCollection(ctx context.Context, urlName string, params map[string]interface{}) ([]models.Attrs, error) {
	base, err := c.base(urlName)
	if err != nil {
		return nil, err
	}
	target := base
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		target += "?" + q.Encode()
	}
	body, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var items []models.Attrs
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var envelope struct {
		Results []models.Attrs `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "decode collection response", err)
	}
	return envelope.Results, nil
}

// Create posts a new object to the collection endpoint.
func (c *Client) Create(ctx context.Context, urlName string, obj models.Attrs) error {
	base, err := c.base(urlName)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, base, obj)
	return err
}

// Update patches an object at the detail endpoint.
func (c *Client) Update(ctx context.Context, urlName, id string, mods models.Attrs) error {
	base, err := c.base(urlName)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, base+"/"+url.PathEscape(id), mods)
	return err
}

// Delete removes an object at the detail endpoint.
func (c *Client) Delete(ctx context.Context, urlName, id string) error {
	base, err := c.base(urlName)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, base+"/"+url.PathEscape(id), nil)
	return err
}

// Copy invokes the bulk copy endpoint, transmitting only the origin key and
// the delta; the server reconstructs the duplicate itself.
func (c *Client) Copy(ctx context.Context, urlName, id, fromKey string, mods models.Attrs) error {
	base, err := c.base(urlName)
	if err != nil {
		return err
	}
	payload := models.Attrs{
		"id":       id,
		"from_key": fromKey,
		"mods":     mods,
	}
	_, err = c.do(ctx, http.MethodPost, base+"/copy", payload)
	return err
}

// Move reports a logical move to the detail endpoint; the server recomputes
// its own sibling ordering from target and position.
func (c *Client) Move(ctx context.Context, urlName, id, target, position string) error {
	base, err := c.base(urlName)
	if err != nil {
		return err
	}
	payload := models.Attrs{
		"target":   target,
		"position": position,
	}
	_, err = c.do(ctx, http.MethodPost, base+"/"+url.PathEscape(id)+"/move", payload)
	return err
}

func (c *Client) do(ctx context.Context, method, target string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, method+" "+target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "read response", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s: not found", method, target)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Newf(apperrors.ErrRemoteStatus, "%s %s: status %d", method, target, resp.StatusCode)
	}
	return data, nil
}
