package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiClient talks to the telemetry-mapper HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiDataSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type verifyResponse struct {
	OK    bool             `json:"ok"`
	Rows  []map[string]any `json:"rows"`
	SQL   string           `json:"sql"`
	Error string           `json:"error"`
}

// statusError is a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Status, e.Body)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *apiClient) listDataSources(ctx context.Context) ([]apiDataSource, error) {
	var out []apiDataSource
	err := c.do(ctx, http.MethodGet, "/datasources", nil, &out)
	return out, err
}

func (c *apiClient) createDataSource(ctx context.Context, ds DatasourcePlan) (*apiDataSource, error) {
	var out apiDataSource
	err := c.do(ctx, http.MethodPost, "/datasources", map[string]any{
		"name":     ds.Name,
		"engine":   ds.Engine,
		"host":     ds.Host,
		"port":     ds.Port,
		"database": ds.Database,
		"schema":   ds.Schema,
		"username": ds.Username,
		"password": ds.Password,
		"ssl":      ds.SSL,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) verify(ctx context.Context, target map[string]any) (*verifyResponse, error) {
	var out verifyResponse
	if err := c.do(ctx, http.MethodPost, "/mappings/verify", target, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// createMapping returns created=false when the mapping already exists.
func (c *apiClient) createMapping(ctx context.Context, req map[string]any) (created bool, err error) {
	err = c.do(ctx, http.MethodPost, "/mappings", req, nil)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		return false, nil
	}
	return err == nil, err
}

func (c *apiClient) latest(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := c.do(ctx, http.MethodGet, "/latest", nil, &out)
	return out, err
}
