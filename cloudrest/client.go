// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

// Package cloudrest implements the possync.Backend contract over an
// authenticated HTTPS JSON API: row-level upserts, filtered selects, deletes
// and a websocket change feed.
package cloudrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// TokenFunc supplies the bearer token for each request.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields the given token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Client talks to the shared relational backend over HTTPS.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// New creates a REST backend client.
func New(baseURL string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("component", "cloudrest"),
	}
}

type upsertRequest struct {
	Rows []possync.Row `json:"rows"`
}

type selectResponse struct {
	Rows []possync.Row `json:"rows"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Upsert inserts or replaces rows by primary key.
func (c *Client) Upsert(ctx context.Context, table string, rows []possync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := json.Marshal(upsertRequest{Rows: rows})
	if err != nil {
		return possync.NewBackendError(possync.KindPermanent, "upsert", table,
			fmt.Errorf("marshal rows: %w", err))
	}
	endpoint := fmt.Sprintf("%s/v1/%s/upsert", c.BaseURL, url.PathEscape(table))
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return possync.NewBackendError(possync.KindTransient, "upsert", table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp, "upsert", table)
	}
	return nil
}

// Select returns rows matching the query, ordered by timestamp.
func (c *Client) Select(ctx context.Context, table string, q possync.Query) ([]possync.Row, error) {
	endpoint := fmt.Sprintf("%s/v1/%s", c.BaseURL, url.PathEscape(table))
	params := url.Values{}
	if !q.UpdatedSince.IsZero() {
		params.Set("updated_since", possync.FormatTime(q.UpdatedSince))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, possync.NewBackendError(possync.KindTransient, "select", table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, "select", table)
	}
	var out selectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, possync.NewBackendError(possync.KindTransient, "select", table,
			fmt.Errorf("decode response: %w", err))
	}
	return out.Rows, nil
}

// Delete removes a row by primary key. A missing row is not an error.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.BaseURL, url.PathEscape(table), url.PathEscape(id))
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return possync.NewBackendError(possync.KindTransient, "delete", table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus(resp, "delete", table)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTP.Do(req)
}

// classifyStatus maps an HTTP failure to the engine's error taxonomy.
func classifyStatus(resp *http.Response, op, table string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		msg = decoded.Error
	}
	err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)

	kind := possync.KindPermanent
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = possync.KindTransient
	case http.StatusConflict:
		kind = possync.KindConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = possync.KindSchemaRejected
	}
	return possync.NewBackendError(kind, op, table, err)
}
