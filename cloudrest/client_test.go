// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package cloudrest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/creativos/pos-sync/possync"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testClient(rt roundTripFunc) *Client {
	c := New("https://pos.example.com", StaticToken("tok-123"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.HTTP = &http.Client{Transport: rt}
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestUpsert_SendsRowsWithBearerToken(t *testing.T) {
	var captured *http.Request
	var body []byte
	client := testClient(func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	rows := []possync.Row{{"id": "p1", "name": "Coffee"}}
	require.NoError(t, client.Upsert(context.Background(), "products", rows))

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "https://pos.example.com/v1/products/upsert", captured.URL.String())
	require.Equal(t, "Bearer tok-123", captured.Header.Get("Authorization"))
	require.Equal(t, "application/json", captured.Header.Get("Content-Type"))

	var decoded upsertRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Rows, 1)
	require.Equal(t, "Coffee", decoded.Rows[0]["name"])
}

func TestUpsert_EmptyBatchIsNoop(t *testing.T) {
	client := testClient(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	require.NoError(t, client.Upsert(context.Background(), "products", nil))
}

func TestSelect_BuildsQueryAndDecodes(t *testing.T) {
	var captured *http.Request
	client := testClient(func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"rows":[{"id":"p1","name":"Coffee"}]}`), nil
	})

	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows, err := client.Select(context.Background(), "products",
		possync.Query{UpdatedSince: since, Limit: 200})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Coffee", rows[0]["name"])

	q := captured.URL.Query()
	require.Equal(t, possync.FormatTime(since), q.Get("updated_since"))
	require.Equal(t, "200", q.Get("limit"))
}

func TestSelect_OmitsEmptyFilters(t *testing.T) {
	var captured *http.Request
	client := testClient(func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `{"rows":[]}`), nil
	})

	rows, err := client.Select(context.Background(), "products", possync.Query{})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, captured.URL.RawQuery)
}

func TestDelete_MissingRowIsNotAnError(t *testing.T) {
	client := testClient(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodDelete, req.Method)
		require.Equal(t, "/v1/products/p1", req.URL.Path)
		return jsonResponse(http.StatusNotFound, `{"error":"not found"}`), nil
	})
	require.NoError(t, client.Delete(context.Background(), "products", "p1"))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   possync.ErrorKind
	}{
		{http.StatusServiceUnavailable, possync.KindTransient},
		{http.StatusTooManyRequests, possync.KindTransient},
		{http.StatusGatewayTimeout, possync.KindTransient},
		{http.StatusConflict, possync.KindConflict},
		{http.StatusUnprocessableEntity, possync.KindSchemaRejected},
		{http.StatusBadRequest, possync.KindSchemaRejected},
		{http.StatusUnauthorized, possync.KindPermanent},
		{http.StatusForbidden, possync.KindPermanent},
	}
	for _, tc := range cases {
		client := testClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(tc.status, `{"error":"nope"}`), nil
		})
		err := client.Upsert(context.Background(), "products", []possync.Row{{"id": "p1"}})
		require.Error(t, err, "status %d", tc.status)
		require.Equal(t, tc.want, possync.KindOf(err), "status %d", tc.status)
		require.Contains(t, err.Error(), "nope")
	}
}

func TestClassification_ServerErrorBodyFallsBackToRaw(t *testing.T) {
	client := testClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `upstream exploded`), nil
	})
	err := client.Upsert(context.Background(), "products", []possync.Row{{"id": "p1"}})
	require.Error(t, err)
	require.True(t, possync.IsTransient(err))
	require.Contains(t, err.Error(), "upstream exploded")
}

func TestMintToken_RoundTrips(t *testing.T) {
	secret := []byte("shared-secret")
	signed, err := MintToken(secret, "device-42", time.Hour)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) { return secret, nil })
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	require.Equal(t, "device-42", claims.Subject)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestFeedURL(t *testing.T) {
	client := testClient(nil)
	u, err := client.feedURL([]string{"sales", "settings"})
	require.NoError(t, err)
	require.Equal(t, "wss://pos.example.com/v1/feed?tables=sales%2Csettings", u)

	client.BaseURL = "ftp://pos.example.com"
	_, err = client.feedURL([]string{"sales"})
	require.Error(t, err)
}
