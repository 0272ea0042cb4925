// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package cloudrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/creativos/pos-sync/possync"
)

const (
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
)

// Subscribe opens the websocket change feed for the given tables and invokes
// handler for every event. The read loop reconnects with backoff until the
// returned cancel func is called or ctx is done.
func (c *Client) Subscribe(ctx context.Context, tables []string, handler func(possync.ChangeEvent)) (func(), error) {
	endpoint, err := c.feedURL(tables)
	if err != nil {
		return nil, possync.NewBackendError(possync.KindPermanent, "subscribe", "", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go c.feedLoop(subCtx, endpoint, handler)
	return cancel, nil
}

func (c *Client) feedURL(tables []string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/feed"
	q := u.Query()
	q.Set("tables", strings.Join(tables, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// feedLoop dials, reads until the connection drops, then redials with
// exponential backoff. Events are delivered sequentially.
func (c *Client) feedLoop(ctx context.Context, endpoint string, handler func(possync.ChangeEvent)) {
	backoff := time.Second
	const backoffMax = time.Minute
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.readFeed(ctx, endpoint, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("change feed disconnected", "error", err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) readFeed(ctx context.Context, endpoint string, handler func(possync.ChangeEvent)) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("read feed: %w", err)
			}
			return nil
		}
		var ev possync.ChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("undecodable feed event skipped", "error", err)
			continue
		}
		if handler != nil {
			handler(ev)
		}
	}
}
