// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package cloudpg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// feedChannel is the NOTIFY channel the schema triggers publish to.
const feedChannel = "pos_changes"

// Subscribe listens for change notifications on the given tables. Each event
// is delivered sequentially on a dedicated connection; the loop reconnects
// with backoff until the returned cancel func is called or ctx is done.
//
// Row payloads above the NOTIFY size limit arrive without the row body; the
// delta pull picks those changes up on its next pass.
func (b *Backend) Subscribe(ctx context.Context, tables []string, handler func(possync.ChangeEvent)) (func(), error) {
	wanted := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		wanted[t] = struct{}{}
	}
	subCtx, cancel := context.WithCancel(ctx)
	go b.listenLoop(subCtx, wanted, handler)
	return cancel, nil
}

func (b *Backend) listenLoop(ctx context.Context, wanted map[string]struct{}, handler func(possync.ChangeEvent)) {
	backoff := time.Second
	const backoffMax = time.Minute
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.listenOnce(ctx, wanted, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Debug("change feed disconnected", "error", err)
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

// listenOnce holds one connection on LISTEN and dispatches notifications until
// the connection drops or ctx is done.
func (b *Backend) listenOnce(ctx context.Context, wanted map[string]struct{}, handler func(possync.ChangeEvent)) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+feedChannel); err != nil {
		return err
	}
	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev possync.ChangeEvent
		if err := json.Unmarshal([]byte(note.Payload), &ev); err != nil {
			b.logger.Warn("undecodable change notification skipped", "error", err)
			continue
		}
		if _, ok := wanted[ev.Table]; !ok {
			continue
		}
		handler(ev)
	}
}
