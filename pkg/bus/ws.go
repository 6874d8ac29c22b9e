// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader is intentionally permissive about Origin: the event stream carries
// no secrets beyond what a caller's own project-scoped query already returns,
// and the transport this serves (cie serve) is meant for same-host UI/tool
// consumption by external subscribers
// framing — this handler is the one fan-out surface the core itself owns.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Handler returns an http.HandlerFunc that upgrades a request to a
// WebSocket and streams bus events matching the query parameters
// `project` and `topics` (comma-separated Kind values; empty means all).
func Handler(b *Bus, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("bus.ws.upgrade_failed", "err", err)
			return
		}
		defer conn.Close()

		sub := subscriptionFromQuery(r.URL.Query())
		id, events := b.Subscribe(sub)
		defer b.Unsubscribe(id)

		// Detect client-initiated close without blocking the write loop.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}
}

func subscriptionFromQuery(q map[string][]string) Subscription {
	sub := Subscription{}
	if p := q["project"]; len(p) > 0 {
		sub.Project = p[0]
	}
	if t := q["topics"]; len(t) > 0 {
		for _, part := range splitCSV(t[0]) {
			sub.Topics = append(sub.Topics, Kind(part))
		}
	}
	return sub
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
