package feed

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

// SSEHandler returns an http.HandlerFunc that streams stored records as SSE.
// Clients may narrow the stream with ?tab_id=N and ?types=network,console.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var tabFilter types.TabID
		if q := r.URL.Query().Get("tab_id"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || !types.TabID(n).Valid() {
				http.Error(w, "tab_id must be a positive integer", http.StatusBadRequest)
				return
			}
			tabFilter = types.TabID(n)
		}

		var kindFilter map[types.Kind]bool
		if q := r.URL.Query().Get("types"); q != "" {
			kindFilter = make(map[types.Kind]bool)
			for _, k := range strings.Split(q, ",") {
				if k = strings.TrimSpace(k); k != "" {
					kindFilter[types.Kind(k)] = true
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if tabFilter != 0 && evt.TabID != tabFilter {
					continue
				}
				if kindFilter != nil && !kindFilter[evt.Kind] {
					continue
				}
				fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", evt.Kind, evt.Key, evt.Payload)
				flusher.Flush()
			}
		}
	}
}
