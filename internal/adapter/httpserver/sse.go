package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// serveSSE forwards a chunk stream as server-sent events, one data event per
// chunk, ending after the terminal chunk. Errors established mid-stream arrive
// as a terminal chunk with an error payload, never as an HTTP status change.
func serveSSE(w http.ResponseWriter, r *http.Request, stream domain.ChunkStream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, domain.E(domain.CodeInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, ok := stream.Recv(r.Context())
		if !ok {
			return
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			LoggerFrom(r).Error("chunk marshal failed")
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away; the dispatcher observes the closed stream.
			return
		}
		flusher.Flush()
		if chunk.Done {
			return
		}
	}
}
