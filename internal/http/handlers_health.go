package httpx

import (
	"io"
	"net/http"
)

const healthResponse = `{"status":"ok","service":"courier"}`

// healthHandler answers readiness/liveness probes. It never touches the
// database or Redis; a process that can serve this is considered live.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	// Nothing more to do if the client connection is gone.
	_, _ = io.WriteString(w, healthResponse)
}
