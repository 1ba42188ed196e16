package middleware

import (
	"net/http"

	"github.com/agentdevsl/claudorc-sub000/internal/httputil"
)

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
