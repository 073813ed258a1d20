package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/rhuss/datachat/pkg/api"
)

// Recovery converts handler panics into a JSON server error. The server
// keeps accepting requests afterwards.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("handler panic",
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				api.WriteError(w, api.NewServerError(fmt.Sprintf("internal server error: %v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
