package logging

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given environment.
// Development gets debug level and human readable console output.
func New(appEnv string) zerolog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter is New writing to w.
func NewWithWriter(appEnv string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
	if appEnv == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}

// Middleware logs one line per HTTP request.
func Middleware(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := l.Info()
				switch {
				case status >= 500:
					ev = l.Error()
				case status >= 400:
					ev = l.Warn()
				case r.URL.Path == "/healthz":
					ev = l.Debug()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("latency", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
