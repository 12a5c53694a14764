package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/github-loc/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestObserver receives the outcome of every routed request.
type RequestObserver interface {
	ObserveRequest(route string, status int, latency time.Duration)
}

// HTTPHandlers are the handlers mounted by NewHTTPHandler.
type HTTPHandlers struct {
	API      *APIHandler
	Metrics  http.Handler
	Health   http.Handler
	Logger   *zap.Logger
	Observer RequestObserver
}

// NewHTTPHandler wires the API, metrics and health endpoints on one router.
func NewHTTPHandler(handlers HTTPHandlers) http.Handler {
	logger := handlers.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, requestLogger(logger), recoverer(logger))

	traceMode := telemetry.TraceMode()
	route := func(name string, handler http.Handler) http.Handler {
		return wrapHTTPHandler(traceMode, name, handler, handlers.Observer)
	}

	if api := handlers.API; api != nil {
		router.Route("/api/loc", func(r chi.Router) {
			r.Method(http.MethodGet, "/rate-limit", route("rate_limit", http.HandlerFunc(api.RateLimit)))
			r.Method(http.MethodGet, "/repository/rate-limit", route("rate_limit", http.HandlerFunc(api.RateLimit)))
			r.Method(http.MethodGet, "/repository/{org}", route("org_summary", http.HandlerFunc(api.OrganizationSummary)))
			r.Method(http.MethodGet, "/repository/{org}/detailed", route("org_detailed", http.HandlerFunc(api.OrganizationDetailed)))
			r.Method(http.MethodGet, "/repository/{org}/user/{user}", route("org_user", http.HandlerFunc(api.OrganizationUser)))
			r.Method(http.MethodGet, "/user/{user}", route("user", http.HandlerFunc(api.User)))
		})
		router.Method(http.MethodGet, "/monitor/health-check", route("health_check", http.HandlerFunc(api.HealthCheck)))
	}

	router.Handle("/metrics", route("metrics", handlers.Metrics))
	router.Handle("/livez", route("livez", handlers.Health))
	router.Handle("/readyz", route("readyz", handlers.Health))
	router.Handle("/healthz", route("healthz", handlers.Health))
	return router
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler, observer RequestObserver) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	tracing := !strings.EqualFold(strings.TrimSpace(traceMode), "off")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		if observer != nil {
			defer func() {
				observer.ObserveRequest(operation, recorder.status, time.Since(started))
			}()
		}

		if !tracing {
			handler.ServeHTTP(recorder, r)
			return
		}

		ctx, span := otel.Tracer("github-loc/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(started)),
			)
		})
	}
}

func recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
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
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Stack("stack"),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
