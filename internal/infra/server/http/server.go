// Package httpserver exposes the REST query API and WebSocket price streams.
package httpserver

import (
	"context"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/schema"
)

const (
	healthPath     = "/health"
	tickersPath    = "/tickers"
	historyPattern = "/tickers/{id}/history"
	statsPath      = "/stats"
	streamPattern  = "/ws/{id}"

	// MaxHistoryLimit is the largest accepted history limit query parameter.
	MaxHistoryLimit = 1000
)

// QueryService answers instrument and history queries.
type QueryService interface {
	ListInstruments() []schema.InstrumentView
	GetHistory(ctx context.Context, id string, limit int) (schema.HistoryView, error)
	Lookup(id string) bool
}

// StatsSource reports live connection counts.
type StatsSource interface {
	ConnectionCount() int
	Counts() map[string]int
}

// Options configures routing and middleware.
type Options struct {
	APIPrefix   string
	CORSOrigins []string
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	query   QueryService
	stats   StatsSource
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewHandler builds the router. streams may be nil, in which case no WebSocket route is mounted.
func NewHandler(query QueryService, stats StatsSource, streams http.Handler, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{query: query, stats: stats, logger: logger.Named("http")}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		server.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	prefix := strings.TrimRight(opts.APIPrefix, "/")
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(prefix+tickersPath, server.limited(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listTickers,
	})))
	mux.Handle(prefix+historyPattern, server.limited(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHistory,
	})))
	mux.Handle(prefix+statsPath, server.limited(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	})))
	if streams != nil {
		mux.Handle(streamPattern, streams)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})

	return withCORS(mux, opts.CORSOrigins)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) limited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeErr(w, errs.New("http/ratelimit", errs.CodeRateLimited, errs.WithMessage("rate limit exceeded")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *httpServer) listTickers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.query.ListInstruments())
}

func (s *httpServer) getHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	view, err := s.query.GetHistory(r.Context(), id, limit)
	if err != nil {
		if !errs.IsCode(err, errs.CodeNotFound) {
			s.logger.Error("history query failed", zap.String("instrument", id), zap.Error(err))
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, schema.StatsView{
		Connections: s.stats.ConnectionCount(),
		ByTicker:    s.stats.Counts(),
	})
}

// parseLimit returns 0 (all samples) for an absent parameter.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.New("http/history", errs.CodeInvalid,
			errs.WithMessage("limit must be an integer"),
			errs.WithField("limit", raw))
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return 0, errs.New("http/history", errs.CodeInvalid,
			errs.WithMessage("limit must be between 1 and "+strconv.Itoa(MaxHistoryLimit)),
			errs.WithField("limit", raw))
	}
	return limit, nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), errs.Message(err))
}

func withCORS(handler http.Handler, origins []string) http.Handler {
	allowAny := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAny || slices.Contains(origins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
