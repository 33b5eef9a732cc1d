// Package httpserver exposes the local status surface consumed by UI collaborators.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/infra/config"
	"github.com/botfoods/orderfeed/internal/observability"
)

const (
	healthPath        = "/healthz"
	sessionPath       = "/session"
	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	readHeaderTimeout = 5 * time.Second
)

// SessionSource reports the active broker session.
type SessionSource interface {
	Session() (schema.Session, bool)
}

// OrderQueue is the consumer surface of the durable order queue.
type OrderQueue interface {
	List(ctx context.Context) ([]schema.Order, error)
	Len(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (schema.Order, bool, error)
	Remove(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	sessions    SessionSource
	orders      OrderQueue
	logger      observability.Logger
	started     time.Time
}

type healthPayload struct {
	Status        string `json:"status"`
	Environment   string `json:"environment"`
	SessionActive bool   `json:"sessionActive"`
	QueueLength   int    `json:"queueLength"`
	Uptime        string `json:"uptime"`
}

// NewHandler creates the HTTP handler for the status surface.
func NewHandler(environment config.Environment, sessions SessionSource, orders OrderQueue, logger observability.Logger) http.Handler {
	server := &httpServer{
		environment: environment,
		sessions:    sessions,
		orders:      orders,
		logger:      observability.Or(logger),
		started:     time.Now(),
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(sessionPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSession,
	}))
	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listOrders,
		http.MethodDelete: server.clearOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getOrder,
		http.MethodDelete: server.removeOrder,
	}))

	return withCORS(mux)
}

// NewServer wraps the status handler in an instrumented http.Server.
func NewServer(addr string, environment config.Environment, sessions SessionSource, orders OrderQueue, logger observability.Logger) *http.Server {
	handler := otelhttp.NewHandler(NewHandler(environment, sessions, orders, logger), "orderfeed.status")
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
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

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{
		Status:      "ok",
		Environment: string(s.environment),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if s.sessions != nil {
		_, payload.SessionActive = s.sessions.Session()
	}
	if s.orders != nil {
		n, err := s.orders.Len(r.Context())
		if err != nil {
			payload.Status = "degraded"
			s.logger.Warn("health: queue unreadable", observability.Err(err))
		}
		payload.QueueLength = n
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) getSession(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	session, ok := s.sessions.Session()
	if !ok {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeJSON(w, http.StatusOK, map[string]any{"orders": []schema.Order{}})
		return
	}
	orders, err := s.orders.List(r.Context())
	if err != nil {
		s.writeQueueError(w, "list orders", err)
		return
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) clearOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.orders.Clear(r.Context()); err != nil {
		s.writeQueueError(w, "clear orders", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if s.orders == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	order, found, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, "get order", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) removeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if s.orders == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	removed, err := s.orders.Remove(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, "remove order", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) writeQueueError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("status server: "+op, observability.Err(err))
	writeError(w, http.StatusServiceUnavailable, op+": queue unavailable")
}

func orderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return "", false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
