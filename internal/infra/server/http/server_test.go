package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/infra/config"
	"github.com/botfoods/orderfeed/internal/infra/persistence/memory"
	"github.com/botfoods/orderfeed/internal/queue"
)

type staticSessions struct {
	session schema.Session
}

func (s staticSessions) Session() (schema.Session, bool) {
	return s.session, s.session.Active()
}

type brokenQueue struct{}

var errDiskGone = errors.New("disk gone")

func (brokenQueue) List(context.Context) ([]schema.Order, error) { return nil, errDiskGone }
func (brokenQueue) Len(context.Context) (int, error)            { return 0, errDiskGone }
func (brokenQueue) Remove(context.Context, string) (bool, error) { return false, errDiskGone }
func (brokenQueue) Clear(context.Context) error                  { return errDiskGone }
func (brokenQueue) Get(context.Context, string) (schema.Order, bool, error) {
	return schema.Order{}, false, errDiskGone
}

func seededQueue(t *testing.T, ids ...string) *queue.DurableQueue {
	t.Helper()
	q := queue.New(memory.NewSlotStore())
	for _, id := range ids {
		_, err := q.AppendIfAbsent(context.Background(), schema.Order{ID: id})
		require.NoError(t, err)
	}
	return q
}

func do(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	sessions := staticSessions{session: schema.Session{ID: "abc123", QueueName: "orders-store-42"}}
	handler := NewHandler(config.EnvDev, sessions, seededQueue(t, "900", "901"), nil)

	rec := do(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload healthPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload.Status)
	require.Equal(t, "dev", payload.Environment)
	require.True(t, payload.SessionActive)
	require.Equal(t, 2, payload.QueueLength)
}

func TestHealthDegradedWhenQueueUnreadable(t *testing.T) {
	handler := NewHandler(config.EnvDev, nil, brokenQueue{}, nil)
	rec := do(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestSessionEndpoint(t *testing.T) {
	handler := NewHandler(config.EnvDev, staticSessions{}, nil, nil)
	rec := do(t, handler, http.MethodGet, "/session")
	require.Equal(t, http.StatusNotFound, rec.Code)

	handler = NewHandler(config.EnvDev, staticSessions{session: schema.Session{ID: "abc123", QueueName: "orders-store-42"}}, nil, nil)
	rec = do(t, handler, http.MethodGet, "/session")
	require.Equal(t, http.StatusOK, rec.Code)
	var session schema.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.Equal(t, "abc123", session.ID)
	require.Equal(t, "orders-store-42", session.QueueName)
}

func TestListAndRemoveOrders(t *testing.T) {
	q := seededQueue(t, "900", "901")
	handler := NewHandler(config.EnvDev, nil, q, nil)

	rec := do(t, handler, http.MethodGet, "/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Orders []schema.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Orders, 2)

	rec = do(t, handler, http.MethodGet, "/orders/901")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodDelete, "/orders/900")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, handler, http.MethodDelete, "/orders/900")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, handler, http.MethodGet, "/orders/900")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodDelete, "/orders")
	require.Equal(t, http.StatusNoContent, rec.Code)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEmptyQueueListsEmptyArray(t *testing.T) {
	handler := NewHandler(config.EnvDev, nil, seededQueue(t), nil)
	rec := do(t, handler, http.MethodGet, "/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"orders":[]}`, strings.TrimSpace(rec.Body.String()))
}

func TestQueueFailureMapsToUnavailable(t *testing.T) {
	handler := NewHandler(config.EnvDev, nil, brokenQueue{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, handler, http.MethodGet, "/orders").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, handler, http.MethodDelete, "/orders/900").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, handler, http.MethodGet, "/orders/900").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, handler, http.MethodDelete, "/orders").Code)
}

func TestMethodNotAllowedAndCORS(t *testing.T) {
	handler := NewHandler(config.EnvDev, nil, nil, nil)

	rec := do(t, handler, http.MethodPost, "/orders")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "DELETE, GET", rec.Header().Get("Allow"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, handler, http.MethodOptions, "/orders")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNewServerWrapsHandler(t *testing.T) {
	srv := NewServer("127.0.0.1:0", config.EnvProd, nil, nil, nil)
	require.Equal(t, "127.0.0.1:0", srv.Addr)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"prod"`)
}
