package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore(db, time.Minute)
	key := store.Key("order.events", "OrderCanceled", "ord-1")
	assert.Equal(t, "idem:order.events:OrderCanceled:ord-1", key)

	mock.ExpectSetNX(key, "1", time.Minute).SetVal(true)
	mock.ExpectSetNX(key, "1", time.Minute).SetVal(false)

	seen, err := store.Seen(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeen_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore(db, time.Minute)
	mock.ExpectSetNX("idem:x", "1", time.Minute).SetErr(errors.New("redis down"))

	_, err := store.Seen(context.Background(), "idem:x")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore(db, time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	status := http.StatusCreated
	h := Middleware(log, store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	key := "idem:http:POST:/reservations:abc"

	t.Run("No header", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reservations", nil))
		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("First and repeated", func(t *testing.T) {
		mock.ExpectSetNX(key, "1", time.Minute).SetVal(true)
		mock.ExpectSetNX(key, "1", time.Minute).SetVal(false)

		for _, want := range []int{http.StatusCreated, http.StatusConflict} {
			req := httptest.NewRequest(http.MethodPost, "/reservations", nil)
			req.Header.Set(HeaderKey, "abc")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, want, rr.Code)
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Server error releases claim", func(t *testing.T) {
		status = http.StatusServiceUnavailable
		mock.ExpectSetNX(key, "1", time.Minute).SetVal(true)
		mock.ExpectDel(key).SetVal(1)

		req := httptest.NewRequest(http.MethodPost, "/reservations", nil)
		req.Header.Set(HeaderKey, "abc")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
