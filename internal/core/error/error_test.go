package errx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func TestIsTransient(t *testing.T) {
	t.Run("Should treat timeouts and dropped connections as transient", func(t *testing.T) {
		assert.True(t, IsTransient(context.DeadlineExceeded))
		assert.True(t, IsTransient(fmt.Errorf("read: %w", syscall.ECONNRESET)))
		assert.True(t, IsTransient(redis.ErrPoolTimeout))
		assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
		assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
		assert.True(t, IsTransient(fmt.Errorf("gemini: %w", genai.APIError{Code: http.StatusServiceUnavailable})))
	})

	t.Run("Should not retry caller cancellation or missing records", func(t *testing.T) {
		assert.False(t, IsTransient(nil))
		assert.False(t, IsTransient(context.Canceled))
		assert.False(t, IsTransient(redis.Nil))
		assert.False(t, IsTransient(ErrCircuitOpen))
		assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
		assert.False(t, IsTransient(genai.APIError{Code: http.StatusBadRequest}))
		assert.False(t, IsTransient(errors.New("boom")))
	})
}

func TestWrapStore(t *testing.T) {
	t.Run("Should map missing rows to ErrNotFound", func(t *testing.T) {
		for _, err := range []error{pgx.ErrNoRows, sql.ErrNoRows} {
			wrapped := WrapStore(err)
			assert.ErrorIs(t, wrapped, ErrNotFound)
			assert.Equal(t, http.StatusNotFound, StatusOf(wrapped))
		}
	})

	t.Run("Should keep the original error reachable", func(t *testing.T) {
		cause := errors.New("connection refused")
		wrapped := WrapStore(cause)
		assert.ErrorIs(t, wrapped, cause)
		assert.Equal(t, http.StatusServiceUnavailable, StatusOf(wrapped))
		var appErr *AppError
		assert.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, StoreErrorMessage, appErr.Message)
	})

	t.Run("Should pass nil through", func(t *testing.T) {
		assert.NoError(t, WrapStore(nil))
		assert.NoError(t, WrapRedis(nil))
		assert.NoError(t, WrapLLM(nil))
	})
}

func TestWrapRedis(t *testing.T) {
	t.Run("Should map redis.Nil to not found", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, StatusOf(WrapRedis(redis.Nil)))
		assert.Equal(t, http.StatusBadGateway, StatusOf(WrapRedis(errors.New("down"))))
	})
}
