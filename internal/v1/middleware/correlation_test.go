package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devroulette/backend/internal/v1/logging"
)

func runRequest(t *testing.T, inbound string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(CorrelationID())
	router.GET("/", func(c *gin.Context) {
		if v, ok := c.Request.Context().Value(logging.CorrelationIDKey).(string); ok {
			seen = v
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		req.Header.Set(HeaderXCorrelationID, inbound)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w, seen
}

func TestCorrelationID_Generated(t *testing.T) {
	w, seen := runRequest(t, "")

	generated := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, seen, "handler must see the same ID the client gets")
}

func TestCorrelationID_InboundHonored(t *testing.T) {
	w, seen := runRequest(t, "req-abc-123")

	assert.Equal(t, "req-abc-123", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-abc-123", seen)
}
