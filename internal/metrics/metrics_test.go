package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		409: "4xx",
		422: "4xx",
		500: "5xx",
		503: "5xx",
		0:   "5xx",
		999: "5xx",
	} {
		assert.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_feed_clients")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/holds/:id", func(c *gin.Context) {
		assert.Equal(t, 1.0, testutil.ToFloat64(HTTPInFlight))
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/holds/:id", "4xx")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/holds/hold_1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, 0.0, testutil.ToFloat64(HTTPInFlight))
}

func TestRegisterDB(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/escrowd?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterDB(reg, db))
	require.NoError(t, RegisterDB(reg, db), "second registration is tolerated")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_sql_open_connections")
}
