package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/api/sources/{sourceUID}/feed", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/sources/{sourceUID}/feed", "418")
	before := testutil.ToFloat64(counter)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sources/a/feed", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sources/b/feed", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestObserveWriteAndFetch(t *testing.T) {
	okWrites := writesTotal.WithLabelValues("create", "ok")
	failedWrites := writesTotal.WithLabelValues("create", "error")
	ok0, fail0 := testutil.ToFloat64(okWrites), testutil.ToFloat64(failedWrites)

	ObserveWrite("create", nil)
	ObserveWrite("create", errors.New("boom"))

	assert.Equal(t, ok0+1, testutil.ToFloat64(okWrites))
	assert.Equal(t, fail0+1, testutil.ToFloat64(failedWrites))

	SetIndexed(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(occurrencesIndexed))
}
