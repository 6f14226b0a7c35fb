package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStateCriticalRouteExitsOnPanic(t *testing.T) {
	code := -1
	exit := Exit
	Exit = func(c int) { code = c }
	defer func() { Exit = exit }()

	h := StateCriticalRoute(func(w http.ResponseWriter, r *http.Request) {
		panic("inconsistent state")
	}, zap.NewNop())

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/state/", nil))

	assert.Equal(t, 1, code)
}

func TestStateCriticalRoutePassesThrough(t *testing.T) {
	h := StateCriticalRoute(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}, zap.NewNop())

	res := httptest.NewRecorder()
	h(res, httptest.NewRequest(http.MethodGet, "/state/", nil))

	assert.Equal(t, http.StatusTeapot, res.Code)
}
