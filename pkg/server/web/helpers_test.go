package web

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := RenderJSON(w, map[string]interface{}{"id": 7, "subject": "hi"})
	require.NoError(t, err)

	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "-1", w.Header().Get("Expires"))
	assert.JSONEq(t, `{"id":7,"subject":"hi"}`, w.Body.String())
}
