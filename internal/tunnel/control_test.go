package tunnel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControlPlane(t *testing.T, operatorKey string, adminKey func() string) (*ControlPlane, *Registry) {
	t.Helper()
	clock := newFakeClock(time.Unix(0, 0))
	logger := NewLogger("test", LogLevelTrace)
	reg := NewRegistry(logger, clock, DefaultRegistryConfig(), nil)
	cfg := DefaultControlConfig(operatorKey, adminKey)
	return NewControlPlane(reg, logger, cfg), reg
}

func TestControlPlaneRequiresOperatorKey(t *testing.T) {
	cp, _ := newTestControlPlane(t, "secret", nil)
	h := cp.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/create", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/tunnels/create", nil)
	req2.Header.Set("X-Api-Key", "wrong")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestControlPlaneCreateListStatus(t *testing.T) {
	cp, _ := newTestControlPlane(t, "secret", nil)
	h := cp.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/create", strings.NewReader(`{"name":"demo"}`))
	req.Header.Set("X-Api-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["tunnel_id"].(string)
	require.NotEmpty(t, id)

	listReq := httptest.NewRequest(http.MethodGet, "/api/tunnels/list", nil)
	listReq.Header.Set("X-Api-Key", "secret")
	listRec := httptest.NewRecorder()
	h.ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), id)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/tunnels/"+id+"/status", nil)
	statusReq.Header.Set("X-Api-Key", "secret")
	statusRec := httptest.NewRecorder()
	h.ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusOK, statusRec.Code)
	assert.Contains(t, statusRec.Body.String(), `"status":"created"`)
}

func TestControlPlaneDeleteRequiresAdminKeyWhenSet(t *testing.T) {
	adminKey := "super-secret"
	cp, reg := newTestControlPlane(t, "secret", func() string { return adminKey })
	h := cp.Handler()

	tun, _, err := reg.Create(TunnelSpec{})
	require.NoError(t, err)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/tunnels/"+tun.ID, nil)
	delReq.Header.Set("X-Api-Key", "secret")
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusForbidden, delRec.Code)

	delReq2 := httptest.NewRequest(http.MethodDelete, "/api/tunnels/"+tun.ID, nil)
	delReq2.Header.Set("X-Api-Key", adminKey)
	delRec2 := httptest.NewRecorder()
	h.ServeHTTP(delRec2, delReq2)
	assert.Equal(t, http.StatusNoContent, delRec2.Code)

	_, ok := reg.Lookup(tun.ID)
	assert.False(t, ok)
}

func TestControlPlaneDeleteUnknownTunnelReturns404(t *testing.T) {
	cp, _ := newTestControlPlane(t, "secret", nil)
	h := cp.Handler()

	delReq := httptest.NewRequest(http.MethodDelete, "/api/tunnels/does-not-exist", nil)
	delReq.Header.Set("X-Api-Key", "secret")
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNotFound, delRec.Code)
}
