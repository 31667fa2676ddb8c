package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

func newTestServer(t *testing.T, config *Config) (*Server, *device.Manager, *storage.DB) {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	devices := device.NewManager(store, nil)
	local := packet.NewIdentity(packet.Identity{DeviceID: "laptop", DeviceName: "Laptop", DeviceType: "desktop"})

	if config == nil {
		config = DefaultConfig()
	}
	server := NewServer(devices, store, func() *packet.Packet { return local }, config, nil)
	t.Cleanup(func() { server.Stop() })

	return server, devices, store
}

func addDevice(t *testing.T, devices *device.Manager, id string) *device.Device {
	t.Helper()
	identity := packet.NewIdentity(packet.Identity{DeviceID: id, DeviceName: "Phone " + id, DeviceType: "phone"})
	d, err := devices.Resolve(identity)
	require.NoError(t, err)
	d.HandleIdentity(identity)
	return d
}

func do(server *Server, method, url string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	server, devices, _ := newTestServer(t, nil)
	addDevice(t, devices, "phone")

	for _, url := range []string{"/health", "/api/v1/health"} {
		w := do(server, http.MethodGet, url, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "idle", resp.Status)
		assert.Equal(t, 1, resp.Devices)
		assert.Zero(t, resp.Connected)
		assert.True(t, resp.Storage)
	}
}

func TestIdentity(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	w := do(server, http.MethodGet, "/api/v1/identity", nil)
	require.Equal(t, http.StatusOK, w.Code)

	p, err := packet.FromText(w.Body.String())
	require.NoError(t, err)
	assert.Equal(t, packet.TypeIdentity, p.Type)
	assert.Equal(t, "laptop", p.GetString(packet.KeyDeviceID))
}

func TestDevices(t *testing.T) {
	server, devices, _ := newTestServer(t, nil)
	addDevice(t, devices, "phone")
	addDevice(t, devices, "tablet")

	t.Run("List", func(t *testing.T) {
		w := do(server, http.MethodGet, "/api/v1/devices", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success bool          `json:"success"`
			Data    []device.Info `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 2)
		assert.Equal(t, "phone", resp.Data[0].ID)
		assert.Equal(t, "Phone phone", resp.Data[0].Name)
		assert.Equal(t, "tablet", resp.Data[1].ID)
	})

	t.Run("Get", func(t *testing.T) {
		w := do(server, http.MethodGet, "/api/v1/devices/phone", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data DeviceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "phone", resp.Data.ID)
		assert.False(t, resp.Data.Connected)
		assert.Zero(t, resp.Data.Pending)
	})

	t.Run("NotFound", func(t *testing.T) {
		w := do(server, http.MethodGet, "/api/v1/devices/watch", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Forget", func(t *testing.T) {
		w := do(server, http.MethodDelete, "/api/v1/devices/tablet", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(server, http.MethodDelete, "/api/v1/devices/tablet", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSendPacket(t *testing.T) {
	server, devices, store := newTestServer(t, nil)
	addDevice(t, devices, "phone")

	tests := []struct {
		name   string
		url    string
		body   string
		status int
	}{
		{"queued while offline", "/api/v1/devices/phone/packets", `{"type":"zentalk.ping","body":{"message":"hi"}}`, http.StatusAccepted},
		{"missing type", "/api/v1/devices/phone/packets", `{"body":{}}`, http.StatusBadRequest},
		{"not json", "/api/v1/devices/phone/packets", `ping`, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/watch/packets", `{"type":"zentalk.ping"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(server, http.MethodPost, tt.url, []byte(tt.body))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	count, err := store.PendingCount("phone")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	w := do(server, http.MethodGet, "/api/v1/devices/phone", nil)
	var resp struct {
		Data DeviceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Pending)
}

func TestSendQueuedResponse(t *testing.T) {
	server, devices, _ := newTestServer(t, nil)
	addDevice(t, devices, "phone")

	w := do(server, http.MethodPost, "/api/v1/devices/phone/packets", []byte(`{"type":"zentalk.ping"}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Queued)
	assert.Equal(t, "zentalk.ping", resp.Type)
}

func TestPairOffline(t *testing.T) {
	server, devices, _ := newTestServer(t, nil)
	addDevice(t, devices, "phone")

	w := do(server, http.MethodPost, "/api/v1/devices/phone/pair", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// unpairing is recorded locally even when the peer is away
	w = do(server, http.MethodDelete, "/api/v1/devices/phone/pair", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTransfers(t *testing.T) {
	server, devices, _ := newTestServer(t, nil)
	addDevice(t, devices, "phone")

	w := do(server, http.MethodGet, "/api/v1/devices/phone/transfers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []TransferResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)

	w = do(server, http.MethodDelete, "/api/v1/devices/phone/transfers/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.RateLimit = 2
	server, _, _ := newTestServer(t, config)

	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(server, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	w := do(server, http.MethodOptions, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
