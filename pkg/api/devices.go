package api

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

// HealthResponse reports service health
type HealthResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Devices   int    `json:"devices"`
	Connected int    `json:"connected"`
	Storage   bool   `json:"storage"`
}

// DeviceResponse is a device with its stored trust details
type DeviceResponse struct {
	device.Info
	Fingerprint string `json:"fingerprint,omitempty"`
	Pending     int    `json:"pending"`
}

// TransferResponse describes an open payload transfer
type TransferResponse struct {
	ID     string `json:"id"`
	Size   int64  `json:"size"`
	Copied int64  `json:"copied"`
	State  string `json:"state"`
}

// SendResponse reports how a packet was handled
type SendResponse struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`
	// Queued is true when the device was offline and the packet was
	// stored for its next connection
	Queued bool `json:"queued"`
}

func (s *Server) handleHealth(c *gin.Context) {
	devices := s.devices.Devices()
	connected := 0
	for _, d := range devices {
		if d.Connected() {
			connected++
		}
	}

	status := "healthy"
	if connected == 0 {
		status = "idle"
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Alloc > 1024*1024*1024 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Success:   true,
		Status:    status,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Devices:   len(devices),
		Connected: connected,
		Storage:   s.store != nil,
	})
}

func (s *Server) handleIdentity(c *gin.Context) {
	if s.identity == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No local identity"})
		return
	}
	c.JSON(http.StatusOK, s.identity())
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.devices.Devices()
	infos := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: infos})
}

// lookup resolves the :id parameter, writing a 404 when unknown
func (s *Server) lookup(c *gin.Context) (*device.Device, bool) {
	id := c.Param("id")
	d, ok := s.devices.Device(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Device not found", Message: id})
		return nil, false
	}
	return d, true
}

func (s *Server) handleGetDevice(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	resp := DeviceResponse{Info: d.Info()}
	if s.store != nil {
		if known, err := s.store.GetDevice(d.ID()); err == nil {
			resp.Fingerprint = known.Fingerprint
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to read device", zap.String("device", d.ID()), zap.Error(err))
		}
		if n, err := s.store.PendingCount(d.ID()); err == nil {
			resp.Pending = n
		}
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: resp})
}

func (s *Server) handleForgetDevice(c *gin.Context) {
	id := c.Param("id")
	if err := s.devices.Forget(id); err != nil {
		if errors.Is(err, device.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Device not found", Message: id})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to forget device", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "device forgotten"})
}

func (s *Server) handleSendPacket(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	p, err := packet.FromValue(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid packet", Message: err.Error()})
		return
	}

	queued := !d.Connected()
	if err := d.Send(p); err != nil {
		s.writeSendError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SendResponse{Success: true, Type: p.Type, Queued: queued})
}

func (s *Server) handlePair(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := d.RequestPair(); err != nil {
		s.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "pair request sent"})
}

func (s *Server) handleUnpair(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	// the local decision stands even if the peer cannot be told
	if err := d.Unpair(); err != nil && !errors.Is(err, device.ErrNotConnected) {
		s.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "unpaired"})
}

func (s *Server) handleListTransfers(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	registry := d.Transfers()
	transfers := make([]TransferResponse, 0, registry.Len())
	for _, id := range registry.IDs() {
		t, ok := registry.Get(id)
		if !ok {
			continue
		}
		transfers = append(transfers, TransferResponse{
			ID:     t.ID(),
			Size:   t.Size(),
			Copied: t.Copied(),
			State:  t.State().String(),
		})
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: transfers})
}

func (s *Server) handleCancelTransfer(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	t, ok := d.Transfers().Get(c.Param("transferID"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Transfer not found", Message: c.Param("transferID")})
		return
	}
	_ = t.Close()

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "transfer cancelled"})
}

func (s *Server) writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, device.ErrNotConnected):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Device not connected", Message: err.Error()})
	case errors.Is(err, packet.ErrMalformedPacket):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid packet", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to send packet", Message: err.Error()})
	}
}
