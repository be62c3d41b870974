package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/games"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/orchestrator"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, games.ErrNotFound),
		errors.Is(err, orchestrator.ErrNoActiveSession),
		errors.Is(err, audio.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, backend.ErrUnsupported),
		errors.Is(err, orchestrator.ErrCatalogResolution),
		errors.Is(err, launcher.ErrPreflightPathMissing),
		errors.Is(err, orchestrator.ErrHMDNotMounted):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown),
		errors.Is(err, device.ErrDeviceUnreachable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleListGames(c *gin.Context) {
	list, err := s.deps.Library.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []games.Game{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetGame(c *gin.Context) {
	game, err := s.deps.Library.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, game)
}

func (s *Server) handleSaveGame(c *gin.Context) {
	var game games.Game
	if err := c.ShouldBindJSON(&game); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := game.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := backend.ParseVariant(game.VRBackend); err != nil {
		s.fail(c, err)
		return
	}

	saved, err := s.deps.Library.Upsert(c.Request.Context(), game)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if game.ID == "" {
		status = http.StatusCreated
	}
	c.JSON(status, saved)
}

func (s *Server) handleDeleteGame(c *gin.Context) {
	if err := s.deps.Library.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetCover(c *gin.Context) {
	image, err := s.deps.Library.Cover(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(image) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cover image"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(image), image)
}

func (s *Server) handleSetCover(c *gin.Context) {
	image, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCoverBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(image) > maxCoverBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "cover image too large"})
		return
	}
	if err := s.deps.Library.SetCover(c.Request.Context(), c.Param("id"), image); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLaunch answers 202 for a new session and 200 for a repeated
// idempotency token
func (s *Server) handleLaunch(c *gin.Context) {
	ctx := c.Request.Context()
	game, err := s.deps.Library.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	// A client hanging up must not abort a launch halfway through
	outcome, err := s.deps.Sessions.Launch(context.WithoutCancel(ctx), c.Query("idem_token"), game)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusAccepted
	if outcome == orchestrator.OutcomeDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"status": outcome.String()})
}

func (s *Server) handleActive(c *gin.Context) {
	active, ok := s.deps.Sessions.Active()
	if !ok {
		s.fail(c, orchestrator.ErrNoActiveSession)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (s *Server) handleKill(c *gin.Context) {
	if err := s.deps.Sessions.Kill(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.deps.Sessions.Reconnect(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconnected"})
}

func (s *Server) handleDevice(c *gin.Context) {
	dev, ok := s.deps.Devices.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": device.ErrNoDevice.Error()})
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) handleBattery(c *gin.Context) {
	if s.deps.Battery == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "battery monitoring disabled"})
		return
	}
	info, ok := s.deps.Battery.Info()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "battery state unknown"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// audioTarget parses the :kind and :id parameters
func (s *Server) audioTarget(c *gin.Context) (audio.Device, bool) {
	kind, err := audio.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return audio.Device{}, false
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return audio.Device{}, false
	}
	d, err := audio.FindByID(c.Request.Context(), s.deps.Audio, kind, uint32(id))
	if err != nil {
		s.fail(c, err)
		return audio.Device{}, false
	}
	return d, true
}

func (s *Server) handleAudioDevices(c *gin.Context) {
	if s.deps.Audio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audio control disabled"})
		return
	}
	kind, err := audio.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	devices, err := audio.Devices(c.Request.Context(), s.deps.Audio, kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	if devices == nil {
		devices = []audio.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Server) handleAudioDefault(c *gin.Context) {
	if s.deps.Audio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audio control disabled"})
		return
	}
	d, ok := s.audioTarget(c)
	if !ok {
		return
	}

	var err error
	if d.Kind == audio.KindInput {
		err = s.deps.Audio.SetDefaultInput(c.Request.Context(), d)
	} else {
		err = s.deps.Audio.SetDefaultOutput(c.Request.Context(), d)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type volumeRequest struct {
	Volume *uint8 `json:"volume" binding:"required"`
	Muted  bool   `json:"muted"`
}

func (s *Server) handleAudioVolume(c *gin.Context) {
	if s.deps.Audio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audio control disabled"})
		return
	}
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Volume > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume must be between 0 and 100"})
		return
	}
	d, ok := s.audioTarget(c)
	if !ok {
		return
	}
	if err := s.deps.Audio.SetVolume(c.Request.Context(), d, *req.Volume, req.Muted); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
