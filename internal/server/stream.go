package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/realtime"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// StreamEventSnapshot carries the complete current set for the stream.
	StreamEventSnapshot = "snapshot"
	// StreamEventHeartbeat keeps idle connections open through proxies.
	StreamEventHeartbeat = "heartbeat"
	// StreamEventError reports that the stream is ending because of a store failure.
	StreamEventError = "error"
)

type heartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

func (h *httpHandler) handleMarkerStream(c *gin.Context) {
	scope, ok := parseScopeParameter(c)
	if !ok {
		return
	}
	h.serveStream(c, scope.Key(), func() (interface{}, error) {
		stored, err := h.markerStore.ListMarkers(c.Request.Context(), scope)
		if err != nil {
			return nil, err
		}
		return markerListResponse{Scope: scope.Key(), Markers: markerPayloadsFrom(stored)}, nil
	})
}

func (h *httpHandler) handleCommunityStream(c *gin.Context) {
	h.serveStream(c, realtime.CommunitiesKey, func() (interface{}, error) {
		stored, err := h.markerStore.ListCommunities(c.Request.Context())
		if err != nil {
			return nil, err
		}
		return communityListResponse{Communities: communityPayloadsFrom(stored)}, nil
	})
}

// serveStream subscribes before reading the first snapshot, so no change between the two is
// lost. Every notification triggers a full reload.
func (h *httpHandler) serveStream(c *gin.Context, routingKey string, load func() (interface{}, error)) {
	ctx := c.Request.Context()
	notifications, cleanup := h.realtime.Subscribe(ctx, routingKey)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if !h.writeSnapshot(c, routingKey, load) {
		return
	}

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-notifications:
			if !open {
				return
			}
			if !h.writeSnapshot(c, routingKey, load) {
				return
			}
		case tick := <-ticker.C:
			if err := writeStreamEvent(c, StreamEventHeartbeat, heartbeatPayload{Timestamp: tick.UTC().Unix()}); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeSnapshot(c *gin.Context, routingKey string, load func() (interface{}, error)) bool {
	payload, err := load()
	if err != nil {
		h.logger.Error("stream snapshot failed", zap.String("scope", routingKey), zap.Error(err))
		_ = writeStreamEvent(c, StreamEventError, gin.H{"error": "snapshot_failed"})
		return false
	}
	if err := writeStreamEvent(c, StreamEventSnapshot, payload); err != nil {
		h.logger.Debug("stream closed", zap.String("scope", routingKey), zap.Error(err))
		return false
	}
	return true
}

func writeStreamEvent(c *gin.Context, event string, data interface{}) error {
	if err := sse.Encode(c.Writer, sse.Event{Event: event, Data: data}); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

