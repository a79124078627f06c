package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/dotmap/internal/markers"
	"github.com/MarcoPoloResearchLab/dotmap/internal/realtime"
	"github.com/gin-gonic/gin"
)

const maxCommunityNameLength = 320

type markerPayload struct {
	ID               string  `json:"id"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	OwnerID          string  `json:"owner_id,omitempty"`
	CommunityID      string  `json:"community_id,omitempty"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

type markerListResponse struct {
	Scope   string          `json:"scope"`
	Markers []markerPayload `json:"markers"`
}

type createMarkerRequest struct {
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	CommunityID string   `json:"community_id"`
}

type communityPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type communityListResponse struct {
	Communities []communityPayload `json:"communities"`
}

type communityNameRequest struct {
	Name string `json:"name"`
}

func markerPayloadFrom(marker markers.Marker) markerPayload {
	return markerPayload{
		ID:               marker.MarkerID,
		Lat:              marker.Latitude,
		Lng:              marker.Longitude,
		OwnerID:          marker.OwnerID,
		CommunityID:      marker.CommunityID,
		CreatedAtSeconds: marker.CreatedAtSeconds,
	}
}

func markerPayloadsFrom(stored []markers.Marker) []markerPayload {
	payloads := make([]markerPayload, 0, len(stored))
	for _, marker := range stored {
		payloads = append(payloads, markerPayloadFrom(marker))
	}
	return payloads
}

func communityPayloadsFrom(stored []markers.Community) []communityPayload {
	payloads := make([]communityPayload, 0, len(stored))
	for _, community := range stored {
		payloads = append(payloads, communityPayload{ID: community.CommunityID, Name: community.Name})
	}
	return payloads
}

func (h *httpHandler) handleListMarkers(c *gin.Context) {
	scope, ok := parseScopeParameter(c)
	if !ok {
		return
	}
	stored, err := h.markerStore.ListMarkers(c.Request.Context(), scope)
	if err != nil {
		h.respondStoreError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, markerListResponse{Scope: scope.Key(), Markers: markerPayloadsFrom(stored)})
}

func (h *httpHandler) handleCreateMarker(c *gin.Context) {
	var request createMarkerRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Lat == nil || request.Lng == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	coordinates, err := markers.NewCoordinates(*request.Lat, *request.Lng)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}
	scope, err := markers.ParseScope(request.CommunityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}

	marker, err := h.markerStore.CreateMarker(c.Request.Context(), markers.CreateMarkerRequest{
		Scope:       scope,
		Coordinates: coordinates,
		OwnerID:     c.GetString(userIDContextKey),
	})
	if err != nil {
		h.respondStoreError(c, "create_failed", err)
		return
	}
	h.publish(realtime.EventMarkersChanged, scope.Key(), marker.MarkerID)
	c.JSON(http.StatusCreated, gin.H{"marker": markerPayloadFrom(marker)})
}

func (h *httpHandler) handleDeleteMarker(c *gin.Context) {
	markerID, err := markers.NewMarkerID(trimmedParam(c, "id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_marker_id"})
		return
	}
	scope, ok := parseScopeParameter(c)
	if !ok {
		return
	}
	deleted, err := h.markerStore.DeleteMarker(c.Request.Context(), scope, markerID)
	if err != nil {
		h.respondStoreError(c, "delete_failed", err)
		return
	}
	if deleted {
		h.publish(realtime.EventMarkersChanged, scope.Key(), markerID.String())
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCommunities(c *gin.Context) {
	stored, err := h.markerStore.ListCommunities(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, communityListResponse{Communities: communityPayloadsFrom(stored)})
}

func bindCommunityName(c *gin.Context) (string, bool) {
	var request communityNameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	name := strings.TrimSpace(request.Name)
	if name == "" || len(name) > maxCommunityNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name"})
		return "", false
	}
	return name, true
}

func (h *httpHandler) handleCreateCommunity(c *gin.Context) {
	name, ok := bindCommunityName(c)
	if !ok {
		return
	}
	community, err := h.markerStore.CreateCommunity(c.Request.Context(), name)
	if err != nil {
		h.respondStoreError(c, "create_failed", err)
		return
	}
	h.publish(realtime.EventCommunitiesChanged, realtime.CommunitiesKey)
	c.JSON(http.StatusCreated, gin.H{"community": communityPayload{ID: community.CommunityID, Name: community.Name}})
}

func (h *httpHandler) handleRenameCommunity(c *gin.Context) {
	communityID, err := markers.NewCommunityID(trimmedParam(c, "id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_community_id"})
		return
	}
	name, ok := bindCommunityName(c)
	if !ok {
		return
	}
	if err := h.markerStore.RenameCommunity(c.Request.Context(), communityID, name); err != nil {
		h.respondStoreError(c, "rename_failed", err)
		return
	}
	h.publish(realtime.EventCommunitiesChanged, realtime.CommunitiesKey)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteCommunity(c *gin.Context) {
	communityID, err := markers.NewCommunityID(trimmedParam(c, "id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_community_id"})
		return
	}
	deleted, err := h.markerStore.DeleteCommunity(c.Request.Context(), communityID)
	if err != nil && !errors.Is(err, markers.ErrCommunityNotFound) {
		h.respondStoreError(c, "delete_failed", err)
		return
	}
	if deleted {
		h.publish(realtime.EventCommunitiesChanged, realtime.CommunitiesKey)
	}
	c.Status(http.StatusNoContent)
}
