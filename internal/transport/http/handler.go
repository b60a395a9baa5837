package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/groupcast/group-service/internal/model"
	"github.com/groupcast/group-service/internal/repo"
	"github.com/groupcast/group-service/internal/service"
	"github.com/segmentio/kafka-go"
)

// RequestProducer puts request envelopes on the request topic. The mutation
// endpoints are asynchronous: they enqueue and return the event id, and the
// caller observes the outcome through the published outbox event.
type RequestProducer struct {
	writer repo.MessageWriter
}

func NewRequestProducer(w repo.MessageWriter) *RequestProducer {
	return &RequestProducer{writer: w}
}

func (p *RequestProducer) Enqueue(ctx context.Context, eventID, reqType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(model.RequestEnvelope{Type: reqType, Data: data})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(eventID), Value: env})
}

func RegisterHandlers(r *gin.Engine, svc *service.GroupService, producer *RequestProducer) {
	v1 := r.Group("/v1")
	{
		v1.POST("/groups", createGroupHandler(producer))
		v1.POST("/groups/:id/join", joinGroupHandler(producer))
		v1.POST("/groups/:id/leave", leaveGroupHandler(producer))
		v1.POST("/groups/:id/status", changeStatusHandler(producer))
		v1.GET("/groups/:id", getGroupHandler(svc))
		v1.GET("/groups/:id/members", listMembersHandler(svc))
	}
}

type createGroupReq struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	MaxGroupSize int    `json:"max_group_size" binding:"required"`
	WebsocketID  string `json:"websocket_id" binding:"required"`
}

func createGroupHandler(producer *RequestProducer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createGroupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		eventID := uuid.NewString()
		payload := model.CreateGroupRequest{
			EventID:      eventID,
			WebsocketID:  req.WebsocketID,
			Title:        req.Title,
			Description:  req.Description,
			MaxGroupSize: req.MaxGroupSize,
		}
		if err := producer.Enqueue(c, eventID, model.RequestCreateGroup, payload); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": eventID})
	}
}

type joinGroupReq struct {
	Username    string `json:"username" binding:"required"`
	WebsocketID string `json:"websocket_id" binding:"required"`
}

func joinGroupHandler(producer *RequestProducer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req joinGroupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		groupID, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		eventID := uuid.NewString()
		payload := model.JoinGroupRequest{
			EventID:     eventID,
			WebsocketID: req.WebsocketID,
			GroupID:     groupID,
			Username:    req.Username,
		}
		if err := producer.Enqueue(c, eventID, model.RequestJoinGroup, payload); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": eventID})
	}
}

type leaveGroupReq struct {
	MemberID    uint64 `json:"member_id" binding:"required"`
	WebsocketID string `json:"websocket_id" binding:"required"`
}

func leaveGroupHandler(producer *RequestProducer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req leaveGroupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		groupID, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		eventID := uuid.NewString()
		payload := model.LeaveGroupRequest{
			EventID:     eventID,
			WebsocketID: req.WebsocketID,
			GroupID:     groupID,
			MemberID:    req.MemberID,
		}
		if err := producer.Enqueue(c, eventID, model.RequestLeaveGroup, payload); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": eventID})
	}
}

type changeStatusReq struct {
	NewStatus   string `json:"new_status" binding:"required"`
	WebsocketID string `json:"websocket_id"`
}

func changeStatusHandler(producer *RequestProducer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changeStatusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		groupID, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		eventID := uuid.NewString()
		payload := model.ChangeStatusRequest{
			EventID:     eventID,
			WebsocketID: req.WebsocketID,
			GroupID:     groupID,
			NewStatus:   req.NewStatus,
		}
		if err := producer.Enqueue(c, eventID, model.RequestChangeStatus, payload); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": eventID})
	}
}

func getGroupHandler(svc *service.GroupService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		g, size, err := svc.GetGroup(c, id)
		if err != nil {
			if errors.Is(err, repo.ErrGroupNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"group": g, "current_group_size": size})
	}
}

func listMembersHandler(svc *service.GroupService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		members, err := svc.ListMembers(c, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, members)
	}
}
