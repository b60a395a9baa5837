// Package consumer hosts the long-lived subscription that turns inbound
// request messages into domain-service calls. Every failure is contained at
// the per-item boundary: a malformed or rejected request is recorded (or
// logged) and the loop moves on, so one bad message can never stop the
// stream.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/groupcast/group-service/internal/model"
	"github.com/groupcast/group-service/internal/repo"
	"github.com/groupcast/group-service/internal/service"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the slice of *kafka.Reader the consumer needs; tests
// substitute a fake.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Consumer struct {
	reader MessageReader
	svc    *service.GroupService
	log    *zap.SugaredLogger
}

func New(reader MessageReader, svc *service.GroupService, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{reader: reader, svc: svc, log: logger}
}

// Run fetches and processes request messages until ctx is cancelled. The
// message is committed whether or not processing succeeded: a failed request
// has its outcome recorded as a FAILED outbox event, and redelivery of a
// processed one is absorbed by the idempotency gate anyway.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Errorf("fetch request: %v", err)
			continue
		}
		c.Handle(ctx, m.Value)
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Errorf("commit offset: %v", err)
		}
	}
}

// Handle processes one request envelope. It never returns an error; the
// subscription must survive arbitrarily many individual failures.
func (c *Consumer) Handle(ctx context.Context, raw []byte) {
	var env model.RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warnf("undecodable request envelope: %v", err)
		return
	}
	switch env.Type {
	case model.RequestCreateGroup:
		c.handleCreate(ctx, env.Data)
	case model.RequestJoinGroup:
		c.handleJoin(ctx, env.Data)
	case model.RequestLeaveGroup:
		c.handleLeave(ctx, env.Data)
	case model.RequestChangeStatus:
		c.handleChangeStatus(ctx, env.Data)
	default:
		c.log.Warnf("unknown request type %q", env.Type)
	}
}

func (c *Consumer) handleCreate(ctx context.Context, data json.RawMessage) {
	var req model.CreateGroupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Warnf("undecodable create request: %v", err)
		return
	}
	if err := validateEventID(req.EventID); err != nil {
		// no usable id means no way to key an outcome; drop with a log
		c.log.Warnf("create request rejected: %v", err)
		return
	}
	if err := validateCreate(req); err != nil {
		c.recordFailed(req.EventID, c.svc.CreateGroupFailed(ctx, req, err))
		return
	}
	if _, err := c.svc.CreateGroup(ctx, req); err != nil {
		if c.duplicate(req.EventID, err) {
			return
		}
		c.log.Warnf("create group %s: %v", req.EventID, err)
		c.recordFailed(req.EventID, c.svc.CreateGroupFailed(ctx, req, err))
	}
}

func (c *Consumer) handleJoin(ctx context.Context, data json.RawMessage) {
	var req model.JoinGroupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Warnf("undecodable join request: %v", err)
		return
	}
	if err := validateEventID(req.EventID); err != nil {
		c.log.Warnf("join request rejected: %v", err)
		return
	}
	if err := validateJoin(req); err != nil {
		c.recordFailed(req.EventID, c.svc.AddMemberFailed(ctx, req, err))
		return
	}
	if _, err := c.svc.AddMember(ctx, req); err != nil {
		if c.duplicate(req.EventID, err) {
			return
		}
		c.log.Warnf("join group %s: %v", req.EventID, err)
		c.recordFailed(req.EventID, c.svc.AddMemberFailed(ctx, req, err))
	}
}

func (c *Consumer) handleLeave(ctx context.Context, data json.RawMessage) {
	var req model.LeaveGroupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Warnf("undecodable leave request: %v", err)
		return
	}
	if err := validateEventID(req.EventID); err != nil {
		c.log.Warnf("leave request rejected: %v", err)
		return
	}
	if err := validateLeave(req); err != nil {
		c.recordFailed(req.EventID, c.svc.RemoveMemberFailed(ctx, req, err))
		return
	}
	if _, err := c.svc.RemoveMember(ctx, req); err != nil {
		if c.duplicate(req.EventID, err) {
			return
		}
		c.log.Warnf("leave group %s: %v", req.EventID, err)
		c.recordFailed(req.EventID, c.svc.RemoveMemberFailed(ctx, req, err))
	}
}

func (c *Consumer) handleChangeStatus(ctx context.Context, data json.RawMessage) {
	var req model.ChangeStatusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Warnf("undecodable status request: %v", err)
		return
	}
	if err := validateEventID(req.EventID); err != nil {
		c.log.Warnf("status request rejected: %v", err)
		return
	}
	if err := validateChangeStatus(req); err != nil {
		c.recordFailed(req.EventID, c.svc.UpdateStatusFailed(ctx, req, err))
		return
	}
	if _, err := c.svc.UpdateStatus(ctx, req); err != nil {
		if c.duplicate(req.EventID, err) {
			return
		}
		c.log.Warnf("change status %s: %v", req.EventID, err)
		c.recordFailed(req.EventID, c.svc.UpdateStatusFailed(ctx, req, err))
	}
}

// duplicate reports whether err is the idempotency gate firing. That case
// intentionally records nothing: the original event for this id already
// exists and remains authoritative.
func (c *Consumer) duplicate(eventID string, err error) bool {
	if errors.Is(err, repo.ErrEventAlreadyPublished) {
		c.log.Infof("duplicate request %s ignored", eventID)
		return true
	}
	return false
}

func (c *Consumer) recordFailed(eventID string, err error) {
	if err != nil {
		c.log.Errorf("record failed outcome %s: %v", eventID, err)
	}
}

func validateEventID(id string) error {
	if id == "" {
		return errors.New("eventId is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("eventId is not a valid uuid: %w", err)
	}
	return nil
}

func validateCreate(req model.CreateGroupRequest) error {
	if req.Title == "" {
		return errors.New("title is required")
	}
	if len(req.Title) > 128 {
		return errors.New("title exceeds 128 characters")
	}
	if req.MaxGroupSize <= 0 {
		return service.ErrInvalidGroupSize
	}
	return nil
}

func validateJoin(req model.JoinGroupRequest) error {
	if req.GroupID == 0 {
		return errors.New("groupId is required")
	}
	if req.Username == "" {
		return errors.New("username is required")
	}
	if req.WebsocketID == "" {
		return errors.New("websocketId is required")
	}
	return nil
}

func validateLeave(req model.LeaveGroupRequest) error {
	if req.GroupID == 0 {
		return errors.New("groupId is required")
	}
	if req.MemberID == 0 {
		return errors.New("memberId is required")
	}
	if req.WebsocketID == "" {
		return errors.New("websocketId is required")
	}
	return nil
}

func validateChangeStatus(req model.ChangeStatusRequest) error {
	if req.GroupID == 0 {
		return errors.New("groupId is required")
	}
	if req.NewStatus != model.GroupStatusDisbanded && req.NewStatus != model.GroupStatusAutoDisbanded {
		return service.ErrInvalidStatus
	}
	return nil
}
