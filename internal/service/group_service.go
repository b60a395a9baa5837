package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/groupcast/group-service/internal/model"
	"github.com/groupcast/group-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GroupService is the single point where a business mutation and its outbox
// record are committed together. Every operation runs the idempotency gate
// first, then composes the state change and the outbox append in one
// transaction; if either fails, both roll back.
type GroupService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewGroupService returns GroupService.
func NewGroupService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *GroupService {
	return &GroupService{repo: r, log: logger}
}

// ErrInvalidGroupSize means a non-positive maxGroupSize was requested.
var ErrInvalidGroupSize = errors.New("maxGroupSize must be positive")

// ErrInvalidStatus means the requested transition target is not a terminal
// group status.
var ErrInvalidStatus = errors.New("invalid group status")

// errorIfEventPublished is the idempotency gate: a request whose event id is
// already in the ledger performs no mutation and records no new event.
func (s *GroupService) errorIfEventPublished(ctx context.Context, tx *gorm.DB, eventID string) error {
	exists, err := s.repo.EventExists(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if exists {
		return repo.ErrEventAlreadyPublished
	}
	return nil
}

// CreateGroup inserts a new ACTIVE group together with its GROUP_CREATED
// event.
func (s *GroupService) CreateGroup(ctx context.Context, req model.CreateGroupRequest) (*model.Group, error) {
	if req.MaxGroupSize <= 0 {
		return nil, ErrInvalidGroupSize
	}
	var created *model.Group
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.errorIfEventPublished(ctx, tx, req.EventID); err != nil {
			return err
		}
		g := &model.Group{
			Title:              req.Title,
			Description:        req.Description,
			MaxGroupSize:       req.MaxGroupSize,
			Status:             model.GroupStatusActive,
			LastMemberActivity: time.Now(),
			CreatedBy:          req.WebsocketID,
			LastModifiedBy:     req.WebsocketID,
		}
		if err := s.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		evt := newEvent(req.EventID, g.ID, model.AggregateGroup, model.EventGroupCreated,
			model.GroupData(g), model.EventStatusSuccessful, req.WebsocketID)
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		created = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AddMember joins a user to a group. The group row is locked for the
// duration of the transaction so the capacity check and the insert cannot
// race. On success a MEMBER_JOINED event and a secondary GROUP_UPDATED
// event (activity bump) are recorded.
func (s *GroupService) AddMember(ctx context.Context, req model.JoinGroupRequest) (*model.Member, error) {
	var joined *model.Member
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.errorIfEventPublished(ctx, tx, req.EventID); err != nil {
			return err
		}
		g, err := s.repo.GetGroupForUpdate(ctx, tx, req.GroupID)
		if err != nil {
			return err
		}
		if g.Status != model.GroupStatusActive {
			return repo.ErrGroupNotActive
		}
		inGroup, err := s.repo.ActiveMemberExists(ctx, tx, req.WebsocketID)
		if err != nil {
			return err
		}
		if inGroup {
			return repo.ErrUserAlreadyInGroup
		}
		n, err := s.repo.CountActiveMembers(ctx, tx, req.GroupID)
		if err != nil {
			return err
		}
		if n >= int64(g.MaxGroupSize) {
			return repo.ErrGroupFull
		}
		m := &model.Member{
			GroupID:        req.GroupID,
			Username:       req.Username,
			WebsocketID:    req.WebsocketID,
			Status:         model.MemberStatusActive,
			CreatedBy:      req.Username,
			LastModifiedBy: req.Username,
		}
		if err := s.repo.CreateMember(ctx, tx, m); err != nil {
			return err
		}
		evt := newEvent(req.EventID, m.ID, model.AggregateMember, model.EventMemberJoined,
			model.MemberData(m), model.EventStatusSuccessful, req.WebsocketID)
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.recordGroupActivity(ctx, tx, g); err != nil {
			return err
		}
		if err := s.repo.CacheGroupSize(ctx, req.GroupID, n+1); err != nil {
			s.log.Warnf("cache group size: %v", err)
		}
		joined = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// RemoveMember records a voluntary leave. The member must match by id,
// group and websocket id, which prevents a connection from removing another
// user's membership. Records MEMBER_LEFT plus a GROUP_UPDATED event.
func (s *GroupService) RemoveMember(ctx context.Context, req model.LeaveGroupRequest) (*model.Member, error) {
	var left *model.Member
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.errorIfEventPublished(ctx, tx, req.EventID); err != nil {
			return err
		}
		m, err := s.repo.GetActiveMember(ctx, tx, req.GroupID, req.MemberID, req.WebsocketID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := s.repo.MarkMemberExited(ctx, tx, m.ID, model.MemberStatusLeft, now, m.Version); err != nil {
			return err
		}
		m.Status = model.MemberStatusLeft
		m.ExitedAt = &now
		m.Version++
		evt := newEvent(req.EventID, m.ID, model.AggregateMember, model.EventMemberLeft,
			model.MemberData(m), model.EventStatusSuccessful, req.WebsocketID)
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		g, err := s.repo.GetGroupForUpdate(ctx, tx, m.GroupID)
		if err != nil {
			return err
		}
		if err := s.recordGroupActivity(ctx, tx, g); err != nil {
			return err
		}
		n, err := s.repo.CountActiveMembers(ctx, tx, m.GroupID)
		if err != nil {
			return err
		}
		if err := s.repo.CacheGroupSize(ctx, m.GroupID, n); err != nil {
			s.log.Warnf("cache group size: %v", err)
		}
		left = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return left, nil
}

// UpdateStatus disbands a group, either explicitly (DISBANDED) or via the
// expiry sweep (AUTO_DISBANDED). Every ACTIVE member cascades to AUTO_LEFT
// in the same transaction. One GROUP_UPDATED event is recorded for the
// group; member departures are not individually event-recorded.
func (s *GroupService) UpdateStatus(ctx context.Context, req model.ChangeStatusRequest) (*model.Group, error) {
	if req.NewStatus != model.GroupStatusDisbanded && req.NewStatus != model.GroupStatusAutoDisbanded {
		return nil, ErrInvalidStatus
	}
	var updated *model.Group
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.errorIfEventPublished(ctx, tx, req.EventID); err != nil {
			return err
		}
		g, err := s.repo.GetGroupForUpdate(ctx, tx, req.GroupID)
		if err != nil {
			return err
		}
		if g.Status != model.GroupStatusActive {
			return repo.ErrGroupNotActive
		}
		if err := s.repo.UpdateGroupStatus(ctx, tx, g.ID, req.NewStatus, req.WebsocketID, g.Version); err != nil {
			return err
		}
		now := time.Now()
		if _, err := s.repo.AutoLeaveMembers(ctx, tx, g.ID, now); err != nil {
			return err
		}
		g.Status = req.NewStatus
		g.LastModifiedBy = req.WebsocketID
		g.Version++
		evt := newEvent(req.EventID, g.ID, model.AggregateGroup, model.EventGroupUpdated,
			model.GroupData(g), model.EventStatusSuccessful, req.WebsocketID)
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheGroupSize(ctx, g.ID, 0); err != nil {
			s.log.Warnf("cache group size: %v", err)
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DisbandGroup is the expiry sweep's entry point.
func (s *GroupService) DisbandGroup(ctx context.Context, groupID uint64, status string) (*model.Group, error) {
	return s.UpdateStatus(ctx, model.ChangeStatusRequest{
		EventID:   uuid.NewString(),
		GroupID:   groupID,
		NewStatus: status,
	})
}

// recordGroupActivity bumps last_member_activity and appends the secondary
// GROUP_UPDATED event so subscribers can refresh aggregate views. The event
// id is minted server-side; the client id keys the primary event only.
func (s *GroupService) recordGroupActivity(ctx context.Context, tx *gorm.DB, g *model.Group) error {
	now := time.Now()
	if err := s.repo.TouchGroupActivity(ctx, tx, g.ID, now, g.Version); err != nil {
		return err
	}
	g.LastMemberActivity = now
	g.Version++
	evt := newEvent(uuid.NewString(), g.ID, model.AggregateGroup, model.EventGroupUpdated,
		model.GroupData(g), model.EventStatusSuccessful, "")
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// CreateGroupFailed records the FAILED outcome of a create request.
func (s *GroupService) CreateGroupFailed(ctx context.Context, req model.CreateGroupRequest, cause error) error {
	return s.recordFailure(ctx, req.EventID, 0, model.AggregateGroup, model.EventGroupCreated, req.WebsocketID, cause)
}

// AddMemberFailed records the FAILED outcome of a join request.
func (s *GroupService) AddMemberFailed(ctx context.Context, req model.JoinGroupRequest, cause error) error {
	return s.recordFailure(ctx, req.EventID, req.GroupID, model.AggregateMember, model.EventMemberJoined, req.WebsocketID, cause)
}

// RemoveMemberFailed records the FAILED outcome of a leave request.
func (s *GroupService) RemoveMemberFailed(ctx context.Context, req model.LeaveGroupRequest, cause error) error {
	return s.recordFailure(ctx, req.EventID, req.MemberID, model.AggregateMember, model.EventMemberLeft, req.WebsocketID, cause)
}

// UpdateStatusFailed records the FAILED outcome of a status-change request.
func (s *GroupService) UpdateStatusFailed(ctx context.Context, req model.ChangeStatusRequest, cause error) error {
	return s.recordFailure(ctx, req.EventID, req.GroupID, model.AggregateGroup, model.EventGroupUpdated, req.WebsocketID, cause)
}

// recordFailure persists a FAILED outbox event carrying the error message.
// The requester has no synchronous response channel; this event is how it
// learns the outcome. A duplicate event id means the outcome was already
// recorded, which is not an error here.
func (s *GroupService) recordFailure(ctx context.Context, eventID string, aggregateID uint64, aggregateType, eventType, websocketID string, cause error) error {
	evt := newEvent(eventID, aggregateID, aggregateType, eventType,
		model.FailureData(cause.Error()), model.EventStatusFailed, websocketID)
	err := s.repo.CreateOutboxEvent(ctx, s.repo.DB(ctx), evt)
	if errors.Is(err, repo.ErrEventAlreadyPublished) {
		return nil
	}
	return err
}

// GetGroup returns a group with its cached active-member count when the
// cache has one; on a miss the count is recomputed and re-cached.
func (s *GroupService) GetGroup(ctx context.Context, groupID uint64) (*model.Group, int64, error) {
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, 0, err
	}
	size, err := s.repo.GetCachedGroupSize(ctx, groupID)
	if err == nil {
		return g, size, nil
	}
	size, err = s.repo.CountActiveMembers(ctx, s.repo.DB(ctx), groupID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.repo.CacheGroupSize(ctx, groupID, size); err != nil {
		s.log.Warnf("cache group size: %v", err)
	}
	return g, size, nil
}

// ListMembers returns the ACTIVE members of a group.
func (s *GroupService) ListMembers(ctx context.Context, groupID uint64) ([]model.Member, error) {
	return s.repo.ListActiveMembers(ctx, groupID)
}

// Repo exposes underlying repository (unit tests helper).
func (s *GroupService) Repo() repo.RepositoryInterface {
	return s.repo
}

func newEvent(eventID string, aggregateID uint64, aggregateType, eventType, data, status, websocketID string) *model.OutboxEvent {
	evt := &model.OutboxEvent{
		EventID:       eventID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		EventStatus:   status,
	}
	if websocketID != "" {
		evt.WebsocketID = &websocketID
	}
	return evt
}
