package service

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/groupcast/group-service/internal/logger"
	"github.com/groupcast/group-service/internal/model"
	"github.com/groupcast/group-service/internal/repo"
	"github.com/segmentio/kafka-go"
)

func newTestService(t *testing.T) (*GroupService, context.Context) {
	// SQLite in-memory DB
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, repo.Migrate(db))

	// Redis mock; cache writes are best-effort so unmatched commands only warn
	rdb, _ := redismock.NewClientMock()

	writer := &kafka.Writer{} // not used here
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, writer, log)
	svc := NewGroupService(repository, log)

	return svc, context.Background()
}

func countEvents(t *testing.T, svc *GroupService, ctx context.Context) int64 {
	var n int64
	assert.NoError(t, svc.Repo().DB(ctx).Model(&model.OutboxEvent{}).Count(&n).Error)
	return n
}

func countActive(t *testing.T, svc *GroupService, ctx context.Context, groupID uint64) int64 {
	n, err := svc.Repo().CountActiveMembers(ctx, svc.Repo().DB(ctx), groupID)
	assert.NoError(t, err)
	return n
}

func TestGroupService_FullFlow(t *testing.T) {
	svc, ctx := newTestService(t)

	// create a two-seat group
	g, err := svc.CreateGroup(ctx, model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "duo queue", MaxGroupSize: 2,
	})
	assert.NoError(t, err)
	assert.Equal(t, model.GroupStatusActive, g.Status)
	assert.EqualValues(t, 1, countEvents(t, svc, ctx)) // GROUP_CREATED

	// two joins fill it
	m1, err := svc.AddMember(ctx, model.JoinGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-1", GroupID: g.ID, Username: "ana"})
	assert.NoError(t, err)
	m2, err := svc.AddMember(ctx, model.JoinGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-2", GroupID: g.ID, Username: "bo"})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, countActive(t, svc, ctx, g.ID))
	// each join records MEMBER_JOINED plus a GROUP_UPDATED activity bump
	assert.EqualValues(t, 5, countEvents(t, svc, ctx))

	// third join must bounce off the capacity invariant with no mutation
	_, err = svc.AddMember(ctx, model.JoinGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-3", GroupID: g.ID, Username: "cy"})
	assert.ErrorIs(t, err, repo.ErrGroupFull)
	assert.EqualValues(t, 2, countActive(t, svc, ctx, g.ID))
	assert.EqualValues(t, 5, countEvents(t, svc, ctx))

	// a websocket id can hold only one active membership
	_, err = svc.AddMember(ctx, model.JoinGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-1", GroupID: g.ID, Username: "ana"})
	assert.ErrorIs(t, err, repo.ErrUserAlreadyInGroup)

	// voluntary leave
	left, err := svc.RemoveMember(ctx, model.LeaveGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-1", GroupID: g.ID, MemberID: m1.ID})
	assert.NoError(t, err)
	assert.Equal(t, model.MemberStatusLeft, left.Status)
	assert.NotNil(t, left.ExitedAt)
	assert.EqualValues(t, 1, countActive(t, svc, ctx, g.ID))

	// a leave must match both member id and websocket id
	_, err = svc.RemoveMember(ctx, model.LeaveGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-1", GroupID: g.ID, MemberID: m2.ID})
	assert.ErrorIs(t, err, repo.ErrMemberNotFound)

	// disband cascades the remaining member
	updated, err := svc.UpdateStatus(ctx, model.ChangeStatusRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner", GroupID: g.ID,
		NewStatus: model.GroupStatusDisbanded})
	assert.NoError(t, err)
	assert.Equal(t, model.GroupStatusDisbanded, updated.Status)
	assert.EqualValues(t, 0, countActive(t, svc, ctx, g.ID))

	var cascaded model.Member
	assert.NoError(t, svc.Repo().DB(ctx).First(&cascaded, m2.ID).Error)
	assert.Equal(t, model.MemberStatusAutoLeft, cascaded.Status)
	assert.NotNil(t, cascaded.ExitedAt)

	// terminal states are one-way
	_, err = svc.UpdateStatus(ctx, model.ChangeStatusRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner", GroupID: g.ID,
		NewStatus: model.GroupStatusAutoDisbanded})
	assert.ErrorIs(t, err, repo.ErrGroupNotActive)
}

func TestGroupService_IdempotencyGate(t *testing.T) {
	svc, ctx := newTestService(t)

	g, err := svc.CreateGroup(ctx, model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "retry target", MaxGroupSize: 3,
	})
	assert.NoError(t, err)

	joinID := uuid.NewString()
	req := model.JoinGroupRequest{EventID: joinID, WebsocketID: "ws-1", GroupID: g.ID, Username: "ana"}

	_, err = svc.AddMember(ctx, req)
	assert.NoError(t, err)
	eventsAfterFirst := countEvents(t, svc, ctx)

	// redelivery of the same request: no second member, no second event
	_, err = svc.AddMember(ctx, req)
	assert.ErrorIs(t, err, repo.ErrEventAlreadyPublished)
	assert.EqualValues(t, 1, countActive(t, svc, ctx, g.ID))
	assert.Equal(t, eventsAfterFirst, countEvents(t, svc, ctx))

	// the original event for that id is still the authoritative record
	var evt model.OutboxEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&evt, "event_id = ?", joinID).Error)
	assert.Equal(t, model.EventMemberJoined, evt.EventType)
	assert.Equal(t, model.EventStatusSuccessful, evt.EventStatus)
}

func TestGroupService_StatusGating(t *testing.T) {
	svc, ctx := newTestService(t)

	g, err := svc.CreateGroup(ctx, model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "short lived", MaxGroupSize: 5,
	})
	assert.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, model.ChangeStatusRequest{
		EventID: uuid.NewString(), GroupID: g.ID, NewStatus: model.GroupStatusAutoDisbanded})
	assert.NoError(t, err)

	_, err = svc.AddMember(ctx, model.JoinGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-1", GroupID: g.ID, Username: "ana"})
	assert.ErrorIs(t, err, repo.ErrGroupNotActive)
	assert.EqualValues(t, 0, countActive(t, svc, ctx, g.ID))
}

func TestGroupService_DisbandCascadeEvents(t *testing.T) {
	svc, ctx := newTestService(t)

	g, err := svc.CreateGroup(ctx, model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "full squad", MaxGroupSize: 3,
	})
	assert.NoError(t, err)
	for i, ws := range []string{"ws-1", "ws-2", "ws-3"} {
		_, err := svc.AddMember(ctx, model.JoinGroupRequest{
			EventID: uuid.NewString(), WebsocketID: ws, GroupID: g.ID,
			Username: []string{"ana", "bo", "cy"}[i]})
		assert.NoError(t, err)
	}
	before := countEvents(t, svc, ctx)

	disbandID := uuid.NewString()
	_, err = svc.UpdateStatus(ctx, model.ChangeStatusRequest{
		EventID: disbandID, GroupID: g.ID, NewStatus: model.GroupStatusDisbanded})
	assert.NoError(t, err)

	// all three members cascade, but the disband records exactly one event
	var exited int64
	assert.NoError(t, svc.Repo().DB(ctx).Model(&model.Member{}).
		Where("group_id = ? AND status = ?", g.ID, model.MemberStatusAutoLeft).
		Count(&exited).Error)
	assert.EqualValues(t, 3, exited)
	assert.Equal(t, before+1, countEvents(t, svc, ctx))

	var evt model.OutboxEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&evt, "event_id = ?", disbandID).Error)
	assert.Equal(t, model.EventGroupUpdated, evt.EventType)
	assert.Equal(t, model.AggregateGroup, evt.AggregateType)

	data, err := model.DecodeEventData(evt.EventData)
	assert.NoError(t, err)
	assert.NotNil(t, data.Group)
	assert.Equal(t, model.GroupStatusDisbanded, data.Group.Status)
}

func TestGroupService_InvalidGroupSize(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.CreateGroup(ctx, model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "bad", MaxGroupSize: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidGroupSize)
	assert.EqualValues(t, 0, countEvents(t, svc, ctx))
}

func TestGroupService_FailureRecording(t *testing.T) {
	svc, ctx := newTestService(t)

	req := model.CreateGroupRequest{
		EventID: uuid.NewString(), WebsocketID: "ws-owner",
		Title: "bad", MaxGroupSize: -1,
	}
	assert.NoError(t, svc.CreateGroupFailed(ctx, req, ErrInvalidGroupSize))

	var evt model.OutboxEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&evt, "event_id = ?", req.EventID).Error)
	assert.Equal(t, model.EventStatusFailed, evt.EventStatus)

	data, err := model.DecodeEventData(evt.EventData)
	assert.NoError(t, err)
	assert.Equal(t, ErrInvalidGroupSize.Error(), data.Error)

	// recording again for the same id is a no-op, not an error
	assert.NoError(t, svc.CreateGroupFailed(ctx, req, ErrInvalidGroupSize))
	assert.EqualValues(t, 1, countEvents(t, svc, ctx))
}
