package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/groupcast/group-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Typed domain errors. Precondition errors are raised either by an explicit
// check in the service layer or by MapConstraintError translating a storage
// constraint violation.
var (
	ErrGroupNotFound         = errors.New("group does not exist")
	ErrGroupNotActive        = errors.New("group is not active")
	ErrGroupFull             = errors.New("group is full")
	ErrUserAlreadyInGroup    = errors.New("user already in a group")
	ErrMemberNotFound        = errors.New("member not found")
	ErrMemberNotActive       = errors.New("member is not active")
	ErrEventAlreadyPublished = errors.New("event already published")
	ErrVersionConflict       = errors.New("optimistic lock conflict")
)

// MessageWriter is the slice of *kafka.Writer the repository needs; tests
// substitute a fake.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RepositoryInterface restricts Repo methods (unit-test mocking seam).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetGroup(ctx context.Context, groupID uint64) (*model.Group, error)
	GetGroupForUpdate(ctx context.Context, tx *gorm.DB, groupID uint64) (*model.Group, error)
	CreateGroup(ctx context.Context, tx *gorm.DB, g *model.Group) error
	UpdateGroupStatus(ctx context.Context, tx *gorm.DB, groupID uint64, status, modifiedBy string, oldVersion uint64) error
	TouchGroupActivity(ctx context.Context, tx *gorm.DB, groupID uint64, at time.Time, oldVersion uint64) error

	CreateMember(ctx context.Context, tx *gorm.DB, m *model.Member) error
	GetActiveMember(ctx context.Context, tx *gorm.DB, groupID, memberID uint64, websocketID string) (*model.Member, error)
	ActiveMemberExists(ctx context.Context, tx *gorm.DB, websocketID string) (bool, error)
	CountActiveMembers(ctx context.Context, tx *gorm.DB, groupID uint64) (int64, error)
	MarkMemberExited(ctx context.Context, tx *gorm.DB, memberID uint64, status string, at time.Time, oldVersion uint64) error
	AutoLeaveMembers(ctx context.Context, tx *gorm.DB, groupID uint64, at time.Time) (int64, error)
	ListActiveMembers(ctx context.Context, groupID uint64) ([]model.Member, error)

	EventExists(ctx context.Context, tx *gorm.DB, eventID string) (bool, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	DeleteOutboxEvent(ctx context.Context, eventID string) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheGroupSize(ctx context.Context, groupID uint64, size int64) error
	GetCachedGroupSize(ctx context.Context, groupID uint64) (int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer MessageWriter
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w MessageWriter, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetGroup reads a group by id.
func (r *Repository) GetGroup(ctx context.Context, groupID uint64) (*model.Group, error) {
	var g model.Group
	if err := r.db.WithContext(ctx).First(&g, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &g, nil
}

// GetGroupForUpdate locks the group row so the capacity check and the member
// insert that follows are atomic.
func (r *Repository) GetGroupForUpdate(ctx context.Context, tx *gorm.DB, groupID uint64) (*model.Group, error) {
	var g model.Group
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", groupID).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &g, nil
}

// CreateGroup inserts a new group row.
func (r *Repository) CreateGroup(ctx context.Context, tx *gorm.DB, g *model.Group) error {
	if err := tx.WithContext(ctx).Create(g).Error; err != nil {
		return MapConstraintError(err)
	}
	return nil
}

// UpdateGroupStatus transitions a group with an optimistic-lock CAS.
func (r *Repository) UpdateGroupStatus(ctx context.Context, tx *gorm.DB, groupID uint64, status, modifiedBy string, oldVersion uint64) error {
	return r.groupCAS(ctx, tx, groupID, oldVersion, map[string]interface{}{
		"status":           status,
		"last_modified_by": modifiedBy,
	})
}

// TouchGroupActivity bumps last_member_activity on join/leave.
func (r *Repository) TouchGroupActivity(ctx context.Context, tx *gorm.DB, groupID uint64, at time.Time, oldVersion uint64) error {
	return r.groupCAS(ctx, tx, groupID, oldVersion, map[string]interface{}{
		"last_member_activity": at,
	})
}

func (r *Repository) groupCAS(ctx context.Context, tx *gorm.DB, groupID, oldVersion uint64, updates map[string]interface{}) error {
	updates["version"] = oldVersion + 1
	updates["updated_at"] = time.Now()
	res := tx.WithContext(ctx).
		Model(&model.Group{}).
		Where("id = ? AND version = ?", groupID, oldVersion).
		Updates(updates)
	if res.Error != nil {
		return MapConstraintError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CreateMember inserts a member; constraint violations (single active
// membership, max group size) come back as typed errors.
func (r *Repository) CreateMember(ctx context.Context, tx *gorm.DB, m *model.Member) error {
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		return MapConstraintError(err)
	}
	return nil
}

// GetActiveMember matches by id, group and websocket id so a leave request
// cannot remove somebody else's membership.
func (r *Repository) GetActiveMember(ctx context.Context, tx *gorm.DB, groupID, memberID uint64, websocketID string) (*model.Member, error) {
	var m model.Member
	err := tx.WithContext(ctx).
		Where("id = ? AND group_id = ? AND websocket_id = ? AND status = ?",
			memberID, groupID, websocketID, model.MemberStatusActive).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ActiveMemberExists checks the single-active-membership rule.
func (r *Repository) ActiveMemberExists(ctx context.Context, tx *gorm.DB, websocketID string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("websocket_id = ? AND status = ?", websocketID, model.MemberStatusActive).
		Count(&n).Error
	return n > 0, err
}

// CountActiveMembers returns the current group size.
func (r *Repository) CountActiveMembers(ctx context.Context, tx *gorm.DB, groupID uint64) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("group_id = ? AND status = ?", groupID, model.MemberStatusActive).
		Count(&n).Error
	return n, err
}

// MarkMemberExited sets a terminal member status with an optimistic-lock CAS.
func (r *Repository) MarkMemberExited(ctx context.Context, tx *gorm.DB, memberID uint64, status string, at time.Time, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ? AND version = ?", memberID, oldVersion).
		Updates(map[string]interface{}{
			"status":     status,
			"exited_at":  at,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// AutoLeaveMembers bulk-exits every ACTIVE member of a disbanded group.
func (r *Repository) AutoLeaveMembers(ctx context.Context, tx *gorm.DB, groupID uint64, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("group_id = ? AND status = ?", groupID, model.MemberStatusActive).
		Updates(map[string]interface{}{
			"status":     model.MemberStatusAutoLeft,
			"exited_at":  at,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// ListActiveMembers returns the ACTIVE members of a group, oldest first.
func (r *Repository) ListActiveMembers(ctx context.Context, groupID uint64) ([]model.Member, error) {
	var ms []model.Member
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, model.MemberStatusActive).
		Order("joined_at").
		Find(&ms).Error
	return ms, err
}

// EventExists is the idempotency ledger lookup.
func (r *Repository) EventExists(ctx context.Context, tx *gorm.DB, eventID string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Count(&n).Error
	return n > 0, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		return MapConstraintError(err)
	}
	return nil
}

// PollOutbox pulls undelivered events, oldest first.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// DeleteOutboxEvent removes a published event. Called only after the
// transport confirmed the hand-off.
func (r *Repository) DeleteOutboxEvent(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).Delete(&model.OutboxEvent{}, "event_id = ?", eventID).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(evt.EventID),
		Value: payload,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheGroupSize writes the active-member count to Redis.
func (r *Repository) CacheGroupSize(ctx context.Context, groupID uint64, size int64) error {
	return r.rdb.Set(ctx, fmt.Sprintf("groupsize:%d", groupID), size, 5*time.Minute).Err()
}

// GetCachedGroupSize reads Redis.
func (r *Repository) GetCachedGroupSize(ctx context.Context, groupID uint64) (int64, error) {
	return r.rdb.Get(ctx, fmt.Sprintf("groupsize:%d", groupID)).Int64()
}
