package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/groupcast/group-service/internal/logger"
	"github.com/groupcast/group-service/internal/model"
	"github.com/groupcast/group-service/internal/repo"
)

// fakeWriter records handed-off messages and can be told to start failing.
type fakeWriter struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	failAfter int // -1 means never fail
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.msgs) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func newTestPublisher(t *testing.T, fw *fakeWriter) (*Publisher, repo.RepositoryInterface, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, repo.Migrate(db))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, fw, log)

	pub := New(repository, log, 10*time.Millisecond, 100, 1000, 1000)
	return pub, repository, context.Background()
}

func seedEvents(t *testing.T, r repo.RepositoryInterface, ctx context.Context, ids []string) {
	base := time.Now().Add(-time.Minute)
	for i, id := range ids {
		evt := &model.OutboxEvent{
			EventID:       id,
			AggregateID:   uint64(i + 1),
			AggregateType: model.AggregateGroup,
			EventType:     model.EventGroupCreated,
			EventData:     model.GroupData(&model.Group{ID: uint64(i + 1)}),
			EventStatus:   model.EventStatusSuccessful,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		assert.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), evt))
	}
}

func TestPublisher_DrainsInCreationOrder(t *testing.T) {
	fw := &fakeWriter{failAfter: -1}
	pub, repository, ctx := newTestPublisher(t, fw)

	ids := []string{"e-1", "e-2", "e-3"}
	seedEvents(t, repository, ctx, ids)

	n, err := pub.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	// emitted oldest first
	assert.Len(t, fw.msgs, 3)
	for i, id := range ids {
		assert.Equal(t, id, string(fw.msgs[i].Key))
	}

	// all rows deleted
	remaining, err := repository.PollOutbox(ctx, 100)
	assert.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPublisher_FailureRetainsUndelivered(t *testing.T) {
	fw := &fakeWriter{failAfter: 1}
	pub, repository, ctx := newTestPublisher(t, fw)

	seedEvents(t, repository, ctx, []string{"e-1", "e-2", "e-3"})

	// first event hands off, the second fails and stops the batch
	n, err := pub.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := repository.PollOutbox(ctx, 100)
	assert.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.Equal(t, "e-2", remaining[0].EventID)

	// transport recovers; the next poll drains the rest in order
	fw.failAfter = -1
	n, err = pub.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "e-2", string(fw.msgs[1].Key))
	assert.Equal(t, "e-3", string(fw.msgs[2].Key))

	remaining, err = repository.PollOutbox(ctx, 100)
	assert.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPublisher_RunSurvivesPollErrors(t *testing.T) {
	fw := &fakeWriter{failAfter: -1}
	pub, repository, _ := newTestPublisher(t, fw)

	// close the store out from under the loop
	sqlDB, err := repository.DB(context.Background()).DB()
	assert.NoError(t, err)
	assert.NoError(t, sqlDB.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// must return on ctx cancel, not on the poll error
	pub.Run(ctx)
}
