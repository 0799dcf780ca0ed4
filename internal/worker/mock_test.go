package worker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/resilience"
	"github.com/arklow-data/tender-triage/internal/store"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) UpsertTender(ctx context.Context, t *model.TenderRecord) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *mockStore) GetTender(ctx context.Context, resourceID int64) (*model.TenderRecord, error) {
	args := m.Called(ctx, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TenderRecord), args.Error(1)
}

func (m *mockStore) ListTenders(ctx context.Context, filter store.TenderFilter) ([]model.TenderRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.TenderRecord), args.Error(1)
}

func (m *mockStore) UpdateStage(ctx context.Context, resourceID int64, stage model.Stage) error {
	args := m.Called(ctx, resourceID, stage)
	return args.Error(0)
}

func (m *mockStore) SaveScore(ctx context.Context, resourceID int64, contentHash string, tableVersion int, score model.ScoreResult, stage model.Stage) error {
	args := m.Called(ctx, resourceID, contentHash, tableVersion, score, stage)
	return args.Error(0)
}

func (m *mockStore) GetScore(ctx context.Context, resourceID int64, contentHash string) (*model.ScoreResult, error) {
	args := m.Called(ctx, resourceID, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScoreResult), args.Error(1)
}

func (m *mockStore) StageCounts(ctx context.Context) (map[model.Stage]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.Stage]int64), args.Error(1)
}

func (m *mockStore) BidStats(ctx context.Context) (*store.BidStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.BidStats), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Queue Mock ---

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Send(ctx context.Context, queueName string, body []byte) error {
	args := m.Called(ctx, queueName, body)
	return args.Error(0)
}

func (m *mockQueue) Receive(ctx context.Context, queueName string, max int) ([]queue.Delivery, error) {
	args := m.Called(ctx, queueName, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Delivery), args.Error(1)
}

func (m *mockQueue) Ack(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	args := m.Called(ctx, id, delay)
	return args.Error(0)
}

func (m *mockQueue) DeadLetter(ctx context.Context, d queue.Delivery, cause error) error {
	args := m.Called(ctx, d, cause)
	return args.Error(0)
}

func (m *mockQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	args := m.Called(ctx, queueName)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockQueue) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]resilience.DLQEntry), args.Error(1)
}

func (m *mockQueue) RequeueDLQ(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockQueue) RemoveDLQ(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockQueue) CountDLQ(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// --- Notifier Mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyBid(ctx context.Context, req model.ReviewRequest, meta model.TenderMeta) error {
	args := m.Called(ctx, req, meta)
	return args.Error(0)
}
