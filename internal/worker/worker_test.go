package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arklow-data/tender-triage/internal/exclusion"
	"github.com/arklow-data/tender-triage/internal/feature"
	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/routing"
	"github.com/arklow-data/tender-triage/internal/scoring"
	"github.com/arklow-data/tender-triage/internal/store"
)

const bidContent = "software development and technical support services for computer systems management across departments"

func newTestWorker(t *testing.T, st store.Store, q queue.Queue, notifier Notifier) *Worker {
	t.Helper()

	tables := feature.DefaultTables()
	extractor, err := feature.NewExtractor(tables)
	require.NoError(t, err)

	cfg := scoring.DefaultConfig()
	filter, err := exclusion.NewFilter(exclusion.DefaultTerms(), cfg.ExclusionCeiling)
	require.NoError(t, err)

	engine, err := scoring.NewEngine(cfg, tables)
	require.NoError(t, err)

	w := New(st, q, routing.NewRouter(50), extractor, filter, engine, notifier, Options{
		ScoringQueue: "tender_scoring",
		ReviewQueue:  "deep_review",
		BatchSize:    10,
		Concurrency:  2,
	})
	w.now = func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) }
	return w
}

func delivery(t *testing.T, id string, msg model.PipelineMessage) queue.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return queue.Delivery{ID: id, Queue: "tender_scoring", Body: body, ReceiveCount: 1}
}

func TestHandleScoresAndAcks(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      42,
		Title:           "Software Development and Technical Support Services",
		Authority:       "Health Service Executive",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      3,
	}

	hash := store.ContentHash(bidContent)
	st.On("SaveScore", mock.Anything, int64(42), hash, 1,
		mock.MatchedBy(func(s model.ScoreResult) bool { return s.ShouldBid }),
		model.StageScored).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(nil)
	q.On("Ack", mock.Anything, "m1").Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)
	assert.True(t, o.scored)
	assert.True(t, o.bid)

	st.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestHandleForwardsUrgentReview(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      42,
		Title:           "Software Development and Technical Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      3,
	}

	st.On("SaveScore", mock.Anything, int64(42), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)

	var forwarded model.ReviewRequest
	q.On("Send", mock.Anything, "deep_review", mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &forwarded))
		}).Return(nil)
	q.On("Ack", mock.Anything, "m1").Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)

	assert.Equal(t, int64(42), forwarded.ResourceID)
	assert.Equal(t, model.PriorityUrgent, forwarded.Priority)
	assert.True(t, forwarded.Score.ShouldBid)
	assert.Equal(t, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), forwarded.Timestamp)
}

func TestHandleTitleOnly(t *testing.T) {
	tests := []struct {
		name string
		msg  model.PipelineMessage
	}{
		{
			name: "content missing",
			msg: model.PipelineMessage{
				ResourceID:      7,
				Title:           "Roof Repairs",
				ProcessingStage: model.StageIngested,
				ContentMissing:  true,
			},
		},
		{
			name: "stub content below minimum",
			msg: model.PipelineMessage{
				ResourceID:      7,
				Title:           "Roof Repairs",
				ProcessingStage: model.StageIngested,
				Content:         "page not found",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(mockStore)
			q := new(mockQueue)
			w := newTestWorker(t, st, q, nil)

			st.On("UpdateStage", mock.Anything, int64(7), model.StageRoutedTitleOnly).Return(nil)

			var forwarded model.ReviewRequest
			q.On("Send", mock.Anything, "deep_review", mock.Anything).
				Run(func(args mock.Arguments) {
					require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &forwarded))
				}).Return(nil)
			q.On("Ack", mock.Anything, "m1").Return(nil)

			o := w.handle(context.Background(), delivery(t, "m1", tt.msg))
			require.NoError(t, o.err)
			assert.False(t, o.scored)

			assert.Equal(t, model.PriorityNormal, forwarded.Priority)
			assert.Zero(t, forwarded.Score.Confidence)
			st.AssertNotCalled(t, "SaveScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleMalformedMessageDeadLetters(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	d := queue.Delivery{ID: "bad", Queue: "tender_scoring", Body: []byte(`{not json`)}
	q.On("DeadLetter", mock.Anything, d, mock.Anything).Return(nil)

	o := w.handle(context.Background(), d)
	require.NoError(t, o.err)
	assert.True(t, o.deadLettered)

	q.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "SaveScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleIllegalStageDeadLetters(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      8,
		Title:           "t",
		ProcessingStage: model.StageAccepted,
		Content:         bidContent,
	}
	q.On("DeadLetter", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)
	assert.True(t, o.deadLettered)
	q.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
}

func TestHandlePersistFailureLeavesMessageUnacked(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      9,
		Title:           "Software Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      1,
	}

	st.On("SaveScore", mock.Anything, int64(9), mock.Anything, 1, mock.Anything, model.StageScored).
		Return(assert.AnError)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	assert.Error(t, o.err)

	q.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "DeadLetter", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleForwardFailureLeavesMessageUnacked(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      10,
		Title:           "Software Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      1,
	}

	st.On("SaveScore", mock.Anything, int64(10), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(assert.AnError)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	assert.Error(t, o.err)
	q.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
}

func TestHandleNotifiesBids(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	n := new(mockNotifier)
	w := newTestWorker(t, st, q, n)

	value := 250000.0
	msg := model.PipelineMessage{
		ResourceID:      11,
		Title:           "Software Development and Technical Support Services",
		Authority:       "Health Service Executive",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      3,
		Value:           &value,
	}

	st.On("SaveScore", mock.Anything, int64(11), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(nil)
	n.On("NotifyBid", mock.Anything, mock.Anything, model.TenderMeta{
		Authority:  "Health Service Executive",
		Value:      &value,
		CodesCount: 3,
	}).Return(nil)
	q.On("Ack", mock.Anything, "m1").Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)
	assert.True(t, o.bid)
	n.AssertExpectations(t)
}

func TestHandleNotifierFailureStillAcks(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	n := new(mockNotifier)
	w := newTestWorker(t, st, q, n)

	msg := model.PipelineMessage{
		ResourceID:      12,
		Title:           "Software Development and Technical Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      3,
	}

	st.On("SaveScore", mock.Anything, int64(12), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(nil)
	n.On("NotifyBid", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)
	q.On("Ack", mock.Anything, "m1").Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)
	assert.True(t, o.scored)
	q.AssertExpectations(t)
}

func TestHandleRedeliveredScoredMessage(t *testing.T) {
	// Redelivery of an already scored message repeats the same writes; the
	// upsert and the self-transition make that safe.
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	msg := model.PipelineMessage{
		ResourceID:      13,
		Title:           "Software Support Services",
		ProcessingStage: model.StageScored,
		Content:         bidContent,
		CodesCount:      1,
	}

	st.On("SaveScore", mock.Anything, int64(13), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(nil)
	q.On("Ack", mock.Anything, "m1").Return(nil)

	o := w.handle(context.Background(), delivery(t, "m1", msg))
	require.NoError(t, o.err)
	st.AssertExpectations(t)
}

func TestProcessBatchReport(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	scoredMsg := model.PipelineMessage{
		ResourceID:      1,
		Title:           "Software Development and Technical Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      3,
	}
	titleOnlyMsg := model.PipelineMessage{
		ResourceID:      2,
		Title:           "Roof Repairs",
		ProcessingStage: model.StageIngested,
		ContentMissing:  true,
	}
	failingMsg := model.PipelineMessage{
		ResourceID:      3,
		Title:           "Software Support Services",
		ProcessingStage: model.StageIngested,
		Content:         bidContent,
		CodesCount:      1,
	}

	deliveries := []queue.Delivery{
		delivery(t, "m1", scoredMsg),
		delivery(t, "m2", titleOnlyMsg),
		delivery(t, "m3", failingMsg),
		{ID: "m4", Queue: "tender_scoring", Body: []byte(`garbage`)},
	}

	q.On("Receive", mock.Anything, "tender_scoring", 10).Return(deliveries, nil)
	st.On("SaveScore", mock.Anything, int64(1), mock.Anything, 1, mock.Anything, model.StageScored).Return(nil)
	st.On("SaveScore", mock.Anything, int64(3), mock.Anything, 1, mock.Anything, model.StageScored).Return(assert.AnError)
	st.On("UpdateStage", mock.Anything, int64(2), model.StageRoutedTitleOnly).Return(nil)
	q.On("Send", mock.Anything, "deep_review", mock.Anything).Return(nil)
	q.On("Ack", mock.Anything, "m1").Return(nil)
	q.On("Ack", mock.Anything, "m2").Return(nil)
	q.On("DeadLetter", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	q.On("Nack", mock.Anything, "m3", 30*time.Second).Return(nil)

	report, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Received)
	assert.Equal(t, 1, report.Scored)
	assert.Equal(t, 1, report.TitleOnly)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, 1, report.Bids)

	// The failed message is fast-nacked, never acked or dead-lettered.
	q.AssertCalled(t, "Nack", mock.Anything, "m3", 30*time.Second)
	q.AssertNotCalled(t, "Ack", mock.Anything, "m3")
}

func TestProcessBatchEmpty(t *testing.T) {
	st := new(mockStore)
	q := new(mockQueue)
	w := newTestWorker(t, st, q, nil)

	q.On("Receive", mock.Anything, "tender_scoring", 10).Return([]queue.Delivery{}, nil)

	report, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Received)
}
