// Package worker consumes the scoring queue and runs the gate, the scoring
// pass, persistence, and the hand-off to deep review for each message.
// Messages are acked only after every durable write for them has committed;
// anything less rides the redelivery path.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arklow-data/tender-triage/internal/exclusion"
	"github.com/arklow-data/tender-triage/internal/feature"
	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/routing"
	"github.com/arklow-data/tender-triage/internal/scoring"
	"github.com/arklow-data/tender-triage/internal/store"
)

// Notifier emits an immediate alert for a predicted bid. Notification is best
// effort; a failed alert never fails the message.
type Notifier interface {
	NotifyBid(ctx context.Context, req model.ReviewRequest, meta model.TenderMeta) error
}

// Options configures the consumer loop.
type Options struct {
	ScoringQueue string
	ReviewQueue  string
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration

	// RetryDelay is the fast-nack delay for messages that failed on a
	// transient error, instead of waiting out the full visibility timeout.
	RetryDelay time.Duration
}

// Report summarizes one batch invocation.
type Report struct {
	Received     int
	Scored       int
	TitleOnly    int
	Bids         int
	DeadLettered int
	Failed       int
	Elapsed      time.Duration
}

// Worker wires the pipeline stages behind the scoring queue.
type Worker struct {
	store     store.Store
	queue     queue.Queue
	router    *routing.Router
	extractor *feature.Extractor
	filter    *exclusion.Filter
	engine    *scoring.Engine
	notifier  Notifier
	opts      Options

	now func() time.Time
}

// New builds a Worker. notifier may be nil to disable bid alerts.
func New(
	st store.Store,
	q queue.Queue,
	router *routing.Router,
	extractor *feature.Extractor,
	filter *exclusion.Filter,
	engine *scoring.Engine,
	notifier Notifier,
	opts Options,
) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &Worker{
		store:     st,
		queue:     q,
		router:    router,
		extractor: extractor,
		filter:    filter,
		engine:    engine,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
}

// Run polls the scoring queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("queue", w.opts.ScoringQueue))
	log.Info("worker: starting",
		zap.Int("batch_size", w.opts.BatchSize),
		zap.Int("concurrency", w.opts.Concurrency))

	for {
		report, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker: stopping")
				return nil
			}
			log.Error("worker: batch failed", zap.Error(err))
		} else if report.Received > 0 {
			log.Info("worker: batch complete",
				zap.Int("received", report.Received),
				zap.Int("scored", report.Scored),
				zap.Int("title_only", report.TitleOnly),
				zap.Int("bids", report.Bids),
				zap.Int("dead_lettered", report.DeadLettered),
				zap.Int("failed", report.Failed),
				zap.Duration("elapsed", report.Elapsed))
		}

		if report.Received == 0 || err != nil {
			select {
			case <-ctx.Done():
				log.Info("worker: stopping")
				return nil
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// ProcessBatch claims one batch and handles each message independently. A
// message failure never affects its siblings.
func (w *Worker) ProcessBatch(ctx context.Context) (Report, error) {
	start := w.now()

	deliveries, err := w.queue.Receive(ctx, w.opts.ScoringQueue, w.opts.BatchSize)
	if err != nil {
		return Report{}, eris.Wrap(err, "worker: receive batch")
	}

	report := Report{Received: len(deliveries)}
	if len(deliveries) == 0 {
		return report, nil
	}

	outcomes := make([]outcome, len(deliveries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, d := range deliveries {
		g.Go(func() error {
			outcomes[i] = w.handle(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		switch {
		case o.deadLettered:
			report.DeadLettered++
		case o.err != nil:
			report.Failed++
			// Bring the retry forward rather than waiting out the full
			// visibility timeout. Best effort: on nack failure the
			// timeout still redelivers.
			if nErr := w.queue.Nack(ctx, deliveries[i].ID, w.opts.RetryDelay); nErr != nil {
				zap.L().Warn("worker: nack failed",
					zap.String("message_id", deliveries[i].ID), zap.Error(nErr))
			}
		case o.scored:
			report.Scored++
		default:
			report.TitleOnly++
		}
		if o.bid {
			report.Bids++
		}
	}
	report.Elapsed = w.now().Sub(start)
	return report, nil
}

type outcome struct {
	scored       bool
	bid          bool
	deadLettered bool
	err          error
}

// handle processes one delivery end to end. Shape of the error decides the
// disposition: parse and stage-machine violations dead-letter, everything
// else is left unacked for redelivery.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) outcome {
	log := zap.L().With(zap.String("message_id", d.ID))

	var msg model.PipelineMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn("worker: malformed message", zap.Error(err))
		if dlErr := w.queue.DeadLetter(ctx, d, eris.Wrap(err, "worker: parse message")); dlErr != nil {
			return outcome{err: dlErr}
		}
		return outcome{deadLettered: true}
	}
	log = log.With(zap.Int64("resource_id", msg.ResourceID))

	decision, err := w.router.Decide(&msg)
	if err != nil {
		// Illegal stage transitions never fix themselves on redelivery.
		log.Warn("worker: illegal stage transition", zap.Error(err))
		if dlErr := w.queue.DeadLetter(ctx, d, err); dlErr != nil {
			return outcome{err: dlErr}
		}
		return outcome{deadLettered: true}
	}

	if !decision.ShouldScore {
		return w.handleTitleOnly(ctx, d, &msg, decision)
	}
	return w.handleScoring(ctx, d, &msg, decision, log)
}

func (w *Worker) handleTitleOnly(ctx context.Context, d queue.Delivery, msg *model.PipelineMessage, decision routing.Decision) outcome {
	if err := w.store.UpdateStage(ctx, msg.ResourceID, decision.NextStage); err != nil {
		return outcome{err: err}
	}

	// Lightweight review gets the tender with no score attached.
	review := w.router.Forward(msg, model.ScoreResult{}, w.now())
	if err := queue.SendJSON(ctx, w.queue, w.opts.ReviewQueue, review); err != nil {
		return outcome{err: err}
	}

	if err := w.queue.Ack(ctx, d.ID); err != nil {
		return outcome{err: err}
	}
	return outcome{}
}

func (w *Worker) handleScoring(ctx context.Context, d queue.Delivery, msg *model.PipelineMessage, decision routing.Decision, log *zap.Logger) outcome {
	tender := model.TenderRecord{
		ResourceID: msg.ResourceID,
		Title:      msg.Title,
		Authority:  msg.Authority,
		CodesCount: msg.CodesCount,
	}

	vec := w.extractor.Extract(&tender, msg.Content)
	vec.Exclusion = w.filter.Score(msg.Title + " " + msg.Content)
	result := w.engine.Score(vec)

	hash := store.ContentHash(msg.Content)
	if err := w.store.SaveScore(ctx, msg.ResourceID, hash, w.extractor.TableVersion(), result, decision.NextStage); err != nil {
		return outcome{err: err}
	}

	review := w.router.Forward(msg, result, w.now())
	if err := queue.SendJSON(ctx, w.queue, w.opts.ReviewQueue, review); err != nil {
		return outcome{err: err}
	}

	if result.ShouldBid && w.notifier != nil {
		if err := w.notifier.NotifyBid(ctx, review, msg.Meta()); err != nil {
			log.Warn("worker: bid notification failed", zap.Error(err))
		}
	}

	if err := w.queue.Ack(ctx, d.ID); err != nil {
		return outcome{err: err}
	}

	log.Info("worker: scored",
		zap.Bool("should_bid", result.ShouldBid),
		zap.Float64("confidence", result.Confidence))
	return outcome{scored: true, bid: result.ShouldBid}
}
