package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/controlgate/telemetry-writer/internal/broker"
	"github.com/controlgate/telemetry-writer/internal/config"
	"github.com/controlgate/telemetry-writer/internal/liveness"
	"github.com/controlgate/telemetry-writer/internal/metrics"
)

const (
	queueNameTelemetry = "telemetry"
	queueNameDecoded   = "decoded"
)

// queuedMessage is one classified broker message awaiting dispatch.
type queuedMessage struct {
	topic   ParsedTopic
	payload []byte
}

// Engine wires the broker, the two priority queues, and the worker pool
// together.
type Engine struct {
	log        *zap.Logger
	cfg        config.IngestConfig
	dispatcher *Dispatcher
	live       *liveness.Map

	telemetryQ *Queue[queuedMessage]
	decodedQ   *Queue[queuedMessage]
}

// NewEngine builds an Engine. The caller is responsible for starting a
// broker.Client whose handler is Engine.HandleBrokerMessage.
func NewEngine(log *zap.Logger, cfg config.IngestConfig, dispatcher *Dispatcher, live *liveness.Map) *Engine {
	decodedPolicy := PutBlock
	if cfg.DropDecodedWhenFull {
		if cfg.DropDecodedPolicy == "drop_new" {
			decodedPolicy = PutDropNew
		} else {
			decodedPolicy = PutDropOldest
		}
	}

	return &Engine{
		log:        log,
		cfg:        cfg,
		dispatcher: dispatcher,
		live:       live,
		telemetryQ: NewQueue[queuedMessage](queueNameTelemetry, cfg.TelemetryQueueMaxSize, PutBlock),
		decodedQ:   NewQueue[queuedMessage](queueNameDecoded, cfg.DecodedQueueMaxSize, decodedPolicy),
	}
}

// HandleBrokerMessage is the broker.Handler: it touches liveness
// synchronously, classifies by topic, and enqueues. It blocks the broker's
// own delivery goroutine only when a queue with the block policy is full:
// always for the telemetry queue, so GPS/liveness data is never dropped,
// and for the decoded queue only when drop_decoded_when_full is false.
func (e *Engine) HandleBrokerMessage(ctx context.Context, msg broker.Message) {
	topic := ParseTopic(msg.Topic)
	metrics.MessagesTotal.WithLabelValues(streamLabel(topic.Kind), msg.Topic).Inc()

	now := time.Now().UTC()
	switch topic.Kind {
	case TopicTelemetry:
		e.live.TouchRouter(topic.Router, now)
		if _, err := e.telemetryQ.Put(ctx, queuedMessage{topic: topic, payload: msg.Payload}); err != nil {
			e.log.Debug("telemetry enqueue cancelled", zap.Error(err))
		}
	case TopicDecoded:
		e.live.TouchPanel(topic.Router, topic.PanelID, now)
		if _, err := e.decodedQ.Put(ctx, queuedMessage{topic: topic, payload: msg.Payload}); err != nil {
			e.log.Debug("decoded enqueue cancelled", zap.Error(err))
		}
	default:
		e.log.Debug("unrecognized topic, dropping", zap.String("topic", msg.Topic))
	}
}

func streamLabel(k TopicKind) string {
	switch k {
	case TopicTelemetry:
		return "telemetry"
	case TopicDecoded:
		return "decoded"
	default:
		return "unknown"
	}
}

// Run starts cfg.WorkerCount worker goroutines and blocks until ctx is
// cancelled and every worker has finished its current item.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

// worker loops forever, giving the telemetry queue strict priority over
// the decoded queue (non-blocking check first), dispatching with
// bounded retry, and dropping on exhaustion.
func (e *Engine) worker(ctx context.Context, id int) {
	log := e.log.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		var m queuedMessage
		var fromQueue string

		if qm, ok := e.telemetryQ.TryGet(); ok {
			m, fromQueue = qm, queueNameTelemetry
		} else {
			qm, err := e.decodedQ.Get(ctx)
			if err != nil {
				return
			}
			m, fromQueue = qm, queueNameDecoded
		}

		e.dispatch(ctx, log, fromQueue, m)
	}
}

func (e *Engine) dispatch(ctx context.Context, log *zap.Logger, queueName string, m queuedMessage) {
	var err error
	attempts := 0

	for {
		attempts++
		switch m.topic.Kind {
		case TopicTelemetry:
			err = e.dispatcher.HandleTelemetry(ctx, m.topic.Router, m.payload)
		case TopicDecoded:
			err = e.dispatcher.HandleDecoded(ctx, m.topic.Router, m.topic.PanelID, m.payload)
		}

		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if attempts > e.cfg.WorkerMaxRetries {
			metrics.WorkerDroppedTotal.WithLabelValues(queueName).Inc()
			log.Error("dropping message after exhausting retries", zap.Error(err), zap.String("queue", queueName))
			return
		}

		metrics.WorkerRetryTotal.WithLabelValues(queueName).Inc()
		log.Warn("dispatch failed, retrying", zap.Error(err), zap.Int("attempt", attempts))

		if !sleepOrDone(ctx, e.cfg.WorkerRetryDelaySec) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
