// Package kafka consumes zone registrations published by other processes
// and starts their flow computations ahead of the first read.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
)

// Triggerer is satisfied by flowcache.Cache.
type Triggerer interface {
	Trigger(zoneName string) error
}

type Runner struct {
	log      *slog.Logger
	cfg      Config
	trig     Triggerer
	ms       *metricSet
	recent   *recentDedupe
	now      func() time.Time
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg Config, trig Triggerer, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		trig:   trig,
		ms:     newMetricSet(opts.Register),
		recent: newRecentDedupe(cfg.DedupeSize, cfg.DedupeWindow),
		now:    time.Now,
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Enabled() bool { return r.cfg.Enabled }

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("warm-up consumer disabled")
		return nil
	}
	if r.trig == nil {
		return errors.New("warm-up runner: trigger dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.setAssignment(sess.Claims())
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.setAssignment(nil)
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("warm-up consumer started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("warm-up consumer stopped")
}

func (r *Runner) setAssignment(claims map[string][]int32) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assign = map[int32]struct{}{}
	for _, parts := range claims {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assigned.Store(claims != nil)
}

// Readiness reports whether the group has assigned partitions to this
// process, and which.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage triggers a computation for the announced zone. Malformed
// messages are counted and skipped so they never block the partition.
func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	defer func() { r.ms.proc.Observe(time.Since(start).Seconds()) }()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev ZoneRegistered
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncWarmup("invalid")
		r.log.Warn("skipping undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	key := keys.Normalize(ev.ZoneName)
	if key == "" {
		observability.IncWarmup("invalid")
		r.log.Warn("skipping message without zone_name", "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	if !r.recent.shouldTrigger(key, r.now()) {
		observability.IncWarmup("duplicate")
		return nil
	}

	if err := r.trig.Trigger(ev.ZoneName); err != nil {
		if errors.Is(err, model.ErrClosed) {
			observability.IncWarmup("error")
			return fmt.Errorf("trigger %s: %w", key, err)
		}
		observability.IncWarmup("invalid")
		r.log.Warn("trigger rejected", "zone", ev.ZoneName, "err", err)
		return nil
	}
	observability.IncWarmup("triggered")
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
