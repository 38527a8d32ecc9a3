// Package emission delivers consensus weights downstream.
//
//   - Publisher: one JSON message per epoch on a Kafka topic, keyed by epoch
//   - LogDistributor: structured log line per epoch (dev / simulate)
//   - Fanout: delivers to several distributors in order
package emission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tutu-network/oracle/internal/domain"
)

// DefaultTopic is the topic consensus results are published to.
const DefaultTopic = "oracle.consensus"

// Message is the payload published for one epoch.
type Message struct {
	Epoch      uint64             `json:"epoch"`
	Weights    map[string]float64 `json:"weights"`
	MinerShare float64            `json:"miner_share"`
	TopWorker  string             `json:"top_worker,omitempty"`
	TopStreak  int                `json:"top_streak"`
	Scorers    []string           `json:"scorers"`
	ComputedAt time.Time          `json:"computed_at"`
}

// NewMessage builds the payload for a consensus result.
func NewMessage(res domain.ConsensusResult) Message {
	return Message{
		Epoch:      res.Epoch,
		Weights:    res.Weights,
		MinerShare: res.MinerShare,
		TopWorker:  res.TopWorker,
		TopStreak:  res.TopStreak,
		Scorers:    res.Scorers,
		ComputedAt: res.ComputedAt,
	}
}

// ─── Kafka Publisher ────────────────────────────────────────────────────────

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements domain.EmissionDistributor over Kafka.
type Publisher struct {
	w     messageWriter
	topic string
	log   *slog.Logger
}

var _ domain.EmissionDistributor = (*Publisher)(nil)

// NewPublisher creates a synchronous Kafka publisher for topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("emission: no kafka brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newPublisher(w, topic, logger), nil
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{w: w, topic: topic, log: logger.With(slog.String("component", "emission"))}
}

// Distribute publishes the result. The message key is the epoch number so
// every result for an epoch lands on the same partition.
func (p *Publisher) Distribute(ctx context.Context, res domain.ConsensusResult) error {
	b, err := json.Marshal(NewMessage(res))
	if err != nil {
		return fmt.Errorf("marshal consensus %d: %w", res.Epoch, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(res.Epoch, 10)),
		Value: b,
		Time:  res.ComputedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka write failed", slog.Uint64("epoch", res.Epoch), slog.Any("err", err))
		return fmt.Errorf("publish consensus %d to %s: %w", res.Epoch, p.topic, err)
	}
	p.log.Info("published", slog.Uint64("epoch", res.Epoch), slog.Int("workers", len(res.Weights)))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }

// ─── Log Distributor ────────────────────────────────────────────────────────

// LogDistributor logs each result instead of publishing it.
type LogDistributor struct {
	log *slog.Logger
	top int
}

// NewLogDistributor creates a distributor that logs the top n weights.
func NewLogDistributor(logger *slog.Logger, top int) *LogDistributor {
	if logger == nil {
		logger = slog.Default()
	}
	if top <= 0 {
		top = 5
	}
	return &LogDistributor{log: logger.With(slog.String("component", "emission")), top: top}
}

// Distribute implements domain.EmissionDistributor.
func (d *LogDistributor) Distribute(ctx context.Context, res domain.ConsensusResult) error {
	ids := make([]string, 0, len(res.Weights))
	for id := range res.Weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if res.Weights[ids[i]] != res.Weights[ids[j]] {
			return res.Weights[ids[i]] > res.Weights[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > d.top {
		ids = ids[:d.top]
	}
	attrs := []any{
		slog.Uint64("epoch", res.Epoch),
		slog.Int("workers", len(res.Weights)),
		slog.Float64("miner_share", res.MinerShare),
	}
	for _, id := range ids {
		attrs = append(attrs, slog.Float64(id, res.Weights[id]))
	}
	d.log.InfoContext(ctx, "consensus weights", attrs...)
	return nil
}

// ─── Fanout ─────────────────────────────────────────────────────────────────

// Fanout delivers to every distributor and joins their errors.
type Fanout []domain.EmissionDistributor

// Distribute implements domain.EmissionDistributor.
func (f Fanout) Distribute(ctx context.Context, res domain.ConsensusResult) error {
	var errs []error
	for _, d := range f {
		if err := d.Distribute(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
