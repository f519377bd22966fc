package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/classifier"
	"github.com/qj0r9j0vc2/selfish-mining-detector/internal/pipeline"
	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

// messageWriter is the subset of *kafka.Writer used by the publisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SuspectReport is the message published for every analysis run
type SuspectReport struct {
	RunID          string              `json:"run_id"`
	Series         string              `json:"series"`
	Events         int                 `json:"events"`
	Granularity    string              `json:"granularity"`
	Permutations   int                 `json:"permutations"`
	Seed           uint64              `json:"seed"`
	SMTSuspects    []string            `json:"smt_suspects"`
	PeriodSuspects map[string][]string `json:"smt_period_suspects,omitempty"`
	ShareSuspects  []types.MinerShare  `json:"share_suspects"`
	Flagged        []types.SMTScore    `json:"flagged_scores,omitempty"`
	PublishedAt    time.Time           `json:"published_at"`
}

// NewSuspectReport summarises res. Flagged lists the scores above criterion.
func NewSuspectReport(res *pipeline.Result, criterion float64) SuspectReport {
	rep := SuspectReport{
		RunID:          res.RunID,
		Series:         res.Series,
		Events:         res.Events,
		Granularity:    res.Granularity,
		Permutations:   res.Permutations,
		Seed:           res.Seed,
		SMTSuspects:    res.Suspects,
		PeriodSuspects: res.PeriodSuspects,
		ShareSuspects:  res.ShareSuspects,
		PublishedAt:    time.Now().UTC(),
	}
	for _, miner := range res.Suspects {
		for _, s := range res.Scores[miner] {
			if s.Score > criterion {
				rep.Flagged = append(rep.Flagged, s)
			}
		}
	}
	return rep
}

// KafkaPublisher publishes suspect reports to a topic, keyed by run id
type KafkaPublisher struct {
	writer    messageWriter
	topic     string
	criterion float64
	logger    *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string, criterion float64, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return newKafkaPublisher(w, topic, criterion, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, criterion float64, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer:    w,
		topic:     topic,
		criterion: criterion,
		logger:    logger.With(zap.String("component", "kafka-publisher"), zap.String("topic", topic)),
	}
}

// Publish writes the suspect report of res
func (p *KafkaPublisher) Publish(ctx context.Context, res *pipeline.Result) error {
	rep := NewSuspectReport(res, p.criterion)
	value, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to encode suspect report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rep.RunID),
		Value: value,
		Time:  rep.PublishedAt,
		Headers: []kafka.Header{
			{Key: "series", Value: []byte(rep.Series)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish suspect report: %w", err)
	}

	p.logger.Info("published suspect report",
		zap.String("run_id", rep.RunID),
		zap.Strings("smt_suspects", rep.SMTSuspects),
		zap.Strings("share_suspects", classifier.Names(rep.ShareSuspects)))
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
