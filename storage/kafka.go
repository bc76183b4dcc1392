package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"hostwatch/collector"
	"hostwatch/logger"
)

// KafkaSink publishes one message per sample, keyed by run ID, to the topic
// named by dest. Re-exporting a run only publishes samples not sent before.
type KafkaSink struct {
	writer  *kafka.Writer
	brokers []string
	log     *zap.Logger

	mu   sync.Mutex
	sent map[string]int // run ID -> samples already published
}

// sampleMessage is the value of every published message.
type sampleMessage struct {
	RunID    string           `json:"run_id"`
	Hostname string           `json:"hostname"`
	Seq      int              `json:"seq"`
	Sample   collector.Sample `json:"sample"`
}

func NewKafkaSink(brokers []string, log *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		brokers: brokers,
		log:     logger.Or(log),
		sent:    make(map[string]int),
	}
}

func (k *KafkaSink) Export(ctx context.Context, dest string, rep *Report) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("kafka export needs a topic")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	from := k.sent[rep.RunID]
	if from > len(rep.Samples) {
		from = 0
	}
	msgs, err := sampleMessages(dest, rep, from)
	if err != nil {
		return "", err
	}
	location := fmt.Sprintf("kafka://%s/%s", strings.Join(k.brokers, ","), dest)
	if len(msgs) == 0 {
		return location, nil
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return "", fmt.Errorf("publish to %s: %w", dest, err)
	}
	k.sent[rep.RunID] = len(rep.Samples)

	k.log.Debug("samples published", zap.String("topic", dest), zap.Int("messages", len(msgs)))
	return location, nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// sampleMessages encodes rep.Samples[from:] as messages for topic.
func sampleMessages(topic string, rep *Report, from int) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(rep.Samples)-from)
	for i := from; i < len(rep.Samples); i++ {
		value, err := json.Marshal(sampleMessage{
			RunID:    rep.RunID,
			Hostname: rep.Host.Hostname,
			Seq:      i,
			Sample:   rep.Samples[i],
		})
		if err != nil {
			return nil, fmt.Errorf("marshal sample %d: %w", i, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(rep.RunID),
			Value: value,
			Time:  rep.Samples[i].Timestamp,
		})
	}
	return msgs, nil
}
