package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

// WriterLookup resolves a pushed message to its live partition writer.
type WriterLookup interface {
	LookupWriter(shuffleKey, fileID string) (*storage.Writer, bool)
}

// Consumer drains the push-data topic and lands each batch in its
// partition writer.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	writers WriterLookup
}

func NewConsumer(brokersCSV, groupID, topic string, writers WriterLookup) (*Consumer, error) {
	brokers := splitCSV(brokersCSV)

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	cg, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: cg, topic: topic, writers: writers}, nil
}

// Run consumes until ctx is cancelled, riding out rebalances.
func (c *Consumer) Run(ctx context.Context) error {
	h := &pushHandler{writers: c.writers}
	for ctx.Err() == nil {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.WithError(err).Warn("push consume error, retrying")
			time.Sleep(300 * time.Millisecond)
		}
	}
	return ctx.Err()
}

func (c *Consumer) Close() error { return c.group.Close() }

type pushHandler struct {
	writers WriterLookup
}

func (h *pushHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *pushHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *pushHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(msg.Value)
		sess.MarkMessage(msg, "")
	}
	return nil
}

// handle routes one pushed batch. Bad or orphaned messages are logged
// and dropped; the pusher's retry goes through a fresh reservation.
func (h *pushHandler) handle(raw []byte) {
	m, err := DecodePushMessage(raw)
	if err != nil {
		log.WithError(err).Warn("bad push message")
		return
	}
	w, ok := h.writers.LookupWriter(m.ShuffleKey, m.FileID)
	if !ok {
		log.WithFields(log.Fields{"shuffle": m.ShuffleKey, "file": m.FileID}).Warn("push for unknown writer, dropped")
		return
	}

	w.IncrementPendingWrites()
	buf := buffer.NewBuf(m.Payload)
	err = w.Write(buf)
	buf.Release()
	if err != nil {
		w.DecrementPendingWrites()
		log.WithFields(log.Fields{"shuffle": m.ShuffleKey, "file": m.FileID}).WithError(err).Warn("push write failed")
		return
	}

	if w.NeedsSplit() {
		mode := "soft"
		if w.SplitMode() == storage.HardSplit {
			mode = "hard"
		}
		log.WithFields(log.Fields{
			"shuffle": m.ShuffleKey,
			"file":    m.FileID,
			"mode":    mode,
		}).Info("partition crossed split threshold")
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, x := range parts {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
