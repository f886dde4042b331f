package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/controller"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/retry"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

// Server is the worker's control-plane endpoint: it consumes control
// requests from a RabbitMQ queue and replies on the reply-to queue.
// The wire layer is a thin adapter; all decisions live in the
// controller.
type Server struct {
	url      string
	queue    string
	ctrl     *controller.Controller
	defaults storage.WriterOptions
}

func NewServer(url, queue string, ctrl *controller.Controller, defaults storage.WriterOptions) *Server {
	return &Server{url: url, queue: queue, ctrl: ctrl, defaults: defaults}
}

// Run serves until ctx is cancelled, reconnecting with backoff when
// the broker connection drops.
func (s *Server) Run(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts: 0, // reconnect until cancelled
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			log.WithError(err).WithField("wait", wait).Warn("control connection lost, reconnecting")
		},
	}
	return retry.Do(ctx, policy, s.serveOnce)
}

func (s *Server) serveOnce(ctx context.Context) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", s.queue, err)
	}
	deliveries, err := ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}

	log.WithField("queue", s.queue).Info("control server listening")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("control channel closed")
			}
			resp := s.dispatch(ctx, d.Body)
			s.reply(ch, d, resp)
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}

func (s *Server) reply(ch *amqp.Channel, d amqp.Delivery, resp Response) {
	if d.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Warn("marshal control reply failed")
		return
	}
	err = ch.Publish("", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		log.WithError(err).Warn("publish control reply failed")
	}
}

func (s *Server) dispatch(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errResponse("unknown", fmt.Errorf("bad request: %w", err))
	}

	switch req.Type {
	case "reserve_slots":
		var r ReserveSlotsRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return errResponse(req.Type, err)
		}
		wopts := s.defaults
		if r.SplitThreshold > 0 {
			wopts.SplitThreshold = r.SplitThreshold
		}
		if r.SplitMode == "hard" {
			wopts.SplitMode = storage.HardSplit
		} else if r.SplitMode == "soft" {
			wopts.SplitMode = storage.SoftSplit
		}
		if err := s.ctrl.ReserveSlots(r.ShuffleKey, r.PrimaryIDs, r.SecondaryIDs, r.OnDfs, wopts); err != nil {
			return errResponse(req.Type, err)
		}
		return okResponse(req.Type, struct{}{})

	case "commit_files":
		var r CommitFilesRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return errResponse(req.Type, err)
		}
		res := s.ctrl.CommitFiles(ctx, r.ShuffleKey, r.PrimaryIDs, r.SecondaryIDs, r.MapperAttempts)
		return okResponse(req.Type, res)

	case "destroy":
		var r DestroyRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return errResponse(req.Type, err)
		}
		res := s.ctrl.Destroy(ctx, r.ShuffleKey, r.PrimaryIDs, r.SecondaryIDs)
		return okResponse(req.Type, res)

	case "get_worker_info":
		return okResponse(req.Type, s.ctrl.GetWorkerInfo())

	case "thread_dump":
		return okResponse(req.Type, struct {
			Stacks string `json:"stacks"`
		}{Stacks: s.ctrl.ThreadDump()})

	default:
		return errResponse(req.Type, fmt.Errorf("unknown control type %q", req.Type))
	}
}
