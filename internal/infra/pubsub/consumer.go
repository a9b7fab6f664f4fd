// File: internal/infra/pubsub/consumer.go
package pubsub

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"finetune-api/internal/config"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/infra/metrics"
	"finetune-api/internal/infra/redis"
	"finetune-api/internal/infra/worker"
	"finetune-api/internal/usecase"
)

// supportedWorkflows is the allow-list for push events. Events from other
// workflows are logged and left unacknowledged.
var supportedWorkflows = map[string]bool{
	"torchtunewrapper": true,
}

// jobEvent is the push-channel message envelope. Step counters live at the
// top level; artifact files live under data.
type jobEvent struct {
	JobID     string          `json:"job_id"`
	UserID    string          `json:"user_id"`
	Sender    string          `json:"sender"`
	Workflow  string          `json:"workflow"`
	Operation string          `json:"operation"`
	StepNum   *int            `json:"step_num"`
	StepLen   int             `json:"step_len"`
	EpochNum  int             `json:"epoch_num"`
	EpochLen  int             `json:"epoch_len"`
	Data      model.Artifacts `json:"data"`
}

// Consumer reads job events from a Redis stream through a consumer group and
// feeds them to the ingestion use case. A message is acknowledged only after
// its database effect commits, so delivery is at-least-once and the ingestion
// operations stay idempotent.
type Consumer struct {
	cli      *goredis.Client
	stream   string
	group    string
	consumer string
	pool     *worker.Pool
	ingest   usecase.IngestionUseCase
	log      *zerolog.Logger
}

func NewConsumer(client *redis.Client, cfg config.PubSubConfig, pool *worker.Pool, ingest usecase.IngestionUseCase, logger *zerolog.Logger) *Consumer {
	name := cfg.Consumer
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}
	l := logger.With().Str("component", "PubSubConsumer").Str("stream", cfg.Stream).Logger()
	return &Consumer{
		cli:      client.Raw(),
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: name,
		pool:     pool,
		ingest:   ingest,
		log:      &l,
	}
}

// Run blocks reading the stream until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.log.Info().Str("group", c.group).Str("consumer", c.consumer).Msg("Starting pubsub consumer")

	go c.claimStale(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Stopping pubsub consumer")
			return ctx.Err()
		default:
		}

		streams, err := c.cli.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("stream read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				m := msg
				if err := c.pool.Submit(func(ctx context.Context) error {
					c.handle(ctx, m)
					return nil
				}); err != nil {
					// Queue full; leave the message pending for a later claim.
					c.log.Warn().Str("message_id", m.ID).Err(err).Msg("dropping dispatch")
				}
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.cli.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// claimStale periodically takes over messages another consumer read but never
// acknowledged, so a crashed replica's events are not lost.
func (c *Consumer) claimStale(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, _, err := c.cli.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
				Stream:   c.stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  time.Minute,
				Start:    "0-0",
				Count:    100,
			}).Result()
			if err != nil {
				if err != goredis.Nil && ctx.Err() == nil {
					c.log.Error().Err(err).Msg("autoclaim failed")
				}
				continue
			}
			for _, msg := range msgs {
				m := msg
				_ = c.pool.Submit(func(ctx context.Context) error {
					c.handle(ctx, m)
					return nil
				})
			}
		}
	}
}

// outcome drives what happens to the stream entry after routing.
type outcome int

const (
	outcomeAck    outcome = iota // applied and committed
	outcomeDrop                  // permanently unprocessable, ack and forget
	outcomeReject                // event declined, leave pending for retry
	outcomeError                 // transient failure, leave pending for retry
)

func (c *Consumer) handle(ctx context.Context, msg goredis.XMessage) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		c.log.Warn().Str("message_id", msg.ID).Msg("message without payload field")
		c.ack(ctx, msg.ID)
		metrics.IncPubSubMessage("dropped")
		return
	}

	var ev jobEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.Warn().Str("message_id", msg.ID).Err(err).Msg("malformed event payload")
		c.ack(ctx, msg.ID)
		metrics.IncPubSubMessage("dropped")
		return
	}

	switch c.route(ctx, ev) {
	case outcomeAck:
		c.ack(ctx, msg.ID)
		metrics.IncPubSubMessage("acked")
	case outcomeDrop:
		c.ack(ctx, msg.ID)
		metrics.IncPubSubMessage("dropped")
	case outcomeReject:
		metrics.IncPubSubMessage("rejected")
	case outcomeError:
		metrics.IncPubSubMessage("error")
	}
}

func (c *Consumer) route(ctx context.Context, ev jobEvent) outcome {
	// Internal system senders use sentinel user ids. Their events carry no
	// tenant state and are dropped outright.
	if ev.UserID == "0" || ev.UserID == "-1" {
		c.log.Debug().Str("user_id", ev.UserID).Msg("ignoring event from internal user")
		return outcomeDrop
	}
	if !supportedWorkflows[ev.Workflow] {
		c.log.Info().Str("workflow", ev.Workflow).Msg("ignoring event from unsupported workflow")
		return outcomeReject
	}

	var acked bool
	var err error
	handled := false
	if ev.Sender == "job_logger" {
		switch {
		case ev.Operation == "step" && ev.StepNum != nil && *ev.StepNum >= 0:
			handled = true
			acked, err = c.ingest.ApplyProgress(ctx, nil, ev.JobID, ev.UserID, model.Progress{
				CurrentStep:  *ev.StepNum,
				TotalSteps:   ev.StepLen,
				CurrentEpoch: ev.EpochNum,
				TotalEpochs:  ev.EpochLen,
			})
		case ev.Operation == "artifacts":
			handled = true
			acked, err = c.ingest.IngestArtifacts(ctx, nil, ev.JobID, ev.UserID, ev.Data)
		}
	}

	switch {
	case err != nil:
		// Transient failure; the message stays pending and gets retried.
		c.log.Error().Err(err).Str("job_id", ev.JobID).Str("operation", ev.Operation).Msg("failed to process event")
		return outcomeError
	case !handled:
		c.log.Warn().Str("sender", ev.Sender).Str("operation", ev.Operation).Msg("did not process event")
		return outcomeReject
	case acked:
		return outcomeAck
	default:
		// Handler declined (for example the job is not known yet). Keep the
		// message pending so a later claim can retry after the job commits.
		c.log.Warn().Str("job_id", ev.JobID).Str("operation", ev.Operation).Msg("event not applied")
		return outcomeReject
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.cli.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.Error().Err(err).Str("message_id", id).Msg("ack failed")
	}
}
