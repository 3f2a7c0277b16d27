package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/router"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type handler struct {
	router *router.Router
	log    *logrus.Entry
}

// handle fans a batch of session table stream records out to readiness
// waiters and the notification topic. A failed record fails the batch so the
// stream redelivers it; the router deduplicates the replayed prefix.
func (h *handler) handle(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if record.EventName == "REMOVE" {
			// TTL deletions carry no state transition.
			continue
		}

		before, err := store.FromStreamImage(record.Change.OldImage)
		if err != nil {
			h.log.WithError(err).WithField("eventId", record.EventID).Warn("discarding undecodable old image")
			before = nil
		}
		after, err := store.FromStreamImage(record.Change.NewImage)
		if err != nil {
			h.log.WithError(err).WithField("eventId", record.EventID).Warn("discarding undecodable record")
			continue
		}

		if err := h.router.HandleStateChange(ctx, before, after); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	log := logging.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.WithError(err).Fatal("load aws config")
	}

	// This Lambda exists to wake coordinators on other instances; without a
	// working bus it cannot do its job.
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid REDIS_URL")
	}
	bus := broker.New(
		broker.NewRedisBus(redis.NewClient(opts), cfg.ReadinessChannel),
		logging.Component(log, "broker"),
	)

	notices := notify.New(sns.NewFromConfig(awsCfg), cfg.SessionEventsTopicARN,
		eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logging.Component(log, "notify"))

	// State fan-out never reads the table or the platform; stream images
	// carry everything.
	rt := router.New(nil, nil, bus, notices, cfg.CDPProxyPort, logging.Component(log, "router"))
	h := &handler{router: rt, log: logging.Component(log, "sessions-stream-processor")}
	lambda.Start(h.handle)
}
