package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/router"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type handler struct {
	router *router.Router
	log    *logrus.Entry
}

// handle applies one EventBridge-delivered ECS task state change. Errors
// propagate so the event is redelivered; the router tolerates replays.
func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) error {
	if event.DetailType != "ECS Task State Change" {
		h.log.WithField("detailType", event.DetailType).Debug("ignoring event")
		return nil
	}

	ev, err := router.ParseTaskStateChange(event.Detail)
	if err != nil {
		h.log.WithError(err).Error("unparseable task state change")
		return err
	}
	return h.router.HandleLifecycle(ctx, ev)
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

	st := store.New(dynamodb.NewFromConfig(awsCfg), store.Tables{
		Sessions: cfg.SessionsTable,
		Projects: cfg.ProjectsTable,
		APIKeys:  cfg.APIKeysTable,
		Contexts: cfg.ContextsTable,
	}, logging.Component(log, "store"))

	pf := platform.New(
		ecs.NewFromConfig(awsCfg),
		ec2.NewFromConfig(awsCfg),
		platform.LaunchConfig{Cluster: cfg.ECSCluster},
		logging.Component(log, "platform"),
	)

	notices := notify.New(sns.NewFromConfig(awsCfg), cfg.SessionEventsTopicARN,
		eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logging.Component(log, "notify"))

	// Lifecycle writes reach waiters through the table stream, not from
	// here, so a local-only broker suffices.
	bus := broker.New(nil, logging.Component(log, "broker"))

	rt := router.New(st, pf, bus, notices, cfg.CDPProxyPort, logging.Component(log, "router"))
	h := &handler{router: rt, log: logging.Component(log, "ecs-task-processor")}
	lambda.Start(h.handle)
}
