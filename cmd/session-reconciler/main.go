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

	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/reconcile"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type handler struct {
	reconciler *reconcile.Reconciler
	log        *logrus.Entry
}

// handle runs one scheduled reconciliation pass. The report is returned so
// it lands in the invocation result; a sweep error fails the invocation for
// the schedule's retry after the remaining sweeps ran.
func (h *handler) handle(ctx context.Context, _ events.CloudWatchEvent) (reconcile.Report, error) {
	return h.reconciler.Run(ctx)
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

	rec := reconcile.New(st, pf, notices, cfg.StuckProvisioningAge(), logging.Component(log, "reconcile"))
	h := &handler{reconciler: rec, log: logging.Component(log, "session-reconciler")}
	lambda.Start(h.handle)
}
