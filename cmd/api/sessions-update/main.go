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

	"github.com/wallcrawler/sessioncore/internal/api"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/provision"
	"github.com/wallcrawler/sessioncore/internal/store"
)

// updateRequest is the POST /v1/sessions/{id} body. Release is the only
// supported mutation.
type updateRequest struct {
	Status string `json:"status"`
}

type handler struct {
	store    *store.Store
	releaser *provision.Releaser
	log      *logrus.Entry
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	caller, err := api.CallerFrom(request)
	if err != nil {
		return api.Failure(h.log, err)
	}
	sessionID, err := api.PathParam(request, "id")
	if err != nil {
		return api.Failure(h.log, err)
	}
	var req updateRequest
	if err := api.DecodeBody(request, &req); err != nil {
		return api.Failure(h.log, err)
	}
	if req.Status != "REQUEST_RELEASE" {
		return api.Failure(h.log, errdefs.Validation("status", `only "REQUEST_RELEASE" is supported`))
	}

	rec, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return api.Failure(h.log, err)
	}
	if !caller.Allowed(rec.ProjectID) {
		return api.Failure(h.log, errdefs.NotFound("session", sessionID))
	}

	released, err := h.releaser.Release(ctx, sessionID)
	if err != nil {
		return api.Failure(h.log, err)
	}
	return api.Success(api.NewSessionView(released, true))
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

	launcher := platform.New(ecs.NewFromConfig(awsCfg), ec2.NewFromConfig(awsCfg), platform.LaunchConfig{
		Cluster: cfg.ECSCluster,
	}, logging.Component(log, "platform"))

	notices := notify.New(sns.NewFromConfig(awsCfg), cfg.SessionEventsTopicARN,
		eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logging.Component(log, "notify"))

	h := &handler{
		store:    st,
		releaser: provision.NewReleaser(st, launcher, notices, logging.Component(log, "release")),
		log:      logging.Component(log, "sessions-update"),
	}
	lambda.Start(h.handle)
}
