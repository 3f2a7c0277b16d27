package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/api"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type handler struct {
	store *store.Store
	log   *logrus.Entry
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

	rec, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return api.Failure(h.log, err)
	}
	// Sessions of other tenants are indistinguishable from missing ones.
	if !caller.Allowed(rec.ProjectID) {
		return api.Failure(h.log, errdefs.NotFound("session", sessionID))
	}

	return api.Success(api.NewSessionView(rec, true))
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

	h := &handler{store: st, log: logging.Component(log, "sessions-retrieve")}
	lambda.Start(h.handle)
}
