package main

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/api"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type listResponse struct {
	Sessions   []api.SessionView `json:"sessions"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type handler struct {
	store *store.Store
	log   *logrus.Entry
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	caller, err := api.CallerFrom(request)
	if err != nil {
		return api.Failure(h.log, err)
	}
	projectID, err := caller.ResolveProject(request.QueryStringParameters["projectId"])
	if err != nil {
		return api.Failure(h.log, err)
	}

	opts := store.ListOptions{Cursor: request.QueryStringParameters["cursor"]}
	if raw := request.QueryStringParameters["limit"]; raw != "" {
		limit, perr := strconv.Atoi(raw)
		if perr != nil || limit < 1 {
			return api.Failure(h.log, errdefs.Validation("limit", "must be a positive integer"))
		}
		opts.Limit = int32(limit)
	}
	if raw := request.QueryStringParameters["status"]; raw != "" {
		switch status := session.Status(raw); status {
		case session.StatusRunning, session.StatusCompleted, session.StatusError, session.StatusTimedOut:
			opts.Status = status
		default:
			return api.Failure(h.log, errdefs.Validation("status", "unknown status filter"))
		}
	}

	recs, next, err := h.store.ListByProject(ctx, projectID, opts)
	if err != nil {
		return api.Failure(h.log, err)
	}
	return api.Success(listResponse{Sessions: api.NewSessionViews(recs), NextCursor: next})
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

	h := &handler{store: st, log: logging.Component(log, "sessions-list")}
	lambda.Start(h.handle)
}
