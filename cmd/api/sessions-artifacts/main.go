package main

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/api"
	"github.com/wallcrawler/sessioncore/internal/artifacts"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type uploadRequest struct {
	FileName string `json:"fileName"`
}

type downloadsResponse struct {
	Artifacts []artifacts.Artifact `json:"artifacts"`
}

type handler struct {
	store     *store.Store
	artifacts *artifacts.Store
	log       *logrus.Entry
}

// handle serves both artifact routes: GET .../downloads lists presigned
// download URLs, POST .../uploads mints one presigned upload slot.
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
	if !caller.Allowed(rec.ProjectID) {
		return api.Failure(h.log, errdefs.NotFound("session", sessionID))
	}

	switch request.HTTPMethod {
	case http.MethodGet:
		list, err := h.artifacts.List(ctx, sessionID)
		if err != nil {
			return api.Failure(h.log, err)
		}
		if list == nil {
			list = []artifacts.Artifact{}
		}
		return api.Success(downloadsResponse{Artifacts: list})

	case http.MethodPost:
		var req uploadRequest
		if err := api.DecodeBody(request, &req); err != nil {
			return api.Failure(h.log, err)
		}
		slot, err := h.artifacts.UploadURL(ctx, sessionID, req.FileName)
		if err != nil {
			return api.Failure(h.log, err)
		}
		return api.Success(slot)

	default:
		return api.Failure(h.log, errdefs.Validation("method", "unsupported method "+request.HTTPMethod))
	}
}

func main() {
	log := logging.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.ArtifactsBucket == "" {
		log.Fatal("ARTIFACTS_BUCKET is required")
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

	s3Client := s3.NewFromConfig(awsCfg)
	arts := artifacts.New(
		s3Client,
		s3.NewPresignClient(s3Client),
		manager.NewUploader(s3Client),
		cfg.ArtifactsBucket,
		logging.Component(log, "artifacts"),
	)

	h := &handler{store: st, artifacts: arts, log: logging.Component(log, "sessions-artifacts")}
	lambda.Start(h.handle)
}
