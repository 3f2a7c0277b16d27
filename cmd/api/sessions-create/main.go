package main

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/api"
	"github.com/wallcrawler/sessioncore/internal/artifacts"
	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/provision"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
)

// createRequest is the POST /v1/sessions body.
type createRequest struct {
	ProjectID    string            `json:"projectId"`
	Timeout      int               `json:"timeout"`
	KeepAlive    bool              `json:"keepAlive"`
	ContextID    string            `json:"contextId"`
	UserMetadata map[string]string `json:"userMetadata"`
}

type handler struct {
	coordinator *provision.Coordinator
	log         *logrus.Entry
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	caller, err := api.CallerFrom(request)
	if err != nil {
		return api.Failure(h.log, err)
	}
	var req createRequest
	if err := api.DecodeBody(request, &req); err != nil {
		return api.Failure(h.log, err)
	}
	projectID, err := caller.ResolveProject(req.ProjectID)
	if err != nil {
		return api.Failure(h.log, err)
	}

	rec, err := h.coordinator.CreateSession(ctx, provision.CreateInput{
		ProjectID:      projectID,
		APIKeyID:       caller.APIKeyID,
		TimeoutSeconds: req.Timeout,
		KeepAlive:      req.KeepAlive,
		ContextID:      req.ContextID,
		UserMetadata:   req.UserMetadata,
	})
	if err != nil {
		return api.Failure(h.log, err)
	}
	return api.Success(api.NewSessionView(rec, true))
}

func main() {
	log := logging.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.RequireLaunch(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
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
		Cluster:        cfg.ECSCluster,
		TaskDefinition: cfg.ECSTaskDefinition,
		Subnets:        cfg.ECSSubnets,
		SecurityGroups: cfg.ECSSecurityGroups,
		AssignPublicIP: cfg.ECSAssignPublicIP,
	}, logging.Component(log, "platform"))

	var keys token.KeySource
	if cfg.TokenSigningKey != "" {
		keys = token.StaticKeySource(cfg.TokenSigningKey)
	} else {
		keys = token.NewCachedKeySource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef, cfg.TokenKeyRefresh())
	}

	brokerLog := logging.Component(log, "broker")
	waiters := broker.New(nil, brokerLog)
	if opts, perr := redis.ParseURL(cfg.RedisURL); perr != nil {
		log.WithError(perr).Warn("invalid REDIS_URL, readiness wake-ups limited to this instance")
	} else {
		bus := broker.NewRedisBus(redis.NewClient(opts), cfg.ReadinessChannel)
		waiters = broker.New(bus, brokerLog)
		go func() {
			if rerr := bus.Run(ctx, waiters.HandlePayload); rerr != nil && !errors.Is(rerr, context.Canceled) {
				log.WithError(rerr).Error("readiness subscription ended")
			}
		}()
	}

	var profiles provision.Profiles
	if cfg.ArtifactsBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg)
		profiles = artifacts.New(s3Client, s3.NewPresignClient(s3Client), manager.NewUploader(s3Client),
			cfg.ArtifactsBucket, logging.Component(log, "artifacts"))
	}

	notices := notify.New(sns.NewFromConfig(awsCfg), cfg.SessionEventsTopicARN,
		eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logging.Component(log, "notify"))

	coordinator := provision.New(
		st,
		launcher,
		token.NewService(keys),
		waiters,
		admission.NewGuard(st, logging.Component(log, "admission")),
		profiles,
		notices,
		provision.Config{
			ProvisionDeadline:     cfg.ProvisionDeadline(),
			DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
			MaxTimeoutSeconds:     cfg.MaxTimeoutSeconds,
			Region:                awsCfg.Region,
		},
		logging.Component(log, "coordinator"),
	)

	h := &handler{coordinator: coordinator, log: logging.Component(log, "sessions-create")}
	lambda.Start(h.handle)
}
