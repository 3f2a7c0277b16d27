package main

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/store"
)

// errUnauthorized is the exact message API Gateway translates into a 401;
// anything else becomes a 500.
var errUnauthorized = errors.New("Unauthorized")

type handler struct {
	resolver *admission.Resolver
	log      *logrus.Entry
}

func (h *handler) handle(ctx context.Context, event events.APIGatewayCustomAuthorizerRequestTypeRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	res, err := h.resolver.Resolve(ctx, headerValue(event.Headers, "x-api-key"))
	if err != nil {
		if errdefs.IsAuth(err) {
			h.log.WithError(err).Warn("api key rejected")
			return events.APIGatewayCustomAuthorizerResponse{}, errUnauthorized
		}
		h.log.WithError(err).Error("api key resolution failed")
		return events.APIGatewayCustomAuthorizerResponse{}, err
	}

	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: res.APIKeyID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: "2012-10-17",
			Statement: []events.IAMPolicyStatement{
				{
					Action:   []string{"execute-api:Invoke"},
					Effect:   "Allow",
					Resource: []string{stageWildcard(event.MethodArn)},
				},
			},
		},
		Context: map[string]interface{}{
			"apiKeyId":   res.APIKeyID,
			"projectId":  res.ProjectID,
			"projectIds": strings.Join(res.ProjectIDs, ","),
		},
	}, nil
}

// headerValue looks a header up without caring how the gateway cased it.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// stageWildcard widens a method ARN to the whole stage. The gateway caches
// the returned policy per api key, so it must admit every route, not just
// the one that happened to trigger the lookup.
func stageWildcard(methodArn string) string {
	parts := strings.SplitN(methodArn, "/", 2)
	if len(parts) != 2 {
		return methodArn
	}
	stage := strings.SplitN(parts[1], "/", 2)
	return parts[0] + "/" + stage[0] + "/*"
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

	h := &handler{
		resolver: admission.NewResolver(st, logging.Component(log, "admission")),
		log:      logging.Component(log, "authorizer"),
	}
	lambda.Start(h.handle)
}
