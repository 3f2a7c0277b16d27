// Package api is the gateway glue shared by the Lambda handlers: the
// authorizer context, request decoding, the response envelope, and the
// client-facing session views.
package api

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

// Principal is the resolved caller, injected by the request authorizer into
// the API Gateway request context.
type Principal struct {
	APIKeyID   string
	ProjectID  string
	ProjectIDs []string
}

// CallerFrom extracts the principal the authorizer attached to the request.
// A request that reached the handler without one is a gateway
// misconfiguration, not a client error.
func CallerFrom(request events.APIGatewayProxyRequest) (*Principal, error) {
	auth := request.RequestContext.Authorizer
	p := &Principal{
		APIKeyID:   authorizerString(auth, "apiKeyId"),
		ProjectID:  authorizerString(auth, "projectId"),
		ProjectIDs: authorizerStrings(auth, "projectIds"),
	}
	if p.ProjectID == "" {
		return nil, errdefs.Unauthorized("request reached handler without an authorizer context")
	}
	if len(p.ProjectIDs) == 0 {
		p.ProjectIDs = []string{p.ProjectID}
	}
	return p, nil
}

// Allowed reports whether the principal may act on projectID.
func (p *Principal) Allowed(projectID string) bool {
	for _, id := range p.ProjectIDs {
		if strings.EqualFold(id, projectID) {
			return true
		}
	}
	return false
}

// ResolveProject picks the project a request acts on: the explicit one when
// the key is entitled to it, the key's primary project otherwise.
func (p *Principal) ResolveProject(requested string) (string, error) {
	if requested == "" {
		return p.ProjectID, nil
	}
	if !p.Allowed(requested) {
		return "", errdefs.Forbidden("api key is not entitled to project " + requested)
	}
	return requested, nil
}

// authorizerString reads one string value from the authorizer context map.
// API Gateway stringifies custom context values, but test events and SDK
// round-trips produce other shapes.
func authorizerString(auth map[string]interface{}, key string) string {
	if auth == nil {
		return ""
	}
	switch v := auth[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

// authorizerStrings reads a list value the authorizer flattened to CSV
// (custom authorizer context only carries primitives).
func authorizerStrings(auth map[string]interface{}, key string) []string {
	if auth == nil {
		return nil
	}
	var parts []string
	switch v := auth[key].(type) {
	case string:
		parts = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	case []string:
		parts = v
	}

	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, id)
	}
	return out
}
