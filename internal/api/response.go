package api

import (
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

type successBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Respond builds an API Gateway response with the shared headers.
func Respond(status int, body interface{}) (events.APIGatewayProxyResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":                 "application/json",
			"Access-Control-Allow-Origin":  "*",
			"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
			"Access-Control-Allow-Headers": "Content-Type, Authorization, x-api-key",
		},
		Body: string(payload),
	}, nil
}

// Success wraps data in the success envelope.
func Success(data interface{}) (events.APIGatewayProxyResponse, error) {
	return Respond(http.StatusOK, successBody{Success: true, Data: data})
}

// Failure maps a typed error onto its status code and envelope. Backend
// failures are logged in full but answered generically; client errors carry
// their message through.
func Failure(log *logrus.Entry, err error) (events.APIGatewayProxyResponse, error) {
	status := StatusOf(err)
	message := err.Error()
	switch {
	case status < http.StatusInternalServerError:
		log.WithError(err).Warn("request rejected")
	case errdefs.IsProvisioningFailed(err):
		// The session record is terminal; the reason helps the client
		// decide whether to retry.
		log.WithError(err).Error("request failed")
	default:
		log.WithError(err).Error("request failed")
		message = "backend failure"
	}
	return Respond(status, errorBody{Success: false, Message: message})
}

// StatusOf maps the error taxonomy onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errdefs.IsValidation(err):
		return http.StatusBadRequest
	case errdefs.IsForbidden(err):
		return http.StatusForbidden
	case errdefs.IsAuth(err):
		return http.StatusUnauthorized
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsProvisioningTimeout(err):
		return http.StatusRequestTimeout
	case errdefs.IsConcurrencyExceeded(err), errdefs.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
