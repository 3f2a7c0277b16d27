package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

// DecodeBody unmarshals a request body into out. Unknown fields are
// rejected; silently dropping a misspelled option is worse than a 400.
func DecodeBody(request events.APIGatewayProxyRequest, out interface{}) error {
	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return errdefs.Validation("body", "invalid base64 payload")
		}
		body = decoded
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errdefs.Validation("body", err.Error())
	}
	return nil
}

// PathParam reads one path parameter, e.g. the {id} of /v1/sessions/{id}.
func PathParam(request events.APIGatewayProxyRequest, name string) (string, error) {
	value := request.PathParameters[name]
	if value == "" {
		return "", errdefs.Validation(name, "missing path parameter")
	}
	return value, nil
}
