package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

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

var proxyClient = &http.Client{Timeout: 10 * time.Second}

// proxyPage is one entry of the proxy's authenticated /json listing.
type proxyPage struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	URL                 string `json:"url"`
	DevtoolsFrontendURL string `json:"devtoolsFrontendUrl"`
	FaviconURL          string `json:"faviconUrl"`
}

type debugPage struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	DebuggerURL string `json:"debuggerUrl"`
	FaviconURL  string `json:"faviconUrl,omitempty"`
}

type debugResponse struct {
	DebuggerURL           string      `json:"debuggerUrl"`
	DebuggerFullscreenURL string      `json:"debuggerFullscreenUrl"`
	WSURL                 string      `json:"wsUrl"`
	Pages                 []debugPage `json:"pages"`
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
	if !rec.Live() {
		return api.Failure(h.log, &errdefs.ConflictError{
			SessionID: sessionID,
			Msg:       fmt.Sprintf("session is %s, debugging needs a running session", rec.Status),
		})
	}

	pages, err := h.fetchPages(ctx, rec)
	if err != nil {
		return api.Failure(h.log, err)
	}

	resp := debugResponse{WSURL: rec.ConnectURL, Pages: make([]debugPage, 0, len(pages))}
	for _, page := range pages {
		debuggerURL := "https://" + rec.PublicAddress + page.DevtoolsFrontendURL
		resp.Pages = append(resp.Pages, debugPage{
			ID:          page.ID,
			Title:       page.Title,
			URL:         page.URL,
			DebuggerURL: debuggerURL,
			FaviconURL:  page.FaviconURL,
		})
		if resp.DebuggerURL == "" {
			resp.DebuggerURL = debuggerURL
			resp.DebuggerFullscreenURL = debuggerURL + "&embedded=true"
		}
	}
	return api.Success(resp)
}

// fetchPages lists the browser targets through the session's proxy,
// authenticating with the session's own token.
func (h *handler) fetchPages(ctx context.Context, rec *session.Session) ([]proxyPage, error) {
	url := "http://" + rec.PublicAddress + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rec.SigningKey)

	resp, err := proxyClient.Do(req)
	if err != nil {
		return nil, errdefs.Transient("proxy page listing", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Transient("proxy page listing", fmt.Errorf("proxy returned %d", resp.StatusCode))
	}

	var pages []proxyPage
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, errdefs.Transient("proxy page listing", err)
	}
	return pages, nil
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

	h := &handler{store: st, log: logging.Component(log, "sessions-debug")}
	lambda.Start(h.handle)
}
