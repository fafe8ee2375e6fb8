package agentlink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	createSessionPath   = "/api/session/create"
	validateSessionPath = "/api/session/validate"
	endSessionPath      = "/api/session/end"

	// defaultSessionTTL applies when the server omits expires_in
	defaultSessionTTL = time.Hour
)

type createSessionResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenRequest struct {
	SessionToken string `json:"session_token"`
}

type apiErrorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// HTTPSessionAPI talks to the session endpoints over plain request/response
// calls.
type HTTPSessionAPI struct {
	client *resty.Client
	logger logrus.FieldLogger
}

var _ SessionAPI = (*HTTPSessionAPI)(nil)

// NewHTTPSessionAPI creates a session API client rooted at baseURL
func NewHTTPSessionAPI(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *HTTPSessionAPI {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPSessionAPI{client: client, logger: logger}
}

// Create asks the server for a fresh session
func (a *HTTPSessionAPI) Create(ctx context.Context, identity Identity) (CreatedSession, error) {
	var result createSessionResponse
	var apiErr apiErrorResponse

	res, err := a.client.R().
		SetContext(ctx).
		SetBody(identity).
		SetResult(&result).
		SetError(&apiErr).
		Post(createSessionPath)
	if err != nil {
		return CreatedSession{}, fmt.Errorf("session create request failed: %w", err)
	}
	if res.IsError() {
		return CreatedSession{}, fmt.Errorf("session create rejected (status %d): %s",
			res.StatusCode(), apiErr.reason(res))
	}
	if result.SessionToken == "" {
		return CreatedSession{}, fmt.Errorf("session create returned an empty token")
	}

	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	a.logger.WithFields(logrus.Fields{
		"function":   "Create",
		"user_id":    identity.UserID,
		"expires_in": ttl,
	}).Debug("Session created")

	return CreatedSession{Token: result.SessionToken, ExpiresIn: ttl}, nil
}

// Validate reports whether the server still accepts token. A 4xx answer is
// a definite "invalid"; server and transport failures come back as errors.
func (a *HTTPSessionAPI) Validate(ctx context.Context, token string) (bool, error) {
	res, err := a.client.R().
		SetContext(ctx).
		SetBody(tokenRequest{SessionToken: token}).
		Post(validateSessionPath)
	if err != nil {
		return false, fmt.Errorf("session validate request failed: %w", err)
	}

	switch {
	case res.IsSuccess():
		return true, nil
	case res.StatusCode() >= 500:
		return false, fmt.Errorf("session validate failed with status %d", res.StatusCode())
	default:
		return false, nil
	}
}

// End invalidates token on the server
func (a *HTTPSessionAPI) End(ctx context.Context, token string) error {
	res, err := a.client.R().
		SetContext(ctx).
		SetBody(tokenRequest{SessionToken: token}).
		Post(endSessionPath)
	if err != nil {
		return fmt.Errorf("session end request failed: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("session end failed with status %d", res.StatusCode())
	}
	return nil
}

func (e apiErrorResponse) reason(res *resty.Response) string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Message != "":
		return e.Message
	default:
		return strings.TrimSpace(res.String())
	}
}
