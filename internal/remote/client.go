// Package remote is the sync agent's HTTP client for the CV API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 4096

	profilePath = "/profile"
	cvPath      = "/cv"

	errorCodeNotFound = "not_found"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: session token is required")
)

// StatusError reports a non-success API response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s %s: status %d (%s)", e.Method, e.Path, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("remote: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Config describes the API endpoint and credentials.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the CV API with a bearer session token.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *zap.Logger
}

var _ syncengine.RemoteStore = (*Client)(nil)

// New validates the configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", baseURL.Scheme)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient, logger: logger}, nil
}

type profileResponse struct {
	UserID  string `json:"userId"`
	Created bool   `json:"created"`
}

type createRequest struct {
	Title    string       `json:"title"`
	Document cv.Document  `json:"document"`
	Settings *cv.Settings `json:"settings,omitempty"`
}

// EnsureProfile creates or refreshes the server profile. It reports false when
// the token resolves to a different user than expected.
func (c *Client) EnsureProfile(ctx context.Context, userID cv.UserID) (bool, error) {
	var profile profileResponse
	if err := c.do(ctx, http.MethodPost, profilePath, nil, &profile); err != nil {
		return false, err
	}
	if profile.UserID != userID.String() {
		c.logger.Warn("session token belongs to another user",
			zap.String("expected_user_id", userID.String()),
			zap.String("token_user_id", profile.UserID))
		return false, nil
	}
	return true, nil
}

// CurrentUser returns the user id the session token resolves to.
func (c *Client) CurrentUser(ctx context.Context) (cv.UserID, error) {
	var profile profileResponse
	if err := c.do(ctx, http.MethodPost, profilePath, nil, &profile); err != nil {
		return "", err
	}
	return cv.NewUserID(profile.UserID)
}

// FetchUserCV returns the user's latest record, or nil when none exists.
func (c *Client) FetchUserCV(ctx context.Context, userID cv.UserID) (*cv.RemoteRecord, error) {
	var record cv.RemoteRecord
	err := c.do(ctx, http.MethodGet, cvPath, nil, &record)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound && statusErr.Code == errorCodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.UserID != "" && record.UserID != userID {
		return nil, fmt.Errorf("remote: record belongs to %q, expected %q", record.UserID, userID)
	}
	return &record, nil
}

// CreateCV stores the first record for the user.
func (c *Client) CreateCV(ctx context.Context, _ cv.UserID, document cv.Document, settings cv.Settings, title string) (*cv.RemoteRecord, error) {
	payload := createRequest{Title: title, Document: document, Settings: &settings}
	if payload.Document == nil {
		payload.Document = cv.Document{}
	}
	var record cv.RemoteRecord
	if err := c.do(ctx, http.MethodPost, cvPath, payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateCV applies a partial update to the record.
func (c *Client) UpdateCV(ctx context.Context, recordID cv.RecordID, patch cv.UpdatePatch) error {
	if patch.IsEmpty() {
		return cv.ErrEmptyPatch
	}
	return c.do(ctx, http.MethodPatch, cvPath+"/"+recordID.String(), patch, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("latency", time.Since(started)))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: response.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		if json.Unmarshal(raw, &payload) == nil {
			statusErr.Code = payload.Error
		}
		return statusErr
	}

	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}
