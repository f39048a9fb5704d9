// Package client talks to the question-generator REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pavelanni/qgen/internal/model"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8080/api/v1"

const maxErrorBody = 4096

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer credential. The empty token sends no header.
type StaticToken string

// Token returns the token itself.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error %d", e.StatusCode)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client calls the question-generator endpoints.
type Client struct {
	baseURL string
	http    HTTPClient
	tokens  TokenSource
}

// New creates a Client. A nil httpClient uses http.DefaultClient and a nil
// tokens sends unauthenticated requests.
func New(baseURL string, httpClient HTTPClient, tokens TokenSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

func sessionPath(sessionID string) string {
	return "/question-generator/sessions/" + url.PathEscape(sessionID)
}

func questionPath(sessionID, questionID string) string {
	return sessionPath(sessionID) + "/questions/" + url.PathEscape(questionID)
}

func pageQuery(p model.PageRequest) url.Values {
	p = p.Normalize()
	return url.Values{
		"page":      {strconv.Itoa(p.Page)},
		"page_size": {strconv.Itoa(p.PageSize)},
	}
}

// OpenStream starts a streaming generation. The caller must close the body.
func (c *Client) OpenStream(ctx context.Context, req model.GenerateRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/question-generator/generate/stream", nil, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, errors.New("open stream: response has no body")
	}
	return resp.Body, nil
}

// Generate runs a generation without streaming and returns the persisted session.
func (c *Client) Generate(ctx context.Context, req model.GenerateRequest) (*model.SessionDetail, error) {
	var out model.SessionDetail
	if err := c.do(ctx, http.MethodPost, "/question-generator/generate", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches one persisted session with its questions.
func (c *Client) GetSession(ctx context.Context, id string) (*model.SessionDetail, error) {
	var out model.SessionDetail
	if err := c.do(ctx, http.MethodGet, sessionPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPending fetches one page of questions awaiting review.
func (c *Client) ListPending(ctx context.Context, p model.PageRequest) (model.Page[model.ReviewableQuestion], error) {
	var out model.Page[model.ReviewableQuestion]
	err := c.do(ctx, http.MethodGet, "/question-generator/questions/pending", pageQuery(p), nil, &out)
	return out, err
}

// ListSessions fetches one page of sessions with their questions.
func (c *Client) ListSessions(ctx context.Context, p model.PageRequest) (model.Page[model.SessionDetail], error) {
	var out model.Page[model.SessionDetail]
	err := c.do(ctx, http.MethodGet, "/question-generator/sessions", pageQuery(p), nil, &out)
	return out, err
}

// Approve marks a question approved.
func (c *Client) Approve(ctx context.Context, sessionID, questionID string) error {
	return c.do(ctx, http.MethodPost, questionPath(sessionID, questionID)+"/approve", nil, nil, nil)
}

// Reject marks a question rejected.
func (c *Client) Reject(ctx context.Context, sessionID, questionID string) error {
	return c.do(ctx, http.MethodPost, questionPath(sessionID, questionID)+"/reject", nil, nil, nil)
}

// UpdateQuestion replaces the editable fields of a question.
func (c *Client) UpdateQuestion(ctx context.Context, sessionID, questionID string, u model.QuestionUpdate) error {
	return c.do(ctx, http.MethodPut, questionPath(sessionID, questionID), nil, u, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// checkResponse converts a non-2xx response into an APIError, closing its body.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.Body == nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(data))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
