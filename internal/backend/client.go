// Package backend talks to the chat server's REST API: login, message
// history and deletion.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Config configures the REST client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// DefaultConfig returns the client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		Retries:      3,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 5 * time.Second,
	}
}

// Client is a REST client for the chat server.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type historyResponse struct {
	Messages []wire.MessagePayload `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client. Requests that fail at the network level or with a
// 5xx status are retried.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		SetError(&errorResponse{}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	logger.Info("backend client configured", zap.String("base_url", cfg.BaseURL))
	return &Client{http: hc, logger: logger}, nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, userID, password string) (model.Session, error) {
	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{UserID: userID, Password: password}).
		SetResult(&out).
		Post("/auth/login")
	if err := c.check("login", resp, err); err != nil {
		return model.Session{}, err
	}
	if out.Token == "" {
		return model.Session{}, &model.AuthError{Reason: "server returned no token"}
	}
	if out.UserID == "" {
		out.UserID = userID
	}
	c.logger.Info("logged in", zap.String("user_id", out.UserID))
	return model.Session{UserID: out.UserID, Token: out.Token}, nil
}

// History returns messages across all conversations with a server
// timestamp after since, oldest first.
func (c *Client) History(ctx context.Context, sess model.Session, since time.Time, limit int) ([]model.Message, error) {
	return c.history(ctx, sess, "/sync/messages", since, limit)
}

// ConversationHistory returns messages of one conversation after since.
func (c *Client) ConversationHistory(ctx context.Context, sess model.Session, conversationID string, since time.Time, limit int) ([]model.Message, error) {
	return c.history(ctx, sess, "/conversations/{conversationId}/messages", since, limit, "conversationId", conversationID)
}

func (c *Client) history(ctx context.Context, sess model.Session, path string, since time.Time, limit int, params ...string) ([]model.Message, error) {
	var out historyResponse
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(sess.Token).
		SetResult(&out)
	for i := 0; i+1 < len(params); i += 2 {
		req.SetPathParam(params[i], params[i+1])
	}
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	resp, err := req.Get(path)
	if err := c.check("history", resp, err); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(out.Messages))
	for _, p := range out.Messages {
		msgs = append(msgs, p.Message())
	}
	c.logger.Debug("history fetched", zap.String("path", path), zap.Int("messages", len(msgs)))
	return msgs, nil
}

// DeleteMessage deletes a message on the server. Deleting a message the
// server no longer has is not an error.
func (c *Client) DeleteMessage(ctx context.Context, sess model.Session, conversationID, messageID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(sess.Token).
		SetPathParams(map[string]string{
			"conversationId": conversationID,
			"messageId":      messageID,
		}).
		Delete("/conversations/{conversationId}/messages/{messageId}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return c.check("delete message", resp, err)
}

// check maps a resty result onto the error taxonomy.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("backend request failed", zap.String("op", op), zap.Error(err))
		return &model.NetworkError{Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}

	reason := resp.Status()
	if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
		reason = e.Error
	}
	c.logger.Warn("backend returned an error",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode()),
		zap.String("reason", reason),
	)
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &model.AuthError{Reason: reason}
	}
	return &model.NetworkError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), reason)}
}
