// Package lms talks to the external LMS enrollment API.
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusError is returned for a non-success response from the LMS.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lms responded %d: %s", e.StatusCode, e.Body)
}

// Config holds LMS client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // overall HTTP client timeout; per-call deadlines come from ctx
}

// Client enrolls users into LMS courses over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an LMS client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "lms")),
	}
}

type enrollRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	CourseID int64     `json:"course_id"`
}

// Enroll enrolls the user into the course. A 409 (already enrolled) counts as success.
func (c *Client) Enroll(ctx context.Context, userID uuid.UUID, courseID int64) error {
	body, err := json.Marshal(enrollRequest{UserID: userID, CourseID: courseID})
	if err != nil {
		return fmt.Errorf("marshal enroll request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrollments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enroll user %s in course %d: %w", userID, courseID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		c.logger.Debug("enrolled", zap.String("user_id", userID.String()), zap.Int64("course_id", courseID), zap.Int("status", resp.StatusCode))
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
