package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

const StatusPending = "pending"

// CreateNotificationRequest is the body of POST /notifications.
type CreateNotificationRequest struct {
	UserID    string                `json:"userId"`
	Type      notification.Type     `json:"type"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Data      map[string]any        `json:"data"`
	Priority  notification.Priority `json:"priority"`
	Status    string                `json:"status"`
	CreatedAt time.Time             `json:"createdAt"`
}

// NewCreateNotificationRequest maps a record to a pending row.
func NewCreateNotificationRequest(rec notification.Record, now time.Time) CreateNotificationRequest {
	return CreateNotificationRequest{
		UserID:    rec.UserID,
		Type:      rec.Type,
		Title:     rec.Title,
		Message:   rec.Message,
		Data:      rec.Data,
		Priority:  rec.Priority,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}
}

type CreateNotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Client is the typed MaryBot API client.
type Client struct {
	*BaseClient
}

func NewClient(base *BaseClient) *Client {
	return &Client{BaseClient: base}
}

func (c *Client) CreateNotification(ctx context.Context, req CreateNotificationRequest) (*CreateNotificationResponse, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/notifications", req)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseError(resp)
		c.log.Warn("create notification rejected",
			logx.String("user_id", req.UserID),
			logx.Int("status", apiErr.Status),
			logx.String("message", apiErr.Message),
		)
		return nil, apiErr
	}

	var out CreateNotificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create notification response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create notification: response has no id")
	}
	return &out, nil
}
