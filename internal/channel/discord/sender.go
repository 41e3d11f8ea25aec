package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "marybot/pkg/logx"
)

const DefaultAPIBase = "https://discord.com/api/v10"

var ErrRateLimited = errors.New("discord: rate limited")

// Sender posts a message to one user and returns the message id.
type Sender interface {
	Send(ctx context.Context, userID string, msg Message) (string, error)
}

// RESTConfig configures RESTSender.
type RESTConfig struct {
	Token      string
	APIBase    string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// RESTSender opens (and caches) a DM channel per user, then posts the
// message to it. Outgoing calls share one token bucket.
type RESTSender struct {
	http    *http.Client
	token   string
	base    string
	limiter *rate.Limiter
	log     logx.Logger

	mu  sync.Mutex
	dms map[string]string // user id -> dm channel id
}

func NewRESTSender(cfg RESTConfig, log logx.Logger) *RESTSender {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 40
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTSender{
		http:    &http.Client{Timeout: cfg.Timeout},
		token:   cfg.Token,
		base:    strings.TrimRight(cfg.APIBase, "/"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.Component("discord.rest")),
		dms:     map[string]string{},
	}
}

func (s *RESTSender) Send(ctx context.Context, userID string, msg Message) (string, error) {
	chID, err := s.dmChannel(ctx, userID)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, http.MethodPost, "/channels/"+chID+"/messages", msg, &out); err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return out.ID, nil
}

func (s *RESTSender) dmChannel(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	id, ok := s.dms[userID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"recipient_id": userID}
	if err := s.call(ctx, http.MethodPost, "/users/@me/channels", body, &out); err != nil {
		return "", fmt.Errorf("open dm channel: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("open dm channel: empty channel id")
	}

	s.mu.Lock()
	s.dms[userID] = out.ID
	s.mu.Unlock()
	return out.ID, nil
}

func (s *RESTSender) call(ctx context.Context, method, path string, body, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (marybot, 1.0)")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.log.Warn("rate limited", logx.String("path", path), logx.String("retry_after", resp.Header.Get("Retry-After")))
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("discord: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SimulatedSender stands in for Discord when no bot token is configured.
// It waits Delay and always succeeds.
type SimulatedSender struct {
	Delay time.Duration
}

func (s SimulatedSender) Send(ctx context.Context, _ string, _ Message) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Sprintf("sim_%d", time.Now().UnixMilli()), nil
}
