package slack

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

// Slack accepts roughly one message per second per channel.
const messagesPerSecond = 1

type poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Client posts irrigation and approval notifications to one channel.
// A nil *Client is valid and drops every message.
type Client struct {
	api       poster
	channelID string
	limiter   *rate.Limiter
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
}

// NewClient creates a new slack client, or nil when Slack is not configured.
func NewClient(cfg config.SlackConfig, log zerolog.Logger) *Client {
	log = log.With().Str("component", "slack").Logger()
	if cfg.BotToken == "" || cfg.ChannelID == "" {
		log.Info().Msg("Slack token or channel ID is not configured. Slack notifications will be disabled.")
		return nil
	}
	return newClient(slack.New(cfg.BotToken), cfg.ChannelID, log)
}

func newClient(api poster, channelID string, log zerolog.Logger) *Client {
	return &Client{
		api:       api,
		channelID: channelID,
		limiter:   rate.NewLimiter(rate.Limit(messagesPerSecond), 3),
		log:       log,
		now:       time.Now,
	}
}

// SendMessage sends a simple text message wrapped as an info block.
func (c *Client) SendMessage(message string) bool {
	return c.SendRichMessage(NewInfoMessage("Irrigation Notification", message))
}

// SendRichMessage posts block kit options unless the client is backing off
// or over its send rate. It reports whether the message was posted.
func (c *Client) SendRichMessage(options ...slack.MsgOption) bool {
	if c == nil || c.api == nil {
		return false
	}
	if c.IsRateLimited() {
		c.log.Warn().Msg("Skipping Slack message due to rate limit backoff")
		return false
	}
	if !c.limiter.Allow() {
		c.log.Warn().Msg("Skipping Slack message, local send rate exceeded")
		return false
	}

	if _, _, err := c.api.PostMessage(c.channelID, options...); err != nil {
		if c.isRateLimitError(err) {
			c.handleRateLimit(err)
		} else {
			c.log.Error().Err(err).Msg("Failed to send rich Slack message")
		}
		return false
	}
	return true
}

// isRateLimitError checks if the error is related to rate limiting
func (c *Client) isRateLimitError(err error) bool {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate_limited") ||
		strings.Contains(errStr, "message_limit_exceeded") ||
		strings.Contains(errStr, "too_many_requests")
}

// handleRateLimit suppresses messages for the period Slack asked for, one
// minute by default and five after message_limit_exceeded.
func (c *Client) handleRateLimit(err error) {
	backoff := time.Minute
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		backoff = limited.RetryAfter
	} else if strings.Contains(strings.ToLower(err.Error()), "message_limit_exceeded") {
		backoff = 5 * time.Minute
	}

	c.mu.Lock()
	c.backoffUntil = c.now().Add(backoff)
	c.mu.Unlock()
	c.log.Warn().Err(err).Dur("backoff", backoff).Msg("Slack rate limit detected, suppressing messages")
}

// IsRateLimited returns true while the client is in a rate limit backoff period.
func (c *Client) IsRateLimited() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.backoffUntil)
}

func (c *Client) ApprovalRequested(req *models.ApprovalRequest) {
	if c == nil {
		return
	}
	c.SendRichMessage(NewApprovalRequestedMessage(req, c.now()))
}

func (c *Client) ApprovalDecided(req *models.ApprovalRequest) {
	if c == nil {
		return
	}
	c.SendRichMessage(NewApprovalDecidedMessage(req, c.now()))
}

func (c *Client) IrrigationFailed(ev *models.IrrigationEvent) {
	if c == nil {
		return
	}
	c.SendRichMessage(NewIrrigationFailedMessage(ev))
}
