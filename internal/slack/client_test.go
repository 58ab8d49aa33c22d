package slack

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

type fakePoster struct {
	posts []string
	err   error
}

func (f *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, values.Get("blocks"))
	return channelID, "1", nil
}

var clock = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(p poster) *Client {
	c := newClient(p, "C123", zerolog.Nop())
	c.now = func() time.Time { return clock }
	return c
}

func TestIsRateLimitError(t *testing.T) {
	client := &Client{}

	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"message_limit_exceeded error", errors.New("message_limit_exceeded"), true},
		{"rate_limited error", errors.New("rate_limited"), true},
		{"too_many_requests error", errors.New("too_many_requests"), true},
		{"typed error", &slack.RateLimitedError{RetryAfter: time.Second}, true},
		{"other error", errors.New("some other error"), false},
		{"case insensitive", errors.New("MESSAGE_LIMIT_EXCEEDED"), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, client.isRateLimitError(tc.err))
		})
	}
}

func TestHandleRateLimit(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"message_limit_exceeded", errors.New("message_limit_exceeded"), 5 * time.Minute},
		{"rate_limited", errors.New("rate_limited"), time.Minute},
		{"retry after", &slack.RateLimitedError{RetryAfter: 30 * time.Second}, 30 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(&fakePoster{})
			assert.False(t, client.IsRateLimited())

			client.handleRateLimit(tc.err)
			assert.Equal(t, clock.Add(tc.want), client.backoffUntil)
			assert.True(t, client.IsRateLimited())

			client.now = func() time.Time { return clock.Add(tc.want) }
			assert.False(t, client.IsRateLimited(), "backoff ends on its own")
		})
	}
}

func TestSendSkipsDuringBackoff(t *testing.T) {
	poster := &fakePoster{err: errors.New("rate_limited")}
	client := newTestClient(poster)

	assert.False(t, client.SendMessage("first"))
	assert.True(t, client.IsRateLimited())

	poster.err = nil
	assert.False(t, client.SendMessage("second"))
	assert.Empty(t, poster.posts)
}

func TestSendIsPaced(t *testing.T) {
	poster := &fakePoster{}
	client := newTestClient(poster)

	sent := 0
	for i := 0; i < 10; i++ {
		if client.SendMessage("burst") {
			sent++
		}
	}
	assert.Less(t, sent, 10)
	assert.Len(t, poster.posts, sent)
}

func TestNilClientIsSafe(t *testing.T) {
	var client *Client
	assert.False(t, client.SendMessage("ignored"))
	assert.False(t, client.IsRateLimited())
	client.ApprovalRequested(&models.ApprovalRequest{})
	client.ApprovalDecided(&models.ApprovalRequest{})
	client.IrrigationFailed(&models.IrrigationEvent{})
}

func TestNotificationMessages(t *testing.T) {
	poster := &fakePoster{}
	client := newTestClient(poster)

	req := &models.ApprovalRequest{
		ID:          "a-1",
		RequestedBy: "alice",
		ActionType:  models.ActionIrrigation,
		Priority:    models.PriorityHigh,
		Status:      models.ApprovalPending,
		ExpiresAt:   clock.Add(24 * time.Hour),
	}
	req.SetSubject(models.SubjectRef{Kind: models.SubjectIrrigationEvent, ID: "e-1"})
	client.ApprovalRequested(req)

	approver := "carol"
	req.Status = models.ApprovalApproved
	req.ApprovedBy = &approver
	client.ApprovalDecided(req)

	ev := &models.IrrigationEvent{ID: "e-2", PlotID: "plot-1", ValveIDs: datatypes.JSONSlice[string]{"V1", "V2"}}
	ev.SetMeta(models.MetaFailureReason, "resource_conflict")
	client.IrrigationFailed(ev)

	require.Len(t, poster.posts, 3)
	assert.Contains(t, poster.posts[0], "approve a-1")
	assert.Contains(t, poster.posts[0], "irrigation_event `e-1`")
	assert.Contains(t, poster.posts[0], "24h0m0s")
	assert.Contains(t, poster.posts[1], "Approval approved")
	assert.Contains(t, poster.posts[1], "carol")
	assert.Contains(t, poster.posts[2], "resource_conflict")
	assert.Contains(t, poster.posts[2], "V1, V2")
}
