package slack

import (
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

func header(text string) *slack.HeaderBlock {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func markdown(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func fields(pairs ...string) *slack.SectionBlock {
	var objs []*slack.TextBlockObject
	for i := 0; i+1 < len(pairs); i += 2 {
		objs = append(objs, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:*\n%s", pairs[i], pairs[i+1]), false, false))
	}
	return slack.NewSectionBlock(nil, objs, nil)
}

// NewInfoMessage renders a titled informational message.
func NewInfoMessage(title, text string) slack.MsgOption {
	return slack.MsgOptionBlocks(
		header(":information_source: "+title),
		markdown(text),
	)
}

func NewApprovalRequestedMessage(req *models.ApprovalRequest, now time.Time) slack.MsgOption {
	subject := "-"
	if ref, ok := req.Subject(); ok {
		subject = fmt.Sprintf("%s `%s`", ref.Kind, ref.ID)
	}
	blocks := []slack.Block{
		header(":raising_hand: Approval requested"),
		fields(
			"Request", fmt.Sprintf("`%s`", req.ID),
			"Action", string(req.ActionType),
			"Requested by", req.RequestedBy,
			"Priority", string(req.Priority),
			"Subject", subject,
			"Expires in", req.TimeRemaining(now).Round(time.Minute).String(),
		),
	}
	if req.RequestNotes != "" {
		blocks = append(blocks, markdown(">"+req.RequestNotes))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Reply `approve %s` or `reject %s` to decide.", req.ID, req.ID), false, false)))
	return slack.MsgOptionBlocks(blocks...)
}

func NewApprovalDecidedMessage(req *models.ApprovalRequest, now time.Time) slack.MsgOption {
	status := req.EffectiveStatus(now)
	icon := map[models.ApprovalStatus]string{
		models.ApprovalApproved:  ":white_check_mark:",
		models.ApprovalRejected:  ":x:",
		models.ApprovalCancelled: ":no_entry_sign:",
		models.ApprovalExpired:   ":hourglass:",
	}[status]

	by := "-"
	if req.ApprovedBy != nil {
		by = *req.ApprovedBy
	}
	blocks := []slack.Block{
		header(strings.TrimSpace(fmt.Sprintf("%s Approval %s", icon, status))),
		fields(
			"Request", fmt.Sprintf("`%s`", req.ID),
			"Action", string(req.ActionType),
			"Decided by", by,
		),
	}
	if req.ResponseNotes != "" {
		blocks = append(blocks, markdown(">"+req.ResponseNotes))
	}
	return slack.MsgOptionBlocks(blocks...)
}

func NewIrrigationFailedMessage(ev *models.IrrigationEvent) slack.MsgOption {
	reason := ev.Meta(models.MetaFailureReason)
	if reason == "" {
		reason = "unknown"
	}
	return slack.MsgOptionBlocks(
		header(":warning: Irrigation run failed"),
		fields(
			"Event", fmt.Sprintf("`%s`", ev.ID),
			"Plot", ev.PlotID,
			"Valves", strings.Join(ev.ValveIDs, ", "),
			"Reason", reason,
		),
	)
}
