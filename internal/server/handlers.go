package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/service"
)

type handlers struct {
	ops     Operations
	ticks   TickRunner
	devices DeviceStates
	log     zerolog.Logger
}

// decode reads an optional JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var v apperr.ValidationError
	v.Add("body", err.Error())
	return &v
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Environment: environment(), Status: "ok"}
	counts, err := h.ops.ApprovalCounts(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count approvals")
		resp.Status = "degraded"
	}
	resp.Approvals = counts
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) runTick(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Received API request to run the scheduler")
	report, err := h.ticks.RunTick(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type scheduleRequest struct {
	service.ScheduleInput
	ApprovalRequestID string `json:"approval_request_id"`
}

func (h *handlers) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sch, err := h.ops.CreateSchedule(r.Context(), req.ScheduleInput)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (h *handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := h.ops.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handlers) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sch, err := h.ops.UpdateSchedule(r.Context(), r.PathValue("id"), req.ScheduleInput, req.ApprovalRequestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) scheduleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		sch *models.Schedule
		err error
	)
	switch r.PathValue("action") {
	case "pause":
		sch, err = h.ops.PauseSchedule(r.Context(), id)
	case "resume":
		sch, err = h.ops.ResumeSchedule(r.Context(), id)
	case "complete":
		sch, err = h.ops.CompleteSchedule(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handlers) createEvent(w http.ResponseWriter, r *http.Request) {
	var in service.EventInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.ops.CreateEvent(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.ops.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *handlers) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.DeleteEvent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) plotSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.ops.ListSchedulesByPlot(r.Context(), r.PathValue("plot"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *handlers) reservations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ops.Reservations())
}

func (h *handlers) deviceState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.devices == nil {
		writeError(w, r, apperr.NotFound("device", id))
		return
	}
	state, ok := h.devices.DeviceState(id)
	if !ok {
		writeError(w, r, apperr.NotFound("device", id))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type eventActionRequest struct {
	ApprovalRequestID string   `json:"approval_request_id"`
	VolumeUsed        *float64 `json:"volume_used"`
	Reason            string   `json:"reason"`
}

func (h *handlers) eventAction(w http.ResponseWriter, r *http.Request) {
	var req eventActionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	var (
		ev  *models.IrrigationEvent
		err error
	)
	switch r.PathValue("action") {
	case "start":
		ev, err = h.ops.StartEvent(r.Context(), id, req.ApprovalRequestID)
	case "complete":
		ev, err = h.ops.CompleteEvent(r.Context(), id, req.VolumeUsed)
	case "fail":
		ev, err = h.ops.FailEvent(r.Context(), id, req.Reason)
	case "cancel":
		ev, err = h.ops.CancelEvent(r.Context(), id, req.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type approvalRequest struct {
	RequestedBy string             `json:"requested_by"`
	ActionType  models.ActionType  `json:"action_type"`
	Parameters  map[string]any     `json:"action_parameters"`
	Priority    models.Priority    `json:"priority"`
	Notes       string             `json:"request_notes"`
	SubjectType models.SubjectKind `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
}

func (h *handlers) requestApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d := approval.Draft{
		RequestedBy: req.RequestedBy,
		Action:      req.ActionType,
		Parameters:  req.Parameters,
		Priority:    req.Priority,
		Notes:       req.Notes,
	}
	if req.SubjectType != "" {
		d.Subject = &models.SubjectRef{Kind: req.SubjectType, ID: req.SubjectID}
	}
	created, err := h.ops.RequestApproval(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.ops.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *handlers) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.ops.GetApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func (h *handlers) approvalAction(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	var (
		decided *models.ApprovalRequest
		err     error
	)
	switch r.PathValue("action") {
	case "approve":
		decided, err = h.ops.ApproveRequest(r.Context(), id, req.Actor, req.Notes)
	case "reject":
		decided, err = h.ops.RejectRequest(r.Context(), id, req.Actor, req.Notes)
	case "cancel":
		decided, err = h.ops.CancelApproval(r.Context(), id, req.Actor, req.Notes)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// slackCommand is an approval decision typed in a Slack mention.
type slackCommand struct {
	approve bool
	id      string
}

// parseSlackCommand reads "approve <id>" or "reject <id>" from a mention,
// ignoring the leading bot mention.
func parseSlackCommand(text string) (slackCommand, bool) {
	var words []string
	for _, w := range strings.Fields(text) {
		if strings.HasPrefix(w, "<@") {
			continue
		}
		words = append(words, w)
	}
	if len(words) != 2 {
		return slackCommand{}, false
	}
	switch strings.ToLower(words[0]) {
	case "approve":
		return slackCommand{approve: true, id: words[1]}, true
	case "reject":
		return slackCommand{approve: false, id: words[1]}, true
	}
	return slackCommand{}, false
}

// SlackEventsHandler creates a new http.HandlerFunc for handling Slack events.
// It verifies the request signature using the signing secret and turns
// approve/reject mentions into approval decisions by the mentioning user.
func SlackEventsHandler(signingSecret string, ops Operations, log zerolog.Logger) http.HandlerFunc {
	log = log.With().Str("component", "slack_events").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		verifier, err := slack.NewSecretsVerifier(r.Header, signingSecret)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create secrets verifier")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read request body")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		if _, err := verifier.Write(body); err != nil {
			log.Error().Err(err).Msg("Failed to write body to verifier")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := verifier.Ensure(); err != nil {
			log.Warn().Err(err).Msg("Invalid Slack signature")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			log.Error().Err(err).Msg("Failed to parse Slack event")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch eventsAPIEvent.Type {
		case slackevents.URLVerification:
			var challenge slackevents.ChallengeResponse
			if err := json.Unmarshal(body, &challenge); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(challenge.Challenge))
			log.Info().Msg("Responded to Slack URL verification challenge")
		case slackevents.CallbackEvent:
			if mention, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
				handleMention(r, ops, log, mention)
			} else {
				log.Debug().Str("type", eventsAPIEvent.InnerEvent.Type).Msg("Ignoring Slack callback event")
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func handleMention(r *http.Request, ops Operations, log zerolog.Logger, ev *slackevents.AppMentionEvent) {
	cmd, ok := parseSlackCommand(ev.Text)
	if !ok {
		log.Debug().Str("text", ev.Text).Msg("Mention is not an approval command")
		return
	}
	decide := ops.RejectRequest
	if cmd.approve {
		decide = ops.ApproveRequest
	}
	req, err := decide(r.Context(), cmd.id, ev.User, fmt.Sprintf("via Slack in %s", ev.Channel))
	if err != nil {
		log.Warn().Err(err).Str("approval_id", cmd.id).Str("user", ev.User).Msg("Slack approval command failed")
		return
	}
	log.Info().Str("approval_id", req.ID).Str("status", string(req.Status)).Str("user", ev.User).Msg("Approval decided from Slack")
}
