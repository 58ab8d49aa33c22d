package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/config"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/mqtt"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/scheduler"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/service"
)

// Operations is the operator command surface served over HTTP.
// *service.Service implements it.
type Operations interface {
	CreateSchedule(ctx context.Context, in service.ScheduleInput) (*models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, in service.ScheduleInput, approvalID string) (*models.Schedule, error)
	PauseSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ResumeSchedule(ctx context.Context, id string) (*models.Schedule, error)
	CompleteSchedule(ctx context.Context, id string) (*models.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	CreateEvent(ctx context.Context, in service.EventInput) (*models.IrrigationEvent, error)
	GetEvent(ctx context.Context, id string) (*models.IrrigationEvent, error)
	StartEvent(ctx context.Context, id, approvalID string) (*models.IrrigationEvent, error)
	CompleteEvent(ctx context.Context, id string, volume *float64) (*models.IrrigationEvent, error)
	FailEvent(ctx context.Context, id, reason string) (*models.IrrigationEvent, error)
	CancelEvent(ctx context.Context, id, reason string) (*models.IrrigationEvent, error)
	DeleteEvent(ctx context.Context, id string) error

	ListSchedulesByPlot(ctx context.Context, plotID string) ([]models.Schedule, error)
	Reservations() []registry.Reservation

	RequestApproval(ctx context.Context, d approval.Draft) (*models.ApprovalRequest, error)
	PendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error)
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ApproveRequest(ctx context.Context, id, approver, notes string) (*models.ApprovalRequest, error)
	RejectRequest(ctx context.Context, id, approver, notes string) (*models.ApprovalRequest, error)
	CancelApproval(ctx context.Context, id, actor, notes string) (*models.ApprovalRequest, error)
	ApprovalCounts(ctx context.Context) (map[models.ApprovalStatus]int64, error)
}

// DeviceStates reports what valves and pumps last said about themselves.
type DeviceStates interface {
	DeviceState(deviceID string) (mqtt.DeviceState, bool)
}

// TickRunner runs one scheduler pass on demand.
type TickRunner interface {
	RunTick(ctx context.Context) (scheduler.TickReport, error)
}

type StatusResponse struct {
	Environment string                          `json:"environment"`
	Status      string                          `json:"status"`
	Approvals   map[models.ApprovalStatus]int64 `json:"approvals,omitempty"`
}

// New creates a new HTTP server and sets up the routes. devices may be nil
// when no broker is configured.
func New(cfg *config.Config, ops Operations, ticks TickRunner, devices DeviceStates, log zerolog.Logger) *http.Server {
	log = log.With().Str("component", "server").Logger()
	h := &handlers{ops: ops, ticks: ticks, devices: devices, log: log}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /{$}", h.status)

	mux.HandleFunc("POST /slack/events", SlackEventsHandler(cfg.Slack.SigningSecret, ops, log))
	mux.HandleFunc("POST /api/v1/scheduler/run", h.runTick)

	mux.HandleFunc("POST /api/v1/schedules", h.createSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}", h.getSchedule)
	mux.HandleFunc("PUT /api/v1/schedules/{id}", h.updateSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", h.deleteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/{action}", h.scheduleAction)

	mux.HandleFunc("POST /api/v1/events", h.createEvent)
	mux.HandleFunc("GET /api/v1/events/{id}", h.getEvent)
	mux.HandleFunc("DELETE /api/v1/events/{id}", h.deleteEvent)
	mux.HandleFunc("POST /api/v1/events/{id}/{action}", h.eventAction)

	mux.HandleFunc("GET /api/v1/plots/{plot}/schedules", h.plotSchedules)
	mux.HandleFunc("GET /api/v1/reservations", h.reservations)
	mux.HandleFunc("GET /api/v1/devices/{id}", h.deviceState)

	mux.HandleFunc("GET /api/v1/approvals", h.pendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals", h.requestApproval)
	mux.HandleFunc("GET /api/v1/approvals/{id}", h.getApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/{action}", h.approvalAction)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})

	var handler http.Handler = c.Handler(mux)
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("HTTP request")
	})(handler)
	handler = hlog.NewHandler(log)(handler)

	log.Info().Str("addr", cfg.Server.Addr).Msg("API server configured")
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrExpired):
		return http.StatusGone
	case errors.Is(err, apperr.ErrResourceConflict),
		errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrStale):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var v *apperr.ValidationError
	if errors.As(err, &v) {
		resp.Fields = v.FieldErrors
	}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func environment() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return "development"
}
