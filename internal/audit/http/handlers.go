package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tecsuporte/helpdesk/internal/audit"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
)

const (
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	dateLayout        = "2006-01-02"
)

// TimelineService is the business contract behind the audit endpoints.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Gate guards the endpoints on module capabilities.
type Gate interface {
	Require(module permissions.Module, requireEdit bool) func(http.Handler) http.Handler
}

// Handler serves the audit trail of the auditoria module.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	gate    Gate
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service TimelineService, gate Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "export audit timeline", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"auditoria-%s.csv\"", filters.From.Format(dateLayout)))
	if err := audit.WriteCSV(w, rows); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

// parseFilters reads from/to as inclusive calendar days, defaulting to the
// last week.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	query := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(query.Get("to"))
	if toStr == "" {
		toStr = now.Format(dateLayout)
	}
	toTime, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "to"}
	}
	fromStr := strings.TrimSpace(query.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format(dateLayout)
	}
	fromTime, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "from"}
	}
	if fromTime.After(toTime) || toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}

	page, err := positiveInt(query.Get("page"), 1)
	if err != nil || page > audit.MaxPage {
		return audit.TimelineFilters{}, validationError{field: "page"}
	}
	pageSize, err := positiveInt(query.Get("page_size"), 0)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "page_size"}
	}

	return audit.TimelineFilters{
		From:     fromTime,
		To:       toTime.Add(24 * time.Hour),
		Actor:    strings.TrimSpace(query.Get("actor")),
		Entity:   strings.TrimSpace(query.Get("entity")),
		Action:   strings.TrimSpace(query.Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func positiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return v, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.ValidationProblem(w, map[string]string{v.field: "invalid value"})
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}
