package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/globaltime"
	"horse.fit/announcements/internal/resolver"
	"horse.fit/announcements/internal/rules"
	candidateschema "horse.fit/announcements/schema"
)

const (
	defaultPageSize    = 50
	maxPageSize        = 500
	defaultStatsWindow = 24 * time.Hour
)

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	data := map[string]any{
		"service": "announcements",
		"time":    globaltime.UTC(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check ping failed")
		data["database"] = "unreachable"
		return unavailable(c, "Database unreachable", data)
	}
	data["database"] = "ok"
	return success(c, data)
}

func (s *Server) handleStats(c echo.Context) error {
	since := globaltime.UTC().Add(-defaultStatsWindow)
	if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
		parsed, err := parseTimeFilter(raw)
		if err != nil {
			return failValidation(c, map[string]string{"since": "must be RFC3339 or YYYY-MM-DD"})
		}
		since = parsed
	}

	stats, err := s.deps.Store.QueryResolutionStats(c.Request().Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("query resolution stats failed")
		return internalError(c, "Failed to load stats")
	}

	data := map[string]any{"resolutions": stats}
	if s.deps.Cache != nil {
		data["rule_cache"] = s.deps.Cache.Stats()
	}
	return success(c, data)
}

func (s *Server) handleResolutions(c echo.Context) error {
	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"page": err.Error()})
	}
	pageSize, err := parsePositiveInt(c.QueryParam("page_size"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"page_size": err.Error()})
	}

	filter := db.ResolutionFilter{
		SourceKind: strings.TrimSpace(strings.ToLower(c.QueryParam("source_kind"))),
		SourceID:   strings.TrimSpace(c.QueryParam("source_id")),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if raw := strings.TrimSpace(c.QueryParam("outcome")); raw != "" {
		outcome, err := resolver.ParseOutcome(raw)
		if err != nil {
			return failValidation(c, map[string]string{"outcome": err.Error()})
		}
		filter.Outcome = string(outcome)
	}
	if raw := strings.TrimSpace(c.QueryParam("batch_uuid")); raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			return failValidation(c, map[string]string{"batch_uuid": "must be a UUID"})
		}
		filter.BatchUUID = raw
	}

	items, total, err := s.deps.Store.ListResolutions(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list resolutions failed")
		return internalError(c, "Failed to load resolutions")
	}

	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}

	return success(c, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":        page,
			"page_size":   pageSize,
			"total_items": total,
			"total_pages": totalPages,
		},
		"filters": map[string]any{
			"outcome":     filter.Outcome,
			"source_kind": filter.SourceKind,
			"source_id":   filter.SourceID,
			"batch_uuid":  filter.BatchUUID,
		},
	})
}

func (s *Server) handleAnnouncement(c echo.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		return failValidation(c, map[string]string{"id": "must be a positive integer"})
	}

	record, err := s.deps.Store.GetAnnouncement(c.Request().Context(), id)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Announcement not found")
		}
		s.logger.Error().Err(err).Int64("announcement_id", id).Msg("load announcement failed")
		return internalError(c, "Failed to load announcement")
	}
	return success(c, record)
}

func (s *Server) handleCandidate(c echo.Context) error {
	if s.deps.Resolver == nil {
		return fail(c, http.StatusNotImplemented, "Candidate resolution is not enabled", nil)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Failed to read request body", nil)
	}
	cand, err := candidateschema.ValidateCandidate(body)
	if err != nil {
		return failValidation(c, map[string]string{"candidate": err.Error()})
	}

	res := s.deps.Resolver.Resolve(c.Request().Context(), *cand, uuid.NewString())
	if res.Outcome == resolver.OutcomeError {
		message := "Resolution failed"
		if res.Err != nil {
			message = fmt.Sprintf("Resolution failed: %v", res.Err)
		}
		return failResolution(c, message, res)
	}
	if res.Outcome == resolver.OutcomeNewInserted || res.Outcome == resolver.OutcomeUnidentifiable {
		return successWithStatus(c, http.StatusCreated, res)
	}
	return success(c, res)
}

type invalidateRequest struct {
	Domain string `json:"domain"`
	All    bool   `json:"all"`
}

func (s *Server) handleInvalidateRules(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}

	var ev rules.Event
	switch {
	case req.All && strings.TrimSpace(req.Domain) != "":
		return failValidation(c, map[string]string{"domain": "cannot be combined with all"})
	case req.All:
		ev = rules.Event{Scope: rules.ScopeAll}
	case strings.TrimSpace(req.Domain) != "":
		ev = rules.DomainEvent(req.Domain)
	default:
		return failValidation(c, map[string]string{"domain": "domain or all is required"})
	}

	return s.broadcast(c, ev)
}

func (s *Server) handleReloadPriorities(c echo.Context) error {
	return s.broadcast(c, rules.Event{Scope: rules.ScopePriority})
}

// broadcast applies ev to this process, then tells every other process.
func (s *Server) broadcast(c echo.Context, ev rules.Event) error {
	ctx := c.Request().Context()
	if s.deps.Invalidator != nil {
		if err := s.deps.Invalidator.Apply(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("scope", string(ev.Scope)).Msg("apply config event failed")
			return internalError(c, "Failed to apply configuration change")
		}
	}

	published := false
	if s.deps.Publisher != nil && s.deps.Publisher.Enabled() {
		if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("scope", string(ev.Scope)).Msg("publish config event failed")
			return internalError(c, "Applied locally but failed to notify other processes")
		}
		published = true
	}

	return success(c, map[string]any{
		"event":     ev,
		"published": published,
	})
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseTimeFilter(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts.UTC(), nil
	}
	if day, err := time.Parse("2006-01-02", trimmed); err == nil {
		return day.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
