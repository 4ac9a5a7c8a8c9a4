package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/auth"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/orchestrator"
	"github.com/sqlagent/sqlagent/internal/target"
)

const (
	maxQuestionBody = 64 << 10
	subscriptionURL = "/subscription"
)

type queryRequest struct {
	Question string `json:"question"`
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type queryData struct {
	SQL         string       `json:"sql"`
	Rows        []target.Row `json:"rows"`
	RowCount    int          `json:"row_count"`
	Truncated   bool         `json:"truncated"`
	Explanation string       `json:"explanation"`
}

type historyEntry struct {
	ID            int64     `json:"id"`
	TemplateID    int64     `json:"template_id"`
	Question      string    `json:"question"`
	GeneratedSQL  string    `json:"generated_sql"`
	ExecutionTime float64   `json:"execution_time"`
	Status        string    `json:"status"`
	ErrorMessage  *string   `json:"error_message"`
	RowCount      int       `json:"row_count"`
	CreatedAt     time.Time `json:"created_at"`
}

type dayStats struct {
	Day                    string  `json:"day"`
	Total                  int64   `json:"total"`
	Succeeded              int64   `json:"succeeded"`
	Failed                 int64   `json:"failed"`
	SuccessRate            float64 `json:"success_rate"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

type statsData struct {
	MonthlyQueries         int64      `json:"monthly_queries"`
	TotalQueries           int64      `json:"total_queries"`
	SuccessRate            float64    `json:"success_rate"`
	AverageDurationSeconds float64    `json:"average_duration_seconds"`
	Daily                  []dayStats `json:"daily"`
}

func handleExecuteQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERIES_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity", false, nil)
		return
	}
	templateID, err := strconv.ParseInt(r.PathValue("template_id"), 10, 64)
	if err != nil || templateID <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TEMPLATE_ID", "template id must be a positive integer", false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	resp, err := deps.Queries.Execute(r.Context(), orchestrator.Request{
		CallerID:   identity.CallerID,
		TemplateID: templateID,
		Question:   request.Question,
	})
	if err != nil {
		writePipelineError(w, r, err)
		return
	}

	rows := resp.Rows
	if rows == nil {
		rows = []target.Row{}
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  resp.Status,
		Message: resp.Message,
		Data: queryData{
			SQL:         resp.GeneratedSQL,
			Rows:        rows,
			RowCount:    resp.RowCount,
			Truncated:   resp.Truncated,
			Explanation: resp.Message,
		},
	})
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERIES_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity", false, nil)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}

	attempts, err := deps.Queries.History(r.Context(), identity.CallerID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to load query history", true, nil)
		return
	}
	entries := make([]historyEntry, 0, len(attempts))
	for _, attempt := range attempts {
		entry := historyEntry{
			ID:            attempt.AttemptID,
			TemplateID:    attempt.TemplateID,
			Question:      attempt.Question,
			GeneratedSQL:  attempt.GeneratedSQL,
			ExecutionTime: attempt.Duration.Seconds(),
			Status:        string(attempt.Status),
			RowCount:      attempt.RowCount,
			CreatedAt:     attempt.CreatedAt,
		}
		if attempt.ErrorMessage != "" {
			message := attempt.ErrorMessage
			entry.ErrorMessage = &message
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "Query history retrieved", Data: entries})
}

func handleStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERIES_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity", false, nil)
		return
	}

	stats, err := deps.Queries.Stats(r.Context(), identity.CallerID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to load usage statistics", true, nil)
		return
	}
	data := statsData{
		MonthlyQueries:         stats.MonthlyQueries,
		TotalQueries:           stats.TotalQueries,
		SuccessRate:            stats.SuccessRate,
		AverageDurationSeconds: stats.AverageDurationSeconds,
		Daily:                  make([]dayStats, 0, len(stats.Daily)),
	}
	for _, day := range stats.Daily {
		data.Daily = append(data.Daily, dayStats{
			Day:                    day.Day.UTC().Format(time.DateOnly),
			Total:                  day.Total,
			Succeeded:              day.Succeeded,
			Failed:                 day.Failed,
			SuccessRate:            day.SuccessRate,
			AverageDurationSeconds: day.AverageDurationSeconds,
		})
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "Usage statistics retrieved", Data: data})
}

func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var pipelineErr *orchestrator.Error
	if !errors.As(err, &pipelineErr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", true, nil)
		return
	}
	ctx := r.Context()
	stage := map[string]any{"stage": string(pipelineErr.Stage)}
	switch pipelineErr.Kind {
	case orchestrator.KindUnauthenticated:
		writeError(ctx, w, http.StatusUnauthorized, "UNAUTHORIZED", pipelineErr.Message, false, nil)
	case orchestrator.KindNotFound:
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", pipelineErr.Message, false, nil)
	case orchestrator.KindForbidden:
		writeError(ctx, w, http.StatusForbidden, "FORBIDDEN", pipelineErr.Message, false, nil)
	case orchestrator.KindPaymentRequired:
		writeError(ctx, w, http.StatusPaymentRequired, "PAYMENT_REQUIRED", pipelineErr.Message, false, map[string]any{"subscription_url": subscriptionURL})
	case orchestrator.KindGenerationFailure:
		retryable := false
		var genErr *nl2sql.GenerationError
		if errors.As(err, &genErr) {
			retryable = genErr.Retryable
		}
		writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", pipelineErr.Message, retryable, stage)
	case orchestrator.KindExecutionFailure:
		writeError(ctx, w, http.StatusUnprocessableEntity, "EXECUTION_FAILED", pipelineErr.Message, false, stage)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", pipelineErr.Message, true, stage)
	}
}
