// Package handler implements the gateway's HTTP surface: batch submission,
// status and result lookup, and cancellation.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/kafka"
	"github.com/qcflow/qcflow/internal/postgres"
	"github.com/qcflow/qcflow/internal/queue"
	redisstore "github.com/qcflow/qcflow/internal/redis"
	"github.com/qcflow/qcflow/pkg/telemetry"
)

// REST handles HTTP requests for the gateway.
type REST struct {
	admitter *queue.Admitter
	producer kafka.Producer
	gateway  postgres.Gateway
	cache    redisstore.StatusCache
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
}

func NewREST(
	admitter *queue.Admitter,
	producer kafka.Producer,
	gateway postgres.Gateway,
	cache redisstore.StatusCache,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *REST {
	return &REST{
		admitter: admitter,
		producer: producer,
		gateway:  gateway,
		cache:    cache,
		limiter:  limiter,
		logger:   logger,
	}
}

// SubmitRequest is the JSON body for POST /api/v1/computations.
type SubmitRequest struct {
	Specifications []*domain.Specification `json:"specifications"`
	Force          bool                    `json:"force,omitempty"`
	MaxAttempts    int                     `json:"max_attempts,omitempty"`
}

// SubmitResponse is the 202 response body: one entry per input, in order.
type SubmitResponse struct {
	Results []domain.SubmissionStatus `json:"results"`
}

// StatusResponse is the GET /computations/{fingerprint} response body.
type StatusResponse struct {
	Fingerprint string               `json:"fingerprint"`
	Status      domain.Status        `json:"status"`
	Attempts    int                  `json:"attempts,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	Result      *domain.ResultRecord `json:"result,omitempty"`
}

// Submit handles POST /api/v1/computations.
func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit")
	defer span.End()

	if h.limiter != nil {
		submitter := submitterKey(r)
		allowed, err := h.limiter.Allow(ctx, submitter)
		if err != nil {
			h.logger.Error("rate limiter error", slog.String("error", err.Error()))
			// Allow on limiter failure so Redis trouble does not block intake.
		} else if !allowed {
			limited := &domain.RateLimitExceededError{Submitter: submitter, Limit: h.limiter.Limit()}
			telemetry.GatewayRateLimitedTotal.Inc()
			span.SetStatus(codes.Error, "rate limited")
			writeError(w, http.StatusTooManyRequests, limited.Error())
			return
		}
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Specifications) == 0 {
		writeError(w, http.StatusBadRequest, "field 'specifications' is required")
		return
	}

	span.SetAttributes(
		attribute.Int("batch.size", len(req.Specifications)),
		attribute.Bool("batch.force", req.Force),
	)

	statuses, accepted := h.admitter.AdmitBatch(ctx, req.Specifications, queue.SubmitOptions{
		Force:       req.Force,
		MaxAttempts: req.MaxAttempts,
	})

	// Hand accepted tasks to the coordinator. A publish failure is logged,
	// not surfaced: the task is already durable and the coordinator's resync
	// will find it.
	for _, task := range accepted {
		payload, err := json.Marshal(task)
		if err != nil {
			h.logger.Error("unencodable task", slog.String("fingerprint", task.Fingerprint))
			continue
		}
		if err := h.producer.Publish(ctx, kafka.TopicAccepted, task.Fingerprint, payload); err != nil {
			span.RecordError(err)
			h.logger.Error("failed to publish accepted task",
				slog.String("fingerprint", task.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
		if err := h.cache.SetStatus(ctx, task.Fingerprint, domain.StatusQueued); err != nil {
			h.logger.Error("failed to cache status",
				slog.String("fingerprint", task.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("batch submitted",
		slog.Int("specs", len(req.Specifications)),
		slog.Int("accepted", len(accepted)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitResponse{Results: statuses})
}

// GetStatus handles GET /api/v1/computations/{fingerprint}.
func (h *REST) GetStatus(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if fp == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}
	ctx := r.Context()

	// Fast path: committed result in Redis.
	if result, err := h.cache.GetResult(ctx, fp); err == nil {
		telemetry.GatewayCacheHitsTotal.WithLabelValues("redis").Inc()
		writeStatus(w, StatusResponse{
			Fingerprint: fp,
			Status:      resultStatus(result),
			Result:      result,
		})
		return
	}

	// Storage: result first (terminal beats stale task state), then the task.
	telemetry.GatewayCacheHitsTotal.WithLabelValues("postgres").Inc()
	var notFound *domain.TaskNotFoundError
	result, err := h.gateway.GetResult(ctx, fp)
	switch {
	case err == nil:
		if cacheErr := h.cache.SetResult(ctx, result); cacheErr != nil {
			h.logger.Error("failed to cache result", slog.String("error", cacheErr.Error()))
		}
		writeStatus(w, StatusResponse{
			Fingerprint: fp,
			Status:      resultStatus(result),
			Result:      result,
		})
		return
	case !errors.As(err, &notFound):
		h.logger.Error("postgres error", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve computation")
		return
	}

	task, err := h.gateway.GetTask(ctx, fp)
	if err != nil {
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "computation not found")
			return
		}
		h.logger.Error("postgres error", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve computation")
		return
	}
	writeStatus(w, StatusResponse{
		Fingerprint: fp,
		Status:      task.Status,
		Attempts:    task.Attempts,
		LastError:   task.LastError,
	})
}

// Cancel handles DELETE /api/v1/computations/{fingerprint}. The cancellation
// itself is asynchronous: the coordinator owns backend handles, so the
// gateway only forwards the request.
func (h *REST) Cancel(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if fp == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}
	ctx := r.Context()

	var notFound *domain.TaskNotFoundError
	task, err := h.gateway.GetTask(ctx, fp)
	if err != nil {
		if !errors.As(err, &notFound) {
			h.logger.Error("postgres error", slog.String("fingerprint", fp), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve computation")
			return
		}
		// No live task. A committed result means there is nothing to cancel.
		if _, resErr := h.gateway.GetResult(ctx, fp); resErr == nil {
			writeError(w, http.StatusConflict, "computation already complete")
			return
		}
		writeError(w, http.StatusNotFound, "computation not found")
		return
	}
	if task.Status == domain.StatusCancelled {
		writeError(w, http.StatusConflict, "computation already cancelled")
		return
	}

	if err := h.producer.Publish(ctx, kafka.TopicCancellations, fp, []byte(fp)); err != nil {
		h.logger.Error("failed to publish cancellation",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}

	h.logger.Info("cancellation requested", slog.String("fingerprint", fp))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"fingerprint": fp,
		"status":      "cancellation_requested",
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.cache.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func resultStatus(result *domain.ResultRecord) domain.Status {
	if result.Success {
		return domain.StatusSucceeded
	}
	return domain.StatusFailed
}

// submitterKey identifies the client for rate limiting: an explicit header if
// present, otherwise the remote host.
func submitterKey(r *http.Request) string {
	if s := r.Header.Get("X-Submitter"); s != "" {
		return s
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeStatus(w http.ResponseWriter, resp StatusResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
