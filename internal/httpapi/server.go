// Package httpapi exposes on-demand ingest and trigger runs, subscription
// management and the audit trail over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
	"deal_notifier/internal/tasks"
)

// Store is the persistence the API reads and writes.
type Store interface {
	storage.Registry
	storage.AuditLog
}

// Server serves the HTTP API.
type Server struct {
	store    Store
	ingester tasks.Ingester
	passer   tasks.Passer
	enqueuer tasks.TaskEnqueuer
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New creates a Server that runs ingest and trigger cycles in-process.
func New(store Store, ingester tasks.Ingester, passer tasks.Passer, log *slog.Logger) *Server {
	return &Server{
		store:    store,
		ingester: ingester,
		passer:   passer,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		log:      log,
	}
}

// SetEnqueuer makes run requests enqueue tasks instead of running inline.
func (s *Server) SetEnqueuer(e tasks.TaskEnqueuer) {
	s.enqueuer = e
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/ingest", s.limit(http.HandlerFunc(s.runIngest))).Methods(http.MethodPost)
	v1.Handle("/trigger", s.limit(http.HandlerFunc(s.runTrigger))).Methods(http.MethodPost)
	v1.HandleFunc("/items/{external_id}/audit", s.listAudit).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions", s.createSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id:[0-9]+}", s.deleteSubscription).Methods(http.MethodDelete)
	return r
}

// limit rejects run requests above the shared rate.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) runIngest(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer != nil {
		s.enqueue(w, tasks.NewIngestFeedTask())
		return
	}
	stats, err := s.ingester.RunOnce(r.Context())
	if err != nil {
		s.log.Error("ingest request", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) runTrigger(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer != nil {
		task, err := tasks.NewTriggerPassTask(tasks.DefaultMaxPasses)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.enqueue(w, task)
		return
	}
	res, err := s.passer.RunPass(r.Context())
	if err != nil {
		s.log.Error("trigger request", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) enqueue(w http.ResponseWriter, task *asynq.Task) {
	info, err := s.enqueuer.Enqueue(task)
	if err != nil {
		s.log.Error("enqueue task", "type", task.Type(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

type auditResponse struct {
	ExternalID           string               `json:"external_id"`
	DeliveryTarget       string               `json:"delivery_target"`
	Keywords             []string             `json:"keywords"`
	MatchedSubscriptions []model.Subscription `json:"matched_subscriptions"`
	DeliveryError        string               `json:"delivery_error,omitempty"`
	PassID               string               `json:"pass_id"`
	DeliveredAt          time.Time            `json:"delivered_at"`
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), mux.Vars(r)["external_id"])
	if err != nil {
		s.log.Error("list audit", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ExternalID:           e.ExternalID,
			DeliveryTarget:       e.DeliveryTarget,
			Keywords:             e.Keywords,
			MatchedSubscriptions: e.MatchedSubscriptions,
			DeliveryError:        e.DeliveryError,
			PassID:               e.PassID,
			DeliveredAt:          e.DeliveredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ActiveSubscriptions(r.Context())
	if err != nil {
		s.log.Error("list subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if target := r.URL.Query().Get("target"); target != "" {
		filtered := subs[:0]
		for _, sub := range subs {
			if sub.DeliveryTarget == target {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type createSubscriptionRequest struct {
	Keyword        string   `json:"keyword"`
	OwnerID        string   `json:"owner_id"`
	DeliveryTarget string   `json:"delivery_target"`
	Categories     []string `json:"categories"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.DeliveryTarget) == "" {
		writeError(w, http.StatusBadRequest, "delivery_target is required")
		return
	}

	sub := &model.Subscription{
		Keyword:        strings.TrimSpace(req.Keyword),
		OwnerID:        req.OwnerID,
		DeliveryTarget: req.DeliveryTarget,
		Categories:     req.Categories,
	}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, storage.ErrEmptyKeyword) {
			writeError(w, http.StatusBadRequest, "keyword is required")
			return
		}
		s.log.Error("create subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		s.log.Error("delete subscription", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
