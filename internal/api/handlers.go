package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"promobot/internal/accounts"
	"promobot/internal/campaign"
	"promobot/internal/quota"
	"promobot/pkg/logx"
)

func (s *Server) handleSubmitCampaign(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ScheduleID     string   `json:"schedule_id"`
		TemplateID     string   `json:"template_id"`
		SubscriptionID string   `json:"subscription_id"`
		TargetIDs      []string `json:"target_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := s.dispatcher.Submit(payload.ScheduleID, payload.TemplateID, payload.SubscriptionID, payload.TargetIDs)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, campaign.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_ids": ids})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.dispatcher.QueueSnapshot()})
}

// handleLogs pages through the delivery ledger from a cursor, so a live log
// UI can poll and resume where it left off.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	cursor, _ := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, next := s.led.Stream(cursor, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"next_cursor": next,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.pool.List()})
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID          string `json:"id"`
		PhoneNumber string `json:"phone_number"`
		Username    string `json:"username"`
		Credentials string `json:"credentials"`
		Premium     bool   `json:"premium"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	acc := campaign.Account{
		ID:          payload.ID,
		PhoneNumber: payload.PhoneNumber,
		Username:    payload.Username,
		Credentials: payload.Credentials,
		Premium:     payload.Premium,
	}
	if err := s.pool.Register(acc); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, campaign.ErrDuplicate) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": acc.ID})
}

func (s *Server) handleConnectAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, ok := s.pool.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, accounts.ErrNotFound)
		return
	}
	_ = s.pool.SetStatus(id, campaign.AccountConnecting)
	if err := s.tr.Connect(r.Context(), acc); err != nil {
		s.pool.MarkError(id, err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = s.pool.SetStatus(id, campaign.AccountConnected)
	s.log.Info("account connected", logx.String("account", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(campaign.AccountConnected)})
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Remove(id); err != nil {
		code := http.StatusNotFound
		if errors.Is(err, accounts.ErrHeld) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.reg.Templates()})
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var t campaign.MessageTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.reg.PutTemplate(t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.reg.Targets()})
}

func (s *Server) handlePutTarget(w http.ResponseWriter, r *http.Request) {
	var g campaign.TargetGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if err := s.reg.PutTarget(g); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": g.ID})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.reg.Schedules()})
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID         string             `json:"id"`
		Name       string             `json:"name"`
		MinDelay   int                `json:"min_delay_seconds"`
		MaxDelay   int                `json:"max_delay_seconds"`
		StartTime  string             `json:"start_time"`
		EndTime    string             `json:"end_time"`
		ActiveDays []int              `json:"active_days"` // 0=Sunday .. 6=Saturday
		Active     bool               `json:"active"`
		Watermark  campaign.Watermark `json:"watermark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	days := make([]time.Weekday, 0, len(payload.ActiveDays))
	for _, d := range payload.ActiveDays {
		if d < 0 || d > 6 {
			writeError(w, http.StatusBadRequest, errors.New("active_days entries must be 0..6"))
			return
		}
		days = append(days, time.Weekday(d))
	}
	sch := campaign.Schedule{
		ID:         payload.ID,
		Name:       payload.Name,
		MinDelay:   time.Duration(payload.MinDelay) * time.Second,
		MaxDelay:   time.Duration(payload.MaxDelay) * time.Second,
		StartTime:  payload.StartTime,
		EndTime:    payload.EndTime,
		ActiveDays: days,
		Active:     payload.Active,
		Watermark:  payload.Watermark,
	}
	if err := s.reg.PutSchedule(sch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sch.ID})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": s.subs.List()})
}

func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	var sub quota.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.subs.Put(sub)
	writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID})
}

// handleRefreshSubscription tops an allowance back up and resumes any jobs
// the dispatcher held on quota exhaustion.
func (s *Server) handleRefreshSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var payload struct {
		Remaining int `json:"remaining"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.subs.Refresh(id, payload.Remaining); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.dispatcher.ReleaseSubscription(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "remaining": payload.Remaining})
}
