package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/match"
	"github.com/mealmatch/realtime/internal/ratelimit"
	"github.com/mealmatch/realtime/internal/swipe"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	UserID(token string) (string, error)
}

// UserRegistry creates user records on first authenticated access.
type UserRegistry interface {
	EnsureUser(ctx context.Context, userID string) error
}

// Service is the swipe processor surface the API exposes.
type Service interface {
	RecordSwipe(ctx context.Context, userID, itemID string, liked bool) (swipe.Result, error)
	UpdateMatchStatus(ctx context.Context, matchID string, to match.Status) (bool, error)
	ConnectPartners(ctx context.Context, a, b string) error
	DisconnectPartner(ctx context.Context, userID string) error
}

// MatchReader reads persisted matches.
type MatchReader interface {
	Get(ctx context.Context, matchID string) (*match.Match, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*match.Match, error)
}

// Limiter throttles swipes per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

type handler struct {
	svc       Service
	matches   MatchReader
	limiter   Limiter
	swipeRule ratelimit.Rule
	log       *zap.Logger
}

type swipeRequest struct {
	ItemID string `json:"itemId"`
	Liked  *bool  `json:"liked"`
}

type swipeResponse struct {
	Matched bool   `json:"matched"`
	MatchID string `json:"matchId,omitempty"`
}

func (h *handler) recordSwipe(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req swipeRequest
	if err := decodeJSON(r, &req); err != nil || req.ItemID == "" || req.Liked == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "itemId and liked are required")
		return
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(r.Context(), userID, h.swipeRule); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.swipeRule.Window/time.Second)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many swipes")
			return
		}
	}

	res, err := h.svc.RecordSwipe(r.Context(), userID, req.ItemID, *req.Liked)
	if err != nil {
		h.logFailure("record swipe", userID, err)
		writeDomainError(w, err)
		return
	}
	write(w, http.StatusOK, swipeResponse{Matched: res.Matched, MatchID: res.MatchID})
}

type matchResponse struct {
	ID        string           `json:"id"`
	Users     []string         `json:"users"`
	ItemID    string           `json:"itemId"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	History   []statusResponse `json:"history,omitempty"`
}

type statusResponse struct {
	From string    `json:"from,omitempty"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

func toMatchResponse(m *match.Match) matchResponse {
	out := matchResponse{
		ID:        m.ID,
		Users:     m.Users[:],
		ItemID:    m.ItemID,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, c := range m.History {
		out.History = append(out.History, statusResponse{From: string(c.From), To: string(c.To), At: c.At})
	}
	return out
}

func (h *handler) listMatches(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 100)

	items, err := h.matches.ListForUser(r.Context(), userID, limit)
	if err != nil {
		h.logFailure("list matches", userID, err)
		writeDomainError(w, err)
		return
	}
	out := make([]matchResponse, 0, len(items))
	for _, m := range items {
		out = append(out, toMatchResponse(m))
	}
	write(w, http.StatusOK, map[string]any{"items": out})
}

func (h *handler) getMatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	m, err := h.ownMatch(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	write(w, http.StatusOK, toMatchResponse(m))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *handler) updateMatchStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	matchID := chi.URLParam(r, "id")

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil || !match.Status(req.Status).Valid() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "a valid status is required")
		return
	}
	if _, err := h.ownMatch(r.Context(), userID, matchID); err != nil {
		writeDomainError(w, err)
		return
	}

	ok, err := h.svc.UpdateMatchStatus(r.Context(), matchID, match.Status(req.Status))
	if err != nil {
		h.logFailure("update match status", userID, err)
		writeDomainError(w, err)
		return
	}
	write(w, http.StatusOK, map[string]bool{"updated": ok})
}

// ownMatch loads a match and hides it from users who are not part of it.
func (h *handler) ownMatch(ctx context.Context, userID, matchID string) (*match.Match, error) {
	m, err := h.matches.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(userID) {
		return nil, match.ErrNotFound
	}
	return m, nil
}

type partnerRequest struct {
	PartnerID string `json:"partnerId"`
}

func (h *handler) connectPartner(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req partnerRequest
	if err := decodeJSON(r, &req); err != nil || req.PartnerID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "partnerId is required")
		return
	}
	if err := h.svc.ConnectPartners(r.Context(), userID, req.PartnerID); err != nil {
		h.logFailure("connect partner", userID, err)
		writeDomainError(w, err)
		return
	}
	write(w, http.StatusOK, map[string]string{"partnerId": req.PartnerID})
}

func (h *handler) disconnectPartner(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if err := h.svc.DisconnectPartner(r.Context(), userID); err != nil {
		h.logFailure("disconnect partner", userID, err)
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) logFailure(op, userID string, err error) {
	if errors.Is(err, swipe.ErrTransient) {
		h.log.Error(op, zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.log.Debug(op, zap.String("user_id", userID), zap.Error(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIntOrDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
