package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"apigate/internal/auth"
	"apigate/internal/clock"
)

const maxAdminBodyBytes = 64 << 10

// KeyAdminHandler exposes admin operations for API keys and tiers.
type KeyAdminHandler struct {
	service  KeyManagementService
	logger   zerolog.Logger
	clock    clock.Clock
	validate *validator.Validate
}

type KeyManagementService interface {
	CreateKey(ctx context.Context, req auth.CreateKeyRequest) (auth.CreateKeyResponse, error)
	Get(ctx context.Context, id string) (auth.APIKey, error)
	List(ctx context.Context, ownerID string) ([]auth.APIKey, error)
	Update(ctx context.Context, id string, req auth.UpdateKeyRequest) (auth.APIKey, error)
	Revoke(ctx context.Context, id string, operator string) (auth.APIKey, error)
	Delete(ctx context.Context, id string, operator string) error
	GrantOverride(ctx context.Context, id string, req auth.OverrideRequest) (auth.APIKey, error)
	CleanupExpired(ctx context.Context, limit int) (int, error)
	Tiers() *auth.TierCatalog
}

func NewKeyAdminHandler(service KeyManagementService, logger zerolog.Logger, clk clock.Clock) *KeyAdminHandler {
	return &KeyAdminHandler{
		service:  service,
		logger:   logger,
		clock:    clock.OrSystem(clk),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the admin API on r. Callers wrap r with the admin middleware.
func (h *KeyAdminHandler) Routes(r chi.Router) {
	r.Get("/tiers", h.listTiers)
	r.Route("/api-keys", func(r chi.Router) {
		r.Post("/", h.createKey)
		r.Get("/", h.listKeys)
		r.Post("/cleanup", h.cleanup)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getKey)
			r.Patch("/", h.updateKey)
			r.Delete("/", h.deleteKey)
			r.Post("/revoke", h.revokeKey)
			r.Post("/override", h.grantOverride)
		})
	})
}

type rateLimitBody struct {
	Requests      int `json:"requests" validate:"gt=0"`
	PeriodSeconds int `json:"periodSeconds" validate:"gt=0"`
}

func (b *rateLimitBody) limit() *auth.RateLimit {
	if b == nil {
		return nil
	}
	return &auth.RateLimit{RequestCount: b.Requests, Period: time.Duration(b.PeriodSeconds) * time.Second}
}

type createKeyBody struct {
	OwnerID        string         `json:"ownerId" validate:"required,max=128"`
	Name           string         `json:"name" validate:"required,max=100"`
	Description    string         `json:"description" validate:"max=500"`
	Scopes         []string       `json:"scopes" validate:"required,min=1,dive,required"`
	AllowedOrigins []string       `json:"allowedOrigins" validate:"dive,required"`
	Tier           string         `json:"tier" validate:"required"`
	RateLimit      *rateLimitBody `json:"rateLimit"`
	MonthlyQuota   *int64         `json:"monthlyQuota" validate:"omitempty,gte=-1"`
	ExpiresAt      *time.Time     `json:"expiresAt"`
}

type updateKeyBody struct {
	Name           *string        `json:"name" validate:"omitempty,min=1,max=100"`
	Description    *string        `json:"description" validate:"omitempty,max=500"`
	Scopes         *[]string      `json:"scopes" validate:"omitempty,min=1,dive,required"`
	AllowedOrigins *[]string      `json:"allowedOrigins" validate:"omitempty,dive,required"`
	Tier           *string        `json:"tier"`
	RateLimit      *rateLimitBody `json:"rateLimit"`
	ClearRateLimit bool           `json:"clearRateLimit"`
	MonthlyQuota   *int64         `json:"monthlyQuota" validate:"omitempty,gte=-1"`
	Active         *bool          `json:"active"`
	ExpiresAt      *time.Time     `json:"expiresAt"`
	ClearExpiry    bool           `json:"clearExpiry"`
}

type overrideBody struct {
	ExtraRequests      int64          `json:"extraRequests" validate:"gte=0"`
	ExpiresAt          *time.Time     `json:"expiresAt"`
	RateLimit          *rateLimitBody `json:"rateLimit"`
	RateLimitExpiresAt *time.Time     `json:"rateLimitExpiresAt"`
}

type rateLimitView struct {
	Requests      int   `json:"requests"`
	PeriodSeconds int64 `json:"periodSeconds"`
}

type overrideView struct {
	ExtraRequests      int64          `json:"extraRequests"`
	ExpiresAt          *string        `json:"expiresAt,omitempty"`
	RateLimit          *rateLimitView `json:"rateLimit,omitempty"`
	RateLimitExpiresAt *string        `json:"rateLimitExpiresAt,omitempty"`
}

type keyView struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Scopes           []auth.Scope   `json:"scopes"`
	AllowedOrigins   []string       `json:"allowedOrigins"`
	Tier             auth.Tier      `json:"tier"`
	RateLimit        *rateLimitView `json:"rateLimit,omitempty"`
	MonthlyQuota     int64          `json:"monthlyQuota"`
	MonthlyQuotaUsed int64          `json:"monthlyQuotaUsed"`
	QuotaResetAt     string         `json:"quotaResetAt"`
	ManualOverride   *overrideView  `json:"manualOverride,omitempty"`
	Active           bool           `json:"active"`
	Status           string         `json:"status"`
	ExpiresAt        *string        `json:"expiresAt,omitempty"`
	CreatedAt        string         `json:"createdAt"`
	LastUsedAt       *string        `json:"lastUsedAt,omitempty"`
}

func newRateLimitView(rl *auth.RateLimit) *rateLimitView {
	if rl == nil {
		return nil
	}
	return &rateLimitView{Requests: rl.RequestCount, PeriodSeconds: int64(rl.Period / time.Second)}
}

func newKeyView(k auth.APIKey, now time.Time) keyView {
	v := keyView{
		ID:               k.ID,
		OwnerID:          k.OwnerID,
		Name:             k.Name,
		Description:      k.Description,
		Scopes:           k.Scopes,
		AllowedOrigins:   k.AllowedOrigins,
		Tier:             k.Tier,
		RateLimit:        newRateLimitView(k.RateLimit),
		MonthlyQuota:     k.MonthlyQuota,
		MonthlyQuotaUsed: k.MonthlyQuotaUsed,
		QuotaResetAt:     k.QuotaResetAt.UTC().Format(time.RFC3339),
		Active:           k.Active,
		Status:           string(k.Status(now)),
		ExpiresAt:        formatOptionalTime(k.ExpiresAt),
		CreatedAt:        k.CreatedAt.UTC().Format(time.RFC3339),
		LastUsedAt:       formatOptionalTime(k.LastUsedAt),
	}
	if v.Scopes == nil {
		v.Scopes = []auth.Scope{}
	}
	if v.AllowedOrigins == nil {
		v.AllowedOrigins = []string{}
	}
	if o := k.ManualOverride; o != nil {
		v.ManualOverride = &overrideView{
			ExtraRequests:      o.ExtraRequests,
			ExpiresAt:          formatOptionalTime(o.ExpiresAt),
			RateLimit:          newRateLimitView(o.RateLimitOverride),
			RateLimitExpiresAt: formatOptionalTime(o.RateLimitOverrideExpiresAt),
		}
	}
	return v
}

func (h *KeyAdminHandler) createKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyBody
	if !h.decode(w, r, &body) {
		return
	}

	resp, err := h.service.CreateKey(r.Context(), auth.CreateKeyRequest{
		OwnerID:        body.OwnerID,
		Name:           body.Name,
		Description:    body.Description,
		Scopes:         toScopes(body.Scopes),
		AllowedOrigins: body.AllowedOrigins,
		Tier:           auth.Tier(body.Tier),
		RateLimit:      body.RateLimit.limit(),
		MonthlyQuota:   body.MonthlyQuota,
		ExpiresAt:      body.ExpiresAt,
		Operator:       auth.AdminOperatorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create key", err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Secret string  `json:"secret"`
		Key    keyView `json:"key"`
	}{resp.Secret, newKeyView(resp.Record, h.clock.Now())})
}

func (h *KeyAdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.List(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		h.fail(w, "list keys", err)
		return
	}
	now := h.clock.Now()
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, newKeyView(k, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (h *KeyAdminHandler) getKey(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "fetch key", err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(record, h.clock.Now()))
}

func (h *KeyAdminHandler) updateKey(w http.ResponseWriter, r *http.Request) {
	var body updateKeyBody
	if !h.decode(w, r, &body) {
		return
	}
	req := auth.UpdateKeyRequest{
		Name:           body.Name,
		Description:    body.Description,
		AllowedOrigins: body.AllowedOrigins,
		RateLimit:      body.RateLimit.limit(),
		ClearRateLimit: body.ClearRateLimit,
		MonthlyQuota:   body.MonthlyQuota,
		Active:         body.Active,
		ExpiresAt:      body.ExpiresAt,
		ClearExpiry:    body.ClearExpiry,
		Operator:       auth.AdminOperatorFromContext(r.Context()),
	}
	if body.Scopes != nil {
		scopes := toScopes(*body.Scopes)
		req.Scopes = &scopes
	}
	if body.Tier != nil {
		tier := auth.Tier(*body.Tier)
		req.Tier = &tier
	}

	record, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, "update key", err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(record, h.clock.Now()))
}

func (h *KeyAdminHandler) revokeKey(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"), auth.AdminOperatorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "revoke key", err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(record, h.clock.Now()))
}

func (h *KeyAdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), auth.AdminOperatorFromContext(r.Context())); err != nil {
		h.fail(w, "delete key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyAdminHandler) grantOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if !h.decode(w, r, &body) {
		return
	}
	record, err := h.service.GrantOverride(r.Context(), chi.URLParam(r, "id"), auth.OverrideRequest{
		ExtraRequests:      body.ExtraRequests,
		ExpiresAt:          body.ExpiresAt,
		RateLimit:          body.RateLimit.limit(),
		RateLimitExpiresAt: body.RateLimitExpiresAt,
		Operator:           auth.AdminOperatorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "grant override", err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(record, h.clock.Now()))
}

func (h *KeyAdminHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	limit := auth.DefaultCleanupLimit()
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			if parsed > auth.DefaultCleanupLimit() {
				parsed = auth.DefaultCleanupLimit()
			}
			limit = parsed
		}
	}

	count, err := h.service.CleanupExpired(r.Context(), limit)
	if err != nil {
		h.fail(w, "cleanup expired keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

type tierView struct {
	auth.TierDefinition
	RateLimit rateLimitView `json:"rateLimit"`
}

func (h *KeyAdminHandler) listTiers(w http.ResponseWriter, _ *http.Request) {
	defs := h.service.Tiers().All()
	views := make([]tierView, 0, len(defs))
	for _, d := range defs {
		views = append(views, tierView{TierDefinition: d, RateLimit: *newRateLimitView(&d.RateLimit)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": views})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *KeyAdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeAdminError(w, http.StatusBadRequest, "invalid field "+verrs[0].Namespace()+": "+verrs[0].Tag())
			return false
		}
		writeAdminError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (h *KeyAdminHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrKeyNotFound):
		writeAdminError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidKeyRequest), errors.Is(err, auth.ErrUnknownTier), errors.Is(err, auth.ErrImmutableField):
		writeAdminError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrKeyExists):
		writeAdminError(w, http.StatusConflict, "key already exists")
	default:
		h.logger.Error().Err(err).Str("op", op).Msg("admin request failed")
		writeAdminError(w, http.StatusInternalServerError, op+" failed")
	}
}

func toScopes(raw []string) []auth.Scope {
	out := make([]auth.Scope, 0, len(raw))
	for _, s := range raw {
		out = append(out, auth.Scope(s))
	}
	return out
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	val := t.UTC().Format(time.RFC3339)
	return &val
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
