package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/service"
	"risk-auth-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 16 << 10

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// AuthHandler handles HTTP requests for authentication decisions and OTP flows
type AuthHandler struct {
	authService *service.AuthService
	logger      *zap.Logger
	now         func() time.Time
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		logger:      logger,
		now:         time.Now,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type AuthenticateRequest struct {
	Identity          string     `json:"identity"`
	CredentialValid   bool       `json:"credential_valid"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	NetworkAddress    string     `json:"network_address,omitempty"`
	Location          string     `json:"location,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
}

type OTPInfo struct {
	ChallengeID       string `json:"challenge_id"`
	Reused            bool   `json:"reused"`
	ExpiresInSeconds  int    `json:"expires_in_seconds"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

type AuthenticateResponse struct {
	Decision  string   `json:"decision"`
	RiskScore float64  `json:"risk_score"`
	Reasons   []string `json:"reasons"`
	Fallback  bool     `json:"fallback,omitempty"`
	OTP       *OTPInfo `json:"otp,omitempty"`
}

type OTPRequest struct {
	Identity          string `json:"identity"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type OTPRequestResponse struct {
	Accepted                 bool   `json:"accepted"`
	ChallengeID              string `json:"challenge_id,omitempty"`
	ExpiresInSeconds         int    `json:"expires_in_seconds,omitempty"`
	CooldownRemainingSeconds int    `json:"cooldown_remaining_seconds,omitempty"`
}

type OTPVerifyRequest struct {
	Identity          string `json:"identity"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type OTPVerifyResponse struct {
	Valid             bool   `json:"valid"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	State             string `json:"state"`
	Decision          string `json:"decision"`
}

type OTPStatusResponse struct {
	Active            bool   `json:"active"`
	State             string `json:"state"`
	ExpiresInSeconds  int    `json:"expires_in_seconds"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/authenticate", h.Authenticate)

		r.Route("/otp", func(r chi.Router) {
			r.Post("/request", h.RequestOTP)
			r.Post("/verify", h.VerifyOTP)
			r.Get("/status/{identity}", h.OTPStatus)
		})
	})
}

// Authenticate handles a login attempt whose credential has already been checked
// @Summary Decide ALLOW, OTP or DENY for a login attempt
// @Tags auth
// @Accept json
// @Produce json
// @Param request body AuthenticateRequest true "Login attempt"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /auth/authenticate [post]
func (h *AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req AuthenticateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	attempt := &model.LoginAttemptContext{
		Identity:          req.Identity,
		CredentialValid:   req.CredentialValid,
		Timestamp:         h.now(),
		DeviceFingerprint: req.DeviceFingerprint,
		NetworkAddress:    req.NetworkAddress,
		Location:          req.Location,
		UserAgent:         req.UserAgent,
	}
	if req.Timestamp != nil {
		attempt.Timestamp = *req.Timestamp
	}
	if attempt.NetworkAddress == "" {
		attempt.NetworkAddress = remoteHost(r)
	}
	if attempt.UserAgent == "" {
		attempt.UserAgent = r.UserAgent()
	}

	res, err := h.authService.Authenticate(ctx, attempt)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(ctx, err), err, "Failed to authenticate")
		return
	}

	body := AuthenticateResponse{
		Decision:  wireDecision(res.Decision),
		RiskScore: res.RiskScore,
		Reasons:   res.Reasons,
		Fallback:  res.Fallback,
	}
	if res.OTP != nil {
		body.OTP = &OTPInfo{
			ChallengeID:       res.OTP.ChallengeID,
			Reused:            res.OTP.Reused,
			ExpiresInSeconds:  ceilSeconds(res.OTP.ExpiresIn),
			AttemptsRemaining: res.OTP.AttemptsRemaining,
		}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(body, res.Message))
	h.logger.Debug("Authentication handled via HTTP",
		util.String("decision", body.Decision),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Authenticate"),
	)
}

// RequestOTP handles an explicit code request
// @Summary Issue an OTP or report the active one's cooldown
// @Tags auth
// @Accept json
// @Produce json
// @Param request body OTPRequest true "OTP request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Router /auth/otp/request [post]
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OTPRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.authService.RequestOTP(ctx, req.Identity, req.DeviceFingerprint)
	if errors.Is(err, service.ErrRateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(res.CooldownRemaining)))
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Data:    OTPRequestResponse{CooldownRemainingSeconds: ceilSeconds(res.CooldownRemaining)},
			Error:   err.Error(),
			Message: res.Message,
		})
		return
	}
	if err != nil {
		h.respondWithError(w, h.getStatusCode(ctx, err), err, "Failed to request OTP")
		return
	}

	body := OTPRequestResponse{
		Accepted:    res.Accepted,
		ChallengeID: res.ChallengeID,
	}
	if res.Accepted {
		body.ExpiresInSeconds = ceilSeconds(res.ExpiresIn)
	} else {
		body.CooldownRemainingSeconds = ceilSeconds(res.CooldownRemaining)
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(body, res.Message))
}

// VerifyOTP handles a code submission
// @Summary Verify a submitted OTP
// @Tags auth
// @Accept json
// @Produce json
// @Param request body OTPVerifyRequest true "OTP verification"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /auth/otp/verify [post]
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OTPVerifyRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.authService.VerifyOTP(ctx, req.Identity, req.DeviceFingerprint, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(ctx, err), err, "Failed to verify OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: res.Valid,
		Data: OTPVerifyResponse{
			Valid:             res.Valid,
			AttemptsRemaining: res.AttemptsRemaining,
			State:             string(res.State),
			Decision:          wireDecision(res.Decision),
		},
		Message: res.Message,
	})
}

// OTPStatus handles a read-only challenge status lookup
// @Summary Get the identity's OTP challenge status
// @Tags auth
// @Produce json
// @Param identity path string true "Identity"
// @Success 200 {object} Response
// @Router /auth/otp/status/{identity} [get]
func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.authService.OTPStatus(ctx, chi.URLParam(r, "identity"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(ctx, err), err, "Failed to get OTP status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(OTPStatusResponse{
		Active:            st.Active,
		State:             string(st.State),
		ExpiresInSeconds:  ceilSeconds(st.ExpiresIn),
		AttemptsRemaining: st.AttemptsRemaining,
	}, ""))
}

// Helper Methods

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	if statusCode >= http.StatusInternalServerError {
		// Storage and transport errors stay in the log.
		err = errors.New("internal error")
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(ctx context.Context, err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// wireDecision renders CHALLENGE as "otp", matching what clients already parse.
func wireDecision(d model.Decision) string {
	if d == model.DecisionChallenge {
		return "otp"
	}
	return strings.ToLower(string(d))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
