package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/gate"
)

const maxAuditLimit = 500

var statusOK = StatusResponse{Status: "ok"}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	ident, err := a.gate.Register(ctx, gate.RegisterRequest{Email: req.Email, Password: req.Password, Source: src})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{IdentityID: ident.ID})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	res, err := a.gate.Login(ctx, gate.LoginRequest{Identifier: req.Identifier, Password: req.Password, Source: src})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res)
}

func (a *API) SubmitSecondFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SecondFactorRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	res, err := a.gate.SubmitSecondFactor(ctx, gate.SecondFactorRequest{PendingToken: req.PendingToken, Code: req.Code, Source: src})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res)
}

func (a *API) ResendChallenge(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResendRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	res, err := a.gate.ResendChallenge(ctx, req.PendingToken, src)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res)
}

// writeLoginResult answers 200 with a session (and sets the cookies) or 202
// with the pending second-factor handle.
func (a *API) writeLoginResult(w http.ResponseWriter, r *http.Request, res *gate.Result) {
	resp := LoginResponse{State: string(res.State), IdentityID: res.IdentityID}
	if res.State == gate.StateAwaitingSecondFactor {
		exp := res.PendingExpiresAt
		resp.PendingToken = res.PendingToken
		resp.PendingExpiresAt = &exp
		resp.Channel = string(res.Channel)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	exp := res.Session.ExpiresAt
	resp.Token = res.Session.Token
	resp.ExpiresAt = &exp
	writeSessionCookie(w, r, res.Session.Token, exp)
	writeCSRFCookie(w, r)
	writeJSON(w, http.StatusOK, resp)
}

// Logout clears the session cookies. Tokens are stateless and stay valid
// until they expire or the password changes.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	writeJSON(w, http.StatusOK, statusOK)
}

// ForgotPassword always answers 202 unless the caller is rate limited, so
// it cannot be used to probe which addresses are registered.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ForgotPasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	if err := a.gate.RequestPasswordReset(ctx, req.Email, src); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	if err := a.gate.ResetPassword(ctx, req.Token, req.Password, src); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	err := a.gate.ChangePassword(ctx, gate.PasswordChange{
		IdentityID: sess.IdentityID,
		Current:    req.Current,
		New:        req.New,
		Source:     src,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	// Existing sessions, this one included, are now invalid.
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	writeJSON(w, http.StatusOK, statusOK)
}

func (a *API) SecurityReport(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	ctx, _ := a.withSource(r)
	rep, err := a.gate.SecurityReport(ctx, sess.IdentityID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	ctx, _ := a.withSource(r)
	codes, err := a.gate.EnableTwoFactor(ctx, sess.IdentityID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	req, ok := decodeJSON[PasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	if err := a.gate.DisableTwoFactor(ctx, sess.IdentityID, req.Password, src); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (a *API) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	ctx, src := a.withSource(r)
	codes, err := a.gate.RegenerateBackupCodes(ctx, sess.IdentityID, src)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

func (a *API) BeginTOTP(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	ctx, _ := a.withSource(r)
	enr, err := a.gate.BeginTOTP(ctx, sess.IdentityID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TOTPEnrollmentResponse{
		Secret:     enr.Secret,
		OTPAuthURL: enr.URL,
		ExpiresAt:  enr.ExpiresAt,
	})
}

func (a *API) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	req, ok := decodeJSON[CodeRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	ctx, src := a.withSource(r)
	codes, err := a.gate.ConfirmTOTP(ctx, sess.IdentityID, req.Code, src)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

func (a *API) AdminUnlock(w http.ResponseWriter, r *http.Request) {
	ctx, src := a.withSource(r)
	if err := a.gate.AdminUnlock(ctx, chi.URLParam(r, "identityID"), "admin@"+src); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (a *API) Deactivate(w http.ResponseWriter, r *http.Request) {
	a.setActive(w, r, false)
}

func (a *API) Activate(w http.ResponseWriter, r *http.Request) {
	a.setActive(w, r, true)
}

func (a *API) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	ctx, _ := a.withSource(r)
	if err := a.gate.SetActive(ctx, chi.URLParam(r, "identityID"), active); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// ListAudit returns stored audit events, newest first. Query parameters:
// identity, action, since (RFC 3339), failures (bool) and limit.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditStore == nil {
		writeError(w, http.StatusNotFound, "audit store is disabled")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		IdentityRef: q.Get("identity"),
		Action:      audit.Action(q.Get("action")),
		Limit:       100,
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}
	if s := q.Get("failures"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failures must be a boolean")
			return
		}
		f.FailureOnly = b
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxAuditLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		f.Limit = n
	}
	events, err := a.auditStore.List(f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Events: events})
}
