package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/zigzag/zzchat/auth"
)

const (
	HeaderSessionToken = "X-Session-Token"
	QueryToken         = "token"
)

// CredentialFromRequest returns the session credential carried by r, looking
// at the session header, then a bearer Authorization header, then the token
// query parameter. Browsers cannot set headers on a websocket handshake, so
// the query form exists for them.
func CredentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(HeaderSessionToken)); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryToken))
}

// AuthError is the JSON body of a rejected handshake or API call.
type AuthError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteAuthError maps an authentication failure to its HTTP response.
func WriteAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	body := AuthError{Error: auth.ErrInvalidOrExpired.Error(), Code: "invalid_session"}

	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		body = AuthError{Error: auth.ErrMissingCredential.Error(), Code: "missing_credential"}
	case errors.Is(err, auth.ErrUnavailable):
		status = http.StatusServiceUnavailable
		body = AuthError{Error: auth.ErrUnavailable.Error(), Code: "unavailable"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
