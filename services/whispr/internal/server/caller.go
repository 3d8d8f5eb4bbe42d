package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"whispr/pkg/domain"
)

// PrincipalHeader carries the caller identity when the service runs behind
// a trusted gateway.
const PrincipalHeader = "X-Whispr-Principal"

var errInvalidCredentials = errors.New("invalid credentials")

// CallerResolver maps a request onto the calling principal. A request with
// no credentials resolves to domain.Anonymous; malformed or rejected
// credentials return an error.
type CallerResolver interface {
	Resolve(r *http.Request) (domain.Principal, error)
}

// HeaderResolver trusts PrincipalHeader as set by an upstream proxy.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (domain.Principal, error) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		return domain.Anonymous, nil
	}
	return domain.Principal(p), nil
}

// PrincipalVerifier is satisfied by usertoken.Verifier.
type PrincipalVerifier interface {
	VerifyPrincipal(ctx context.Context, token string) (string, error)
}

// TokenResolver reads an RS256 bearer token.
type TokenResolver struct {
	Verifier PrincipalVerifier
}

func (t TokenResolver) Resolve(r *http.Request) (domain.Principal, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return domain.Anonymous, nil
	}
	token, ok := bearerToken(header)
	if !ok {
		return "", errInvalidCredentials
	}
	p, err := t.Verifier.VerifyPrincipal(r.Context(), token)
	if err != nil {
		return "", err
	}
	return domain.Principal(p), nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type callerHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.resolver.Resolve(r)
		if err != nil {
			s.logger(r).Warn("caller resolution failed", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}
		next(w, r, caller)
	}
}
