package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

// OAuthTokenSource fetches a fresh bearer token for an oauth2-kind
// provider. Implementations typically hit the provider's token
// endpoint (e.g. Qwen's device-code flow); the default used when a
// provider config sets AuthKindOAuth2 without a custom source is
// oauthSourceFunc wrapping ProviderAuth.TokenURL with a plain
// client-credentials POST, left to deployment-specific wiring.
type OAuthTokenSource func(ctx context.Context, auth ProviderAuth) (token string, expiresAt time.Time, err error)

// ProviderStage (C2.4) is the outbound leg: it resolves the credential
// bound to this instance's Target.KeyIndex, attaches it to the
// request context the way llm/providers/openaicompat.Provider already
// reads it (llm.WithCredentialOverride), and calls the bound
// llm.Provider. oauth2-kind auth is refreshed lazily and coalesced
// across concurrent callers with singleflight, mirroring the
// coalesced-refresh pattern spec §4.2.4/§5 call for.
type ProviderStage struct {
	Auth       ProviderAuth
	APIKey     string // resolved at table-build time for AuthKindAPIKey
	TokenFn    OAuthTokenSource

	mu         sync.RWMutex
	token      string
	expiresAt  time.Time
	group      singleflight.Group
}

// NewProviderStage builds a stage bound to one resolved credential.
func NewProviderStage(auth ProviderAuth, apiKey string, tokenFn OAuthTokenSource) *ProviderStage {
	return &ProviderStage{Auth: auth, APIKey: apiKey, TokenFn: tokenFn}
}

func (s *ProviderStage) Name() Stage { return StageProvider }

func (s *ProviderStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	cred, err := s.resolveCredential(ctx)
	if err != nil {
		return NewClassifiedError(CodeProviderAuth, err.Error(), StageProvider).WithCauseErr(err)
	}
	ec.Metadata["_credential_api_key"] = cred
	return nil
}

func (s *ProviderStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error {
	return nil
}

// Invoke makes the actual outbound call through the bound
// llm.Provider, after Forward has resolved the credential. Kept as a
// separate method (rather than folded into Forward) so the Pipeline
// Executor controls exactly when the network call happens relative to
// the other stages' Forward passes.
func (s *ProviderStage) Invoke(ctx context.Context, inst *PipelineInstance, ec *ExecutionContext) (*Result, error) {
	cred := ec.Metadata["_credential_api_key"]
	callCtx := ctx
	if cred != "" {
		callCtx = llm.WithCredentialOverride(ctx, llm.CredentialOverride{APIKey: cred})
	}

	// The instance's Target binds to a specific remote model name;
	// the client-facing request may name a virtual model instead, so
	// the provider-facing model is substituted right before the call.
	if inst.Target.ModelID != "" {
		ec.Request.Model = inst.Target.ModelID
	}

	if ec.Streaming {
		stream, err := inst.Provider.Stream(callCtx, ec.Request)
		if err != nil {
			return nil, classifyProviderErr(err)
		}
		return &Result{Stream: stream}, nil
	}

	resp, err := inst.Provider.Completion(callCtx, ec.Request)
	if err != nil {
		return nil, classifyProviderErr(err)
	}
	return &Result{Response: resp}, nil
}

func (s *ProviderStage) resolveCredential(ctx context.Context) (string, error) {
	switch s.Auth.Kind {
	case AuthKindNone:
		return "", nil
	case AuthKindAPIKey:
		return s.APIKey, nil
	case AuthKindOAuth2:
		return s.ensureToken(ctx)
	default:
		return s.APIKey, nil
	}
}

// ensureToken returns a cached, still-valid bearer token, refreshing
// it through TokenFn when absent or within 30s of expiry. Concurrent
// callers during a refresh share one in-flight call via singleflight.
func (s *ProviderStage) ensureToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok, exp := s.token, s.expiresAt
	s.mu.RUnlock()

	if tok != "" && time.Until(exp) > 30*time.Second {
		return tok, nil
	}

	if s.TokenFn == nil {
		return "", fmt.Errorf("providerstage: oauth2 auth configured without a token source")
	}

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		newTok, newExp, err := s.TokenFn(ctx, s.Auth)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.token, s.expiresAt = newTok, newExp
		s.mu.Unlock()
		return newTok, nil
	})
	if err != nil {
		return "", fmt.Errorf("providerstage: refresh oauth token: %w", err)
	}
	return v.(string), nil
}

// tokenExpiry parses a JWT's exp claim without verifying the
// signature — used only to decide when to proactively refresh, never
// to authorize a request on its own.
func tokenExpiry(raw string) (time.Time, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, err
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("jwt has no exp claim")
	}
	return time.Unix(int64(expFloat), 0), nil
}

// classifyProviderErr maps a raw provider-call error to a PipelineError.
// llm.Provider implementations surface errors as *types.Error (see
// llm/providers/openaicompat's providers.MapHTTPError); anything else
// is wrapped as an internal error.
func classifyProviderErr(err error) *PipelineError {
	if pe, ok := err.(*PipelineError); ok {
		return pe
	}
	if te, ok := err.(*llm.Error); ok {
		code := mapTypesCode(te.Code)
		pe := NewClassifiedError(code, te.Message, StageProvider)
		pe.WithCauseErr(te)
		if te.HTTPStatus != 0 {
			pe.WithHTTPStatus(te.HTTPStatus)
		}
		if te.RetryAfter > 0 {
			pe.WithRetryAfter(te.RetryAfter)
		}
		return pe
	}
	return NewClassifiedError(CodeProviderNetwork, err.Error(), StageProvider).WithCauseErr(err)
}

// mapTypesCode maps the framework-wide llm.ErrorCode taxonomy onto
// the gateway's own stable error codes.
func mapTypesCode(code llm.ErrorCode) types.ErrorCode {
	switch code {
	case llm.ErrRateLimit, llm.ErrRateLimited, llm.ErrQuotaExceeded, llm.ErrModelOverloaded:
		return CodeProviderRateLimit
	case llm.ErrAuthentication, llm.ErrUnauthorized, llm.ErrForbidden:
		return CodeProviderAuth
	case llm.ErrInvalidRequest, llm.ErrContentFiltered, llm.ErrContextTooLong, llm.ErrModelNotFound:
		return CodeProviderBadRequest
	case llm.ErrUpstreamTimeout, llm.ErrTimeout:
		return CodeProviderTimeout
	case llm.ErrUpstreamError, llm.ErrServiceUnavailable, llm.ErrProviderUnavailable:
		return CodeProviderServerError
	default:
		return CodeProviderNetwork
	}
}
