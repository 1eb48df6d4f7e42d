package builtin

import (
	"context"

	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/resource"
	"github.com/ziebelje/cora/pkg/session"
)

type sessionResult struct {
	SessionKey string  `json:"session_key"`
	ExternalID *string `json:"external_id"`
	ExpiresAt  *int64  `json:"expires_at"`
}

// Session issues and revokes sessions. create is open; get and destroy need
// the caller's session to be valid.
func Session(env *resource.Env) resource.Resource {
	return resource.Methods{
		"create": func(ctx context.Context, args resource.Args) (any, error) {
			var external *string
			if args.Value(0) != nil {
				s, err := args.String(0, "")
				if err != nil {
					return nil, err
				}
				external = &s
			}
			timeout, err := args.OptionalSeconds(1)
			if err != nil {
				return nil, err
			}
			life, err := args.OptionalSeconds(2)
			if err != nil {
				return nil, err
			}
			token, err := env.Sessions.Issue(ctx, session.IssueOptions{Timeout: timeout, Life: life, ExternalID: external})
			if err != nil {
				return nil, err
			}
			out := sessionResult{SessionKey: token, ExternalID: external}
			expires, persistent := session.CookieExpiry(env.Clock(), timeout, life)
			if persistent {
				at := expires.Unix()
				out.ExpiresAt = &at
			}
			if env.Cookies != nil {
				env.Cookies.SetCookie(CookieSessionKey, token, expires, persistent)
				if external != nil {
					env.Cookies.SetCookie(CookieExternalID, *external, expires, persistent)
				}
			}
			return out, nil
		},
		"get": func(ctx context.Context, args resource.Args) (any, error) {
			rec, found, err := env.Sessions.Get(ctx, env.SessionToken)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fault.New(fault.KindAuth, fault.CodeSessionExpired, "session is expired")
			}
			return rec, nil
		},
		"destroy": func(ctx context.Context, args resource.Args) (any, error) {
			ok, err := env.Sessions.Revoke(ctx, env.SessionToken)
			if err != nil {
				return nil, err
			}
			if env.Cookies != nil {
				env.Cookies.DeleteCookie(CookieSessionKey)
				env.Cookies.DeleteCookie(CookieExternalID)
			}
			return ok, nil
		},
	}
}
