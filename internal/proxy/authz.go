package proxy

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/auth"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

const identityKey = "identity"

// authenticate extracts credentials from the request headers and verifies
// them. The bearer token wins when both are present.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (*auth.Identity, error) {
	var bearer string
	if h := string(ctx.Request.Header.Peek("Authorization")); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimPrefix(h, "Bearer ")
	}
	apiKey := string(ctx.Request.Header.Peek("X-API-Key"))

	id, err := s.verifier.Authenticate(ctx, bearer, apiKey)
	if err != nil {
		return nil, apierr.Unauthorized("missing or invalid credentials")
	}
	return id, nil
}

// requireUser admits any authenticated identity.
func (s *Server) requireUser(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, err := s.authenticate(ctx)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		ctx.SetUserValue(identityKey, id)
		next(ctx)
	}
}

// requireAdmin admits only identities carrying the admin role.
func (s *Server) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, err := s.authenticate(ctx)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		if !id.IsAdmin() {
			apierr.WriteError(ctx, apierr.Forbidden("admin role required"))
			return
		}
		ctx.SetUserValue(identityKey, id)
		next(ctx)
	}
}
