package proxy

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// decodeBody parses the JSON request body into v. Malformed JSON is a
// validation failure, never a 500.
func decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		return apierr.Validation("invalid JSON body")
	}
	return nil
}

// pathUUID reads a UUID path segment.
func pathUUID(ctx *fasthttp.RequestCtx, name string) (uuid.UUID, error) {
	raw, _ := ctx.UserValue(name).(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.Validation("invalid " + name + " in path")
	}
	return id, nil
}

func (s *Server) handleListPresets(ctx *fasthttp.RequestCtx) {
	apierr.WriteData(ctx, fasthttp.StatusOK, s.registry.Presets())
}

func (s *Server) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	var in gateway.ProviderCreate
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	view, err := s.registry.Create(ctx, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusCreated, view)
}

func (s *Server) handleListProviders(ctx *fasthttp.RequestCtx) {
	page := ctx.QueryArgs().GetUintOrZero("page")
	pageSize := ctx.QueryArgs().GetUintOrZero("page_size")

	views, pagination, err := s.registry.List(ctx, page, pageSize)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{
		"items":      views,
		"pagination": pagination,
	})
}

func (s *Server) handleGetProvider(ctx *fasthttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	view, err := s.registry.Get(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, view)
}

func (s *Server) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	var in gateway.ProviderUpdate
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	view, err := s.registry.Update(ctx, id, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, view)
}

func (s *Server) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	if err := s.registry.Delete(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleProviderModels(ctx *fasthttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	models, err := s.registry.ListModels(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleProviderTest(ctx *fasthttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	var in gateway.ProbeRequest
	if len(ctx.PostBody()) > 0 {
		if err := decodeBody(ctx, &in); err != nil {
			apierr.WriteError(ctx, err)
			return
		}
	}

	res, err := s.prober.Probe(ctx, id, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveProbe(res.TestType, res.Status)
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}
