package proxy

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/internal/metrics"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// pathSlotType reads and validates the slot_type path segment. The enum is
// closed; anything else is a 404.
func pathSlotType(ctx *fasthttp.RequestCtx) (store.SlotType, error) {
	raw, _ := ctx.UserValue("slot_type").(string)
	st, err := store.ParseSlotType(raw)
	if err != nil {
		return "", apierr.NotFound("unknown slot type " + raw)
	}
	return st, nil
}

func (s *Server) handleListSlots(ctx *fasthttp.RequestCtx) {
	views, err := s.slots.List(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, views)
}

func (s *Server) handleGetSlot(ctx *fasthttp.RequestCtx) {
	st, err := pathSlotType(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	view, err := s.slots.Get(ctx, st)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, view)
}

func (s *Server) handleConfigureSlot(ctx *fasthttp.RequestCtx) {
	st, err := pathSlotType(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	var in gateway.SlotConfigure
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	view, err := s.slots.Configure(ctx, st, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, view)
}

// handleInvokeSlot dispatches by slot type: the embedding and rerank slots
// carry their own payload shapes, everything else is chat.
func (s *Server) handleInvokeSlot(ctx *fasthttp.RequestCtx) {
	st, err := pathSlotType(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	switch st {
	case store.SlotEmbedding:
		s.invokeEmbedding(ctx, st)
	case store.SlotRerank:
		s.invokeRerank(ctx, st)
	default:
		s.invokeChat(ctx, st)
	}
}

func (s *Server) invokeChat(ctx *fasthttp.RequestCtx, st store.SlotType) {
	var in gateway.ChatInvoke
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteError(ctx, apierr.Validation("messages must not be empty"))
		return
	}

	res, err := s.router.InvokeChat(ctx, st, in)
	if err != nil {
		s.recordInvocation(st, nil, err)
		apierr.WriteError(ctx, err)
		return
	}
	s.recordInvocation(st, res.Routing, nil)
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

func (s *Server) invokeEmbedding(ctx *fasthttp.RequestCtx, st store.SlotType) {
	var in gateway.EmbedInvoke
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if len(in.Input) == 0 {
		apierr.WriteError(ctx, apierr.Validation("input must not be empty"))
		return
	}

	res, err := s.router.InvokeEmbedding(ctx, in)
	if err != nil {
		s.recordInvocation(st, nil, err)
		apierr.WriteError(ctx, err)
		return
	}
	s.recordInvocation(st, res.Routing, nil)
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

func (s *Server) invokeRerank(ctx *fasthttp.RequestCtx, st store.SlotType) {
	var in gateway.RerankInvoke
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if in.Query == "" || len(in.Documents) == 0 {
		apierr.WriteError(ctx, apierr.Validation("query and documents are required"))
		return
	}

	res, err := s.router.InvokeRerank(ctx, in)
	if err != nil {
		s.recordInvocation(st, nil, err)
		apierr.WriteError(ctx, err)
		return
	}
	s.recordInvocation(st, res.Routing, nil)
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

// recordInvocation feeds the slot and failover metrics from one invocation
// outcome.
func (s *Server) recordInvocation(st store.SlotType, routing *gateway.RoutingInfo, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.ObserveSlotInvocation(string(st), metrics.OutcomeError)
		var e *apierr.Error
		if errors.As(err, &e) && e.Code == apierr.CodeAllModelsFailed {
			s.metrics.RecordFailoverExhausted(string(st))
		}
		return
	}
	s.metrics.ObserveSlotInvocation(string(st), metrics.OutcomeOK)
	if routing != nil && routing.UsedResourcePool {
		s.metrics.RecordFailoverServed(string(st), routing.ProviderName)
	}
}
