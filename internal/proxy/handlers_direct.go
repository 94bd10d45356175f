package proxy

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// handleDirectCompletions serves explicit (provider, model) chat. With
// stream:true the response switches to SSE; pre-stream failures still return
// a normal error envelope.
func (s *Server) handleDirectCompletions(ctx *fasthttp.RequestCtx) {
	var in gateway.DirectChatRequest
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := validateDirectTarget(in.ProviderID, in.ModelID); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteError(ctx, apierr.Validation("messages must not be empty"))
		return
	}

	if in.Stream {
		events, err := s.direct.Stream(ctx, in)
		if err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		writeStream(ctx, events)
		return
	}

	res, err := s.direct.Complete(ctx, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

func (s *Server) handleDirectEmbeddings(ctx *fasthttp.RequestCtx) {
	var in gateway.DirectEmbeddingRequest
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := validateDirectTarget(in.ProviderID, in.ModelID); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if len(in.Input) == 0 {
		apierr.WriteError(ctx, apierr.Validation("input must not be empty"))
		return
	}

	res, err := s.direct.Embed(ctx, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

func (s *Server) handleDirectRerank(ctx *fasthttp.RequestCtx) {
	var in gateway.DirectRerankRequest
	if err := decodeBody(ctx, &in); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := validateDirectTarget(in.ProviderID, in.ModelID); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if in.Query == "" || len(in.Documents) == 0 {
		apierr.WriteError(ctx, apierr.Validation("query and documents are required"))
		return
	}

	res, err := s.direct.Rerank(ctx, in)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, res)
}

func validateDirectTarget(providerID uuid.UUID, modelID string) error {
	if providerID == uuid.Nil {
		return apierr.Validation("provider_id is required")
	}
	if modelID == "" {
		return apierr.Validation("model_id is required")
	}
	return nil
}
