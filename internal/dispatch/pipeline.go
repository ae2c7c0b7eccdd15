package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"aikeyproxy/internal/cachemeta"
	"aikeyproxy/internal/config"
	"aikeyproxy/internal/contextstore"
	apperrors "aikeyproxy/internal/errors"
	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/limits"
	"aikeyproxy/internal/tracing"
	"aikeyproxy/internal/translator"
	"aikeyproxy/internal/upstream"
	"aikeyproxy/internal/usage"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Pipeline wires every domain component into the single request-dispatch
// path described by spec.md §4.7. Construction is explicit dependency
// injection (no package-level singletons), per the design note breaking
// the teacher's global-state pattern.
type Pipeline struct {
	Config      *config.Config
	Limits      *limits.Registry
	Usage       *usage.Tracker
	Keys        *keypool.Manager
	Context     contextstore.Store
	Cache       cachemeta.Index
	Provider    upstream.Provider
	Translators *translator.Registry
}

// streamSaveReply mirrors the spec's STREAM_SAVE_REPLY flag; persisting a
// streamed reply requires buffering it as it passes through; it is
// enabled here, so streamed replies are persisted like non-streaming ones.
const streamSaveReply = true

// Dispatch runs one request end to end: model resolution, cache
// resolution, context load, the bounded key-selection retry loop, and
// (for non-streaming calls) response translation. Streaming calls return
// with Result.Stream set to an already-translated reader; the caller is
// responsible for framing it as SSE (see sse.go) and for closing it.
func (p *Pipeline) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("aikeyproxy.requested_model", req.Model))

	modelID, _ := limits.ResolveAlias(req.Model)
	modelLimit, modelKnown := p.Limits.Lookup(modelID)
	if !modelKnown {
		// Unknown models pass through untracked for forward compatibility.
		log.WithField("model", modelID).Warn("dispatch: model not in limits registry, continuing without usage tracking")
	}

	nativeBody := p.Translators.TranslateRequest(req.Format, translator.FormatNative, modelID, req.RawBody, req.Stream)
	estimatedInputTokens := contextstore.EstimateTokens([]contextstore.Turn{{
		Role:  contextstore.RoleUser,
		Parts: []contextstore.Part{{Text: string(nativeBody)}},
	}})

	contentHash := hashContent(nativeBody)
	handle, cacheBound := p.resolveCache(req.Credential, contentHash)
	var owningKeyID string
	if cacheBound {
		owningKeyID = handle.OwningKeyID
		if k, ok := p.Keys.Get(owningKeyID); !ok || !k.IsEligible(time.Now()) {
			// The handle is orphaned: only its owning key can use it, and
			// that key is gone or out of rotation. Expire it and fall back
			// to an uncached request (§4.4 invariant).
			_ = p.Cache.MarkExpired(handle.LocalID)
			owningKeyID = ""
			cacheBound = false
		}
	}

	if !cacheBound && p.Keys.ContextEnabledForCredential(req.Credential) {
		nativeBody = p.mergeContext(req.Credential, modelID, modelLimit, modelKnown, nativeBody)
	}

	attemptCap := p.Config.KeyPool.SelectionAttemptCap
	if attemptCap <= 0 {
		attemptCap = 5
	}

	var trace []keypool.ScreeningRecord
	var lastErr *apperrors.APIError

	for attempt := 0; attempt < attemptCap; attempt++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, apperrors.NewKind(apperrors.KindCancellation, 499, "cancelled", "cancellation", "request cancelled")
		}

		key, screening := p.Keys.Select(time.Now(), modelID, estimatedInputTokens, owningKeyID, req.Credential)
		trace = append(trace, screening...)
		if key == nil {
			retryAfter := 30
			if nearest := p.Keys.NearestCooldownExpiry(time.Now()); !nearest.IsZero() {
				if d := time.Until(nearest); d > 0 {
					retryAfter = int(d.Seconds()) + 1
				}
			}
			span.SetStatus(codes.Error, "no eligible upstream key available")
			return nil, apperrors.NewKind(apperrors.KindNoCapacity, 503, "no_capacity", "server_error", "no eligible upstream key available").
				WithDetails(map[string]interface{}{"retry_after": retryAfter})
		}
		// A cache-bound pin only applies to the first attempt: once that
		// key has failed, fall back to ordinary scoring for the retry.
		owningKeyID = ""

		attemptCtx, attemptSpan := tracing.StartSpan(ctx, "dispatch", "upstream.GenerateContent")
		attemptSpan.SetAttributes(attribute.String("aikeyproxy.key_id", key.ID), attribute.String("aikeyproxy.model", modelID))
		result, callErr := p.Provider.GenerateContent(attemptCtx, key.Secret, modelID, nativeBody, req.Stream)
		if callErr != nil {
			attemptSpan.SetStatus(codes.Error, callErr.Error())
			attemptSpan.End()
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "cancelled")
				return nil, apperrors.NewKind(apperrors.KindCancellation, 499, "cancelled", "cancellation", "request cancelled")
			}
			key.MarkCooldown(time.Now(), 0, p.Config.KeyPool)
			lastErr = apperrors.NewKind(apperrors.KindUpstreamTransient, 502, "upstream_unreachable", "server_error", callErr.Error())
			continue
		}
		attemptSpan.SetAttributes(attribute.Int("aikeyproxy.status_code", result.StatusCode))
		attemptSpan.End()

		if result.StatusCode >= 200 && result.StatusCode < 300 {
			if modelKnown {
				p.Usage.RecordRequest(key.ID, modelID, estimatedInputTokens, time.Now())
			}
			key.MarkSuccess(time.Now())
			res, err := p.finishSuccess(ctx, req, key, modelID, result, contentHash)
			if err != nil {
				return nil, err
			}
			res.ScreeningTrace = trace
			return res, nil
		}

		body, _ := io.ReadAll(io.LimitReader(result.Body, 64*1024))
		result.Body.Close()
		isDailyQuota := result.StatusCode == 429 && gjson.GetBytes(body, "error.status").String() == "RESOURCE_EXHAUSTED_DAILY"
		apiErr := apperrors.MapHTTPError(result.StatusCode, body, isDailyQuota)

		switch apiErr.Kind {
		case apperrors.KindUpstreamTransient:
			key.MarkCooldown(time.Now(), result.StatusCode, p.Config.KeyPool)
			lastErr = apiErr
			continue
		case apperrors.KindUpstreamQuota:
			key.MarkQuotaExhausted(time.Now(), nextQuotaReset(p.Config.QuotaLocation()))
			lastErr = apiErr
			continue
		case apperrors.KindUpstreamPermanent:
			key.MarkFatal(time.Now(), result.StatusCode, apiErr.Message, p.Config.KeyPool)
			lastErr = apiErr
			continue
		default:
			// Semantic errors and anything unclassified surface as-is;
			// the request itself (not the key) is at fault.
			span.SetStatus(codes.Error, apiErr.Message)
			return nil, apiErr
		}
	}

	if lastErr != nil {
		span.SetStatus(codes.Error, lastErr.Message)
		return nil, lastErr
	}
	span.SetStatus(codes.Error, "selection attempts exhausted")
	return nil, apperrors.NewKind(apperrors.KindNoCapacity, 503, "no_capacity", "server_error", "selection attempts exhausted")
}

func (p *Pipeline) finishSuccess(ctx context.Context, req Request, key *keypool.Key, modelID string, result *upstream.Result, contentHash string) (*Result, error) {
	p.maybeRegisterCache(req.Credential, contentHash, key.ID, result.Header)

	if req.Stream {
		if req.Format != translator.FormatNative && !p.Translators.HasStreamTransformer(translator.FormatNative, req.Format) {
			// Passing untranslated native frames to a client speaking a
			// different wire format would be silently wrong.
			result.Body.Close()
			unsupported := &translator.UnsupportedConversionError{From: translator.FormatNative, To: req.Format}
			return nil, apperrors.NewKind(apperrors.KindStreaming, 502, "stream_translate_failed", "server_error", unsupported.Error())
		}
		translated, err := p.Translators.TranslateStream(ctx, translator.FormatNative, req.Format, modelID, result.Body)
		if err != nil {
			result.Body.Close()
			return nil, apperrors.NewKind(apperrors.KindStreaming, 502, "stream_translate_failed", "server_error", err.Error())
		}
		reader := translated
		if streamSaveReply && p.Keys.ContextEnabledForCredential(req.Credential) {
			reader = newContextCapturingReader(translated, result.Body, func(replyText string) {
				p.appendAssistantReply(req.Credential, replyText)
			})
		} else {
			reader = &closeOnEOFReader{Reader: translated, closer: result.Body}
		}
		return &Result{StatusCode: 200, Header: result.Header, Stream: reader, KeyID: key.ID, ModelID: modelID}, nil
	}

	defer result.Body.Close()
	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, apperrors.NewKind(apperrors.KindStreaming, 502, "read_failed", "server_error", err.Error())
	}

	if p.Keys.ContextEnabledForCredential(req.Credential) {
		p.appendAssistantReplyFromNative(req.Credential, raw)
	}

	if req.Format != translator.FormatNative && !p.Translators.HasResponseTransformer(translator.FormatNative, req.Format) {
		unsupported := &translator.UnsupportedConversionError{From: translator.FormatNative, To: req.Format}
		return nil, apperrors.NewKind(apperrors.KindStreaming, 502, "response_translate_failed", "server_error", unsupported.Error())
	}
	translated, err := p.Translators.TranslateResponse(ctx, translator.FormatNative, req.Format, modelID, raw)
	if err != nil {
		return nil, apperrors.NewKind(apperrors.KindStreaming, 502, "response_translate_failed", "server_error", err.Error())
	}
	return &Result{StatusCode: 200, Header: result.Header, Body: translated, KeyID: key.ID, ModelID: modelID}, nil
}

func (p *Pipeline) resolveCache(credential, contentHash string) (*cachemeta.Handle, bool) {
	if p.Cache == nil || !p.Config.Cache.Enabled || credential == "" {
		return nil, false
	}
	h, ok, err := p.Cache.FindByContent(credential, contentHash)
	if err != nil || !ok {
		return nil, false
	}
	return h, true
}

func (p *Pipeline) maybeRegisterCache(credential, contentHash, keyID string, header interface {
	Get(string) string
}) {
	if p.Cache == nil || !p.Config.Cache.Enabled || credential == "" {
		return
	}
	upstreamCacheID := header.Get("X-Upstream-Cache-Id")
	if upstreamCacheID == "" {
		return
	}
	refresh := time.Duration(p.Config.Cache.RefreshIntervalSec) * time.Second
	if refresh <= 0 {
		refresh = time.Hour
	}
	_, _ = p.Cache.Register(credential, contentHash, upstreamCacheID, keyID, time.Now().Add(refresh))
}

func (p *Pipeline) mergeContext(credential, modelID string, modelLimit limits.ModelLimit, modelKnown bool, nativeBody []byte) []byte {
	if p.Context == nil || credential == "" {
		return nativeBody
	}
	incoming := nativeRequestToTurn(nativeBody)
	effectiveLimit := p.effectiveTokenLimit(credential, modelID, modelLimit, modelKnown)

	outcome, err := p.Context.Save(credential, []contextstore.Turn{incoming}, effectiveLimit)
	if err != nil || outcome.PairTooLarge || len(outcome.Turns) == 0 {
		return nativeBody
	}
	return turnsToNativeContents(outcome.Turns, nativeBody)
}

func (p *Pipeline) effectiveTokenLimit(credential, modelID string, modelLimit limits.ModelLimit, modelKnown bool) int {
	inputLimit := p.Limits.FallbackInputTokenLimit()
	if modelKnown && modelLimit.InputTokenLimit > 0 {
		inputLimit = modelLimit.InputTokenLimit
	}
	if stickyKeyID, ok := p.Keys.StickyKeyFor(credential); ok && modelKnown && modelLimit.TPMInput > 0 {
		if _, _, _, tpmRatio, ok := p.Usage.RemainingRatios(stickyKeyID, modelID); ok {
			perKeyTPM := int(tpmRatio * float64(modelLimit.TPMInput))
			if perKeyTPM > 0 && perKeyTPM < inputLimit {
				inputLimit = perKeyTPM
			}
		}
	}
	effective := inputLimit - p.Config.Context.SafetyMargin
	if effective < 0 {
		effective = 0
	}
	return effective
}

func (p *Pipeline) appendAssistantReply(credential, text string) {
	if p.Context == nil || credential == "" || text == "" {
		return
	}
	turn := contextstore.Turn{Role: contextstore.RoleModel, Parts: []contextstore.Part{{Text: text}}}
	_, _ = p.Context.Save(credential, []contextstore.Turn{turn}, p.Limits.FallbackInputTokenLimit())
}

func (p *Pipeline) appendAssistantReplyFromNative(credential string, raw []byte) {
	text := extractNativeReplyText(raw)
	p.appendAssistantReply(credential, text)
}

func hashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func nextQuotaReset(loc *time.Location) time.Time {
	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, 1)
}

func nativeRequestToTurn(nativeBody []byte) contextstore.Turn {
	contents := gjson.GetBytes(nativeBody, "contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return contextstore.Turn{Role: contextstore.RoleUser, Parts: []contextstore.Part{{Text: string(nativeBody)}}}
	}
	last := contents.Array()[len(contents.Array())-1]
	return contextstore.Turn{Role: contextstore.RoleUser, Parts: nativePartsFromJSON(last.Get("parts"))}
}

func nativePartsFromJSON(parts gjson.Result) []contextstore.Part {
	var out []contextstore.Part
	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			out = append(out, contextstore.Part{Text: text.String()})
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			out = append(out, contextstore.Part{InlineData: &contextstore.InlineData{
				MimeType: inline.Get("mimeType").String(),
				Base64:   inline.Get("data").String(),
			}})
		}
	}
	if len(out) == 0 {
		out = append(out, contextstore.Part{Text: ""})
	}
	return out
}

func extractNativeReplyText(raw []byte) string {
	result := gjson.ParseBytes(raw)
	var text string
	for _, part := range result.Get("candidates.0.content.parts").Array() {
		text += part.Get("text").String()
	}
	return text
}
