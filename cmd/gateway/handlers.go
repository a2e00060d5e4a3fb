package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"reveal/pkg/auth"
	"reveal/pkg/ceremony"
	"reveal/pkg/chain"
	"reveal/pkg/emoji"
	"reveal/pkg/envelope"
	"reveal/pkg/gate"
	"reveal/pkg/httpx"
	"reveal/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type previewRequest struct {
	Intent   string `json:"intent"`
	Domain   string `json:"domain,omitempty"`
	Priority string `json:"priority,omitempty"`
	Perf     string `json:"perf,omitempty"`
	Symbols  int    `json:"symbols,omitempty"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		httpx.Error(w, 400, "intent required")
		return
	}
	preview, err := s.Ceremony.Preview(req.Intent, &ceremony.PreviewMeta{
		Domain:   req.Domain,
		Priority: req.Priority,
		Perf:     req.Perf,
		Symbols:  req.Symbols,
	})
	if err != nil {
		if errors.Is(err, emoji.ErrPacketTooLarge) {
			httpx.Error(w, 400, "packet too large")
			return
		}
		httpx.Error(w, 500, "preview failed")
		return
	}
	s.Metrics.IncPreviews()
	httpx.WriteJSON(w, 200, preview)
}

type gateSubmitRequest struct {
	Actor         string `json:"actor"`
	Approved      *bool  `json:"approved"`
	ConsentSecret string `json:"consent_secret,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleGateSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req gateSubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		httpx.Error(w, 400, "actor required")
		return
	}
	approved := true
	if req.Approved != nil {
		approved = *req.Approved
	}
	result, err := s.Ceremony.SubmitApproval(r.Context(), req.Actor, approved, req.ConsentSecret, req.Reason)
	if err != nil {
		if errors.Is(err, gate.ErrWindowExpired) {
			httpx.Error(w, 409, "approval window expired")
			return
		}
		httpx.Error(w, 500, "submit failed")
		return
	}
	httpx.WriteJSON(w, 200, result)
}

type gateRevokeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleGateRevoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req gateRevokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		httpx.Error(w, 400, "actor required")
		return
	}
	httpx.WriteJSON(w, 200, s.Ceremony.Revoke(r.Context(), req.Actor, req.Reason))
}

func (s *Server) handleGateReset(w http.ResponseWriter, r *http.Request) {
	s.Ceremony.ResetGate(r.Context())
	httpx.WriteJSON(w, 200, map[string]interface{}{"ok": true, "status": s.Ceremony.GateStatus()})
}

func (s *Server) handleGateStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Ceremony.GateStatus())
}

type envelopeCreateRequest struct {
	ConsentSecret  string                 `json:"consent_secret"`
	TTLSeconds     int                    `json:"ttl_seconds,omitempty"`
	ArtifactRef    string                 `json:"artifact_ref,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

func (s *Server) handleEnvelopeCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req envelopeCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.ConsentSecret == "" {
		httpx.Error(w, 400, "consent_secret required")
		return
	}
	idemKey := s.idempotencyCacheKey(r.Context(), req.IdempotencyKey)
	if idemKey != "" {
		if cached, err := s.Cache.Get(r.Context(), idemKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	result, err := s.Ceremony.CreateEnvelope(r.Context(), req.ConsentSecret, envelope.CreateOptions{
		TTLSeconds:  req.TTLSeconds,
		ArtifactRef: req.ArtifactRef,
		Meta:        req.Meta,
	})
	if err != nil {
		httpx.Error(w, 500, "create failed")
		return
	}
	if idemKey != "" {
		if data, err := json.Marshal(result); err == nil {
			_ = s.Cache.Set(r.Context(), idemKey, string(data), 24*time.Hour)
		}
	}
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) idempotencyCacheKey(ctx context.Context, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	subject := "anonymous"
	if principal, ok := auth.PrincipalFromContext(ctx); ok && principal.Subject != "" {
		subject = strings.ToLower(principal.Subject)
	}
	return "envelope:idem:" + subject + "|" + key
}

type envelopeResolveRequest struct {
	ConsentSecret string `json:"consent_secret"`
}

// rejectStatus maps the closed resolve reason vocabulary to HTTP statuses.
// The reason itself stays in the body; nothing finer-grained is exposed.
func rejectStatus(reason string) int {
	switch reason {
	case envelope.ReasonNotFound:
		return 404
	case envelope.ReasonExpired:
		return 410
	case envelope.ReasonAlreadyOpened:
		return 409
	case envelope.ReasonInvalidConsent, envelope.ReasonQuorumNotOpen:
		return 403
	default:
		return 400
	}
}

func (s *Server) handleEnvelopeResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelope_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req envelopeResolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	result, err := s.Ceremony.ResolveEnvelope(r.Context(), id, req.ConsentSecret, s.RequireOpenQuorum)
	if err != nil {
		httpx.Error(w, 500, "resolve failed")
		return
	}
	if !result.OK {
		s.Metrics.IncResolveOutcome(result.Error)
		httpx.Reject(w, rejectStatus(result.Error), result.Error)
		return
	}
	s.Metrics.IncResolveOutcome("ok")
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) handleEnvelopeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelope_id")
	result, err := s.Ceremony.EnvelopeStatus(r.Context(), id)
	if err != nil {
		httpx.Error(w, 500, "status failed")
		return
	}
	if !result.OK {
		httpx.Reject(w, rejectStatus(result.Error), result.Error)
		return
	}
	httpx.WriteJSON(w, 200, result)
}

type envelopePurgeRequest struct {
	MaxDelete int `json:"max_delete,omitempty"`
}

func (s *Server) handleEnvelopePurge(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req envelopePurgeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, 400, "invalid json")
			return
		}
	}
	result, err := s.Ceremony.PurgeEnvelopes(r.Context(), req.MaxDelete)
	if err != nil {
		httpx.Error(w, 500, "purge failed")
		return
	}
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	start := strings.TrimSpace(r.URL.Query().Get("start"))
	end := strings.TrimSpace(r.URL.Query().Get("end"))
	if start == "" {
		start = time.Now().UTC().Format("2006-01-02")
	}
	verifyStart := time.Now()
	report, err := s.Chain.VerifyRange(r.Context(), start, end)
	if err != nil {
		if errors.Is(err, chain.ErrMalformedInput) {
			httpx.Error(w, 400, err.Error())
			return
		}
		httpx.Error(w, 500, "verify failed")
		return
	}
	s.Metrics.ObserveVerifyLatency(time.Since(verifyStart))
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.Error(w, 400, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := s.Chain.Tail(r.Context(), limit)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"ok":      true,
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap exposes the underlying ResponseWriter so interfaces like
// http.Hijacker remain reachable through this wrapper.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		subject := s.clientIP(r)
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			subject = strings.ToLower(principal.Subject)
		}
		decision := s.RateLimiter.Allow("gw:"+subject, s.RateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
