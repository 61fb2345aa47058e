package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/nftauction/internal/crypto"
	"github.com/alanyoungcy/nftauction/internal/domain"
)

// Request signing headers.
const (
	HeaderAddress   = "X-Auction-Address"
	HeaderTimestamp = "X-Auction-Timestamp"
	HeaderSignature = "X-Auction-Signature"
)

// maxSignedBody bounds what Signature buffers to hash the body.
const maxSignedBody = 1 << 16

type callerKey struct{}

// WithCaller returns a copy of ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the address authenticated by Signature, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// APIKey guards operator routes with either a Bearer token in the
// Authorization header or a static key in the X-API-Key header. An empty
// apiKey disables the check.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Signature authenticates the caller of a state-changing request. The client
// signs crypto.RequestPayload with personal_sign and sends the address, the
// unix timestamp and the signature in the X-Auction-* headers. Requests whose
// timestamp is further than skew from now are rejected, and each signed
// request is served at most once: replay remembers it for the whole window
// its timestamp is accepted in. A nil replay uses a LocalReplayGuard.
func Signature(skew time.Duration, clk clock.Clock, replay domain.ReplayGuard, logger *slog.Logger) func(http.Handler) http.Handler {
	window := 2 * skew
	if replay == nil {
		replay = NewLocalReplayGuard(window)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addrHex := strings.TrimSpace(r.Header.Get(HeaderAddress))
			tsRaw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
			sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
			if addrHex == "" || tsRaw == "" || sig == "" {
				writeError(w, http.StatusUnauthorized, "missing signature headers")
				return
			}
			if !common.IsHexAddress(addrHex) {
				writeError(w, http.StatusUnauthorized, "malformed address")
				return
			}
			ts, err := strconv.ParseInt(tsRaw, 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "malformed timestamp")
				return
			}
			if d := clk.Now().Sub(time.Unix(ts, 0)); d > skew || d < -skew {
				writeError(w, http.StatusUnauthorized, "stale request timestamp")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "reading body")
				return
			}
			if len(body) > maxSignedBody {
				writeError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			want := common.HexToAddress(addrHex)
			payload := crypto.RequestPayload(r.Method, r.URL.Path, tsRaw, body)
			got, err := crypto.RecoverAddress(payload, sig)
			if err != nil || got != want {
				logger.WarnContext(r.Context(), "signature rejected",
					slog.String("claimed", want.Hex()),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}

			fresh, err := replay.Claim(r.Context(), crypto.RequestKey(want, payload), window)
			if err != nil {
				logger.ErrorContext(r.Context(), "replay check failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusServiceUnavailable, "replay check unavailable")
				return
			}
			if !fresh {
				logger.WarnContext(r.Context(), "replayed request rejected",
					slog.String("caller", want.Hex()),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusUnauthorized, "request already used")
				return
			}

			if cr, ok := w.(interface{ setCaller(string) }); ok {
				cr.setCaller(want.Hex())
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), want)))
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
