package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftauction/internal/auction"
	"github.com/alanyoungcy/nftauction/internal/crypto"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/market"
	"github.com/alanyoungcy/nftauction/internal/server/handler"
	"github.com/alanyoungcy/nftauction/internal/server/middleware"
	"github.com/alanyoungcy/nftauction/internal/store/memory"
)

// Well-known development keys; never hold value.
const (
	sellerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	bidderKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	apiKey    = "operator-secret"
)

var escrowAddr = common.HexToAddress("0x000000000000000000000000000000000000e5c0")

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type harness struct {
	t       *testing.T
	handler http.Handler
	clock   *clock.Mock
	seller  *crypto.Signer
	bidder  *crypto.Signer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newLimitedHarness(t, cfg, nil)
}

func newLimitedHarness(t *testing.T, cfg Config, limiter domain.RateLimiter) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	audit := memory.NewAuditLog()
	engine := auction.NewEngine(memory.New(), escrowAddr, logger, auction.WithClock(mock))
	mp := market.New(engine, audit, logger)

	seller, err := crypto.NewSigner(sellerKey)
	require.NoError(t, err)
	bidder, err := crypto.NewSigner(bidderKey)
	require.NoError(t, err)

	if cfg.APIKey == "" {
		cfg.APIKey = apiKey
	}
	h := Routes(cfg, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Auctions: handler.NewAuctionHandler(mp, logger),
		Listings: handler.NewListingHandler(mp, logger),
		Accounts: handler.NewAccountHandler(mp, logger),
		Audit:    handler.NewAuditHandler(audit, logger),
	}, nil, limiter, mock, logger)

	return &harness{t: t, handler: h, clock: mock, seller: seller, bidder: bidder}
}

func (h *harness) do(req *http.Request) (int, map[string]any) {
	h.t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (h *harness) get(path string) (int, map[string]any) {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (h *harness) operator(method, path, body string) (int, map[string]any) {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("X-API-Key", apiKey)
	return h.do(req)
}

func (h *harness) signedRequest(s *crypto.Signer, method, path, body string) *http.Request {
	h.t.Helper()
	ts := strconv.FormatInt(h.clock.Now().Unix(), 10)
	sig, err := s.SignMessage(crypto.RequestPayload(method, path, ts, []byte(body)))
	require.NoError(h.t, err)

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(middleware.HeaderAddress, s.Address().Hex())
	req.Header.Set(middleware.HeaderTimestamp, ts)
	req.Header.Set(middleware.HeaderSignature, sig)
	return req
}

func (h *harness) signed(s *crypto.Signer, method, path, body string) (int, map[string]any) {
	return h.do(h.signedRequest(s, method, path, body))
}

// setup mints an asset for owner and funds the bidder with 1 ETH.
func (h *harness) setup(owner *crypto.Signer) string {
	h.t.Helper()
	code, body := h.operator(http.MethodPost, "/api/assets", `{"owner":"`+owner.Address().Hex()+`"}`)
	require.Equal(h.t, http.StatusCreated, code)
	code, _ = h.operator(http.MethodPost, "/api/accounts/"+h.bidder.Address().Hex()+"/deposit", `{"amount":"1"}`)
	require.Equal(h.t, http.StatusOK, code)
	return body["asset_id"].(string)
}

func amountETH(t *testing.T, v any) string {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "amount is %T", v)
	return m["eth"].(string)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{})
	code, body := h.get("/api/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestOperatorRoutesNeedAPIKey(t *testing.T) {
	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/assets", bytes.NewBufferString(`{"owner":"0x0000000000000000000000000000000000000001"}`))
	code, _ := h.do(req)
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := h.operator(http.MethodPost, "/api/assets", `{"owner":"0x0000000000000000000000000000000000000001"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "1", body["asset_id"])
}

func TestAuctionLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	asset := h.setup(h.seller)

	code, body := h.signed(h.seller, http.MethodPost, "/api/auctions",
		`{"assetId":`+asset+`,"startingPrice":"0.1","duration":"SHORT"}`)
	require.Equal(t, http.StatusCreated, code, body)
	require.Equal(t, "0.1", amountETH(t, body["starting_price"]))
	require.Equal(t, true, body["active"])

	code, body = h.get("/api/assets/" + asset)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, escrowAddr.Hex(), body["custodian"])

	code, body = h.signed(h.bidder, http.MethodPost, "/api/auctions/"+asset+"/bids", `{"amount":"0.15"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, h.bidder.Address().Hex(), body["highest_bidder"])

	code, body = h.signed(h.bidder, http.MethodPost, "/api/auctions/"+asset+"/bids", `{"amount":"0.12"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "bid too low", body["error"])

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions/"+asset+"/end", ``)
	require.Equal(t, http.StatusConflict, code)

	code, body = h.get("/api/auctions/" + asset + "/ended")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["ended"])

	h.clock.Add(60 * time.Second)

	code, body = h.get("/api/auctions/" + asset + "/ended")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ended"])

	code, body = h.signed(h.bidder, http.MethodPost, "/api/auctions/"+asset+"/end", ``)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, true, body["sold"])
	require.Equal(t, h.bidder.Address().Hex(), body["winner"])

	code, body = h.get("/api/auctions/" + asset + "/bids/" + h.seller.Address().Hex())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0.15", amountETH(t, body["amount"]))

	code, body = h.signed(h.seller, http.MethodPost, "/api/auctions/"+asset+"/withdraw", ``)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "0.15", amountETH(t, body["amount"]))

	h.clock.Add(time.Second)
	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions/"+asset+"/withdraw", ``)
	require.Equal(t, http.StatusConflict, code)

	code, body = h.get("/api/accounts/" + h.bidder.Address().Hex())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0.85", amountETH(t, body["balance"]))

	code, body = h.get("/api/assets/" + asset)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, h.bidder.Address().Hex(), body["custodian"])

	code, body = h.get("/api/auctions/" + asset + "/history")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["events"], 4)
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t, Config{})
	asset := h.setup(h.seller)

	code, _ := h.get("/api/auctions/999")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.get("/api/auctions/abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions",
		`{"assetId":"`+asset+`","startingPrice":"0.1","duration":"FORTNIGHT"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = h.signed(h.bidder, http.MethodPost, "/api/auctions",
		`{"assetId":"`+asset+`","startingPrice":"0.1","duration":"SHORT"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code, "bidder does not hold the asset")

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions",
		`{"assetId":"`+asset+`","startingPrice":"0.1","duration":1}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := h.signed(h.bidder, http.MethodPost, "/api/auctions/"+asset+"/bids", `{"amount":"5"}`)
	require.Equal(t, http.StatusPaymentRequired, code)
	require.Equal(t, "insufficient funds", body["error"])

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions/"+asset+"/bids", `{"amount":"0.5"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions",
		`{"assetId":"`+asset+`","startingPrice":"0.1","duration":"SHORT"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions/"+asset+"/bids", `{"amount":`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestListingOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	asset := h.setup(h.seller)

	code, body := h.signed(h.seller, http.MethodPost, "/api/listings", `{"assetId":"`+asset+`","price":"0.4"}`)
	require.Equal(t, http.StatusCreated, code, body)

	code, _ = h.signed(h.seller, http.MethodPost, "/api/auctions",
		`{"assetId":"`+asset+`","startingPrice":"0.1","duration":"SHORT"}`)
	require.Equal(t, http.StatusConflict, code)

	code, body = h.get("/api/listings/" + asset)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0.4", amountETH(t, body["price"]))

	code, _ = h.signed(h.bidder, http.MethodDelete, "/api/listings/"+asset, ``)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = h.signed(h.bidder, http.MethodPost, "/api/listings/"+asset+"/buy", ``)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.get("/api/listings/" + asset)
	require.Equal(t, http.StatusNotFound, code)

	code, body = h.get("/api/accounts/" + h.seller.Address().Hex())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0.4", amountETH(t, body["balance"]))
}

func TestSignatureRejections(t *testing.T) {
	h := newHarness(t, Config{SignatureSkew: time.Minute})
	asset := h.setup(h.seller)
	path := "/api/auctions/" + asset + "/withdraw"

	code, _ := h.do(httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusUnauthorized, code)

	req := h.signedRequest(h.bidder, http.MethodPost, path, ``)
	req.Header.Set(middleware.HeaderAddress, h.seller.Address().Hex())
	code, body := h.do(req)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid signature", body["error"])

	req = h.signedRequest(h.bidder, http.MethodPost, path, `{"amount":"0.2"}`)
	req.Body = io.NopCloser(bytes.NewBufferString(`{"amount":"0.9"}`))
	code, _ = h.do(req)
	require.Equal(t, http.StatusUnauthorized, code, "body is covered by the signature")

	req = h.signedRequest(h.bidder, http.MethodPost, path, ``)
	h.clock.Add(2 * time.Minute)
	code, body = h.do(req)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "stale request timestamp", body["error"])
}

func TestReplayedRequestRejected(t *testing.T) {
	h := newHarness(t, Config{})
	asset := h.setup(h.seller)

	list := h.signedRequest(h.seller, http.MethodPost, "/api/listings", `{"assetId":"`+asset+`","price":"0.4"}`)
	replay := list.Clone(context.Background())
	replay.Body = io.NopCloser(bytes.NewBufferString(`{"assetId":"` + asset + `","price":"0.4"}`))

	code, body := h.do(list)
	require.Equal(t, http.StatusCreated, code, body)

	h.clock.Add(time.Second)
	code, _ = h.signed(h.seller, http.MethodDelete, "/api/listings/"+asset, ``)
	require.Equal(t, http.StatusNoContent, code)

	code, body = h.do(replay)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "request already used", body["error"])

	code, _ = h.get("/api/listings/" + asset)
	require.Equal(t, http.StatusNotFound, code)
}

func TestAuditLogIsOperatorOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.setup(h.seller)

	code, _ := h.get("/api/audit")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := h.operator(http.MethodGet, "/api/audit", ``)
	require.Equal(t, http.StatusOK, code, body)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	require.Equal(t, "deposit", entries[0].(map[string]any)["event"])
	require.Equal(t, "asset_registered", entries[1].(map[string]any)["event"])

	code, body = h.operator(http.MethodGet, "/api/audit?limit=1", ``)
	require.Equal(t, http.StatusOK, code, body)
	require.Len(t, body["entries"], 1)
}

func TestRateLimited(t *testing.T) {
	h := newLimitedHarness(t, Config{RateLimit: 10}, denyLimiter{})

	code, body := h.get("/api/health")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate limit exceeded", body["error"])
}
