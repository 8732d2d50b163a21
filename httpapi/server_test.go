package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"x402x-facilitator/obs"
	"x402x-facilitator/protocol"
)

// sharedMetrics is built once: obs.NewMetrics registers its collectors with
// the global Prometheus registry, and a second registration of the same
// metric names panics.
var (
	sharedMetrics     *obs.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *obs.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = obs.NewMetrics() })
	return sharedMetrics
}

// stubFacilitator implements Facilitator with canned responses.
type stubFacilitator struct {
	verifyResp   *protocol.VerifyResponse
	verifyErr    error
	settleResp   *protocol.SettleResponse
	settleErr    error
	supported    []protocol.SupportedKind
	ready        bool
	readyChecks  map[string]bool
	feeResp      *protocol.CalculateFeeResponse
	feeErr       error
}

func (s *stubFacilitator) Verify(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.VerifyResponse, error) {
	return s.verifyResp, s.verifyErr
}
func (s *stubFacilitator) Settle(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.SettleResponse, error) {
	return s.settleResp, s.settleErr
}
func (s *stubFacilitator) CalculateFee(ctx context.Context, req protocol.CalculateFeeRequest) (*protocol.CalculateFeeResponse, error) {
	return s.feeResp, s.feeErr
}
func (s *stubFacilitator) GetSupported() []protocol.SupportedKind { return s.supported }
func (s *stubFacilitator) Ready() (bool, map[string]bool)         { return s.ready, s.readyChecks }

func newTestServer(f Facilitator) *Server {
	return NewServer(f, zap.NewNop(), testMetrics(), 1<<20, 1000, 1000, 100, nil)
}

func TestHealthAlwaysReportsOK(t *testing.T) {
	s := newTestServer(&stubFacilitator{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsFacilitatorState(t *testing.T) {
	s := newTestServer(&stubFacilitator{ready: false, readyChecks: map[string]bool{"eip155:84532": false}})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSupportedListsKinds(t *testing.T) {
	s := newTestServer(&stubFacilitator{supported: []protocol.SupportedKind{{Scheme: "exact", Network: "eip155:84532"}}})
	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eip155:84532")
}

func TestVerifyReturns200OnValidPayment(t *testing.T) {
	s := newTestServer(&stubFacilitator{verifyResp: &protocol.VerifyResponse{X402Version: 1, IsValid: true, Payer: "0x1111111111111111111111111111111111111111"}})

	body := []byte(`{"paymentPayload":{"x402Version":1,"scheme":"exact","network":"base-sepolia","payload":{"signature":"0x","authorization":{"from":"0x1","to":"0x2","value":"1","validAfter":"0","validBefore":"1","nonce":"0x1"}}},"paymentRequirements":{"scheme":"exact","network":"base-sepolia","asset":"0x3","maxAmountRequired":"1","payTo":"0x2"}}`)
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isValid":true`)
}

func TestVerifyMapsReasonToHTTPStatus(t *testing.T) {
	s := newTestServer(&stubFacilitator{
		verifyResp: &protocol.VerifyResponse{X402Version: 1, IsValid: false, InvalidReason: protocol.ReasonInsufficientBalance},
		verifyErr:  protocol.NewVerifyError(protocol.ReasonInsufficientBalance, "", "base-sepolia", nil),
	})

	body := []byte(`{"paymentPayload":{"x402Version":1,"scheme":"exact","network":"base-sepolia","payload":{"signature":"0x","authorization":{"from":"0x1","to":"0x2","value":"1","validAfter":"0","validBefore":"1","nonce":"0x1"}}},"paymentRequirements":{"scheme":"exact","network":"base-sepolia","asset":"0x3","maxAmountRequired":"1","payTo":"0x2"}}`)
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	s := newTestServer(&stubFacilitator{})
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	s := newTestServer(&stubFacilitator{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(obs.RequestIDHeader, "test-request-id")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "test-request-id", rec.Header().Get(obs.RequestIDHeader))
}
