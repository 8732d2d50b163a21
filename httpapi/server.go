// Package httpapi is the facilitator's HTTP surface: gin routes for
// /health, /ready, /supported, /verify, /settle, /calculate-fee and
// /metrics, wrapped by the obs middleware chain.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"x402x-facilitator/obs"
	"x402x-facilitator/protocol"
)

const (
	verifyTimeout = 30 * time.Second
	settleTimeout = 60 * time.Second
)

// Facilitator is the narrow slice of x402x.Facilitator the HTTP surface
// drives.
type Facilitator interface {
	Verify(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.VerifyResponse, error)
	Settle(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.SettleResponse, error)
	CalculateFee(ctx context.Context, req protocol.CalculateFeeRequest) (*protocol.CalculateFeeResponse, error)
	GetSupported() []protocol.SupportedKind
	Ready() (bool, map[string]bool)
}

// Server wraps the gin engine built by NewServer.
type Server struct {
	engine *gin.Engine
}

// Run starts the HTTP server on addr, blocking until it returns (matching
// gin.Engine.Run's own blocking contract).
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the underlying http.Handler, e.g. for an *http.Server
// wrapper that needs graceful shutdown (used by cmd/facilitatord).
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestEnvelope is the {paymentPayload, paymentRequirements, x402Version?}
// body shared by /verify and /settle. PaymentPayload is kept
// as json.RawMessage so verify.ValidateSchema can check it before any typed
// field is trusted.
type requestEnvelope struct {
	PaymentPayload      json.RawMessage              `json:"paymentPayload"`
	PaymentRequirements protocol.PaymentRequirements `json:"paymentRequirements"`
	X402Version         int                          `json:"x402Version,omitempty"`
}

// NewServer builds the gin engine with every route and middleware wired.
func NewServer(f Facilitator, log *zap.Logger, metrics *obs.Metrics, bodyLimit int64, verifyRPS, settleRPS float64, burst int, allowedOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(obs.RequestID(), obs.Logging(log), metrics.Middleware(), obs.Recovery(log), obs.CORS(allowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready, checks := f.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": ready, "checks": checks})
	})

	r.GET("/supported", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"kinds": f.GetSupported()})
	})

	r.GET("/metrics", metrics.Handler())

	verifyGroup := r.Group("/", obs.BodySizeLimit(bodyLimit), obs.RateLimit(verifyRPS, burst))
	verifyGroup.POST("/verify", handleVerify(f, metrics))

	settleGroup := r.Group("/", obs.BodySizeLimit(bodyLimit), obs.RateLimit(settleRPS, burst))
	settleGroup.POST("/settle", handleSettle(f, metrics))
	settleGroup.POST("/calculate-fee", handleCalculateFee(f))

	return &Server{engine: r}
}

func handleVerify(f Facilitator, metrics *obs.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		var env requestEnvelope
		if err := c.BindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		var payload protocol.PaymentPayload
		if len(env.PaymentPayload) > 0 {
			_ = json.Unmarshal(env.PaymentPayload, &payload)
		}
		req := protocol.VerifyRequest{
			PaymentPayload:      payload,
			PaymentRequirements: env.PaymentRequirements,
			X402Version:         env.X402Version,
		}

		resp, err := f.Verify(ctx, env.PaymentPayload, req)
		metrics.RecordVerify(string(env.PaymentRequirements.Network), string(resp.InvalidReason))
		if err != nil {
			c.JSON(protocol.HTTPStatus(resp.InvalidReason), gin.H{"accepts": req.PaymentRequirements, "error": resp})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleSettle(f Facilitator, metrics *obs.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
		defer cancel()

		var env requestEnvelope
		if err := c.BindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		var payload protocol.PaymentPayload
		if len(env.PaymentPayload) > 0 {
			_ = json.Unmarshal(env.PaymentPayload, &payload)
		}
		req := protocol.VerifyRequest{
			PaymentPayload:      payload,
			PaymentRequirements: env.PaymentRequirements,
			X402Version:         env.X402Version,
		}

		resp, err := f.Settle(ctx, env.PaymentPayload, req)
		metrics.RecordSettle(string(env.PaymentRequirements.Network), string(resp.ErrorReason))
		if err != nil {
			status := protocol.HTTPStatus(resp.ErrorReason)
			if resp.ErrorReason == protocol.ReasonSchemaInvalid {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"accepts": req.PaymentRequirements, "error": resp})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleCalculateFee(f Facilitator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		var req protocol.CalculateFeeRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		resp, err := f.CalculateFee(ctx, req)
		if err != nil {
			var ve *protocol.VerifyError
			if errors.As(err, &ve) {
				c.JSON(protocol.HTTPStatus(ve.Reason), gin.H{"error": ve.Reason})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
