// Package protocol holds the x402x wire types and the closed error
// taxonomy shared by every layer of the facilitator: the verification
// pipeline, the settlement executor, and the HTTP surface. It has no
// dependency on any other package in this module so that both the
// low-level packages (verify, settle) and the root wiring package can
// import it without a cycle.
package protocol

import "encoding/json"

// Network is a CAIP-2 chain identifier ("eip155:84532") or a registered
// human alias ("base-sepolia").
type Network string

// Mode distinguishes router-mediated settlement (with a Hook) from a plain
// EIP-3009 transferWithAuthorization.
type Mode int

const (
	ModeStandard Mode = iota
	ModeRouter
)

func (m Mode) String() string {
	if m == ModeRouter {
		return "router"
	}
	return "standard"
}

// Authorization mirrors the EIP-3009 TransferWithAuthorization fields.
// Value, ValidAfter and ValidBefore are decimal strings so large uint256
// values survive JSON round-trips without precision loss.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the "exact" scheme payload carried inside PaymentPayload.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// RouterExtra is the router-mode extension to PaymentRequirements, present
// iff the request is in router mode.
type RouterExtra struct {
	SettlementRouter string `json:"settlementRouter"`
	Salt             string `json:"salt"`
	PayTo            string `json:"payTo"`
	FacilitatorFee   string `json:"facilitatorFee"`
	Hook             string `json:"hook"`
	HookData         string `json:"hookData"`
	Name             string `json:"name,omitempty"`
	Version          string `json:"version,omitempty"`
}

// PaymentRequirements is what the resource side declares a payment must
// satisfy.
type PaymentRequirements struct {
	Scheme            string       `json:"scheme"`
	Network           Network      `json:"network"`
	Asset             string       `json:"asset"`
	MaxAmountRequired string       `json:"maxAmountRequired"`
	PayTo             string       `json:"payTo"`
	MaxTimeoutSeconds int          `json:"maxTimeoutSeconds"`
	Extra             *RouterExtra `json:"extra,omitempty"`
}

// IsRouterMode reports whether these requirements switch the request into
// router mode (presence of extra.settlementRouter).
func (r PaymentRequirements) IsRouterMode() bool {
	return r.Extra != nil && r.Extra.SettlementRouter != ""
}

// PaymentPayload is the client-submitted signed payload. V2
// additionally carries Payer/Accepted; v1 only ever populates Payload.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     ExactPayload    `json:"payload"`
	Payer       string          `json:"payer,omitempty"`
	Accepted    *AcceptedV2     `json:"paymentRequirements,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// AcceptedV2 is the v2-only embedded requirements payload. Authorization
// decisions always run against the server-side requirements in the
// request envelope, never this embedded copy.
type AcceptedV2 struct {
	Scheme  string  `json:"scheme"`
	Network Network `json:"network"`
}

// SupportedKind is one (scheme, network) pair this process can serve.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// VerifyRequest is the decoded body of POST /verify and POST /settle.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
	X402Version         int                 `json:"x402Version,omitempty"`
}

// VerifyResponse is the result of the verification pipeline.
type VerifyResponse struct {
	X402Version   int        `json:"x402Version"`
	IsValid       bool       `json:"isValid"`
	Payer         string     `json:"payer,omitempty"`
	InvalidReason ReasonCode `json:"invalidReason,omitempty"`
}

// SettleResponse is the result of attempting settlement.
type SettleResponse struct {
	X402Version int        `json:"x402Version"`
	Success     bool       `json:"success"`
	Transaction string     `json:"transaction,omitempty"`
	Network     Network    `json:"network"`
	Payer       string     `json:"payer,omitempty"`
	ErrorReason ReasonCode `json:"errorReason,omitempty"`
}

// CalculateFeeRequest is the body of POST /calculate-fee.
type CalculateFeeRequest struct {
	Network  Network `json:"network"`
	Hook     string  `json:"hook"`
	HookData string  `json:"hookData"`
}

// CalculateFeeResponse is the response of POST /calculate-fee.
type CalculateFeeResponse struct {
	FacilitatorFee string `json:"facilitatorFee"`
	HookAllowed    bool   `json:"hookAllowed"`
	GasLimit       uint64 `json:"gasLimit"`
	StrategyUsed   string `json:"strategyUsed"`
}
