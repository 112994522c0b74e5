package clearnode

import "encoding/json"

// RPC method names. These are the settlement network's wire contract and
// must match it byte-for-byte.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodCreateAppSession  = "create_app_session"
	MethodGetLedgerBalances = "get_ledger_balances"
)

// AuthScope requested during the handshake.
const AuthScope = "console"

// Request is an outbound frame. Sig covers the serialized params.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Sig    string          `json:"sig,omitempty"`
}

// Frame is an inbound message: either a correlated response (ID plus
// result/error) or a server-initiated method frame such as auth_challenge.
// A single dispatch point switches on its shape.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is a server-reported error frame body.
type ErrorDetail struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Allowance is an asset spending allowance granted at authentication time.
// The client always sends an empty list.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthRequestParams opens the authentication handshake.
type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	ExpiresAt   int64       `json:"expires_at"`
	Scope       string      `json:"scope"`
	Allowances  []Allowance `json:"allowances"`
}

// AuthChallengeParams is the server's challenge to be signed.
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams answers the challenge. The enclosing request's Sig is
// the signature over these serialized params, which include the challenge.
type AuthVerifyParams struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
}

// AuthVerifyResult acknowledges a completed handshake.
type AuthVerifyResult struct {
	Success bool `json:"success"`
}

// AppDefinition describes a multi-party application session: who
// participates, who can authorize state updates, and the dispute window.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// Allocation is one participant's balance for one asset inside a session.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// CreateAppSessionParams submits a new application session.
type CreateAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

// CreateAppSessionResult carries the network-assigned session identifier.
type CreateAppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
}

// GetLedgerBalancesParams queries per-asset balances for a participant.
type GetLedgerBalancesParams struct {
	Participant string `json:"participant"`
}

// Balance is one asset balance. Amount stays a decimal string to preserve
// arbitrary precision.
type Balance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// GetLedgerBalancesResult is the balance query response.
type GetLedgerBalancesResult struct {
	LedgerBalances []Balance `json:"ledger_balances"`
}
