// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"fmt"
	"strings"

	"crossdex.org/crossdex/gw"
)

const (
	// ErrTokenNotFound means a user-supplied symbol or address could not be
	// resolved. Client error.
	ErrTokenNotFound = gw.Error("token not found")
	// ErrInsufficientCredential means no signing capability is available for
	// the requested sender address. Client error.
	ErrInsufficientCredential = gw.Error("no signing credential for address")
	// ErrInsufficientFunds means the sender cannot cover value + fees.
	ErrInsufficientFunds = gw.Error("insufficient funds")
	// ErrInsufficientAllowance means the spender contract is not approved to
	// move the sender's tokens.
	ErrInsufficientAllowance = gw.Error("insufficient token allowance")
	// ErrFeeResolution means even the floor fee fallback errored. Should not
	// normally occur.
	ErrFeeResolution = gw.Error("fee resolution failed")
	// ErrSubmissionFailed is a transport-level send failure that persisted
	// through the engine's retry budget.
	ErrSubmissionFailed = gw.Error("transaction submission failed")
)

// SimulationError is a pre-flight rejection with a user-actionable reason
// derived from a known protocol revert message.
type SimulationError struct {
	// Reason is the actionable message surfaced to the client.
	Reason string
	// Detail is the raw node/protocol message, for logs only.
	Detail string
}

// Error satisfies the error interface.
func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed: %s", e.Reason)
}

// revertPatterns maps known protocol revert substrings to actionable
// messages. Routers abbreviate aggressively (Uniswap's periphery uses
// three-letter codes), so matching is on substrings of the raw message.
var revertPatterns = []struct {
	match  string
	reason string
}{
	{"Too little received", "slippage exceeded: the price moved beyond the allowed tolerance, retry with a higher slippage setting"},
	{"Too much requested", "slippage exceeded: the price moved beyond the allowed tolerance, retry with a higher slippage setting"},
	{"STF", "token transfer failed: check balance and token approval for the router"},
	{"SPL", "price limit reached: the requested price limit is outside the pool's current range"},
	{"LOK", "pool is locked: a reentrant operation is in progress, retry shortly"},
	{"insufficient funds", "insufficient funds to cover amount and network fee"},
	{"transfer amount exceeds allowance", "insufficient token allowance: approve the router for at least the input amount"},
	{"account not initialized", "destination account not initialized: create the associated token account first"},
}

// MatchRevert classifies a raw revert/simulation message into a
// SimulationError with a specific, actionable reason, falling back to a
// generic message for unrecognized reverts.
func MatchRevert(raw string) *SimulationError {
	for _, p := range revertPatterns {
		if strings.Contains(raw, p.match) {
			return &SimulationError{Reason: p.reason, Detail: raw}
		}
	}
	return &SimulationError{
		Reason: "transaction would revert: verify amounts, balances and approvals",
		Detail: raw,
	}
}
