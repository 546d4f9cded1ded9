// Package txbuild turns a validated intent into a BuildPlan: the unsigned
// transaction request plus the deterministic hash that approval tokens and
// the signing gate bind to.
package txbuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
	"github.com/mbd888/signgate/internal/intent"
)

var (
	ErrUnknownRouter = errors.New("txbuild: unknown swap router")
	ErrEncode        = errors.New("txbuild: encoding failed")
)

// TxRequest is the unsigned transaction content derived from an intent. It
// deliberately omits nonce, gas and fee fields: those come from chain state at
// signing time, and the hash must depend on the intent alone.
type TxRequest struct {
	ChainID int64  `json:"chainId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
}

// Plan is the build output for one intent.
type Plan struct {
	IntentID    string    `json:"intentId"`
	Request     TxRequest `json:"txRequest"`
	Hash        string    `json:"txRequestHash"`
	Description string    `json:"description"`
}

// Builder is the transaction builder capability.
type Builder interface {
	BuildFromIntent(in *intent.Intent) (*Plan, error)
}

// HashRequest returns keccak256 over the canonical (RFC 8785) JSON encoding
// of req, hex encoded with a 0x prefix.
func HashRequest(req TxRequest) (string, error) {
	raw, err := json.Marshal(normalize(req))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize: %v", ErrEncode, err)
	}
	return crypto.Keccak256Hash(canonical).Hex(), nil
}

// VerifyPlan recomputes the plan's hash and reports whether it still matches.
func VerifyPlan(p *Plan) bool {
	if p == nil {
		return false
	}
	h, err := HashRequest(p.Request)
	if err != nil {
		return false
	}
	return strings.EqualFold(h, p.Hash)
}

func normalize(req TxRequest) TxRequest {
	req.From = common.HexToAddress(req.From).Hex()
	req.To = common.HexToAddress(req.To).Hex()
	if req.Value == "" {
		req.Value = "0"
	}
	req.Data = strings.ToLower(req.Data)
	if req.Data == "" {
		req.Data = "0x"
	}
	return req
}
