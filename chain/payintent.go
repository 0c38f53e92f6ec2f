package chain

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// PayIntent captures the minimal instructions for a client wallet to fund an
// escrow wallet, including a one-time reference key the verifier scans for.
type PayIntent struct {
	Address   string `json:"address"`
	Mint      string `json:"mint"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	URI       string `json:"uri"`
}

// PayIntentBuilder builds funding intents for escrow deposits.
type PayIntentBuilder struct {
	scheme string
}

// NewPayIntentBuilder constructs a builder using the given URI scheme.
func NewPayIntentBuilder(scheme string) *PayIntentBuilder {
	if scheme == "" {
		scheme = "taskpay"
	}
	return &PayIntentBuilder{scheme: scheme}
}

// Build constructs a pay intent for the task's escrow wallet. The reference
// key is derived from the task identity, so rebuilding the intent for the
// same task yields the same key and re-verification stays idempotent.
func (b *PayIntentBuilder) Build(taskID uuid.UUID, escrowAddress, mint string, amount float64) PayIntent {
	reference := FundingReference(taskID)
	amountStr := strconv.FormatFloat(amount, 'f', 2, 64)
	values := url.Values{}
	values.Set("mint", mint)
	values.Set("amount", amountStr)
	values.Set("reference", reference)
	uri := fmt.Sprintf("%s:%s?%s", b.scheme, escrowAddress, values.Encode())
	return PayIntent{
		Address:   escrowAddress,
		Mint:      mint,
		Amount:    amountStr,
		Reference: reference,
		URI:       uri,
	}
}

// QRPNG renders the intent URI as a QR code image.
func (b *PayIntentBuilder) QRPNG(intent PayIntent, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(intent.URI, qrcode.Medium, size)
}

// FundingReference derives the one-time reference key embedded in a task's
// payment request.
func FundingReference(taskID uuid.UUID) string {
	digest := ethcrypto.Keccak256([]byte("funding/" + taskID.String()))
	return hexutil.Encode(digest)
}
