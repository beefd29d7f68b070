package ledger

import (
	"fmt"

	"github.com/subpay/tee-subscription-backend/interfaces"
)

// ChargePayload is the canonical byte string a scoped key signs for one
// charge: subscription id, payer, merchant, amount, token, and payment
// index, newline separated. The contract verifies the enclave signature
// over exactly these bytes; the index makes a captured signature useless
// for any other billing window.
func ChargePayload(req interfaces.PaymentRequest) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%d",
		req.SubscriptionID, req.Payer, req.Merchant, req.Amount, req.Token, req.PaymentIndex))
}
