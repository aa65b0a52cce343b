package signing

import (
	"strconv"
	"strings"
	"time"

	"pesabridge/internal/api"
)

// messageHeader tags every authorization message. The backend verifies the
// recovered signer against this exact layout, so field order and number
// formatting here are a wire contract.
const messageHeader = "PESABRIDGE_TX_AUTH_V1"

const defaultBuygoodsReference = "default"

// BuildAuthorizationMessage deterministically serializes the message the
// user signs to authorize one settlement attempt. Pure: identical inputs
// always produce the identical byte string.
func BuildAuthorizationMessage(tx *api.Transaction, signedAt time.Time, nonce string) string {
	lines := []string{
		messageHeader,
		"tx:" + tx.TransactionID,
		"flow:" + string(tx.FlowType),
		"quote:" + tx.Quote.QuoteID,
		"kes:" + strconv.FormatFloat(tx.Quote.AmountKes, 'f', 2, 64),
		"token:" + strconv.FormatFloat(tx.Quote.TokenAmount, 'f', 6, 64),
		"target:" + targetDescriptor(tx),
		"nonce:" + nonce,
		"signedAt:" + signedAt.UTC().Format(time.RFC3339),
	}
	return strings.Join(lines, "\n")
}

func targetDescriptor(tx *api.Transaction) string {
	switch tx.FlowType {
	case api.FlowOfframp:
		return "phone:" + tx.Targets.Phone
	case api.FlowPaybill:
		return "paybill:" + tx.Targets.PaybillNumber + ":" + tx.Targets.AccountReference
	case api.FlowBuygoods:
		ref := tx.Targets.AccountReference
		if ref == "" {
			ref = defaultBuygoodsReference
		}
		return "buygoods:" + tx.Targets.TillNumber + ":" + ref
	default:
		return "onramp"
	}
}
