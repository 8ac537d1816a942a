package payments

import (
	"fmt"
	"strings"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// AuthorizationMessage is the text a payer signs to bind a payment to an
// order.
func AuthorizationMessage(orderID string) string {
	return "authorize order #" + strings.TrimSpace(orderID)
}

// VerifyAuthorization checks that signature (base58 or base64) is the
// payer's ed25519 signature over the order's authorization message. signerKey
// is optional; when given it must name the payer.
func VerifyAuthorization(orderID string, payer crypto.PublicKey, signerKey, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: order authorization missing", staking.ErrSignatureMismatch)
	}
	if signerKey = strings.TrimSpace(signerKey); signerKey != "" {
		signer, err := crypto.PublicKeyFromBase58(signerKey)
		if err != nil {
			return fmt.Errorf("%w: signer key: %v", staking.ErrInvalidAddress, err)
		}
		if signer != payer {
			return fmt.Errorf("%w: order signed by %s, payment claimed by %s", staking.ErrSignatureMismatch, signer, payer)
		}
	}
	sig, err := crypto.DecodeSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", staking.ErrSignatureMismatch, err)
	}
	if !crypto.Verify(payer, []byte(AuthorizationMessage(orderID)), sig) {
		return fmt.Errorf("%w: order authorization does not verify for %s", staking.ErrSignatureMismatch, payer)
	}
	return nil
}
