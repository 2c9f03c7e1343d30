package app

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/adhub/core-service/internal/domain"
)

// Reference codes look like BANK-1A2B3C4D-9F8E7D6C-K7Q2ZP: channel prefix,
// organization fragment, request fragment and a random suffix.
const referenceAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const referenceSuffixLength = 6

var referenceCodePattern = regexp.MustCompile(`\b(CARD|BANK|CRPT)-[0-9A-F]{8}-[0-9A-F]{8}-[A-Z0-9]{6}\b`)

func referencePrefix(channel domain.TopupChannel) string {
	switch channel {
	case domain.TopupChannelCard:
		return "CARD"
	case domain.TopupChannelBankTransfer:
		return "BANK"
	case domain.TopupChannelCrypto:
		return "CRPT"
	}
	return ""
}

// NewReferenceCode mints a reference code for a topup request.
func NewReferenceCode(channel domain.TopupChannel, orgID, requestID uuid.UUID) (string, error) {
	prefix := referencePrefix(channel)
	if prefix == "" {
		return "", domain.Validationf("unsupported topup channel %q", channel)
	}

	suffix := make([]byte, referenceSuffixLength)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate reference suffix: %w", err)
		}
		suffix[i] = referenceAlphabet[n.Int64()]
	}

	return fmt.Sprintf("%s-%s-%s-%s", prefix, idFragment(orgID), idFragment(requestID), suffix), nil
}

func idFragment(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// ExtractReferenceCode finds a reference code in free text such as a bank memo.
func ExtractReferenceCode(text string) (string, bool) {
	code := referenceCodePattern.FindString(strings.ToUpper(text))
	return code, code != ""
}
