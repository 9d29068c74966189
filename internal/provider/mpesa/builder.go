package mpesa

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// eat is East Africa Time. Daraja validates the password timestamp against it.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

// FormatPhone normalizes a Kenyan MSISDN to 2547XXXXXXXX form: non-digits are
// dropped, a leading 0 becomes 254, and 254 is prefixed when missing.
func FormatPhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		return "254" + digits[1:]
	case strings.HasPrefix(digits, "254"):
		return digits
	default:
		return "254" + digits
	}
}

// PhoneSuffix returns the last nine digits, the part shared by every
// spelling of the same number.
func PhoneSuffix(raw string) string {
	digits := FormatPhone(raw)
	if len(digits) <= 9 {
		return digits
	}
	return digits[len(digits)-9:]
}

// Timestamp formats t as yyyyMMddHHmmss in EAT.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// Reference builds the account reference sent with a request.
func Reference(prefix string, entityID int64, timestamp string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, entityID, timestamp)
}

// AmountParam is the whole-shilling amount Daraja accepts; fractions round up
// so the customer is never undercharged.
func AmountParam(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}
