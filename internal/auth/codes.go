package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"

	"github.com/signalix/identity/internal/model"
)

const saltSize = 16

var (
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s.]+$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// normalizeIdentifier canonicalizes a phone number (E.164) or email address
// and reports which channel delivers to it.
func normalizeIdentifier(raw string) (string, model.Channel, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "@") {
		email := strings.ToLower(s)
		if len(email) > 254 || !emailPattern.MatchString(email) {
			return "", "", fmt.Errorf("invalid email address")
		}
		return email, model.ChannelEmail, nil
	}
	phone := phoneNoise.Replace(s)
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !phonePattern.MatchString(phone) {
		return "", "", fmt.Errorf("invalid phone number, expected E.164 format like +15550000")
	}
	return phone, model.ChannelSMS, nil
}

// generateCode returns a uniformly random numeric code of the given length.
func generateCode(random io.Reader, length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(random, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

func generateSalt(random io.Reader) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// hashCode is HMAC-SHA256 keyed by the server pepper over salt, identifier and code.
func hashCode(pepper, salt []byte, identifier, code string) []byte {
	mac := hmac.New(sha256.New, pepper)
	mac.Write(salt)
	mac.Write([]byte(identifier))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

func constantTimeCompare(a, b []byte) bool {
	return len(a) > 0 && subtle.ConstantTimeCompare(a, b) == 1
}
