package mfa

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters. Authenticator apps assume these values.
const (
	totpPeriod     = 30
	totpDigits     = otp.DigitsSix
	totpAlgorithm  = otp.AlgorithmSHA1
	totpSecretSize = 20
)

func validateOpts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      skew,
		Digits:    totpDigits,
		Algorithm: totpAlgorithm,
	}
}

// VerifyTOTP reports whether code is valid for secret at t, accepting codes
// from up to skew steps either side. It has no side effects.
func VerifyTOTP(secret, code string, t time.Time, skew uint) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != totpDigits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.UTC(), validateOpts(skew))
	return err == nil && ok
}

// TOTPCode returns the code for secret at t. Used by operator tooling and tests.
func TOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), validateOpts(0))
}

// Enrollment is a proposed, not yet confirmed, TOTP secret.
type Enrollment struct {
	Secret string
	// URL is the otpauth:// provisioning URI rendered as a QR code by clients.
	URL string
}

func proposeTOTP(issuer, account string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      totpDigits,
		Algorithm:   totpAlgorithm,
	})
	if err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}
