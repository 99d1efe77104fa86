package keygate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/keygate-io/keygate/rediscache"
)

const emailOTPKeyPrefix = "otp:email:"

// backupCodeAlphabet avoids characters users confuse when reading a
// printed code (0/O, 1/I/L).
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// SetupTOTP enrolls the identity for authenticator-app codes. The
// secret and provisioning URL are returned exactly once and never
// logged or audited.
func (e *Engine) SetupTOTP(ctx context.Context, identityID string) (*TOTPSetup, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	identity, err := e.credentials.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	settings, err := e.loadOrInitSettings(ctx, identityID)
	if err != nil {
		return nil, err
	}
	settings.TOTPEnabled = true
	settings.TOTPSecret = secret
	settings.UpdatedAt = time.Now()
	if err := e.twoFactor.Upsert(ctx, settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTOTPSetup, true, identityID, "", nil, nil)
	return &TOTPSetup{
		SecretBase32: secretBase32,
		ProvisionURL: e.totp.ProvisionURI(secretBase32, identity.Email),
	}, nil
}

// VerifyTOTP checks an authenticator code against the enrolled secret.
// Verification changes no state; codes inside the skew window verify
// repeatedly within their period.
func (e *Engine) VerifyTOTP(ctx context.Context, identityID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	settings, err := e.twoFactor.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTwoFactorNotConfigured
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !settings.TOTPEnabled || len(settings.TOTPSecret) == 0 {
		return ErrTwoFactorNotConfigured
	}

	ok, _, err := e.totp.VerifyCode(settings.TOTPSecret, code, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventTOTPVerified, false, identityID, "", ErrCodeInvalid, nil)
		return ErrCodeInvalid
	}

	e.emitAudit(ctx, auditEventTOTPVerified, true, identityID, "", nil, nil)
	return nil
}

// DisableTOTP clears the enrolled secret.
func (e *Engine) DisableTOTP(ctx context.Context, identityID string) error {
	if e == nil || e.twoFactor == nil {
		return ErrEngineNotReady
	}

	settings, err := e.twoFactor.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTwoFactorNotConfigured
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	settings.TOTPEnabled = false
	settings.TOTPSecret = nil
	settings.UpdatedAt = time.Now()
	if err := e.twoFactor.Upsert(ctx, settings); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTOTPDisabled, true, identityID, "", nil, nil)
	return nil
}

// SendEmailOTP generates a one-time numeric code, mails it and stores
// it in the cache under TTL. The cache copy is the source of truth; the
// durable settings row keeps a mirror for operator inspection.
func (e *Engine) SendEmailOTP(ctx context.Context, identityID string) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}

	identity, err := e.credentials.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, err := randomDigits(e.config.TwoFactor.EmailOTP.Digits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ttl := e.config.TwoFactor.EmailOTP.TTL
	if err := e.cache.Set(ctx, emailOTPKeyPrefix+identityID, code, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	settings, err := e.loadOrInitSettings(ctx, identityID)
	if err != nil {
		return err
	}
	settings.EmailEnabled = true
	settings.EmailCode = code
	settings.UpdatedAt = time.Now()
	if err := e.twoFactor.Upsert(ctx, settings); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := e.mail.Send(ctx, identity.Email, "Your one-time code",
		"Your one-time code is "+code+". It expires in "+ttl.String()+"."); err != nil {
		e.emitAudit(ctx, auditEventEmailOTPSent, false, identityID, "", ErrUnavailable, nil)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.metrics.OTPSent()
	e.emitAudit(ctx, auditEventEmailOTPSent, true, identityID, "", nil, nil)
	return nil
}

// VerifyEmailOTP consumes and checks a mailed code. The cache read is
// delete-on-read, so any attempt, right or wrong, spends the code and
// a replay of a correct code fails.
func (e *Engine) VerifyEmailOTP(ctx context.Context, identityID, code string) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}

	stored, err := e.cache.GetDel(ctx, emailOTPKeyPrefix+identityID)
	if err != nil {
		if errors.Is(err, rediscache.ErrMiss) {
			e.metrics.OTPFailed()
			e.emitAudit(ctx, auditEventEmailOTPFailed, false, identityID, "", ErrCodeInvalid, func() map[string]string {
				return map[string]string{"reason": "expired_or_consumed"}
			})
			return ErrCodeInvalid
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		e.metrics.OTPFailed()
		e.emitAudit(ctx, auditEventEmailOTPFailed, false, identityID, "", ErrCodeInvalid, nil)
		return ErrCodeInvalid
	}

	if err := e.twoFactor.ClearEmailCode(ctx, identityID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.metrics.OTPVerified()
	e.emitAudit(ctx, auditEventEmailOTPVerified, true, identityID, "", nil, nil)
	return nil
}

// GenerateBackupCodes replaces the identity's recovery codes and
// returns the plaintext list exactly once. Only salted hashes are
// stored.
func (e *Engine) GenerateBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	if e == nil || e.twoFactor == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.credentials.FindByID(ctx, identityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count := e.config.TwoFactor.BackupCodes.Count
	length := e.config.TwoFactor.BackupCodes.Length

	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomFromAlphabet(backupCodeAlphabet, length)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		codes = append(codes, code)
		hashes = append(hashes, backupCodeHash(identityID, code))
	}

	if err := e.twoFactor.ReplaceBackupCodes(ctx, identityID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, identityID, "", nil, func() map[string]string {
		return map[string]string{"count": fmt.Sprintf("%d", count)}
	})
	return codes, nil
}

// VerifyBackupCode consumes a recovery code. The existence check and
// the delete are one store operation, so a code can never verify
// twice even under concurrent attempts.
func (e *Engine) VerifyBackupCode(ctx context.Context, identityID, code string) error {
	if e == nil || e.twoFactor == nil {
		return ErrEngineNotReady
	}

	consumed, err := e.twoFactor.ConsumeBackupCode(ctx, identityID, backupCodeHash(identityID, code))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !consumed {
		e.emitAudit(ctx, auditEventBackupCodeFailed, false, identityID, "", ErrCodeInvalid, nil)
		return ErrCodeInvalid
	}

	e.metrics.BackupConsumed()
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, identityID, "", nil, nil)
	return nil
}

func (e *Engine) loadOrInitSettings(ctx context.Context, identityID string) (*TwoFactorSettings, error) {
	settings, err := e.twoFactor.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &TwoFactorSettings{IdentityID: identityID}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return settings, nil
}

// backupCodeHash salts the canonical code with the identity id, so the
// same code generated for two accounts stores as two different hashes.
func backupCodeHash(identityID, code string) [32]byte {
	canonical := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	return sha256.Sum256([]byte(identityID + ":" + canonical))
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + v.Int64()))
	}
	return b.String(), nil
}

func randomFromAlphabet(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[v.Int64()])
	}
	return b.String(), nil
}
