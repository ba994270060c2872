package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	zlog "github.com/rs/zerolog/log"

	"gpos/backend/internal/cache"
	"gpos/backend/internal/domain"
)

const (
	otpIssuer = "gpos"

	// maxOTPAttempts wrong codes burn the pending OTP.
	maxOTPAttempts = 5
)

func (s *Service) otpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.otpTTL.Seconds()),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// SendOTP creates a one-time code for a mobile number and delivers it through
// the messaging gateway. The secret lives in the cache for the OTP TTL, and a
// second request while one is pending is rejected.
func (s *Service) SendOTP(ctx context.Context, req domain.OTPSendRequest) (domain.OTPSendResponse, error) {
	mobile := strings.TrimSpace(req.MobileNo)
	if mobile == "" {
		return domain.OTPSendResponse{}, invalidf("mobile_no is required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      otpIssuer,
		AccountName: mobile,
		Period:      uint(s.otpTTL.Seconds()),
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return domain.OTPSendResponse{}, err
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), s.now(), s.otpOpts())
	if err != nil {
		return domain.OTPSendResponse{}, err
	}

	ok, err := s.cache.SetNX(ctx, cache.OTPKey(mobile), key.Secret(), s.otpTTL)
	if err != nil {
		zlog.Error().Err(err).Str("mobile_no", mobile).Msg("service: otp cache failure")
		return domain.OTPSendResponse{}, ErrCacheUnavailable
	}
	if !ok {
		return domain.OTPSendResponse{}, conflictf("an OTP is already pending for %s", mobile)
	}
	if err := s.cache.Del(ctx, cache.OTPFailKey(mobile)); err != nil {
		zlog.Warn().Err(err).Str("mobile_no", mobile).Msg("service: failed to reset otp attempts")
	}

	if err := s.sms.Send(ctx, mobile, fmt.Sprintf("Your verification code is %s", code)); err != nil {
		if delErr := s.cache.Del(ctx, cache.OTPKey(mobile)); delErr != nil {
			zlog.Warn().Err(delErr).Str("mobile_no", mobile).Msg("service: failed to drop undelivered otp")
		}
		return domain.OTPSendResponse{}, fmt.Errorf("deliver otp: %w", err)
	}

	return domain.OTPSendResponse{MobileNo: mobile, ExpiresIn: int(s.otpTTL.Seconds())}, nil
}

// VerifyOTP consumes a pending code. A wrong or missing code is
// unauthorized, and after maxOTPAttempts wrong codes the pending OTP is
// dropped so the caller has to request a new one.
func (s *Service) VerifyOTP(ctx context.Context, req domain.OTPVerifyRequest) error {
	mobile := strings.TrimSpace(req.MobileNo)
	code := strings.TrimSpace(req.Code)
	if mobile == "" || code == "" {
		return invalidf("mobile_no and code are required")
	}

	secret, found, err := s.cache.Get(ctx, cache.OTPKey(mobile))
	if err != nil {
		zlog.Error().Err(err).Str("mobile_no", mobile).Msg("service: otp cache failure")
		return ErrCacheUnavailable
	}
	if !found {
		return unauthorizedf("invalid or expired code")
	}
	valid, err := totp.ValidateCustom(code, secret, s.now(), s.otpOpts())
	if err != nil || !valid {
		return s.failOTP(ctx, mobile)
	}

	s.dropOTP(ctx, mobile)
	s.logAudit(ctx, "otp_verify", "mobile", mobile, "")
	return nil
}

func (s *Service) failOTP(ctx context.Context, mobile string) error {
	attempts, err := s.cache.Incr(ctx, cache.OTPFailKey(mobile), s.otpTTL)
	if err != nil {
		zlog.Error().Err(err).Str("mobile_no", mobile).Msg("service: otp attempt counter failure")
		return ErrCacheUnavailable
	}
	if attempts >= maxOTPAttempts {
		zlog.Warn().Str("mobile_no", mobile).Int64("attempts", attempts).Msg("service: otp locked after failed attempts")
		s.dropOTP(ctx, mobile)
	}
	return unauthorizedf("invalid or expired code")
}

func (s *Service) dropOTP(ctx context.Context, mobile string) {
	for _, key := range []string{cache.OTPKey(mobile), cache.OTPFailKey(mobile)} {
		if err := s.cache.Del(ctx, key); err != nil {
			zlog.Warn().Err(err).Str("key", key).Msg("service: failed to drop otp state")
		}
	}
}
