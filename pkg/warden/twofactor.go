package warden

import (
	"context"

	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/twofactor"
)

// BeginTwoFactor starts enrollment for a signed-in user. The provisioning
// URI is labelled with the user's credential.
func (s *Service) BeginTwoFactor(ctx context.Context, userID string) (e *twofactor.Enrollment, err error) {
	ctx, done := s.observe(ctx, "begin_two_factor")
	defer done(&err)

	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.twoFactor.BeginEnrollment(ctx, user.ID, user.Credential)
}

// ConfirmTwoFactor activates a pending enrollment.
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string) (err error) {
	ctx, done := s.observe(ctx, "confirm_two_factor")
	defer done(&err)

	if err := s.limiter.Allow(ctx, threat.OpTwoFactor, userID); err != nil {
		return err
	}
	return s.twoFactor.ConfirmEnrollment(ctx, userID, code)
}

// DisableTwoFactor turns two-factor off after the user re-enters their
// password.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, password string) (err error) {
	ctx, done := s.observe(ctx, "disable_two_factor")
	defer done(&err)

	if _, err := s.reauthenticate(ctx, userID, password); err != nil {
		return err
	}
	return s.twoFactor.Disable(ctx, userID)
}

// RegenerateBackupCodes replaces the user's backup codes after the user
// re-enters their password.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID, password string) (codes []string, err error) {
	ctx, done := s.observe(ctx, "regenerate_backup_codes")
	defer done(&err)

	if _, err := s.reauthenticate(ctx, userID, password); err != nil {
		return nil, err
	}
	return s.twoFactor.RegenerateBackupCodes(ctx, userID)
}
