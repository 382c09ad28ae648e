// Package services contains server-side business logic: AuthService drives
// registration, login, refresh token rotation, logout and password changes
// on top of the user and refresh token repositories.
package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/dbx"
	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/config"
	"github.com/dmitrijs2005/authcore/internal/server/metrics"
	"github.com/dmitrijs2005/authcore/internal/server/models"
	"github.com/dmitrijs2005/authcore/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authcore/internal/validation"
)

// Operation names used for metrics and spans.
const (
	OpRegister       = "register"
	OpLogin          = "login"
	OpRefresh        = "refresh"
	OpLogout         = "logout"
	OpChangePassword = "change_password"
	OpCurrentUser    = "current_user"
)

const (
	msgInvalidCredentials = "invalid email or password"
	msgInvalidRefresh     = "invalid refresh token"
	msgRefreshExpired     = "refresh token expired"
	msgEmailTaken         = "email already registered"
	msgWrongPassword      = "current password is incorrect"
	msgUserNotFound       = "user not found"
	msgInvalidInput       = "invalid input"
)

// TokenBundle is the token pair handed to a client.
type TokenBundle struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// AuthResult is returned by every operation that signs a user in.
type AuthResult struct {
	User   *models.User
	Tokens TokenBundle
}

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type changePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,nefield=CurrentPassword"`
}

type AuthService struct {
	db          dbx.DBTX
	repomanager repomanager.RepositoryManager
	tokens      *RefreshTokenStore
	hasher      PasswordHasher
	codec       TokenCodec
	logger      logging.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	loginDelay             time.Duration
	revokeOnPasswordChange bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// decoy is verified against on logins for unknown emails.
	decoyOnce sync.Once
	decoy     models.HashRecord
	decoyErr  error
}

// NewAuthService wires AuthService. A nil tracer disables tracing.
func NewAuthService(db dbx.DBTX, m repomanager.RepositoryManager, tokens *RefreshTokenStore, hasher PasswordHasher,
	codec TokenCodec, cfg *config.Config, logger logging.Logger, mt *metrics.Metrics, tracer trace.Tracer) *AuthService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &AuthService{
		db:                     db,
		repomanager:            m,
		tokens:                 tokens,
		hasher:                 hasher,
		codec:                  codec,
		logger:                 logger,
		metrics:                mt,
		tracer:                 tracer,
		loginDelay:             cfg.LoginDelay,
		revokeOnPasswordChange: cfg.RevokeSessionsOnPasswordChange,
		now:                    time.Now,
		sleep:                  sleepContext,
	}
}

// Register creates an account and signs it in.
func (s *AuthService) Register(ctx context.Context, email, password string) (res *AuthResult, err error) {
	ctx, done := s.begin(ctx, OpRegister)
	defer func() { done(err) }()

	if err := validate(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}

	repo := s.repomanager.Users(s.db)
	if _, err := repo.GetByEmail(ctx, email); err == nil {
		return nil, common.NewConflictError(msgEmailTaken)
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("error looking up user: %w", err)
	}

	rec, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	// The account and its first session commit together.
	var (
		user   *models.User
		tokens *TokenBundle
	)
	err = s.tokens.tx.RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		user, err = s.repomanager.Users(tx).Create(ctx, &models.User{Email: email, Password: rec})
		if err != nil {
			if errors.Is(err, common.ErrorAlreadyExists) {
				return common.NewConflictError(msgEmailTaken)
			}
			return fmt.Errorf("error creating user: %w", err)
		}
		tokens, err = s.issueTokens(ctx, tx, user.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "user registered", "user_id", user.ID, "algorithm", rec.Algorithm)
	return &AuthResult{User: user, Tokens: *tokens}, nil
}

// Login checks credentials and signs the user in. An unknown email and a
// wrong password are indistinguishable to the caller, and both wait for the
// configured login delay.
func (s *AuthService) Login(ctx context.Context, email, password string) (res *AuthResult, err error) {
	ctx, done := s.begin(ctx, OpLogin)
	defer func() { done(err) }()

	if err := validate(loginInput{Email: email, Password: password}); err != nil {
		return nil, err
	}

	user, lookupErr := s.repomanager.Users(s.db).GetByEmail(ctx, email)
	if err := s.sleep(ctx, s.loginDelay); err != nil {
		return nil, err
	}
	if lookupErr != nil {
		if errors.Is(lookupErr, common.ErrorNotFound) {
			s.verifyDecoy(ctx, password)
			return nil, common.NewAuthError(msgInvalidCredentials)
		}
		return nil, fmt.Errorf("error looking up user: %w", lookupErr)
	}

	ok, err := s.hasher.Verify(ctx, password, user.Password)
	if err != nil {
		return nil, fmt.Errorf("error verifying password: %w", err)
	}
	if !ok {
		s.logger.Info(ctx, "login rejected", "user_id", user.ID)
		return nil, common.NewAuthError(msgInvalidCredentials)
	}

	if s.hasher.NeedsRehash(user.Password) {
		s.rehashPassword(ctx, user, password)
	}

	tokens, err := s.issueTokens(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "user logged in", "user_id", user.ID)
	return &AuthResult{User: user, Tokens: *tokens}, nil
}

// Refresh exchanges a refresh token for a new token pair. Presenting a
// token that was already rotated or revoked burns every session of its
// owner.
func (s *AuthService) Refresh(ctx context.Context, rawRefreshToken string) (res *AuthResult, err error) {
	ctx, done := s.begin(ctx, OpRefresh)
	defer func() { done(err) }()

	claims, err := s.codec.VerifyRefresh(rawRefreshToken)
	if err != nil {
		return nil, invalidRefresh(err)
	}

	row, err := s.tokens.FindByJTI(ctx, claims.JTI)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, invalidRefresh(err)
		}
		return nil, fmt.Errorf("error searching refresh token: %w", err)
	}

	if row.UserID != claims.Subject {
		s.logger.Warn(ctx, "refresh token subject mismatch", "user_id", row.UserID, "jti", row.JTI)
		if err := s.revokeAll(ctx, row.UserID, metrics.ReasonMismatch); err != nil {
			return nil, err
		}
		return nil, invalidRefresh(common.ErrRefreshTokenMismatch)
	}

	if row.RevokedAt != nil {
		return nil, s.reuseDetected(ctx, row)
	}

	if row.Expired(s.now()) {
		if err := s.tokens.MarkRevoked(ctx, row.ID); err != nil {
			return nil, fmt.Errorf("error revoking expired token: %w", err)
		}
		s.metrics.Revoked(metrics.ReasonExpired, 1)
		return nil, common.NewAuthError(msgRefreshExpired).WithCause(common.ErrRefreshTokenExpired)
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, invalidRefresh(err)
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}

	rotation, err := s.tokens.Rotate(ctx, row, rawRefreshToken)
	switch {
	case errors.Is(err, common.ErrRefreshTokenMismatch):
		s.logger.Warn(ctx, "refresh token hash mismatch", "user_id", row.UserID, "jti", row.JTI)
		if err := s.revokeAll(ctx, row.UserID, metrics.ReasonMismatch); err != nil {
			return nil, err
		}
		return nil, invalidRefresh(common.ErrRefreshTokenMismatch)
	case errors.Is(err, common.ErrRefreshTokenReused):
		return nil, s.reuseDetected(ctx, row)
	case err != nil:
		return nil, err
	}

	access, err := s.codec.IssueAccess(user.ID)
	if err != nil {
		return nil, fmt.Errorf("error issuing access token: %w", err)
	}

	s.logger.Debug(ctx, "refresh token rotated", "user_id", user.ID, "jti", rotation.JTI, "rotated_from", row.JTI)
	return &AuthResult{User: user, Tokens: TokenBundle{
		AccessToken:           access.Token,
		AccessTokenExpiresAt:  s.codec.ExpiresAt(access.Token, s.codec.AccessTTL()),
		RefreshToken:          rotation.RawToken,
		RefreshTokenExpiresAt: s.codec.ExpiresAt(rotation.RawToken, s.codec.RefreshTTL()),
	}}, nil
}

// Logout revokes the presented refresh token. Unknown and already revoked
// tokens succeed; an already revoked token also revokes the rest of the
// owner's sessions.
func (s *AuthService) Logout(ctx context.Context, rawRefreshToken string) (err error) {
	ctx, done := s.begin(ctx, OpLogout)
	defer func() { done(err) }()

	claims, err := s.codec.VerifyRefresh(rawRefreshToken)
	if err != nil {
		return invalidRefresh(err)
	}

	row, err := s.tokens.FindByJTI(ctx, claims.JTI)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("error searching refresh token: %w", err)
	}

	if row.UserID != claims.Subject {
		if err := s.revokeAll(ctx, row.UserID, metrics.ReasonMismatch); err != nil {
			return err
		}
		return invalidRefresh(common.ErrRefreshTokenMismatch)
	}

	if row.RevokedAt != nil {
		s.logger.Warn(ctx, "revoked refresh token presented at logout", "user_id", row.UserID, "jti", row.JTI)
		s.metrics.ReuseDetected()
		return s.revokeAll(ctx, row.UserID, metrics.ReasonReuse)
	}

	ok, err := s.hasher.Verify(ctx, rawRefreshToken, row.Token)
	if err != nil {
		return fmt.Errorf("error verifying refresh token: %w", err)
	}
	if !ok {
		if err := s.revokeAll(ctx, row.UserID, metrics.ReasonMismatch); err != nil {
			return err
		}
		return invalidRefresh(common.ErrRefreshTokenMismatch)
	}

	if err := s.tokens.MarkRevoked(ctx, row.ID); err != nil {
		return fmt.Errorf("error revoking refresh token: %w", err)
	}
	s.metrics.Revoked(metrics.ReasonLogout, 1)
	s.logger.Info(ctx, "user logged out", "user_id", row.UserID)
	return nil
}

// ChangePassword replaces the password of userID after checking the
// current one. Unless disabled in config, all refresh tokens of the user
// are revoked afterwards.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	ctx, done := s.begin(ctx, OpChangePassword)
	defer func() { done(err) }()

	if err := validate(changePasswordInput{CurrentPassword: current, NewPassword: next}); err != nil {
		return err
	}

	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.NewValidationError(msgUserNotFound, nil)
		}
		return fmt.Errorf("error loading user: %w", err)
	}

	ok, err := s.hasher.Verify(ctx, current, user.Password)
	if err != nil {
		return fmt.Errorf("error verifying password: %w", err)
	}
	if !ok {
		return common.NewAuthError(msgWrongPassword)
	}

	rec, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	if err := repo.UpdatePassword(ctx, user.ID, rec); err != nil {
		return fmt.Errorf("error updating password: %w", err)
	}

	if s.revokeOnPasswordChange {
		if err := s.revokeAll(ctx, user.ID, metrics.ReasonPasswordChange); err != nil {
			return err
		}
	}
	s.logger.Info(ctx, "password changed", "user_id", user.ID)
	return nil
}

// CurrentUser returns the user behind an access token subject.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (user *models.User, err error) {
	ctx, done := s.begin(ctx, OpCurrentUser)
	defer func() { done(err) }()

	user, err = s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.NewValidationError(msgUserNotFound, nil)
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}
	return user, nil
}

// VerifyAccess validates an access token for the HTTP middleware.
func (s *AuthService) VerifyAccess(token string) (string, error) {
	claims, err := s.codec.VerifyAccess(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// --- helpers below ---

// issueTokens signs a token pair and persists the refresh row through db.
// Client-facing expiries are read back from the exp claims.
func (s *AuthService) issueTokens(ctx context.Context, db dbx.DBTX, userID string) (*TokenBundle, error) {
	access, err := s.codec.IssueAccess(userID)
	if err != nil {
		return nil, fmt.Errorf("error issuing access token: %w", err)
	}
	refresh, err := s.codec.IssueRefresh(userID)
	if err != nil {
		return nil, fmt.Errorf("error issuing refresh token: %w", err)
	}
	if _, err := s.tokens.create(ctx, db, userID, refresh.Token, refresh.JTI, refresh.ExpiresAt, nil); err != nil {
		return nil, err
	}
	return &TokenBundle{
		AccessToken:           access.Token,
		AccessTokenExpiresAt:  s.codec.ExpiresAt(access.Token, s.codec.AccessTTL()),
		RefreshToken:          refresh.Token,
		RefreshTokenExpiresAt: s.codec.ExpiresAt(refresh.Token, s.codec.RefreshTTL()),
	}, nil
}

// verifyDecoy runs a password check against a throwaway hash made with the
// current parameters, so an unknown email costs as much as a wrong password.
func (s *AuthService) verifyDecoy(ctx context.Context, password string) {
	s.decoyOnce.Do(func() {
		var secret []byte
		secret, s.decoyErr = common.GenerateRandBytes(32)
		if s.decoyErr != nil {
			return
		}
		s.decoy, s.decoyErr = s.hasher.Hash(context.WithoutCancel(ctx), base64.RawStdEncoding.EncodeToString(secret))
	})
	if s.decoyErr != nil {
		s.logger.Warn(ctx, "decoy hash unavailable", "error", s.decoyErr)
		return
	}
	_, _ = s.hasher.Verify(ctx, password, s.decoy)
}

func (s *AuthService) reuseDetected(ctx context.Context, row *models.RefreshToken) error {
	s.logger.Warn(ctx, "refresh token reuse detected", "user_id", row.UserID, "jti", row.JTI)
	s.metrics.ReuseDetected()
	if err := s.revokeAll(ctx, row.UserID, metrics.ReasonReuse); err != nil {
		return err
	}
	return invalidRefresh(common.ErrRefreshTokenReused)
}

func (s *AuthService) revokeAll(ctx context.Context, userID, reason string) error {
	n, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("error revoking refresh tokens: %w", err)
	}
	s.metrics.Revoked(reason, n)
	return nil
}

func (s *AuthService) rehashPassword(ctx context.Context, user *models.User, password string) {
	rec, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.repomanager.Users(s.db).UpdatePassword(ctx, user.ID, rec)
	}
	if err != nil {
		s.logger.Warn(ctx, "password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	s.metrics.Rehashed(string(user.Password.Algorithm))
	s.logger.Info(ctx, "password rehashed", "user_id", user.ID, "from", user.Password.Algorithm, "to", rec.Algorithm)
	user.Password = rec
}

// begin opens a span for op and returns a func that ends it and records
// the outcome.
func (s *AuthService) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "AuthService."+op, trace.WithAttributes(attribute.String("auth.operation", op)))
	return ctx, func(err error) {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeRejected
			if common.KindOf(err) == common.KindInternal {
				outcome = metrics.OutcomeError
				s.logger.Error(ctx, "auth operation failed", "operation", op, "error", err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("auth.outcome", outcome))
		span.End()
		s.metrics.Operation(op, outcome)
	}
}

func invalidRefresh(cause error) error {
	return common.NewAuthError(msgInvalidRefresh).WithCause(cause)
}

func validate(in any) error {
	err := validation.Validate(in)
	if err == nil {
		return nil
	}
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return common.NewValidationError(msgInvalidInput, ve.Fields())
	}
	return common.NewValidationError(msgInvalidInput, nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
