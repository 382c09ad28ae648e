package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/dbx"
	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/auth"
	"github.com/dmitrijs2005/authcore/internal/server/metrics"
	"github.com/dmitrijs2005/authcore/internal/server/models"
	"github.com/dmitrijs2005/authcore/internal/server/repositories/repomanager"
)

// PasswordHasher hashes and verifies secrets. *password.Hasher implements it.
type PasswordHasher interface {
	Hash(ctx context.Context, secret string) (models.HashRecord, error)
	Verify(ctx context.Context, secret string, rec models.HashRecord) (bool, error)
	NeedsRehash(rec models.HashRecord) bool
}

// TokenCodec issues and verifies signed tokens. *auth.Codec implements it.
type TokenCodec interface {
	IssueAccess(subject string, roles ...string) (auth.IssuedToken, error)
	IssueRefresh(subject string) (auth.IssuedToken, error)
	VerifyAccess(token string) (*auth.AccessClaims, error)
	VerifyRefresh(token string) (*auth.RefreshClaims, error)
	ExpiresAt(token string, fallback time.Duration) time.Time
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

// Rotation is the refresh token that replaced a rotated one.
type Rotation struct {
	RawToken  string
	JTI       string
	ExpiresAt time.Time
}

// RefreshTokenStore keeps hashed refresh tokens and rotates them. Raw
// tokens are never persisted.
type RefreshTokenStore struct {
	db          dbx.DBTX
	tx          dbx.TxRunner
	repomanager repomanager.RepositoryManager
	hasher      PasswordHasher
	codec       TokenCodec
	logger      logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewRefreshTokenStore(db dbx.DBTX, tx dbx.TxRunner, m repomanager.RepositoryManager, hasher PasswordHasher,
	codec TokenCodec, logger logging.Logger, mt *metrics.Metrics) *RefreshTokenStore {
	return &RefreshTokenStore{
		db:          db,
		tx:          tx,
		repomanager: m,
		hasher:      hasher,
		codec:       codec,
		logger:      logger,
		metrics:     mt,
		now:         time.Now,
	}
}

// Create hashes rawToken and stores it as an active row.
func (s *RefreshTokenStore) Create(ctx context.Context, userID, rawToken, jti string, expiresAt time.Time, rotatedFrom *string) (*models.RefreshToken, error) {
	return s.create(ctx, s.db, userID, rawToken, jti, expiresAt, rotatedFrom)
}

// create is Create against db, which may be a transaction.
func (s *RefreshTokenStore) create(ctx context.Context, db dbx.DBTX, userID, rawToken, jti string, expiresAt time.Time, rotatedFrom *string) (*models.RefreshToken, error) {
	rec, err := s.hasher.Hash(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("hash refresh token: %w", err)
	}
	return s.insert(ctx, db, userID, jti, rec, expiresAt, rotatedFrom)
}

func (s *RefreshTokenStore) insert(ctx context.Context, db dbx.DBTX, userID, jti string, rec models.HashRecord, expiresAt time.Time, rotatedFrom *string) (*models.RefreshToken, error) {
	row, err := s.repomanager.RefreshTokens(db).Create(ctx, &models.RefreshToken{
		UserID:      userID,
		JTI:         jti,
		Token:       rec,
		ExpiresAt:   expiresAt,
		RotatedFrom: rotatedFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating refresh token: %w", err)
	}
	return row, nil
}

// FindByJTI returns common.ErrorNotFound when no row has jti.
func (s *RefreshTokenStore) FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	return s.repomanager.RefreshTokens(s.db).FindByJTI(ctx, jti)
}

// MarkRevoked revokes one row. It is a no-op for a row that is already revoked.
func (s *RefreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	return s.repomanager.RefreshTokens(s.db).MarkRevoked(ctx, id, s.now())
}

// RevokeAllForUser revokes every active row of userID.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.repomanager.RefreshTokens(s.db).RevokeAllForUser(ctx, userID, s.now())
}

// Rotate replaces stored with a freshly issued refresh token.
//
// It returns common.ErrRefreshTokenMismatch when providedRaw does not match
// the stored hash, and common.ErrRefreshTokenReused when stored was revoked
// by someone else first. At most one concurrent caller succeeds.
func (s *RefreshTokenStore) Rotate(ctx context.Context, stored *models.RefreshToken, providedRaw string) (*Rotation, error) {
	ok, err := s.hasher.Verify(ctx, providedRaw, stored.Token)
	if err != nil {
		return nil, fmt.Errorf("verify refresh token: %w", err)
	}
	if !ok {
		return nil, common.ErrRefreshTokenMismatch
	}

	if s.hasher.NeedsRehash(stored.Token) {
		s.rehash(ctx, stored, providedRaw)
	}

	issued, err := s.codec.IssueRefresh(stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	rec, err := s.hasher.Hash(ctx, issued.Token)
	if err != nil {
		return nil, fmt.Errorf("hash refresh token: %w", err)
	}

	parent := stored.JTI
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		revoked, err := s.repomanager.RefreshTokens(tx).RevokeIfActive(ctx, stored.ID, s.now())
		if err != nil {
			return err
		}
		if !revoked {
			return common.ErrRefreshTokenReused
		}
		_, err = s.insert(ctx, tx, stored.UserID, issued.JTI, rec, issued.ExpiresAt, &parent)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrRefreshTokenReused) {
			return nil, err
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.metrics.Revoked(metrics.ReasonRotated, 1)
	return &Rotation{RawToken: issued.Token, JTI: issued.JTI, ExpiresAt: issued.ExpiresAt}, nil
}

func (s *RefreshTokenStore) rehash(ctx context.Context, stored *models.RefreshToken, raw string) {
	rec, err := s.hasher.Hash(ctx, raw)
	if err == nil {
		err = s.repomanager.RefreshTokens(s.db).UpdateHash(ctx, stored.ID, rec)
	}
	if err != nil {
		s.logger.Warn(ctx, "refresh token rehash failed", "token_id", stored.ID, "error", err)
		return
	}
	s.metrics.Rehashed(string(stored.Token.Algorithm))
	stored.Token = rec
}
