package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/auth"
	"github.com/dmitrijs2005/authcore/internal/server/config"
	"github.com/dmitrijs2005/authcore/internal/server/models"
	"github.com/dmitrijs2005/authcore/internal/server/password"
)

func TestRegister_ThenCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.register(t)
	require.NotNil(t, res.User)
	assert.Equal(t, testEmail, res.User.Email)
	assert.Equal(t, models.AlgorithmArgon2id, res.User.Password.Algorithm)
	assert.NotContains(t, res.User.Password.Value, testPassword)

	claims, err := env.codec.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)
	assert.Equal(t, claims.ExpiresAt, res.Tokens.AccessTokenExpiresAt)

	rclaims, err := env.codec.VerifyRefresh(res.Tokens.RefreshToken)
	require.NoError(t, err)
	row := env.tokens.row(rclaims.JTI)
	assert.Equal(t, res.User.ID, row.UserID)
	assert.Nil(t, row.RotatedFrom)
	assert.True(t, row.Active())
	assert.NotEqual(t, res.Tokens.RefreshToken, row.Token.Value, "raw refresh token must not be stored")
	assert.True(t, row.ExpiresAt.Equal(res.Tokens.RefreshTokenExpiresAt))

	userID, err := env.svc.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	me, err := env.svc.CurrentUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, me.ID)
	assert.Equal(t, testEmail, me.Email)

	assert.Equal(t, 1.0, env.counter(t, "authcore_auth_operations_total", map[string]string{"operation": OpRegister, "outcome": "ok"}))
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Register(context.Background(), "not-an-email", "short")
	e := requireKind(t, err, common.KindValidation, "invalid input")
	assert.Contains(t, e.Details, "email")
	assert.Contains(t, e.Details, "password")
	assert.Empty(t, env.users.byID)
	assert.Equal(t, 1.0, env.counter(t, "authcore_auth_operations_total", map[string]string{"operation": OpRegister, "outcome": "rejected"}))
}

func TestRegister_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	_, err := env.svc.Register(context.Background(), testEmail, "Another123!")
	requireKind(t, err, common.KindConflict, "email already registered")
}

func TestRegister_DuplicateOnInsert(t *testing.T) {
	env := newTestEnv(t)
	env.users.createErr = common.ErrorAlreadyExists

	_, err := env.svc.Register(context.Background(), testEmail, testPassword)
	requireKind(t, err, common.KindConflict, "email already registered")
}

func TestRegister_StoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.users.getErr = errBoom

	_, err := env.svc.Register(context.Background(), testEmail, testPassword)
	requireKind(t, err, common.KindInternal, "")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1.0, env.counter(t, "authcore_auth_operations_total", map[string]string{"operation": OpRegister, "outcome": "error"}))
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	res, err := env.svc.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)
	assert.NotEqual(t, reg.Tokens.RefreshToken, res.Tokens.RefreshToken)
	assert.Equal(t, 2, env.tokens.active(reg.User.ID), "each login opens a session")
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, env.slept)
}

func TestLogin_WrongPasswordLeavesHashUnchanged(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)
	before := env.users.password(reg.User.ID)

	_, err := env.svc.Login(context.Background(), testEmail, "Wrong123!")
	requireKind(t, err, common.KindAuth, "invalid email or password")

	assert.Equal(t, before, env.users.password(reg.User.ID))
	assert.Zero(t, env.users.updates)
	assert.Equal(t, 1, env.tokens.active(reg.User.ID))
}

func TestLogin_UnknownEmailLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Login(context.Background(), "ghost@example.com", testPassword)
	requireKind(t, err, common.KindAuth, "invalid email or password")
	assert.Len(t, env.slept, 1, "the delay applies to unknown users too")
}

func TestLogin_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Login(context.Background(), "nope", "")
	requireKind(t, err, common.KindValidation, "invalid input")
	assert.Empty(t, env.slept)
}

func TestLogin_CanceledDuringDelay(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)
	env.svc.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.svc.Login(ctx, testEmail, testPassword)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogin_RehashesWeakerHash(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Argon2Time = 2 })
	ctx := context.Background()

	weakCfg := testServerConfig().Password()
	weak, err := password.NewHasher(weakCfg, logging.NewNop(), nil)
	require.NoError(t, err)
	rec, err := weak.Hash(ctx, testPassword)
	require.NoError(t, err)
	u, err := env.users.Create(ctx, &models.User{Email: testEmail, Password: rec})
	require.NoError(t, err)

	_, err = env.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	got := env.users.password(u.ID)
	assert.Equal(t, uint32(2), got.Params.TimeCost)
	assert.False(t, env.hasher.NeedsRehash(got))
	assert.Equal(t, 1.0, env.counter(t, "authcore_password_rehash_total", map[string]string{"algorithm": "argon2id"}))

	_, err = env.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	assert.Equal(t, 1, env.users.updates, "a current hash is left alone")
}

func TestLogin_RehashFailureDoesNotFailLogin(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Argon2Time = 2 })
	ctx := context.Background()

	weak, err := password.NewHasher(testServerConfig().Password(), logging.NewNop(), nil)
	require.NoError(t, err)
	rec, err := weak.Hash(ctx, testPassword)
	require.NoError(t, err)
	_, err = env.users.Create(ctx, &models.User{Email: testEmail, Password: rec})
	require.NoError(t, err)
	env.users.updateErr = errBoom

	_, err = env.svc.Login(ctx, testEmail, testPassword)
	assert.NoError(t, err)
}

func TestRefresh_Rotates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t)

	res, err := env.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)
	assert.NotEqual(t, reg.Tokens.RefreshToken, res.Tokens.RefreshToken)

	oldClaims, _ := env.codec.VerifyRefresh(reg.Tokens.RefreshToken)
	newClaims, err := env.codec.VerifyRefresh(res.Tokens.RefreshToken)
	require.NoError(t, err)

	old := env.tokens.row(oldClaims.JTI)
	assert.NotNil(t, old.RevokedAt, "rotated row must be revoked")
	next := env.tokens.row(newClaims.JTI)
	require.NotNil(t, next.RotatedFrom)
	assert.Equal(t, oldClaims.JTI, *next.RotatedFrom)
	assert.True(t, next.Active())
	assert.Equal(t, 1, env.tokens.active(reg.User.ID))
	assert.Equal(t, 1.0, env.counter(t, "authcore_tokens_revoked_total", map[string]string{"reason": "rotated"}))
}

func TestRefresh_ReuseBurnsFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t)

	second, err := env.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
	assert.ErrorIs(t, err, common.ErrRefreshTokenReused)
	assert.Equal(t, 0, env.tokens.active(reg.User.ID))
	assert.Equal(t, 1.0, env.counter(t, "authcore_refresh_reuse_detected_total", nil))

	_, err = env.svc.Refresh(ctx, second.Tokens.RefreshToken)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
}

func TestRefresh_ConcurrentRotationHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if common.KindOf(err) == common.KindAuth {
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejected)
}

func TestRefresh_ForeignSignedTokenDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)
	before := env.tokens.snapshot()

	cfg := testServerConfig().JWT()
	cfg.RefreshSecret = "someone-elses-secret"
	foreign, err := auth.NewCodec(cfg)
	require.NoError(t, err)
	tok, err := foreign.IssueRefresh(reg.User.ID)
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), tok.Token)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
	assert.ErrorIs(t, err, common.ErrInvalidToken)
	assert.Equal(t, before, env.tokens.snapshot())
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	_, err := env.svc.Refresh(context.Background(), reg.Tokens.AccessToken)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
}

func TestRefresh_UnknownJTI(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.codec.IssueRefresh("user-1")
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), tok.Token)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
}

func TestRefresh_SubjectMismatchRevokesRowOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t)

	tok, err := env.codec.IssueRefresh("someone-else")
	require.NoError(t, err)
	rec, err := env.hasher.Hash(ctx, tok.Token)
	require.NoError(t, err)
	env.tokens.insert(models.RefreshToken{UserID: reg.User.ID, JTI: tok.JTI, Token: rec, ExpiresAt: tok.ExpiresAt})

	_, err = env.svc.Refresh(ctx, tok.Token)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
	assert.ErrorIs(t, err, common.ErrRefreshTokenMismatch)
	assert.Equal(t, 0, env.tokens.active(reg.User.ID))
}

func TestRefresh_ExpiredRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t)

	tok, err := env.codec.IssueRefresh(reg.User.ID)
	require.NoError(t, err)
	rec, err := env.hasher.Hash(ctx, tok.Token)
	require.NoError(t, err)
	env.tokens.insert(models.RefreshToken{UserID: reg.User.ID, JTI: tok.JTI, Token: rec, ExpiresAt: time.Now().Add(-time.Minute)})

	_, err = env.svc.Refresh(ctx, tok.Token)
	requireKind(t, err, common.KindAuth, "refresh token expired")
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
	assert.NotNil(t, env.tokens.row(tok.JTI).RevokedAt)
	assert.Equal(t, 1, env.tokens.active(reg.User.ID), "other sessions survive expiry")
}

func TestRefresh_HashMismatchRevokesAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := env.register(t)

	tok, err := env.codec.IssueRefresh(reg.User.ID)
	require.NoError(t, err)
	rec, err := env.hasher.Hash(ctx, "a-different-token")
	require.NoError(t, err)
	env.tokens.insert(models.RefreshToken{UserID: reg.User.ID, JTI: tok.JTI, Token: rec, ExpiresAt: tok.ExpiresAt})

	_, err = env.svc.Refresh(ctx, tok.Token)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
	assert.ErrorIs(t, err, common.ErrRefreshTokenMismatch)
	assert.Equal(t, 0, env.tokens.active(reg.User.ID))
}

func TestRefresh_DeletedUser(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)
	env.users.remove(reg.User.ID)

	_, err := env.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, common.KindAuth, "invalid refresh token")
}

func TestRefresh_StoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)
	env.tokens.findErr = errBoom

	_, err := env.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, common.KindInternal, "")
	assert.ErrorIs(t, err, errBoom)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes the session and is idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)
		other, err := env.svc.Login(ctx, testEmail, testPassword)
		require.NoError(t, err)

		require.NoError(t, env.svc.Logout(ctx, reg.Tokens.RefreshToken))
		assert.Equal(t, 1, env.tokens.active(reg.User.ID), "only the presented session ends")

		require.NoError(t, env.svc.Logout(ctx, reg.Tokens.RefreshToken))
		assert.Equal(t, 0, env.tokens.active(reg.User.ID), "a repeated logout ends every session")

		_, err = env.svc.Refresh(ctx, other.Tokens.RefreshToken)
		requireKind(t, err, common.KindAuth, "invalid refresh token")
	})

	t.Run("unknown row succeeds", func(t *testing.T) {
		env := newTestEnv(t)
		tok, err := env.codec.IssueRefresh("user-1")
		require.NoError(t, err)
		assert.NoError(t, env.svc.Logout(ctx, tok.Token))
	})

	t.Run("invalid token", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.Logout(ctx, "garbage-token")
		requireKind(t, err, common.KindAuth, "invalid refresh token")
	})

	t.Run("subject mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)
		tok, err := env.codec.IssueRefresh("someone-else")
		require.NoError(t, err)
		rec, err := env.hasher.Hash(ctx, tok.Token)
		require.NoError(t, err)
		env.tokens.insert(models.RefreshToken{UserID: reg.User.ID, JTI: tok.JTI, Token: rec, ExpiresAt: tok.ExpiresAt})

		err = env.svc.Logout(ctx, tok.Token)
		requireKind(t, err, common.KindAuth, "invalid refresh token")
		assert.Equal(t, 0, env.tokens.active(reg.User.ID))
	})

	t.Run("hash mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)
		tok, err := env.codec.IssueRefresh(reg.User.ID)
		require.NoError(t, err)
		rec, err := env.hasher.Hash(ctx, "something-else")
		require.NoError(t, err)
		env.tokens.insert(models.RefreshToken{UserID: reg.User.ID, JTI: tok.JTI, Token: rec, ExpiresAt: tok.ExpiresAt})

		err = env.svc.Logout(ctx, tok.Token)
		requireKind(t, err, common.KindAuth, "invalid refresh token")
		assert.Equal(t, 0, env.tokens.active(reg.User.ID))
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the hash and revokes sessions", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)

		require.NoError(t, env.svc.ChangePassword(ctx, reg.User.ID, testPassword, "Another456!"))
		assert.Equal(t, 0, env.tokens.active(reg.User.ID))
		assert.Equal(t, 1.0, env.counter(t, "authcore_tokens_revoked_total", map[string]string{"reason": "password_change"}))

		_, err := env.svc.Login(ctx, testEmail, testPassword)
		requireKind(t, err, common.KindAuth, "invalid email or password")
		_, err = env.svc.Login(ctx, testEmail, "Another456!")
		assert.NoError(t, err)
	})

	t.Run("sessions kept when configured", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.RevokeSessionsOnPasswordChange = false })
		reg := env.register(t)

		require.NoError(t, env.svc.ChangePassword(ctx, reg.User.ID, testPassword, "Another456!"))
		assert.Equal(t, 1, env.tokens.active(reg.User.ID))
	})

	t.Run("wrong current password", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)
		before := env.users.password(reg.User.ID)

		err := env.svc.ChangePassword(ctx, reg.User.ID, "Wrong123!", "Another456!")
		requireKind(t, err, common.KindAuth, "current password is incorrect")
		assert.Equal(t, before, env.users.password(reg.User.ID))
		assert.Equal(t, 1, env.tokens.active(reg.User.ID))
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)

		err := env.svc.ChangePassword(ctx, reg.User.ID, testPassword, testPassword)
		e := requireKind(t, err, common.KindValidation, "invalid input")
		assert.Contains(t, e.Details, "newPassword")

		err = env.svc.ChangePassword(ctx, reg.User.ID, testPassword, "short")
		requireKind(t, err, common.KindValidation, "invalid input")
	})

	t.Run("missing user", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ChangePassword(ctx, "ghost", testPassword, "Another456!")
		requireKind(t, err, common.KindValidation, "user not found")
	})

	t.Run("update failure", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.register(t)
		env.users.updateErr = errBoom

		err := env.svc.ChangePassword(ctx, reg.User.ID, testPassword, "Another456!")
		requireKind(t, err, common.KindInternal, "")
		assert.Equal(t, 1, env.tokens.active(reg.User.ID))
	})
}

func TestCurrentUser_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CurrentUser(context.Background(), "ghost")
	requireKind(t, err, common.KindValidation, "user not found")
}

func TestVerifyAccess_RejectsRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	_, err := env.svc.VerifyAccess(reg.Tokens.RefreshToken)
	requireKind(t, err, common.KindAuth, "")
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestLogin_UnknownEmailDoesTheSameHashingWork(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)
	ch := &countingHasher{PasswordHasher: env.hasher}
	env.svc.hasher = ch
	ctx := context.Background()

	_, err := env.svc.Login(ctx, testEmail, "Wrong123!")
	requireKind(t, err, common.KindAuth, "invalid email or password")
	_, known := ch.counts()

	_, err = env.svc.Login(ctx, "ghost@example.com", "Wrong123!")
	requireKind(t, err, common.KindAuth, "invalid email or password")
	hashes, verifies := ch.counts()
	assert.Equal(t, known, verifies-known, "an unknown email must verify as often as a wrong password")
	assert.Equal(t, 1, hashes, "the decoy hash is produced once")

	_, err = env.svc.Login(ctx, "ghost2@example.com", "Wrong123!")
	requireKind(t, err, common.KindAuth, "invalid email or password")
	hashes, verifies = ch.counts()
	assert.Equal(t, 1, hashes)
	assert.Equal(t, 3*known, verifies)
}

func TestLogin_DecoyHashFailureStillRejects(t *testing.T) {
	env := newTestEnv(t)
	env.svc.hasher = failingHasher{PasswordHasher: env.hasher}

	_, err := env.svc.Login(context.Background(), "ghost@example.com", testPassword)
	requireKind(t, err, common.KindAuth, "invalid email or password")
}

type failingHasher struct{ PasswordHasher }

func (failingHasher) Hash(context.Context, string) (models.HashRecord, error) {
	return models.HashRecord{}, errBoom
}

func TestRefresh_ExpiriesMatchExpClaims(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	res, err := env.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)

	access, err := env.codec.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, access.ExpiresAt.Equal(res.Tokens.AccessTokenExpiresAt))

	refresh, err := env.codec.VerifyRefresh(res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, refresh.ExpiresAt.Equal(res.Tokens.RefreshTokenExpiresAt))
	assert.True(t, env.tokens.row(refresh.JTI).ExpiresAt.Equal(res.Tokens.RefreshTokenExpiresAt))
}

func TestLogout_RevokedTokenCountsAsReuse(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Logout(ctx, reg.Tokens.RefreshToken))
	assert.Zero(t, env.counter(t, "authcore_refresh_reuse_detected_total", nil))

	require.NoError(t, env.svc.Logout(ctx, reg.Tokens.RefreshToken))
	assert.Equal(t, 1.0, env.counter(t, "authcore_refresh_reuse_detected_total", nil))
}

func TestRegister_SessionFailureRunsInOneTx(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.createErr = errBoom

	_, err := env.svc.Register(context.Background(), testEmail, testPassword)
	requireKind(t, err, common.KindInternal, "")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, env.tx.calls)
}

func TestRegister_TxBeginFailure(t *testing.T) {
	env := newTestEnv(t)
	env.tx.err = errBoom

	_, err := env.svc.Register(context.Background(), testEmail, testPassword)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, env.users.byID, "no user is created outside the transaction")
}
