package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/auth"
	"github.com/dmitrijs2005/authcore/internal/server/config"
	"github.com/dmitrijs2005/authcore/internal/server/metrics"
	"github.com/dmitrijs2005/authcore/internal/server/password"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "Secret123!"
)

type testEnv struct {
	svc    *AuthService
	store  *RefreshTokenStore
	users  *fakeUsersRepo
	tokens *fakeRefreshRepo
	tx     *fakeTxRunner
	codec  *auth.Codec
	hasher *password.Hasher
	reg    *prometheus.Registry

	mu    sync.Mutex
	slept []time.Duration
}

func testServerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Argon2Memory = 8 * 1024
	cfg.Argon2Time = 1
	cfg.BcryptCost = bcrypt.MinCost
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testServerConfig()
	for _, m := range mutate {
		m(cfg)
	}

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	logger := logging.NewNop()

	hasher, err := password.NewHasher(cfg.Password(), logger, mt)
	require.NoError(t, err)
	codec, err := auth.NewCodec(cfg.JWT())
	require.NoError(t, err)

	env := &testEnv{
		users:  newFakeUsersRepo(),
		tokens: newFakeRefreshRepo(),
		tx:     &fakeTxRunner{},
		codec:  codec,
		hasher: hasher,
		reg:    reg,
	}
	rm := &fakeRepoManager{u: env.users, r: env.tokens}
	env.store = NewRefreshTokenStore(nil, env.tx, rm, hasher, codec, logger, mt)
	env.svc = NewAuthService(nil, rm, env.store, hasher, codec, cfg, logger, mt, nil)
	env.svc.sleep = func(ctx context.Context, d time.Duration) error {
		env.mu.Lock()
		env.slept = append(env.slept, d)
		env.mu.Unlock()
		return ctx.Err()
	}
	return env
}

func (e *testEnv) register(t *testing.T) *AuthResult {
	t.Helper()
	res, err := e.svc.Register(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return res
}

func (e *testEnv) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := e.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func requireKind(t *testing.T, err error, kind common.Kind, msg string) *common.Error {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, common.KindOf(err), "error: %v", err)
	if kind == common.KindInternal {
		return nil
	}
	e, ok := common.AsError(err)
	require.True(t, ok)
	if msg != "" {
		require.Equal(t, msg, e.Message)
	}
	return e
}
