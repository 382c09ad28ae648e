package services

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/dbx"
	"github.com/dmitrijs2005/authcore/internal/server/models"
	refreshtokensrepo "github.com/dmitrijs2005/authcore/internal/server/repositories/refreshtokens"
	usersrepo "github.com/dmitrijs2005/authcore/internal/server/repositories/users"
)

var errBoom = errors.New("boom")

type fakeUsersRepo struct {
	mu     sync.Mutex
	seq    int
	byID   map[string]*models.User
	byMail map[string]string

	getErr    error
	createErr error
	updateErr error
	updates   int
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{byID: map[string]*models.User{}, byMail: map[string]string{}}
}

func (f *fakeUsersRepo) Create(_ context.Context, u *models.User) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.byMail[u.Email]; ok {
		return nil, common.ErrorAlreadyExists
	}
	f.seq++
	now := time.Now()
	c := *u
	c.ID = "user-" + strconv.Itoa(f.seq)
	c.CreatedAt, c.UpdatedAt = now, now
	f.byID[c.ID] = &c
	f.byMail[c.Email] = c.ID
	out := c
	return &out, nil
}

func (f *fakeUsersRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	id, ok := f.byMail[email]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *f.byID[id]
	return &out, nil
}

func (f *fakeUsersRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *u
	return &out, nil
}

func (f *fakeUsersRepo) UpdatePassword(_ context.Context, id string, rec models.HashRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	u, ok := f.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.Password = rec
	u.UpdatedAt = time.Now()
	f.updates++
	return nil
}

func (f *fakeUsersRepo) password(id string) models.HashRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Password
}

func (f *fakeUsersRepo) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		delete(f.byMail, u.Email)
		delete(f.byID, id)
	}
}

type fakeRefreshRepo struct {
	mu    sync.Mutex
	seq   int
	rows  map[string]*models.RefreshToken
	byJTI map[string]string

	findErr      error
	createErr    error
	revokeAllErr error
	hashUpdates  int
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{rows: map[string]*models.RefreshToken{}, byJTI: map[string]string{}}
}

func (f *fakeRefreshRepo) Create(_ context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.byJTI[t.JTI]; ok {
		return nil, common.ErrorAlreadyExists
	}
	f.seq++
	c := *t
	c.ID = "rt-" + strconv.Itoa(f.seq)
	c.CreatedAt = time.Now()
	f.rows[c.ID] = &c
	f.byJTI[c.JTI] = c.ID
	out := c
	return &out, nil
}

func (f *fakeRefreshRepo) FindByJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	id, ok := f.byJTI[jti]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *f.rows[id]
	return &out, nil
}

func (f *fakeRefreshRepo) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	_, err := f.RevokeIfActive(ctx, id, at)
	return err
}

func (f *fakeRefreshRepo) RevokeIfActive(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.RevokedAt != nil {
		return false, nil
	}
	r.RevokedAt = &at
	return true, nil
}

func (f *fakeRefreshRepo) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeAllErr != nil {
		return 0, f.revokeAllErr
	}
	var n int64
	for _, r := range f.rows {
		if r.UserID == userID && r.RevokedAt == nil {
			r.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (f *fakeRefreshRepo) UpdateHash(_ context.Context, id string, rec models.HashRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	r.Token = rec
	f.hashUpdates++
	return nil
}

// insert stores a row as is, bypassing the store.
func (f *fakeRefreshRepo) insert(t models.RefreshToken) *models.RefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t.ID = "rt-" + strconv.Itoa(f.seq)
	f.rows[t.ID] = &t
	f.byJTI[t.JTI] = t.ID
	out := t
	return &out
}

func (f *fakeRefreshRepo) row(jti string) models.RefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[f.byJTI[jti]]
}

func (f *fakeRefreshRepo) snapshot() map[string]models.RefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.RefreshToken, len(f.rows))
	for id, r := range f.rows {
		out[id] = *r
	}
	return out
}

func (f *fakeRefreshRepo) active(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.UserID == userID && r.RevokedAt == nil {
			n++
		}
	}
	return n
}

type fakeRepoManager struct {
	u *fakeUsersRepo
	r *fakeRefreshRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error           { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) usersrepo.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokensrepo.Repository { return m.r }

// fakeTxRunner runs fn directly; the fake repos are atomic per call.
type fakeTxRunner struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (r *fakeTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return fn(ctx, nil)
}

// countingHasher records how much hashing work each call path does.
type countingHasher struct {
	PasswordHasher

	mu       sync.Mutex
	hashes   int
	verifies int
}

func (h *countingHasher) Hash(ctx context.Context, secret string) (models.HashRecord, error) {
	h.mu.Lock()
	h.hashes++
	h.mu.Unlock()
	return h.PasswordHasher.Hash(ctx, secret)
}

func (h *countingHasher) Verify(ctx context.Context, secret string, rec models.HashRecord) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.PasswordHasher.Verify(ctx, secret, rec)
}

func (h *countingHasher) counts() (hashes, verifies int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashes, h.verifies
}
