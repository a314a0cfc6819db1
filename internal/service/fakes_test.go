package service

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/mail"
	"github.com/sakif/user-api/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

const testSecret = "test-secret-at-least-16-chars"

// fakeAccountRepo is an in-memory repository.AccountRepository that enforces
// the same uniqueness rules as the SQLite store. writes counts successful
// mutations so tests can assert "no store mutation".
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
	nextID   int64
	writes   int

	// set to a non-nil error to simulate a store failure
	createErr error
	updateErr error
	getErr    error
	keyErr    error
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[int64]*model.Account), nextID: 1}
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	c.Meta = make(map[string]string, len(a.Meta))
	for k, v := range a.Meta {
		c.Meta[k] = v
	}
	c.ExternalIdentities = make(map[string]string, len(a.ExternalIdentities))
	for k, v := range a.ExternalIdentities {
		c.ExternalIdentities[k] = v
	}
	return &c
}

func (f *fakeAccountRepo) find(match func(*model.Account) bool, label string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, a := range f.accounts {
		if match(a) {
			return cloneAccount(a), nil
		}
	}
	return nil, apperror.NotFound("account", label)
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return f.find(func(a *model.Account) bool { return a.ID == id }, strconv.FormatInt(id, 10))
}

func (f *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return f.find(func(a *model.Account) bool {
		return email != "" && strings.EqualFold(a.Email, email)
	}, email)
}

func (f *fakeAccountRepo) GetByLogin(ctx context.Context, login string) (*model.Account, error) {
	return f.find(func(a *model.Account) bool { return strings.EqualFold(a.Login, login) }, login)
}

func (f *fakeAccountRepo) GetByIdentity(ctx context.Context, provider, externalID string) (*model.Account, error) {
	return f.find(func(a *model.Account) bool { return a.ExternalIdentities[provider] == externalID }, externalID)
}

// conflictLocked must be called with f.mu held.
func (f *fakeAccountRepo) conflictLocked(skip int64, login, email string) error {
	for _, a := range f.accounts {
		if a.ID == skip {
			continue
		}
		if login != "" && strings.EqualFold(a.Login, login) {
			return apperror.Conflict("account", "login", login)
		}
		if email != "" && strings.EqualFold(a.Email, email) {
			return apperror.Conflict("account", "email", email)
		}
	}
	return nil
}

func (f *fakeAccountRepo) identityOwnerLocked(provider, externalID string) int64 {
	for _, a := range f.accounts {
		if a.ExternalIdentities[provider] == externalID {
			return a.ID
		}
	}
	return 0
}

func (f *fakeAccountRepo) insertLocked(acc model.NewAccount) (*model.Account, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if err := f.conflictLocked(0, acc.Login, acc.Email); err != nil {
		return nil, err
	}
	a := &model.Account{
		ID:                 f.nextID,
		Login:              acc.Login,
		Email:              acc.Email,
		PasswordHash:       acc.PasswordHash,
		DisplayName:        acc.DisplayName,
		Nickname:           acc.Nickname,
		Nicename:           acc.Nicename,
		Registered:         time.Now(),
		Meta:               map[string]string{},
		ExternalIdentities: map[string]string{},
	}
	for k, v := range acc.Meta {
		a.Meta[k] = v
	}
	f.nextID++
	return a, nil
}

func (f *fakeAccountRepo) Create(ctx context.Context, acc model.NewAccount) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.insertLocked(acc)
	if err != nil {
		return nil, err
	}
	f.accounts[a.ID] = a
	f.writes++
	return cloneAccount(a), nil
}

func (f *fakeAccountRepo) CreateWithIdentity(ctx context.Context, acc model.NewAccount, provider, externalID string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identityOwnerLocked(provider, externalID) != 0 {
		return nil, apperror.Conflict("account", "identity", provider+":"+externalID)
	}
	a, err := f.insertLocked(acc)
	if err != nil {
		return nil, err
	}
	a.ExternalIdentities[provider] = externalID
	f.accounts[a.ID] = a
	f.writes++
	return cloneAccount(a), nil
}

func (f *fakeAccountRepo) LinkIdentity(ctx context.Context, accountID int64, provider, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return apperror.NotFound("account", strconv.FormatInt(accountID, 10))
	}
	if owner := f.identityOwnerLocked(provider, externalID); owner != 0 && owner != accountID {
		return apperror.Conflict("account", "identity", provider+":"+externalID)
	}
	a.ExternalIdentities[provider] = externalID
	f.writes++
	return nil
}

func (f *fakeAccountRepo) UpdateProfile(ctx context.Context, id int64, changes model.ProfileChanges, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	a, ok := f.accounts[id]
	if !ok {
		return apperror.NotFound("account", strconv.FormatInt(id, 10))
	}
	if changes.Email != nil {
		if err := f.conflictLocked(id, "", *changes.Email); err != nil {
			return err
		}
		a.Email = *changes.Email
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&a.DisplayName, changes.DisplayName)
	set(&a.Nickname, changes.Nickname)
	set(&a.Nicename, changes.Nicename)
	set(&a.URL, changes.URL)
	for k, v := range meta {
		a.Meta[k] = v
	}
	f.writes++
	return nil
}

func (f *fakeAccountRepo) SetActivationKey(ctx context.Context, id int64, keyHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyErr != nil {
		return f.keyErr
	}
	a, ok := f.accounts[id]
	if !ok {
		return apperror.NotFound("account", strconv.FormatInt(id, 10))
	}
	a.ActivationKey = keyHash
	a.ActivationKeyAt = at
	f.writes++
	return nil
}

func (f *fakeAccountRepo) ResetPassword(ctx context.Context, id int64, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return apperror.NotFound("account", strconv.FormatInt(id, 10))
	}
	a.PasswordHash = passwordHash
	a.ActivationKey = ""
	a.ActivationKeyAt = time.Time{}
	f.writes++
	return nil
}

func (f *fakeAccountRepo) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// seed inserts an account directly, bypassing the write counter.
func (f *fakeAccountRepo) seed(a model.Account) *model.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = f.nextID
	f.nextID++
	if a.Meta == nil {
		a.Meta = map[string]string{}
	}
	if a.ExternalIdentities == nil {
		a.ExternalIdentities = map[string]string{}
	}
	f.accounts[a.ID] = &a
	return cloneAccount(&a)
}

// fakeProvider is an auth.Provider answering from fixed tables.
type fakeProvider struct {
	name     string
	tokens   map[string]string // access token → external id
	profiles map[string]string // external id → display name
	calls    int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, tokens: map[string]string{}, profiles: map[string]string{}}
}

func (p *fakeProvider) add(token, externalID, displayName string) {
	p.tokens[token] = externalID
	p.profiles[externalID] = displayName
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchProfile(ctx context.Context, accessToken, externalID string) (*model.ExternalProfile, error) {
	p.calls++
	if p.tokens[accessToken] != externalID {
		return nil, auth.ErrProfileNotFound
	}
	name, ok := p.profiles[externalID]
	if !ok {
		return nil, auth.ErrProfileNotFound
	}
	return &model.ExternalProfile{ExternalID: externalID, DisplayName: name}, nil
}

func (p *fakeProvider) VerifyToken(ctx context.Context, accessToken, claimedExternalID string) bool {
	p.calls++
	id, ok := p.tokens[accessToken]
	return ok && id == claimedExternalID
}

// fakeNonceStore records claimed keys in a map.
type fakeNonceStore struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (s *fakeNonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = map[string]bool{}
	}
	if s.claimed[key] {
		return false, nil
	}
	s.claimed[key] = true
	return true, nil
}

// fakeImageStore keeps saved images in memory.
type fakeImageStore struct {
	files   map[string][]byte
	removed []string
	saveErr error
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{files: map[string][]byte{}}
}

const fakeImageBase = "https://cdn.example.org/uploads/"

func (s *fakeImageStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.files[name] = data
	return fakeImageBase + name, nil
}

func (s *fakeImageStore) Remove(name string) error {
	delete(s.files, name)
	s.removed = append(s.removed, name)
	return nil
}

func (s *fakeImageStore) Serves(url string) bool {
	return strings.HasPrefix(url, fakeImageBase)
}

// fakeMailer records sent messages.
type fakeMailer struct {
	sent []mail.Message
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv bundles the services with their fakes.
type testEnv struct {
	repo      *fakeAccountRepo
	weibo     *fakeProvider
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	nonces    *auth.NonceService
	images    *fakeImageStore
	mailer    *fakeMailer

	auth    *AuthService
	profile *ProfileService
	reset   *PasswordResetService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService(testSecret, 1209600*time.Second)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	nonces, err := auth.NewNonceService(testSecret, time.Hour, &fakeNonceStore{}, discardLogger())
	if err != nil {
		t.Fatalf("NewNonceService() error = %v", err)
	}

	env := &testEnv{
		repo:      newFakeAccountRepo(),
		weibo:     newFakeProvider("weibo"),
		tokens:    tokens,
		passwords: auth.NewPasswordServiceForTest(4), // bcrypt.MinCost keeps tests fast
		nonces:    nonces,
		images:    newFakeImageStore(),
		mailer:    &fakeMailer{},
	}
	registry := auth.NewProviderRegistry(env.weibo)
	logger := discardLogger()

	env.auth = NewAuthService(env.repo, registry, tokens, env.passwords, nonces, logger)
	env.profile = NewProfileService(env.repo, registry, tokens, env.images, "", logger)
	env.reset = NewPasswordResetService(env.repo, env.passwords, env.mailer, ResetOptions{
		SiteName: "mima",
		ResetURL: "https://mima.example/password/change",
		KeyTTL:   24 * time.Hour,
	}, logger)
	return env
}

// nonce issues a nonce for action and email through the service.
func (e *testEnv) nonce(t *testing.T, action, email string) string {
	t.Helper()
	res, err := e.auth.IssueNonce(email, action)
	if err != nil {
		t.Fatalf("IssueNonce() error = %v", err)
	}
	return res.Nonce
}

// seedEmailAccount stores an email account with the given password.
func (e *testEnv) seedEmailAccount(t *testing.T, email, password string) *model.Account {
	t.Helper()
	hash, err := e.passwords.Hash(password)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	return e.repo.seed(model.Account{Login: email, Email: email, PasswordHash: hash})
}

// wantCode fails the test unless err carries code.
func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want code %q", code)
	}
	if got := apperror.CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}
