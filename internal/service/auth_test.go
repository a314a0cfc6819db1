package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/model"
)

// =========================================================================
// EMAIL REGISTER / LOGIN TESTS
// =========================================================================

func TestEmailRegisterThenLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.auth.EmailRegister(ctx, env.nonce(t, auth.ActionEmailRegister, "new@example.com"), "new@example.com", "s3cret")
	if err != nil {
		t.Fatalf("EmailRegister() error = %v", err)
	}
	if reg.AccountID <= 0 || reg.Token == "" {
		t.Fatalf("EmailRegister() session = %+v", reg)
	}

	login, err := env.auth.EmailLogin(ctx, env.nonce(t, auth.ActionEmailLogin, "new@example.com"), "new@example.com", "s3cret")
	if err != nil {
		t.Fatalf("EmailLogin() error = %v", err)
	}
	if login.AccountID != reg.AccountID {
		t.Errorf("EmailLogin() account = %d, want %d", login.AccountID, reg.AccountID)
	}
	if !env.tokens.VerifyFor(login.AccountID, login.Token) {
		t.Error("issued token does not verify for its account")
	}
}

func TestEmailRegister_StoresLoginEqualToEmail(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.auth.EmailRegister(context.Background(),
		env.nonce(t, auth.ActionEmailRegister, "Mixed@Example.com"), " Mixed@Example.com ", "pw")
	if err != nil {
		t.Fatalf("EmailRegister() error = %v", err)
	}

	acc, _ := env.repo.GetByID(context.Background(), s.AccountID)
	if acc.Login != "mixed@example.com" || acc.Email != "mixed@example.com" {
		t.Errorf("login/email = %q/%q, want the normalized email", acc.Login, acc.Email)
	}
	if acc.PasswordHash == "" || acc.PasswordHash == "pw" {
		t.Error("password was not hashed")
	}
	if len(acc.Meta) != 0 {
		t.Errorf("Meta = %v, want empty", acc.Meta)
	}
}

func TestEmailRegister_ExistingEmailNoMutation(t *testing.T) {
	env := newTestEnv(t)
	env.seedEmailAccount(t, "taken@example.com", "pw")
	before := env.repo.writeCount()

	_, err := env.auth.EmailRegister(context.Background(),
		env.nonce(t, auth.ActionEmailRegister, "taken@example.com"), "taken@example.com", "other")
	wantCode(t, err, apperror.CodeAlreadyExists)

	if env.repo.writeCount() != before {
		t.Error("EmailRegister() mutated the store for an existing email")
	}
}

func TestEmailRegister_RaceLostIsAlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	// The lookup misses but the create conflicts, as when a concurrent
	// registration wins between the two.
	env.repo.createErr = apperror.Conflict("account", "email", "race@example.com")

	_, err := env.auth.EmailRegister(context.Background(),
		env.nonce(t, auth.ActionEmailRegister, "race@example.com"), "race@example.com", "pw")
	wantCode(t, err, apperror.CodeAlreadyExists)
}

func TestEmailRegister_StoreFailureIsCreateFailed(t *testing.T) {
	env := newTestEnv(t)
	env.repo.createErr = errors.New("disk full")

	_, err := env.auth.EmailRegister(context.Background(),
		env.nonce(t, auth.ActionEmailRegister, "a@example.com"), "a@example.com", "pw")
	wantCode(t, err, apperror.CodeCreateFailed)
}

func TestEmailRegister_InvalidEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.EmailRegister(context.Background(),
		env.nonce(t, auth.ActionEmailRegister, "not-an-email"), "not-an-email", "pw")
	wantCode(t, err, apperror.CodeInvalidRequest)
}

func TestEmailNonceChecks(t *testing.T) {
	env := newTestEnv(t)
	env.seedEmailAccount(t, "a@example.com", "pw")
	ctx := context.Background()

	tests := []struct {
		name  string
		nonce func() string
		call  func(nonce string) error
	}{
		{
			name:  "missing nonce",
			nonce: func() string { return "" },
			call: func(n string) error {
				_, err := env.auth.EmailLogin(ctx, n, "a@example.com", "pw")
				return err
			},
		},
		{
			name:  "register nonce used for login",
			nonce: func() string { return env.nonce(t, auth.ActionEmailRegister, "a@example.com") },
			call: func(n string) error {
				_, err := env.auth.EmailLogin(ctx, n, "a@example.com", "pw")
				return err
			},
		},
		{
			name:  "nonce for another email",
			nonce: func() string { return env.nonce(t, auth.ActionEmailLogin, "b@example.com") },
			call: func(n string) error {
				_, err := env.auth.EmailLogin(ctx, n, "a@example.com", "pw")
				return err
			},
		},
		{
			name:  "login nonce used for register",
			nonce: func() string { return env.nonce(t, auth.ActionEmailLogin, "c@example.com") },
			call: func(n string) error {
				_, err := env.auth.EmailRegister(ctx, n, "c@example.com", "pw")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, tt.call(tt.nonce()), apperror.CodeNonceInvalid)
		})
	}
}

func TestEmailLogin_NonceIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.seedEmailAccount(t, "a@example.com", "pw")
	ctx := context.Background()
	nonce := env.nonce(t, auth.ActionEmailLogin, "a@example.com")

	if _, err := env.auth.EmailLogin(ctx, nonce, "a@example.com", "pw"); err != nil {
		t.Fatalf("first EmailLogin() error = %v", err)
	}
	_, err := env.auth.EmailLogin(ctx, nonce, "a@example.com", "pw")
	wantCode(t, err, apperror.CodeNonceInvalid)
}

func TestEmailLogin_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.seedEmailAccount(t, "a@example.com", "right")
	ctx := context.Background()

	_, err := env.auth.EmailLogin(ctx, env.nonce(t, auth.ActionEmailLogin, "nobody@example.com"), "nobody@example.com", "x")
	wantCode(t, err, apperror.CodeUserNotFound)

	_, err = env.auth.EmailLogin(ctx, env.nonce(t, auth.ActionEmailLogin, "a@example.com"), "a@example.com", "wrong")
	wantCode(t, err, apperror.CodeWrongPassword)
}

func TestEmailLogin_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getErr = errors.New("connection reset")

	_, err := env.auth.EmailLogin(context.Background(),
		env.nonce(t, auth.ActionEmailLogin, "a@example.com"), "a@example.com", "pw")
	wantCode(t, err, apperror.CodeInternalStoreError)
	if !errors.Is(err, apperror.ErrInternal) {
		t.Errorf("error kind = %v, want ErrInternal", err)
	}
}

// =========================================================================
// LoginOrRegister (email path) TESTS
// =========================================================================

func TestLoginOrRegister_EmailRegistersThenLogsIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	claim := Claim{Provider: ProviderEmail, Email: "u@example.com", Password: "pw"}

	first, err := env.auth.LoginOrRegister(ctx, claim)
	if err != nil {
		t.Fatalf("first LoginOrRegister() error = %v", err)
	}
	second, err := env.auth.LoginOrRegister(ctx, claim)
	if err != nil {
		t.Fatalf("second LoginOrRegister() error = %v", err)
	}
	if first.AccountID != second.AccountID {
		t.Errorf("account ids differ: %d vs %d", first.AccountID, second.AccountID)
	}

	claim.Password = "wrong"
	_, err = env.auth.LoginOrRegister(ctx, claim)
	wantCode(t, err, apperror.CodeInvalidCredentials)
}

func TestLoginOrRegister_SessionExpiry(t *testing.T) {
	env := newTestEnv(t)

	before := time.Now().Unix()
	s, err := env.auth.LoginOrRegister(context.Background(),
		Claim{Provider: ProviderEmail, Email: "u@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("LoginOrRegister() error = %v", err)
	}

	want := before + 1209600
	if s.ExpiresAt < want || s.ExpiresAt > want+2 {
		t.Errorf("ExpiresAt = %d, want ~%d (now + 14 days)", s.ExpiresAt, want)
	}
}

// =========================================================================
// SOCIAL LOGIN TESTS
// =========================================================================

func TestSocialLogin_CreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.add("tok", "555", "Weibo User")

	s, err := env.auth.SocialLogin(context.Background(), "weibo", "tok", "555")
	if err != nil {
		t.Fatalf("SocialLogin() error = %v", err)
	}

	acc, err := env.repo.GetByID(context.Background(), s.AccountID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if acc.Login != "555@weibo.com" {
		t.Errorf("Login = %q, want 555@weibo.com", acc.Login)
	}
	if acc.DisplayName != "Weibo User" || acc.Nickname != "Weibo User" {
		t.Errorf("display fields = %q/%q", acc.DisplayName, acc.Nickname)
	}
	if acc.ExternalIdentities["weibo"] != "555" {
		t.Errorf("ExternalIdentities = %v", acc.ExternalIdentities)
	}
}

func TestSocialLogin_IdempotentBinding(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.add("tok", "555", "Weibo User")
	ctx := context.Background()

	first, err := env.auth.SocialLogin(ctx, "weibo", "tok", "555")
	if err != nil {
		t.Fatalf("first SocialLogin() error = %v", err)
	}
	writes := env.repo.writeCount()

	second, err := env.auth.SocialLogin(ctx, "weibo", "tok", "555")
	if err != nil {
		t.Fatalf("second SocialLogin() error = %v", err)
	}

	if first.AccountID != second.AccountID {
		t.Errorf("account ids differ: %d vs %d", first.AccountID, second.AccountID)
	}
	if env.repo.writeCount() != writes {
		t.Error("second login wrote to the store")
	}
	if n := len(env.repo.accounts); n != 1 {
		t.Errorf("store holds %d accounts, want 1", n)
	}
}

func TestSocialLogin_AdoptsBareLegacyAccount(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.add("tok", "777", "Old User")
	existing := env.repo.seed(model.Account{Login: "777@weibo.com"})

	s, err := env.auth.SocialLogin(context.Background(), "weibo", "tok", "777")
	if err != nil {
		t.Fatalf("SocialLogin() error = %v", err)
	}
	if s.AccountID != existing.ID {
		t.Errorf("AccountID = %d, want existing %d", s.AccountID, existing.ID)
	}

	acc, _ := env.repo.GetByID(context.Background(), existing.ID)
	if acc.ExternalIdentities["weibo"] != "777" {
		t.Errorf("identity not linked: %v", acc.ExternalIdentities)
	}
}

func TestSocialLogin_SquattedSynthesizedLogin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.weibo.add("victim-tok", "555", "Victim")

	// someone registers the login a first weibo login for 555 would get
	squatter, err := env.auth.EmailRegister(ctx,
		env.nonce(t, auth.ActionEmailRegister, "555@weibo.com"), "555@weibo.com", "squatter-pass")
	if err != nil {
		t.Fatalf("EmailRegister() error = %v", err)
	}
	writes := env.repo.writeCount()

	_, err = env.auth.SocialLogin(ctx, "weibo", "victim-tok", "555")
	wantCode(t, err, apperror.CodeAlreadyExists)

	if env.repo.writeCount() != writes {
		t.Error("failed social login wrote to the store")
	}
	acc, _ := env.repo.GetByID(ctx, squatter.AccountID)
	if _, linked := acc.ExternalIdentities["weibo"]; linked {
		t.Errorf("weibo identity bound to the password account: %v", acc.ExternalIdentities)
	}
	if _, err := env.repo.GetByIdentity(ctx, "weibo", "555"); err == nil {
		t.Error("identity weibo/555 exists after the failed login")
	}
}

func TestSocialLogin_DoesNotAdoptAccountWithPassword(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.add("tok", "888", "Someone")
	hash, _ := env.passwords.Hash("pw")
	env.repo.seed(model.Account{Login: "888@weibo.com", PasswordHash: hash})

	_, err := env.auth.SocialLogin(context.Background(), "weibo", "tok", "888")
	wantCode(t, err, apperror.CodeAlreadyExists)
}

func TestSocialLogin_Failures(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		token      string
		externalID string
		wantCode   string
	}{
		{"unknown provider", "myspace", "tok", "1", apperror.CodeUnsupportedProvider},
		{"token of another user", "weibo", "tok", "2", apperror.CodeSocialVerificationFailed},
		{"unknown token", "weibo", "nope", "1", apperror.CodeSocialVerificationFailed},
		{"missing token", "weibo", "", "1", apperror.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.weibo.add("tok", "1", "One")

			_, err := env.auth.SocialLogin(context.Background(), tt.provider, tt.token, tt.externalID)
			wantCode(t, err, tt.wantCode)
			if env.repo.writeCount() != 0 {
				t.Error("a failed social login mutated the store")
			}
		})
	}
}

func TestSocialLogin_ProfileFetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.tokens["tok"] = "9" // token verifies, but no profile

	_, err := env.auth.SocialLogin(context.Background(), "weibo", "tok", "9")
	wantCode(t, err, apperror.CodeSocialVerificationFailed)
	if env.repo.writeCount() != 0 {
		t.Error("store mutated after a failed profile fetch")
	}
}

func TestSocialLogin_CreateConflict(t *testing.T) {
	env := newTestEnv(t)
	env.weibo.add("tok", "1", "One")
	env.repo.createErr = apperror.Conflict("account", "identity", "weibo:1")

	_, err := env.auth.SocialLogin(context.Background(), "weibo", "tok", "1")
	wantCode(t, err, apperror.CodeAlreadyExists)
}

// =========================================================================
// NONCE AND HELPER TESTS
// =========================================================================

func TestIssueNonce(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.auth.IssueNonce("  A@Example.com ", auth.ActionEmailLogin)
	if err != nil {
		t.Fatalf("IssueNonce() error = %v", err)
	}
	if res.Email != "a@example.com" || res.Action != auth.ActionEmailLogin || res.Nonce == "" {
		t.Errorf("IssueNonce() = %+v", res)
	}
	if !env.nonces.Verify(context.Background(), res.Nonce, auth.ActionEmailLogin, "a@example.com") {
		t.Error("issued nonce does not verify for its scope")
	}
}

func TestNicename(t *testing.T) {
	tests := map[string]string{
		"555@weibo.com":   "555-weibo-com",
		"a.b@example.com": "a-b-example-com",
		"--x__y--":        "x-y",
		"plain":           "plain",
	}
	for in, want := range tests {
		if got := Nicename(in); got != want {
			t.Errorf("Nicename(%q) = %q, want %q", in, got, want)
		}
	}
}
