package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/media"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

// RegisteredLayout is how user_registered is rendered in responses.
const RegisteredLayout = "2006-01-02 15:04:05"

// DefaultProfilePictureKey is the meta key holding the profile picture URL.
const DefaultProfilePictureKey = "profile_picture"

// urlPattern is a permissive "already a hosted URL" check: optional scheme,
// optional user:pass@, host with a 2-3 letter TLD, optional port, path, query
// and fragment. It only decides whether a picture value needs decoding.
var urlPattern = regexp.MustCompile(`(?i)^((https?|ftp)://)?` +
	`([a-z0-9+!*(),;?&=$_.-]+(:[a-z0-9+!*(),;?&=$_.-]+)?@)?` +
	`([a-z0-9.-]*)\.([a-z]{2,3})` +
	`(:[0-9]{2,5})?` +
	`(/([a-z0-9+$_-]\.?)+)*/?` +
	`(\?[a-z+&$_.-][a-z0-9;:@&%=+/$_.-]*)?` +
	`(#[a-z_.-][a-z0-9+$_.-]*)?$`)

// ImageStore persists uploaded images. *media.FileStore implements it.
type ImageStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
	Remove(name string) error
	// Serves reports whether url already points into the store.
	Serves(url string) bool
}

// Credential authenticates a profile request: either a session token, or
// (legacy clients) a social access token with the external id it belongs to.
type Credential struct {
	Token       string
	Provider    string
	AccessToken string
	ExternalID  string
}

// ProfileService reads and updates account profiles.
type ProfileService struct {
	accounts   repository.AccountRepository
	providers  *auth.ProviderRegistry
	tokens     *auth.TokenService
	images     ImageStore
	pictureKey string
	logger     *slog.Logger

	now func() time.Time
}

func NewProfileService(
	accounts repository.AccountRepository,
	providers *auth.ProviderRegistry,
	tokens *auth.TokenService,
	images ImageStore,
	pictureKey string,
	logger *slog.Logger,
) *ProfileService {
	if pictureKey == "" {
		pictureKey = DefaultProfilePictureKey
	}
	return &ProfileService{
		accounts:   accounts,
		providers:  providers,
		tokens:     tokens,
		images:     images,
		pictureKey: pictureKey,
		logger:     logger,
		now:        time.Now,
	}
}

// GetAccount returns the formatted account id, provided cred resolves to it.
func (s *ProfileService) GetAccount(ctx context.Context, id int64, cred Credential) (*model.FormattedAccount, error) {
	if err := s.authorize(ctx, id, cred); err != nil {
		return nil, err
	}

	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound("account", strconv.FormatInt(id, 10))
		}
		return nil, s.storeError("getting account", err)
	}
	return FormatForResponse(acc), nil
}

func (s *ProfileService) authorize(ctx context.Context, id int64, cred Credential) error {
	if cred.Token != "" {
		if !s.tokens.VerifyFor(id, cred.Token) {
			return invalidSession()
		}
		return nil
	}

	if cred.Provider == "" {
		return invalidSession()
	}
	p, ok := s.providers.Get(cred.Provider)
	if !ok {
		return unsupportedProvider()
	}
	if cred.AccessToken == "" || cred.ExternalID == "" {
		return invalidSession()
	}
	if !p.VerifyToken(ctx, cred.AccessToken, cred.ExternalID) {
		return invalidSession()
	}

	acc, err := s.accounts.GetByIdentity(ctx, cred.Provider, cred.ExternalID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return invalidSession()
		}
		return s.storeError("looking up identity", err)
	}
	if acc.ID != id {
		return invalidSession()
	}
	return nil
}

// MergeUpdate applies a client payload to account id and returns the
// re-read, formatted account.
//
// PAYLOAD:
//
//	{"user_email": "...", "display_name": "...", "meta": {"city": "Berlin"}}
//
// Only user_email, user_url, user_nicename, display_name and nickname are
// applied from the top level; user_pass, user_login, ID and the rest are
// dropped. Every meta key is overwritten as a whole. A profile picture sent
// as a data URI is stored as an image and replaced by its URL.
//
// Core fields and meta are written in one transaction. If it fails, the
// image written for this request is removed again.
func (s *ProfileService) MergeUpdate(ctx context.Context, id int64, payload map[string]any) (*model.FormattedAccount, error) {
	existing, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// the session was valid, so the account vanished under it
			return nil, updateFailed()
		}
		return nil, s.storeError("getting account", err)
	}

	changes, meta, err := splitPayload(payload)
	if err != nil {
		return nil, err
	}

	if changes.Email != nil {
		email := NormalizeEmail(*changes.Email)
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		changes.Email = &email

		if !strings.EqualFold(email, existing.Email) {
			owner, err := s.accounts.GetByEmail(ctx, email)
			switch {
			case err == nil && owner.ID != id:
				return nil, emailTaken()
			case err != nil && !errors.Is(err, apperror.ErrNotFound):
				return nil, s.storeError("looking up email", err)
			}
		}
	}

	var imageName string
	if pic := meta[s.pictureKey]; pic != "" && !s.isHostedURL(pic) {
		mime, data, err := media.DecodeDataURI(pic)
		if err != nil {
			return nil, apperror.ValidationFailed("meta."+s.pictureKey, "profile picture must be a URL or a base64 data URI")
		}
		imageName = fmt.Sprintf("profile_pics/user_%d_%d_%s.%s", id, s.now().Unix(), xid.New(), media.Extension(mime))
		url, err := s.images.Save(ctx, imageName, data)
		if err != nil {
			s.logger.Error("saving profile picture failed",
				slog.Int64("accountID", id),
				slog.String("error", err.Error()),
			)
			return nil, updateFailed()
		}
		meta[s.pictureKey] = url
	}

	if err := s.accounts.UpdateProfile(ctx, id, changes, meta); err != nil {
		if imageName != "" {
			if rmErr := s.images.Remove(imageName); rmErr != nil {
				s.logger.Warn("removing orphaned profile picture failed",
					slog.String("name", imageName),
					slog.String("error", rmErr.Error()),
				)
			}
		}
		if errors.Is(err, apperror.ErrConflict) {
			return nil, emailTaken()
		}
		s.logger.Error("updating account failed",
			slog.Int64("accountID", id),
			slog.String("error", err.Error()),
		)
		return nil, updateFailed()
	}

	updated, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError("re-reading account", err)
	}

	s.logger.Info("account updated",
		slog.Int64("accountID", id),
		slog.Int("metaKeys", len(meta)),
	)
	return FormatForResponse(updated), nil
}

func (s *ProfileService) isHostedURL(v string) bool {
	return s.images.Serves(v) || urlPattern.MatchString(v)
}

func (s *ProfileService) storeError(op string, err error) error {
	s.logger.Error("account store failure", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Internal(apperror.CodeInternalStoreError, "the account store is unavailable")
}

// splitPayload separates the allow-listed core fields from meta.
func splitPayload(payload map[string]any) (model.ProfileChanges, map[string]string, error) {
	var changes model.ProfileChanges
	meta := make(map[string]string)

	for key, raw := range payload {
		var target **string
		switch key {
		case "meta":
			if raw == nil {
				continue
			}
			m, ok := raw.(map[string]any)
			if !ok {
				return changes, nil, apperror.ValidationFailed("meta", "meta must be an object")
			}
			for k, v := range m {
				if k == model.MetaSessionTokens {
					continue
				}
				meta[k] = MetaString(v)
			}
			continue
		case "user_email":
			target = &changes.Email
		case "user_url":
			target = &changes.URL
		case "user_nicename":
			target = &changes.Nicename
		case "display_name":
			target = &changes.DisplayName
		case "nickname":
			target = &changes.Nickname
		default:
			// user_pass, user_login, ID, user_registered, ...
			continue
		}

		switch raw.(type) {
		case map[string]any, []any:
			return changes, nil, apperror.ValidationFailed(key, key+" must be a string")
		}
		v := MetaString(raw)
		*target = &v
	}
	return changes, meta, nil
}

// MetaString renders a decoded JSON value as a stored meta value: strings
// verbatim, numbers in their shortest form, true as "1", false and null as "",
// objects and arrays as JSON.
func MetaString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return ""
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// FormatForResponse converts an account to its response shape.
func FormatForResponse(acc *model.Account) *model.FormattedAccount {
	f := &model.FormattedAccount{
		ID:          acc.ID,
		Login:       acc.Login,
		Email:       acc.Email,
		Nicename:    acc.Nicename,
		URL:         acc.URL,
		DisplayName: acc.DisplayName,
		Nickname:    acc.Nickname,
		Meta:        make(map[string]any, len(acc.Meta)),
	}
	if !acc.Registered.IsZero() {
		f.Registered = acc.Registered.UTC().Format(RegisteredLayout)
	}
	for k, v := range acc.Meta {
		if k == model.MetaSessionTokens {
			continue
		}
		f.Meta[k] = v
	}
	if len(acc.ExternalIdentities) > 0 {
		f.ExternalIdentities = make(map[string]string, len(acc.ExternalIdentities))
		for p, ext := range acc.ExternalIdentities {
			f.ExternalIdentities[p] = ext
		}
	}
	return Coerce(f)
}

// Coerce turns non-empty, well-formed postcode strings into integers. Other
// values, including already-coerced ones, are left as they are, so Coerce is
// idempotent.
func Coerce(f *model.FormattedAccount) *model.FormattedAccount {
	for _, key := range []string{model.MetaBillingPostcode, model.MetaShippingPostcode} {
		s, ok := f.Meta[key].(string)
		if !ok || s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			f.Meta[key] = n
		}
	}
	return f
}

func invalidSession() error {
	return apperror.Authentication(apperror.CodeInvalidSession, "the provided credentials are invalid for that user")
}

func emailTaken() error {
	return apperror.New(apperror.ErrConflict, apperror.CodeEmailTaken, "this email is already taken by another user")
}

func updateFailed() error {
	return apperror.Internal(apperror.CodeUpdateFailed, "could not update the user data")
}
