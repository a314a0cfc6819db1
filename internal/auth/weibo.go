package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/user-api/internal/model"
)

// ProviderWeibo is the registry name of the Weibo provider.
const ProviderWeibo = "weibo"

// weiboUser is the portion of the users/show response we care about.
// Weibo returns ids both as a JSON number ("id") and a string ("idstr").
//
// API docs: https://open.weibo.com/wiki/2/users/show
type weiboUser struct {
	ID         json.Number `json:"id"`
	IDStr      string      `json:"idstr"`
	ScreenName string      `json:"screen_name"`
	ErrorCode  int         `json:"error_code"`
}

// weiboUID is the account/get_uid response.
type weiboUID struct {
	UID       json.Number `json:"uid"`
	ErrorCode int         `json:"error_code"`
}

// WeiboProvider talks to the Weibo open API with a client-supplied access
// token. It never exchanges codes; mobile clients already hold a token.
//
// HOW THE TOKEN IS SENT:
// golang.org/x/oauth2 wraps the HTTP client so every request carries
// "Authorization: OAuth2 <token>" (Weibo's scheme). The token is also sent as
// the access_token query parameter, which older Weibo endpoints require.
type WeiboProvider struct {
	baseURL string
	appKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewWeiboProvider creates the adapter. appKey is optional and sent as the
// "source" parameter. Every call is bounded by timeout.
func NewWeiboProvider(baseURL, appKey string, timeout time.Duration, logger *slog.Logger) *WeiboProvider {
	return &WeiboProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		appKey:  appKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *WeiboProvider) Name() string { return ProviderWeibo }

// FetchProfile calls users/show.json?uid=<externalID>.
func (p *WeiboProvider) FetchProfile(ctx context.Context, accessToken, externalID string) (*model.ExternalProfile, error) {
	if accessToken == "" || externalID == "" {
		return nil, ErrProfileNotFound
	}

	var u weiboUser
	if err := p.get(ctx, accessToken, "/users/show.json", url.Values{"uid": {externalID}}, &u); err != nil {
		p.logger.Warn("weibo profile fetch failed",
			slog.String("uid", externalID),
			slog.String("error", err.Error()),
		)
		return nil, ErrProfileNotFound
	}

	id := u.IDStr
	if id == "" {
		id = u.ID.String()
	}
	if u.ErrorCode != 0 || id == "" || id != externalID {
		return nil, ErrProfileNotFound
	}

	return &model.ExternalProfile{
		ExternalID:  id,
		DisplayName: u.ScreenName,
	}, nil
}

// VerifyToken calls account/get_uid.json and compares the uid to the claim.
func (p *WeiboProvider) VerifyToken(ctx context.Context, accessToken, claimedExternalID string) bool {
	if accessToken == "" || claimedExternalID == "" {
		return false
	}

	var u weiboUID
	if err := p.get(ctx, accessToken, "/account/get_uid.json", url.Values{}, &u); err != nil {
		p.logger.Warn("weibo token verification failed", slog.String("error", err.Error()))
		return false
	}
	return u.ErrorCode == 0 && u.UID.String() != "" && u.UID.String() == claimedExternalID
}

// get performs one bounded GET and decodes a 200 JSON body into out.
func (p *WeiboProvider) get(ctx context.Context, accessToken, path string, params url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params.Set("access_token", accessToken)
	if p.appKey != "" {
		params.Set("source", p.appKey)
	}

	// oauth2.NewClient picks up our timeout-bounded client from the context
	// and wraps its transport with the static token.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "OAuth2",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
