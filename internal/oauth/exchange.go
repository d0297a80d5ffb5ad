package oauth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"etsy-mcp/internal/token"
)

// ExchangeError is a failed call to the provider's token endpoint.
type ExchangeError struct {
	GrantType   string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("token exchange (%s) failed", e.GrantType)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	switch {
	case e.Code != "" && e.Description != "":
		msg += fmt.Sprintf(": %s: %s", e.Code, e.Description)
	case e.Code != "":
		msg += ": " + e.Code
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ExchangerConfig configures an Exchanger.
type ExchangerConfig struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	RedirectURL string
	Scopes      []string
	// HTTPClient is used for token endpoint calls. Defaults to a client with
	// a 30s timeout.
	HTTPClient *http.Client
}

// Exchanger talks to the provider's authorization and token endpoints. The
// marketplace is a public client: the API key is the client_id and no
// secret is sent.
type Exchanger struct {
	config *oauth2.Config
	client *http.Client
}

// NewExchanger returns an Exchanger for cfg.
func NewExchanger(cfg ExchangerConfig) *Exchanger {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Exchanger{
		config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		client: client,
	}
}

// AuthCodeURL builds the consent URL for one attempt.
func (e *Exchanger) AuthCodeURL(state, verifier string) string {
	return e.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code and its verifier for tokens.
func (e *Exchanger) Exchange(ctx context.Context, code, verifier string) (token.Grant, error) {
	tok, err := e.config.Exchange(e.withClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return token.Grant{}, newExchangeError("authorization_code", err)
	}
	return grantFromToken(tok), nil
}

// Refresh trades a refresh token for a new access token.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (token.Grant, error) {
	src := e.config.TokenSource(e.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return token.Grant{}, newExchangeError("refresh_token", err)
	}
	return grantFromToken(tok), nil
}

func (e *Exchanger) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.client)
}

func newExchangeError(grantType string, err error) error {
	exErr := &ExchangeError{GrantType: grantType, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			exErr.StatusCode = re.Response.StatusCode
		}
		exErr.Code = re.ErrorCode
		exErr.Description = re.ErrorDescription
	}
	return exErr
}

func grantFromToken(tok *oauth2.Token) token.Grant {
	return token.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
		UserID:       userID(tok),
	}
}

// expiresIn returns the reported lifetime in seconds, or 0 when unknown.
func expiresIn(tok *oauth2.Token) int64 {
	if v, ok := int64Extra(tok, "expires_in"); ok && v > 0 {
		return v
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	secs := int64(math.Round(time.Until(tok.Expiry).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

// userID returns the provider's user id: an explicit user_id field, else the
// numeric prefix of the access token ("<user_id>.<opaque>"), else the sub
// claim when the access token is a JWT.
func userID(tok *oauth2.Token) int64 {
	if v, ok := int64Extra(tok, "user_id"); ok {
		return v
	}
	if id, ok := UserIDFromAccessToken(tok.AccessToken); ok {
		return id
	}
	return userIDFromJWT(tok.AccessToken)
}

// UserIDFromAccessToken parses the leading dot-delimited numeric segment.
func UserIDFromAccessToken(accessToken string) (int64, bool) {
	prefix, _, found := strings.Cut(accessToken, ".")
	if !found || prefix == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func userIDFromJWT(accessToken string) int64 {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return 0
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func int64Extra(tok *oauth2.Token, key string) (int64, bool) {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
