// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	xoauth2 "golang.org/x/oauth2"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/credentials"
	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/device"
	"github.com/tasklane/identity/pkg/authserver/keys"
	"github.com/tasklane/identity/pkg/authserver/ratelimit"
	"github.com/tasklane/identity/pkg/authserver/registration"
	"github.com/tasklane/identity/pkg/authserver/storage"
	"github.com/tasklane/identity/pkg/authserver/tenancy"
)

const (
	testUserEmail    = "ada@tasklane.dev"
	testUserPassword = "correct-horse-battery"
	cliClientID      = "tasklane-cli"
	webClientID      = "tasklane-web"
	webClientSecret  = "web-secret-0123456789abcdef012345"
	cliRedirectURI   = "http://127.0.0.1:7777/callback"
)

var requestIDPattern = regexp.MustCompile(`name="request_id" value="([^"]+)"`)

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	store   *storage.MemoryStorage
	client  *http.Client
	tenants *tenancy.Service
	userID  string
	orgA    string
	orgB    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	masterKey := make([]byte, crypto.MasterKeySize)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(masterKey)
	require.NoError(t, err)

	cfg := &authserver.Config{
		Issuer:     "https://id.tasklane.dev",
		HMACSecret: "0123456789abcdef0123456789abcdef",
		MasterKey:  base64.StdEncoding.EncodeToString(masterKey),
		Capabilities: authserver.Capabilities{
			DeviceGrant:         true,
			DynamicRegistration: true,
		},
		DeviceClients: []string{cliClientID},
	}
	cfg.ApplyDefaults()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keyManager := keys.NewManager(store, sealer, keys.WithKeySize(1024), keys.WithManagerLogger(logger))
	require.NoError(t, keyManager.Initialize(ctx))

	oauth2Config := authserver.NewOAuth2Config(cfg, keyManager)
	provider, coreStrategy := authserver.NewProvider(oauth2Config, store)

	verifier := credentials.NewVerifier(
		credentials.WithArgon2Time(1),
		credentials.WithArgon2Memory(8*1024),
		credentials.WithArgon2Threads(1),
	)
	resolver := tenancy.NewResolver(store, logger)
	tenants := tenancy.NewService(store, logger)
	_, err = tenants.EnsureDefaultOrganization(ctx, "Tasklane", "tasklane")
	require.NoError(t, err)

	registry := registration.NewRegistry(store, logger)
	require.NoError(t, registry.SeedStatic(ctx, []registration.StaticClient{
		{
			ID:           webClientID,
			Name:         "Tasklane Web",
			Secret:       webClientSecret,
			RedirectURIs: []string{"https://app.tasklane.dev/callback"},
			Trusted:      true,
		},
		{
			ID:           cliClientID,
			Name:         "Tasklane CLI",
			Public:       true,
			Trusted:      true,
			RedirectURIs: []string{"http://127.0.0.1/callback"},
		},
	}))

	idTokens := authserver.NewIDTokenSigner(cfg.Issuer, keyManager)
	deviceIssuer := authserver.NewDeviceTokenIssuer(coreStrategy, store, resolver, idTokens, cfg)
	deviceSvc := device.NewService(store, deviceIssuer, cfg.Issuer+"/device", cfg.DeviceClients,
		device.WithLogger(logger), device.WithPollInterval(0))

	h := &harness{t: t, store: store, tenants: tenants}
	h.seedUser(ctx, verifier)

	handler := NewHandler(Deps{
		Config:   cfg,
		Provider: provider,
		Storage:  store,
		Keys:     keyManager,
		Verifier: verifier,
		Resolver: resolver,
		Tenants:  tenants,
		Registry: registry,
		IDTokens: idTokens,
		Limiter:  ratelimit.NewLimiter(store, logger),
		Device:   deviceSvc,
		Logger:   logger,
	})

	h.srv = httptest.NewServer(handler.Routes())
	t.Cleanup(h.srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

func (h *harness) seedUser(ctx context.Context, verifier *credentials.Verifier) {
	hash, scheme, err := verifier.Hash(testUserPassword)
	require.NoError(h.t, err)

	h.userID = uuid.NewString()
	require.NoError(h.t, h.store.CreateUser(ctx, &storage.User{
		ID:            h.userID,
		Email:         testUserEmail,
		EmailVerified: true,
		Name:          "Ada Lovelace",
		PasswordHash:  hash,
		HashScheme:    scheme,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}))

	h.orgA = uuid.NewString()
	h.orgB = uuid.NewString()
	for i, orgID := range []string{h.orgA, h.orgB} {
		require.NoError(h.t, h.store.CreateOrganization(ctx, &storage.Organization{
			ID:        orgID,
			Name:      fmt.Sprintf("Org %d", i),
			Slug:      fmt.Sprintf("org-%d-%s", i, orgID[:8]),
			CreatedAt: time.Now(),
		}))
		require.NoError(h.t, h.store.AddMembership(ctx, &storage.Membership{
			OrganizationID: orgID,
			UserID:         h.userID,
			Role:           storage.RoleOwner,
			CreatedAt:      time.Now(),
		}))
	}
}

// startAuthorize issues the GET /oauth2/authorize request and returns
// the pending request ID scraped from the login page.
func (h *harness) startAuthorize(clientID, redirectURI, challenge string) string {
	h.t.Helper()

	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {"state-xyz"},
		"scope":                 {"openid profile email"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {"nonce-123"},
	}
	resp, err := h.client.Get(h.srv.URL + "/oauth2/authorize?" + q.Encode())
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	match := requestIDPattern.FindSubmatch(body)
	require.NotNil(h.t, match, "login page should carry the request ID")
	return string(match[1])
}

// login posts credentials for a pending request and returns the response.
func (h *harness) login(requestID, email, password string) *http.Response {
	h.t.Helper()
	resp, err := h.client.PostForm(h.srv.URL+"/oauth2/authorize/login", url.Values{
		"request_id": {requestID},
		"email":      {email},
		"password":   {password},
	})
	require.NoError(h.t, err)
	return resp
}

// authorizeAndLogin walks the happy path up to the code redirect and
// returns the authorization code.
func (h *harness) authorizeAndLogin(clientID, redirectURI, challenge string) string {
	h.t.Helper()

	requestID := h.startAuthorize(clientID, redirectURI, challenge)
	resp := h.login(requestID, testUserEmail, testUserPassword)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(h.t, err)
	require.Empty(h.t, loc.Query().Get("error"), "redirect should not carry an error")
	require.Equal(h.t, "state-xyz", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(h.t, code)
	return code
}

func (h *harness) exchangeCode(code, verifier string) (map[string]any, int) {
	h.t.Helper()
	resp, err := h.client.PostForm(h.srv.URL+"/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cliRedirectURI},
		"client_id":     {cliClientID},
		"code_verifier": {verifier},
	})
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&body))
	return body, resp.StatusCode
}

func (h *harness) refresh(refreshToken string) (map[string]any, int) {
	h.t.Helper()
	resp, err := h.client.PostForm(h.srv.URL+"/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cliClientID},
	})
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&body))
	return body, resp.StatusCode
}

// jwtClaims decodes the payload segment of a JWT without verification.
func jwtClaims(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	challenge := xoauth2.S256ChallengeFromVerifier(verifier)

	code := h.authorizeAndLogin(cliClientID, cliRedirectURI, challenge)
	tokens, status := h.exchangeCode(code, verifier)
	require.Equal(t, http.StatusOK, status, "exchange failed: %v", tokens)

	accessToken, _ := tokens["access_token"].(string)
	require.NotEmpty(t, accessToken)
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.NotEmpty(t, tokens["id_token"], "openid scope grants an ID token")

	claims := jwtClaims(t, accessToken)
	assert.Equal(t, h.userID, claims["sub"])
	assert.Equal(t, testUserEmail, claims["email"])
	assert.Equal(t, h.orgA, claims["tenant_id"], "first membership is the default tenant")
	assert.Equal(t, "owner", claims["org_role"])
	assert.Equal(t, cliClientID, claims["client_id"])
	assert.NotEmpty(t, claims["tsid"])

	idClaims := jwtClaims(t, tokens["id_token"].(string))
	assert.Equal(t, "https://id.tasklane.dev", idClaims["iss"])
	assert.Equal(t, cliClientID, idClaims["aud"])
	assert.Equal(t, "nonce-123", idClaims["nonce"])

	// A consumed code never exchanges twice.
	replayed, status := h.exchangeCode(code, verifier)
	require.NotEqual(t, http.StatusOK, status)
	assert.Equal(t, "invalid_grant", replayed["error"])
}

func TestPKCEMismatchIsInvalidGrant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	challenge := xoauth2.S256ChallengeFromVerifier(verifier)

	code := h.authorizeAndLogin(cliClientID, cliRedirectURI, challenge)
	body, status := h.exchangeCode(code, xoauth2.GenerateVerifier())
	require.NotEqual(t, http.StatusOK, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	get := func(q url.Values) *http.Response {
		resp, err := h.client.Get(h.srv.URL + "/oauth2/authorize?" + q.Encode())
		require.NoError(t, err)
		return resp
	}

	t.Run("unknown client", func(t *testing.T) {
		resp := get(url.Values{
			"client_id":    {"nope"},
			"redirect_uri": {cliRedirectURI},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unregistered redirect uri", func(t *testing.T) {
		resp := get(url.Values{
			"client_id":    {cliClientID},
			"redirect_uri": {"https://evil.example.com/cb"},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing pkce for public client", func(t *testing.T) {
		resp := get(url.Values{
			"client_id":     {cliClientID},
			"redirect_uri":  {cliRedirectURI},
			"response_type": {"code"},
			"state":         {"s"},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, _ := url.Parse(resp.Header.Get("Location"))
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	})

	t.Run("plain challenge method rejected", func(t *testing.T) {
		resp := get(url.Values{
			"client_id":             {cliClientID},
			"redirect_uri":          {cliRedirectURI},
			"response_type":         {"code"},
			"code_challenge":        {"abc"},
			"code_challenge_method": {"plain"},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, _ := url.Parse(resp.Header.Get("Location"))
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	})
}

func TestLoginFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	requestID := h.startAuthorize(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))

	resp := h.login(requestID, testUserEmail, "wrong-password")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Incorrect email or password")

	// The pending request survives a failed attempt.
	resp2 := h.login(requestID, testUserEmail, testUserPassword)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusFound, resp2.StatusCode)
}

func TestLegacySchemeSignInKeepsStoredHash(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	legacyHash, err := bcrypt.GenerateFromPassword([]byte("imported-password"), bcrypt.MinCost)
	require.NoError(t, err)

	legacyID := uuid.NewString()
	require.NoError(t, h.store.CreateUser(ctx, &storage.User{
		ID:            legacyID,
		Email:         "grace@tasklane.dev",
		EmailVerified: true,
		Name:          "Grace Hopper",
		PasswordHash:  string(legacyHash),
		HashScheme:    storage.SchemeBcrypt,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}))
	require.NoError(t, h.store.AddMembership(ctx, &storage.Membership{
		OrganizationID: h.orgA,
		UserID:         legacyID,
		Role:           storage.RoleMember,
		CreatedAt:      time.Now(),
	}))

	verifier := xoauth2.GenerateVerifier()
	requestID := h.startAuthorize(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))
	resp := h.login(requestID, "grace@tasklane.dev", "imported-password")
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("code"), "a legacy-scheme user signs in normally")

	// Sign-in only reads the credential record. The scheme upgrades on
	// the next password-set event, never on verification.
	stored, err := h.store.GetUser(ctx, legacyID)
	require.NoError(t, err)
	assert.Equal(t, string(legacyHash), stored.PasswordHash)
	assert.Equal(t, storage.SchemeBcrypt, stored.HashScheme)
}

func TestConsentRequiredForDynamicClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Register an untrusted client via RFC 7591.
	dcrBody, _ := json.Marshal(map[string]any{
		"redirect_uris": []string{"https://tool.example.com/cb"},
		"client_name":   "Example Tool",
	})
	resp, err := h.client.Post(h.srv.URL+"/admin/clients/register", "application/json", strings.NewReader(string(dcrBody)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dcr registration.DCRResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcr))

	verifier := xoauth2.GenerateVerifier()
	requestID := h.startAuthorize(dcr.ClientID, "https://tool.example.com/cb", xoauth2.S256ChallengeFromVerifier(verifier))

	loginResp := h.login(requestID, testUserEmail, testUserPassword)
	defer loginResp.Body.Close()
	require.Equal(t, http.StatusOK, loginResp.StatusCode, "untrusted client must hit consent, not redirect")

	page, _ := io.ReadAll(loginResp.Body)
	require.Contains(t, string(page), "Example Tool")
	match := requestIDPattern.FindSubmatch(page)
	require.NotNil(t, match)

	t.Run("deny redirects access_denied", func(t *testing.T) {
		resp, err := h.client.PostForm(h.srv.URL+"/oauth2/authorize/consent", url.Values{
			"request_id": {string(match[1])},
			"action":     {"deny"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, _ := url.Parse(resp.Header.Get("Location"))
		assert.Equal(t, "access_denied", loc.Query().Get("error"))
	})
}

func TestRefreshReresolvesClaims(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	code := h.authorizeAndLogin(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))
	tokens, status := h.exchangeCode(code, verifier)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, h.orgA, jwtClaims(t, tokens["access_token"].(string))["tenant_id"])

	// Switch the active organization through the session endpoint.
	resp, err := h.client.PostForm(h.srv.URL+"/session/org", url.Values{
		"organization_id": {h.orgB},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Already-issued tokens are untouched; the refresh shows the switch.
	refreshed, status := h.refresh(tokens["refresh_token"].(string))
	require.Equal(t, http.StatusOK, status, "refresh failed: %v", refreshed)
	assert.Equal(t, h.orgB, jwtClaims(t, refreshed["access_token"].(string))["tenant_id"])
}

func TestSwitchOrgRequiresMembership(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	h.authorizeAndLogin(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))

	resp, err := h.client.PostForm(h.srv.URL+"/session/org", url.Values{
		"organization_id": {"org-not-mine"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	code := h.authorizeAndLogin(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))
	tokens, status := h.exchangeCode(code, verifier)
	require.Equal(t, http.StatusOK, status)

	userinfo := func() map[string]any {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/oauth2/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
		resp, err := h.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	body := userinfo()
	assert.Equal(t, h.userID, body["sub"])
	assert.Equal(t, h.orgA, body["tenant_id"])

	// Userinfo resolves fresh: the org switch is visible immediately,
	// before any token refresh.
	resp, err := h.client.PostForm(h.srv.URL+"/session/org", url.Values{"organization_id": {h.orgB}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, h.orgB, userinfo()["tenant_id"])

	t.Run("garbage token rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/oauth2/userinfo", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		resp, err := h.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestEndSessionRevokesRefreshChain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	code := h.authorizeAndLogin(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))
	tokens, status := h.exchangeCode(code, verifier)
	require.Equal(t, http.StatusOK, status)

	resp, err := h.client.Get(h.srv.URL + "/oauth2/endsession")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	refreshed, status := h.refresh(tokens["refresh_token"].(string))
	require.NotEqual(t, http.StatusOK, status)
	assert.Equal(t, "invalid_grant", refreshed["error"])
}

func TestDeviceFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	codeResp := func(clientID string) (*http.Response, map[string]any) {
		resp, err := h.client.PostForm(h.srv.URL+"/device/code", url.Values{
			"client_id": {clientID},
			"scope":     {"openid profile email"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	t.Run("allow list enforced", func(t *testing.T) {
		resp, body := codeResp(webClientID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "unauthorized_client", body["error"])
	})

	resp, body := codeResp(cliClientID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deviceCode := body["device_code"].(string)
	userCode := body["user_code"].(string)
	require.NotEmpty(t, deviceCode)
	require.Len(t, userCode, 9, "XXXX-XXXX display form")

	poll := func() (map[string]any, int) {
		resp, err := h.client.PostForm(h.srv.URL+"/oauth2/token", url.Values{
			"grant_type":  {DeviceGrantType},
			"device_code": {deviceCode},
			"client_id":   {cliClientID},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body, resp.StatusCode
	}

	pending, status := poll()
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "authorization_pending", pending["error"])

	// Sign in and approve on the verification page.
	verifier := xoauth2.GenerateVerifier()
	h.authorizeAndLogin(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))

	approveResp, err := h.client.PostForm(h.srv.URL+"/device", url.Values{
		"user_code": {strings.ToLower(userCode)},
		"action":    {"approve"},
	})
	require.NoError(t, err)
	approveResp.Body.Close()
	require.Equal(t, http.StatusOK, approveResp.StatusCode)

	tokens, status := poll()
	require.Equal(t, http.StatusOK, status, "approved poll failed: %v", tokens)
	accessToken := tokens["access_token"].(string)
	require.NotEmpty(t, accessToken)
	assert.NotEmpty(t, tokens["id_token"])
	assert.Equal(t, h.userID, jwtClaims(t, accessToken)["sub"])

	// Idempotent re-poll returns the identical token set.
	again, status := poll()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, accessToken, again["access_token"])

	t.Run("wrong client cannot redeem", func(t *testing.T) {
		resp, err := h.client.PostForm(h.srv.URL+"/oauth2/token", url.Values{
			"grant_type":  {DeviceGrantType},
			"device_code": {deviceCode},
			"client_id":   {webClientID},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDiscoveryDocuments(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	t.Run("openid configuration", func(t *testing.T) {
		resp, err := h.client.Get(h.srv.URL + "/.well-known/openid-configuration")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age=3600")

		var doc OIDCDiscoveryDocument
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		assert.Equal(t, "https://id.tasklane.dev", doc.Issuer)
		assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
		assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
		assert.Contains(t, doc.GrantTypesSupported, DeviceGrantType)
		assert.NotEmpty(t, doc.RegistrationEndpoint)
	})

	t.Run("jwks serves public keys only", func(t *testing.T) {
		resp, err := h.client.Get(h.srv.URL + "/.well-known/jwks.json")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), `"keys"`)
		assert.NotContains(t, string(body), `"d"`, "private exponent must never appear")
	})
}

func TestSignInRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	verifier := xoauth2.GenerateVerifier()
	requestID := h.startAuthorize(cliClientID, cliRedirectURI, xoauth2.S256ChallengeFromVerifier(verifier))

	var lastStatus int
	for i := int64(0); i <= ratelimit.BudgetSignIn.Max; i++ {
		resp := h.login(requestID, testUserEmail, "wrong-password")
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus, "request over budget gets 429")
}

func TestRegisterClientValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"redirect_uris": []string{"http://insecure.example.com/cb"},
	})
	resp, err := h.client.Post(h.srv.URL+"/admin/clients/register", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var dcrErr registration.DCRError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcrErr))
	assert.Equal(t, registration.DCRErrorInvalidRedirectURI, dcrErr.Error)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, err := h.client.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
