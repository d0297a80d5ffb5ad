package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"etsy-mcp/internal/etsy"
	"etsy-mcp/internal/token"
)

// fakeMarket records the token and shop each call used.
type fakeMarket struct {
	mu        sync.Mutex
	calls     int
	lastToken string
	lastShop  int64
	err       error
	panicOn   string
}

func (f *fakeMarket) record(method, tok string, shopID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == method {
		panic("boom in " + method)
	}
	f.calls++
	f.lastToken, f.lastShop = tok, shopID
	return f.err
}

func (f *fakeMarket) GetMe(_ context.Context, tok string) (*etsy.User, error) {
	if err := f.record("GetMe", tok, 0); err != nil {
		return nil, err
	}
	return &etsy.User{UserID: 111}, nil
}

func (f *fakeMarket) ListUserShops(_ context.Context, tok string, userID int64) (*etsy.ShopList, error) {
	if err := f.record("ListUserShops", tok, 0); err != nil {
		return nil, err
	}
	return &etsy.ShopList{Count: 1, Results: []etsy.Shop{{ShopID: 42, ShopName: "Acme", UserID: userID}}}, nil
}

func (f *fakeMarket) GetShop(_ context.Context, tok string, shopID int64) (*etsy.Shop, error) {
	if err := f.record("GetShop", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.Shop{ShopID: shopID, ShopName: "Shop " + string(rune('A'+shopID%26))}, nil
}

func (f *fakeMarket) ListShopListings(_ context.Context, tok string, shopID int64, state string, limit, offset int) (*etsy.ListingList, error) {
	if err := f.record("ListShopListings", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.ListingList{Count: 1, Results: []etsy.Listing{{ListingID: 9, Title: "Mug", State: state}}}, nil
}

func (f *fakeMarket) GetListing(_ context.Context, tok string, listingID int64) (*etsy.Listing, error) {
	if err := f.record("GetListing", tok, 0); err != nil {
		return nil, err
	}
	return &etsy.Listing{ListingID: listingID, Title: "Mug"}, nil
}

func (f *fakeMarket) CreateDraftListing(_ context.Context, tok string, shopID int64, in etsy.DraftListingInput) (*etsy.Listing, error) {
	if err := f.record("CreateDraftListing", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.Listing{ListingID: 77, Title: in.Title, State: "draft", ShopID: shopID}, nil
}

func (f *fakeMarket) ListShippingProfiles(_ context.Context, tok string, shopID int64) (*etsy.ShippingProfileList, error) {
	if err := f.record("ListShippingProfiles", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.ShippingProfileList{Count: 0, Results: []etsy.ShippingProfile{}}, nil
}

func (f *fakeMarket) CreateShippingProfile(_ context.Context, tok string, shopID int64, in etsy.ShippingProfileInput) (*etsy.ShippingProfile, error) {
	if err := f.record("CreateShippingProfile", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.ShippingProfile{ShippingProfileID: 5, Title: in.Title}, nil
}

func (f *fakeMarket) UploadListingImage(_ context.Context, tok string, shopID, listingID int64, in etsy.ImageInput) (*etsy.ListingImage, error) {
	if err := f.record("UploadListingImage", tok, shopID); err != nil {
		return nil, err
	}
	return &etsy.ListingImage{ListingImageID: 1, ListingID: listingID}, nil
}

type fakeFlow struct {
	started int
	err     error
}

func (f *fakeFlow) Start(context.Context) error {
	f.started++
	return f.err
}

func (f *fakeFlow) AuthURL() string { return "http://localhost:3003/auth" }

type fakeRefresher struct {
	grant token.Grant
	err   error
}

func (f *fakeRefresher) Refresh(context.Context, string) (token.Grant, error) {
	return f.grant, f.err
}

type fixture struct {
	session   *mcp.ClientSession
	store     *token.Store
	market    *fakeMarket
	flow      *fakeFlow
	refresher *fakeRefresher
	opened    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fx := &fixture{
		store:     token.NewStore(token.NewFileStorage(filepath.Join(t.TempDir(), "token.json")), nil, zap.NewNop()),
		market:    &fakeMarket{},
		flow:      &fakeFlow{},
		refresher: &fakeRefresher{err: errors.New("refresh disabled")},
	}
	srv := NewServer(Config{
		Version: "test",
		Tokens:  token.NewManager(fx.store, fx.refresher, zap.NewNop()),
		Etsy:    fx.market,
		Flow:    fx.flow,
		OpenBrowser: func(url string) error {
			fx.opened = append(fx.opened, url)
			return nil
		},
		Logger: zap.NewNop(),
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("connect server: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	fx.session = session
	return fx
}

func (fx *fixture) signIn(t *testing.T, shopID int64) {
	t.Helper()
	u := token.Update{
		AccessToken:  "111.live",
		RefreshToken: "r1",
		ExpiresIn:    3600,
		UserID:       111,
	}
	if shopID != 0 {
		u.ShopID, u.ShopName = shopID, "Default Shop"
	}
	if err := fx.store.Save(context.Background(), u); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if args == nil {
		args = map[string]any{}
	}
	res, err := fx.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error: %v", name, err)
	}
	return res
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var out T
	if res.IsError {
		t.Fatalf("tool returned error: %s", resultText(res))
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	return out
}

func TestServer_ListsAllTools(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	got := make(map[string]bool)
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{
		"ping", "authenticate", "auth_status", "logout", "get_default_shop", "set_default_shop",
		"list_user_shops", "get_shop", "list_shop_listings", "get_listing", "create_draft_listing",
		"list_shipping_profiles", "create_shipping_profile", "upload_listing_image",
	} {
		if !got[name] {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestServer_Ping(t *testing.T) {
	fx := newFixture(t)
	out := decode[PingOutput](t, fx.call(t, "ping", nil))
	if out.Message != "pong" {
		t.Errorf("message = %q, want pong", out.Message)
	}
}

func TestServer_ToolsRequireAuthentication(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
	}{
		{"get_default_shop", nil},
		{"set_default_shop", map[string]any{"shop_id": 7}},
		{"list_user_shops", nil},
		{"get_shop", map[string]any{"shop_id": 7}},
		{"list_shop_listings", map[string]any{"shop_id": 7}},
		{"get_listing", map[string]any{"listing_id": 9}},
		{"create_draft_listing", map[string]any{
			"shop_id": 7, "quantity": 1, "title": "Mug", "description": "d", "price": 10,
			"who_made": "i_did", "when_made": "made_to_order", "taxonomy_id": 1,
		}},
		{"list_shipping_profiles", map[string]any{"shop_id": 7}},
		{"create_shipping_profile", map[string]any{
			"shop_id": 7, "title": "Std", "origin_country_iso": "US", "primary_cost": 5,
			"secondary_cost": 1, "min_processing_time": 1, "max_processing_time": 3,
		}},
		{"upload_listing_image", map[string]any{"shop_id": 7, "listing_id": 9, "image_data": "AAAA"}},
	}

	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			fx := newFixture(t)
			res := fx.call(t, tc.tool, tc.args)
			if !res.IsError {
				t.Fatalf("expected error result, got %s", resultText(res))
			}
			if !strings.Contains(resultText(res), "authentication required") {
				t.Errorf("error = %q, want authentication required", resultText(res))
			}
			if fx.market.calls != 0 {
				t.Errorf("marketplace called %d times without a token", fx.market.calls)
			}
		})
	}
}

func TestServer_DefaultShopSubstitution(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 42)

	shop := decode[etsy.Shop](t, fx.call(t, "get_shop", nil))
	if shop.ShopID != 42 || fx.market.lastShop != 42 {
		t.Errorf("get_shop without shop_id used shop %d", fx.market.lastShop)
	}
	if fx.market.lastToken != "111.live" {
		t.Errorf("token = %q", fx.market.lastToken)
	}

	decode[etsy.Shop](t, fx.call(t, "get_shop", map[string]any{"shop_id": 7}))
	if fx.market.lastShop != 7 {
		t.Errorf("explicit shop_id ignored, used %d", fx.market.lastShop)
	}

	listings := decode[etsy.ListingList](t, fx.call(t, "list_shop_listings", map[string]any{"state": "active"}))
	if listings.Count != 1 || listings.Results[0].State != "active" || fx.market.lastShop != 42 {
		t.Errorf("list_shop_listings = %+v (shop %d)", listings, fx.market.lastShop)
	}
}

func TestServer_NoDefaultShop(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 0)

	for _, tool := range []string{"get_shop", "list_shop_listings", "list_shipping_profiles"} {
		res := fx.call(t, tool, nil)
		if !res.IsError || !strings.Contains(resultText(res), "set_default_shop") {
			t.Errorf("%s: result = %q, want error asking for set_default_shop", tool, resultText(res))
		}
	}
	if fx.market.calls != 0 {
		t.Errorf("marketplace called %d times", fx.market.calls)
	}
}

func TestServer_SetAndGetDefaultShop(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 0)

	out := decode[DefaultShopOutput](t, fx.call(t, "get_default_shop", nil))
	if out.ShopID != 0 || !strings.Contains(out.Message, "No default shop") {
		t.Errorf("get_default_shop before set = %+v", out)
	}

	set := decode[DefaultShopOutput](t, fx.call(t, "set_default_shop", map[string]any{"shop_id": 7}))
	if set.ShopID != 7 || set.ShopName != "Shop H" {
		t.Errorf("set_default_shop = %+v", set)
	}

	rec := fx.store.GetValid(context.Background())
	if rec == nil || rec.ShopID != 7 || rec.ShopName != "Shop H" || rec.AccessToken != "111.live" {
		t.Errorf("stored record = %+v", rec)
	}

	got := decode[DefaultShopOutput](t, fx.call(t, "get_default_shop", nil))
	if got.ShopID != 7 {
		t.Errorf("get_default_shop = %+v", got)
	}
}

func TestServer_ListUserShopsUsesStoredUser(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 0)

	shops := decode[etsy.ShopList](t, fx.call(t, "list_user_shops", nil))
	if shops.Count != 1 || shops.Results[0].UserID != 111 {
		t.Errorf("list_user_shops = %+v", shops)
	}
	if fx.market.calls != 1 {
		t.Errorf("marketplace calls = %d, want 1 (no user lookup)", fx.market.calls)
	}
}

func TestServer_CreateAndUpload(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 42)

	listing := decode[etsy.Listing](t, fx.call(t, "create_draft_listing", map[string]any{
		"quantity": 2, "title": "Mug", "description": "A mug", "price": 19.99,
		"who_made": "i_did", "when_made": "made_to_order", "taxonomy_id": 1,
		"tags": []string{"mug"},
	}))
	if listing.ListingID != 77 || listing.ShopID != 42 || listing.State != "draft" {
		t.Errorf("create_draft_listing = %+v", listing)
	}

	profile := decode[etsy.ShippingProfile](t, fx.call(t, "create_shipping_profile", map[string]any{
		"title": "Standard", "origin_country_iso": "US", "primary_cost": 5,
		"secondary_cost": 1, "min_processing_time": 1, "max_processing_time": 3,
	}))
	if profile.ShippingProfileID != 5 {
		t.Errorf("create_shipping_profile = %+v", profile)
	}

	img := decode[etsy.ListingImage](t, fx.call(t, "upload_listing_image", map[string]any{
		"listing_id": 77, "image_data": "AAAA",
	}))
	if img.ListingID != 77 {
		t.Errorf("upload_listing_image = %+v", img)
	}
}

func TestServer_InputValidation(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"create_draft_listing", map[string]any{
			"quantity": 0, "title": "Mug", "description": "d", "price": 1,
			"who_made": "i_did", "when_made": "made_to_order", "taxonomy_id": 1,
		}, "quantity must be positive"},
		{"create_shipping_profile", map[string]any{
			"title": "Std", "origin_country_iso": "US", "primary_cost": 5,
			"secondary_cost": 1, "min_processing_time": 5, "max_processing_time": 3,
		}, "cannot exceed"},
		{"upload_listing_image", map[string]any{"listing_id": 9}, "image_path or image_data"},
		{"list_shop_listings", map[string]any{"limit": 500}, "limit must be between 0 and 100 (0 uses the default)"},
		{"list_shop_listings", map[string]any{"limit": -1}, "limit must be between 0 and 100"},
	}

	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			fx := newFixture(t)
			fx.signIn(t, 42)

			res := fx.call(t, tc.tool, tc.args)
			if !res.IsError || !strings.Contains(resultText(res), tc.want) {
				t.Errorf("result = %q, want error containing %q", resultText(res), tc.want)
			}
			if fx.market.calls != 0 {
				t.Errorf("marketplace called %d times", fx.market.calls)
			}
		})
	}
}

func TestServer_ExpiredTokenIsRefreshed(t *testing.T) {
	fx := newFixture(t)
	fx.refresher.err = nil
	fx.refresher.grant = token.Grant{AccessToken: "111.fresh", ExpiresIn: 3600}

	err := fx.store.Save(context.Background(), token.Update{AccessToken: "111.stale", RefreshToken: "r1", UserID: 111, ShopID: 42})
	if err != nil {
		t.Fatal(err)
	}

	decode[etsy.Listing](t, fx.call(t, "get_listing", map[string]any{"listing_id": 9}))
	if fx.market.lastToken != "111.fresh" {
		t.Errorf("marketplace got token %q, want refreshed token", fx.market.lastToken)
	}
	if rec := fx.store.GetValid(context.Background()); rec == nil || rec.ShopID != 42 {
		t.Errorf("refreshed record = %+v", rec)
	}
}

func TestServer_RefreshFailureRequiresAuthentication(t *testing.T) {
	fx := newFixture(t)
	_ = fx.store.Save(context.Background(), token.Update{AccessToken: "111.stale", RefreshToken: "r1"})

	res := fx.call(t, "get_listing", map[string]any{"listing_id": 9})
	if !res.IsError || !strings.Contains(resultText(res), "authentication required") {
		t.Errorf("result = %q", resultText(res))
	}
	if fx.store.GetEvenIfExpired(context.Background()) != nil {
		t.Error("record kept after failed refresh")
	}
}

func TestServer_Authenticate(t *testing.T) {
	fx := newFixture(t)

	out := decode[AuthenticateOutput](t, fx.call(t, "authenticate", map[string]any{"open_browser": true}))
	if out.AuthURL != "http://localhost:3003/auth" || out.AlreadyAuthenticated || !out.BrowserOpened {
		t.Errorf("authenticate = %+v", out)
	}
	if fx.flow.started != 1 {
		t.Errorf("flow started %d times", fx.flow.started)
	}
	if len(fx.opened) != 1 || fx.opened[0] != out.AuthURL {
		t.Errorf("browser opened %v", fx.opened)
	}

	fx.signIn(t, 0)
	out = decode[AuthenticateOutput](t, fx.call(t, "authenticate", nil))
	if !out.AlreadyAuthenticated || out.BrowserOpened {
		t.Errorf("authenticate when signed in = %+v", out)
	}
}

func TestServer_AuthenticateStartFailure(t *testing.T) {
	fx := newFixture(t)
	fx.flow.err = errors.New("permission denied")

	res := fx.call(t, "authenticate", nil)
	if !res.IsError || !strings.Contains(resultText(res), "failed to start sign-in") {
		t.Errorf("result = %q", resultText(res))
	}
}

func TestServer_AuthStatusAndLogout(t *testing.T) {
	fx := newFixture(t)

	st := decode[AuthStatusOutput](t, fx.call(t, "auth_status", nil))
	if st.Authenticated || !st.StoragePersistent {
		t.Errorf("auth_status before sign-in = %+v", st)
	}

	fx.signIn(t, 42)
	st = decode[AuthStatusOutput](t, fx.call(t, "auth_status", nil))
	if !st.Authenticated || st.UserID != 111 || st.ShopID != 42 || st.ExpiresAt == "" || !st.HasRefreshToken {
		t.Errorf("auth_status after sign-in = %+v", st)
	}

	decode[MessageOutput](t, fx.call(t, "logout", nil))
	st = decode[AuthStatusOutput](t, fx.call(t, "auth_status", nil))
	if st.Authenticated || st.ShopID != 0 {
		t.Errorf("auth_status after logout = %+v", st)
	}
}

func TestServer_PanicBecomesToolError(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 42)
	fx.market.panicOn = "GetListing"

	res := fx.call(t, "get_listing", map[string]any{"listing_id": 9})
	if !res.IsError || !strings.Contains(resultText(res), "internal error while running get_listing") {
		t.Errorf("result = %q", resultText(res))
	}

	// The session survives.
	decode[PingOutput](t, fx.call(t, "ping", nil))
}

func TestServer_UnauthorizedAPIError(t *testing.T) {
	fx := newFixture(t)
	fx.signIn(t, 42)
	fx.market.err = &etsy.APIError{StatusCode: 401, Message: "invalid_token"}

	res := fx.call(t, "get_shop", nil)
	if !res.IsError || !strings.Contains(resultText(res), "call authenticate again") {
		t.Errorf("result = %q", resultText(res))
	}
}
