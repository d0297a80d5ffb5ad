package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"etsy-mcp/internal/etsy"
)

// PingOutput is the output schema for the ping tool.
type PingOutput struct {
	Message string `json:"message"`
	Time    string `json:"time"`
}

// AuthenticateInput is the input schema for the authenticate tool.
type AuthenticateInput struct {
	OpenBrowser bool `json:"open_browser,omitempty" jsonschema:"Open the sign-in page in the default browser"`
}

// AuthenticateOutput is the output schema for the authenticate tool.
type AuthenticateOutput struct {
	AuthURL              string `json:"auth_url" jsonschema:"Local URL the user must open to sign in"`
	AlreadyAuthenticated bool   `json:"already_authenticated" jsonschema:"A valid token is already stored"`
	BrowserOpened        bool   `json:"browser_opened"`
	Message              string `json:"message"`
}

// AuthStatusOutput is the output schema for the auth_status tool.
type AuthStatusOutput struct {
	Authenticated     bool   `json:"authenticated"`
	HasRefreshToken   bool   `json:"has_refresh_token"`
	ExpiresAt         string `json:"expires_at,omitempty" jsonschema:"Access token expiry (RFC 3339)"`
	UserID            int64  `json:"user_id,omitempty"`
	ShopID            int64  `json:"shop_id,omitempty"`
	ShopName          string `json:"shop_name,omitempty"`
	StoragePersistent bool   `json:"storage_persistent" jsonschema:"Whether credentials survive a restart"`
	Message           string `json:"message"`
}

// MessageOutput is a plain confirmation.
type MessageOutput struct {
	Message string `json:"message"`
}

// DefaultShopOutput is the output schema for get_default_shop and set_default_shop.
type DefaultShopOutput struct {
	ShopID   int64  `json:"shop_id,omitempty"`
	ShopName string `json:"shop_name,omitempty"`
	Message  string `json:"message"`
}

// SetDefaultShopInput is the input schema for set_default_shop.
type SetDefaultShopInput struct {
	ShopID int64 `json:"shop_id" jsonschema:"Shop to use when a tool call omits shop_id"`
}

// ShopInput selects a shop; 0 means the default shop.
type ShopInput struct {
	ShopID int64 `json:"shop_id,omitempty" jsonschema:"Shop ID; defaults to the default shop"`
}

// ListListingsInput is the input schema for list_shop_listings.
type ListListingsInput struct {
	ShopID int64  `json:"shop_id,omitempty" jsonschema:"Shop ID; defaults to the default shop"`
	State  string `json:"state,omitempty" jsonschema:"Listing state: active, inactive, sold_out, draft or expired"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of results (1-100, 0 or omitted uses the default)"`
	Offset int    `json:"offset,omitempty" jsonschema:"Number of results to skip"`
}

// GetListingInput is the input schema for get_listing.
type GetListingInput struct {
	ListingID int64 `json:"listing_id" jsonschema:"Listing ID"`
}

// CreateDraftListingInput is the input schema for create_draft_listing.
type CreateDraftListingInput struct {
	ShopID            int64    `json:"shop_id,omitempty" jsonschema:"Shop ID; defaults to the default shop"`
	Quantity          int      `json:"quantity" jsonschema:"Number of items available"`
	Title             string   `json:"title" jsonschema:"Listing title"`
	Description       string   `json:"description" jsonschema:"Listing description"`
	Price             float64  `json:"price" jsonschema:"Price in the shop currency"`
	WhoMade           string   `json:"who_made" jsonschema:"i_did, someone_else or collective"`
	WhenMade          string   `json:"when_made" jsonschema:"made_to_order, 2020_2025, 2010_2019 and so on"`
	TaxonomyID        int64    `json:"taxonomy_id" jsonschema:"Seller taxonomy ID"`
	ShippingProfileID int64    `json:"shipping_profile_id,omitempty" jsonschema:"Shipping profile for physical listings"`
	Tags              []string `json:"tags,omitempty" jsonschema:"Up to 13 tags"`
	Materials         []string `json:"materials,omitempty"`
	IsSupply          bool     `json:"is_supply,omitempty" jsonschema:"Whether the item is a craft supply"`
	Type              string   `json:"type,omitempty" jsonschema:"physical or download"`
}

// CreateShippingProfileInput is the input schema for create_shipping_profile.
type CreateShippingProfileInput struct {
	ShopID                int64   `json:"shop_id,omitempty" jsonschema:"Shop ID; defaults to the default shop"`
	Title                 string  `json:"title" jsonschema:"Profile name"`
	OriginCountryISO      string  `json:"origin_country_iso" jsonschema:"ISO code of the country items ship from"`
	PrimaryCost           float64 `json:"primary_cost" jsonschema:"Cost of shipping one item"`
	SecondaryCost         float64 `json:"secondary_cost" jsonschema:"Cost of each additional item"`
	MinProcessingTime     int     `json:"min_processing_time" jsonschema:"Minimum processing time"`
	MaxProcessingTime     int     `json:"max_processing_time" jsonschema:"Maximum processing time"`
	OriginPostalCode      string  `json:"origin_postal_code,omitempty"`
	ProcessingTimeUnit    string  `json:"processing_time_unit,omitempty" jsonschema:"business_days or weeks"`
	DestinationCountryISO string  `json:"destination_country_iso,omitempty"`
	DestinationRegion     string  `json:"destination_region,omitempty" jsonschema:"eu, non_eu or none"`
}

// UploadImageInput is the input schema for upload_listing_image.
type UploadImageInput struct {
	ShopID    int64  `json:"shop_id,omitempty" jsonschema:"Shop ID; defaults to the default shop"`
	ListingID int64  `json:"listing_id" jsonschema:"Listing to attach the image to"`
	ImagePath string `json:"image_path,omitempty" jsonschema:"Path of a local image file"`
	ImageData string `json:"image_data,omitempty" jsonschema:"Base64-encoded image, used when image_path is empty"`
	FileName  string `json:"file_name,omitempty"`
	Rank      int    `json:"rank,omitempty" jsonschema:"Position of the image, 1 is the primary image"`
	AltText   string `json:"alt_text,omitempty"`
}

// registerTools registers all marketplace tools with the MCP server.
func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "ping",
		Description: "Test connectivity with the MCP server",
	}, s.handlePing)

	addTool(s, &mcp.Tool{
		Name:        "authenticate",
		Description: "Start sign-in with the marketplace. Returns a local URL the user must open in a browser.",
	}, s.handleAuthenticate)

	addTool(s, &mcp.Tool{
		Name:        "auth_status",
		Description: "Report whether a valid access token is stored and which shop is the default",
	}, s.handleAuthStatus)

	addTool(s, &mcp.Tool{
		Name:        "logout",
		Description: "Delete the stored credentials",
	}, s.handleLogout)

	addTool(s, &mcp.Tool{
		Name:        "get_default_shop",
		Description: "Get the shop used when a tool call omits shop_id",
	}, s.handleGetDefaultShop)

	addTool(s, &mcp.Tool{
		Name:        "set_default_shop",
		Description: "Set the shop used when a tool call omits shop_id",
	}, s.handleSetDefaultShop)

	addTool(s, &mcp.Tool{
		Name:        "list_user_shops",
		Description: "List the shops owned by the authenticated user",
	}, s.handleListUserShops)

	addTool(s, &mcp.Tool{
		Name:        "get_shop",
		Description: "Get shop details",
	}, s.handleGetShop)

	addTool(s, &mcp.Tool{
		Name:        "list_shop_listings",
		Description: "List a shop's listings, optionally filtered by state",
	}, s.handleListShopListings)

	addTool(s, &mcp.Tool{
		Name:        "get_listing",
		Description: "Get a listing by ID",
	}, s.handleGetListing)

	addTool(s, &mcp.Tool{
		Name:        "create_draft_listing",
		Description: "Create a new listing in draft state",
	}, s.handleCreateDraftListing)

	addTool(s, &mcp.Tool{
		Name:        "list_shipping_profiles",
		Description: "List a shop's shipping profiles",
	}, s.handleListShippingProfiles)

	addTool(s, &mcp.Tool{
		Name:        "create_shipping_profile",
		Description: "Create a shipping profile",
	}, s.handleCreateShippingProfile)

	addTool(s, &mcp.Tool{
		Name:        "upload_listing_image",
		Description: "Upload an image to a listing from a local file or base64 data",
	}, s.handleUploadListingImage)
}

func (s *Server) handlePing(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (
	*mcp.CallToolResult,
	PingOutput,
	error,
) {
	return nil, PingOutput{
		Message: "pong",
		Time:    time.Now().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleAuthenticate(ctx context.Context, req *mcp.CallToolRequest, input AuthenticateInput) (
	*mcp.CallToolResult,
	AuthenticateOutput,
	error,
) {
	if err := s.flow.Start(ctx); err != nil {
		return nil, AuthenticateOutput{}, fmt.Errorf("failed to start sign-in: %w", err)
	}

	out := AuthenticateOutput{AuthURL: s.flow.AuthURL()}
	_, out.AlreadyAuthenticated = s.tokens.ValidAccessToken(ctx)

	if input.OpenBrowser && s.openBrowser != nil {
		if err := s.openBrowser(out.AuthURL); err != nil {
			s.logger.Warn("failed to open browser", zap.Error(err))
		} else {
			out.BrowserOpened = true
		}
	}

	switch {
	case out.AlreadyAuthenticated:
		out.Message = fmt.Sprintf("Already signed in. To sign in again, open %s in your browser.", out.AuthURL)
	case out.BrowserOpened:
		out.Message = fmt.Sprintf("Opened %s in your browser. Complete sign-in there, then retry your request.", out.AuthURL)
	default:
		out.Message = fmt.Sprintf("Open %s in your browser to sign in, then retry your request.", out.AuthURL)
	}
	return nil, out, nil
}

func (s *Server) handleAuthStatus(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (
	*mcp.CallToolResult,
	AuthStatusOutput,
	error,
) {
	// Refreshes an expired token so the report reflects what tools will see.
	_, authenticated := s.tokens.ValidAccessToken(ctx)
	st := s.tokens.Status(ctx)

	out := AuthStatusOutput{
		Authenticated:     authenticated,
		HasRefreshToken:   st.HasRefreshToken,
		UserID:            st.UserID,
		ShopID:            st.ShopID,
		ShopName:          st.ShopName,
		StoragePersistent: !st.StorageDisabled,
	}
	if st.HasRecord {
		out.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
	}

	switch {
	case authenticated:
		out.Message = "Signed in."
	case st.StorageDisabled:
		out.Message = "Not signed in. Credential storage is not writable, so sign-in cannot be kept."
	default:
		out.Message = "Not signed in. Call authenticate to sign in."
	}
	return nil, out, nil
}

func (s *Server) handleLogout(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (
	*mcp.CallToolResult,
	MessageOutput,
	error,
) {
	if err := s.tokens.Logout(ctx); err != nil {
		return nil, MessageOutput{}, fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil, MessageOutput{Message: "Signed out."}, nil
}

func (s *Server) handleGetDefaultShop(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (
	*mcp.CallToolResult,
	DefaultShopOutput,
	error,
) {
	if _, err := s.accessToken(ctx); err != nil {
		return nil, DefaultShopOutput{}, err
	}

	st := s.tokens.Status(ctx)
	if st.ShopID == 0 {
		return nil, DefaultShopOutput{Message: "No default shop is set. Call set_default_shop."}, nil
	}
	return nil, DefaultShopOutput{
		ShopID:   st.ShopID,
		ShopName: st.ShopName,
		Message:  fmt.Sprintf("Default shop is %s (%d).", st.ShopName, st.ShopID),
	}, nil
}

func (s *Server) handleSetDefaultShop(ctx context.Context, req *mcp.CallToolRequest, input SetDefaultShopInput) (
	*mcp.CallToolResult,
	DefaultShopOutput,
	error,
) {
	if input.ShopID <= 0 {
		return nil, DefaultShopOutput{}, fmt.Errorf("shop_id is required")
	}
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, DefaultShopOutput{}, err
	}

	shop, err := s.etsy.GetShop(ctx, tok, input.ShopID)
	if err != nil {
		return nil, DefaultShopOutput{}, apiError("look up shop", err)
	}
	if err := s.tokens.Store().SetDefaultShop(ctx, shop.ShopID, shop.ShopName); err != nil {
		return nil, DefaultShopOutput{}, fmt.Errorf("failed to save default shop: %w", err)
	}

	return nil, DefaultShopOutput{
		ShopID:   shop.ShopID,
		ShopName: shop.ShopName,
		Message:  fmt.Sprintf("Default shop set to %s (%d).", shop.ShopName, shop.ShopID),
	}, nil
}

func (s *Server) handleListUserShops(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (
	*mcp.CallToolResult,
	etsy.ShopList,
	error,
) {
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.ShopList{}, err
	}

	userID := s.tokens.Status(ctx).UserID
	if userID == 0 {
		me, err := s.etsy.GetMe(ctx, tok)
		if err != nil {
			return nil, etsy.ShopList{}, apiError("look up user", err)
		}
		userID = me.UserID
	}

	list, err := s.etsy.ListUserShops(ctx, tok, userID)
	if err != nil {
		return nil, etsy.ShopList{}, apiError("list shops", err)
	}
	return nil, *list, nil
}

func (s *Server) handleGetShop(ctx context.Context, req *mcp.CallToolRequest, input ShopInput) (
	*mcp.CallToolResult,
	etsy.Shop,
	error,
) {
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.Shop{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.Shop{}, err
	}

	shop, err := s.etsy.GetShop(ctx, tok, shopID)
	if err != nil {
		return nil, etsy.Shop{}, apiError("get shop", err)
	}
	return nil, *shop, nil
}

func (s *Server) handleListShopListings(ctx context.Context, req *mcp.CallToolRequest, input ListListingsInput) (
	*mcp.CallToolResult,
	etsy.ListingList,
	error,
) {
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.ListingList{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.ListingList{}, err
	}
	if input.Limit < 0 || input.Limit > 100 {
		return nil, etsy.ListingList{}, fmt.Errorf("limit must be between 0 and 100 (0 uses the default)")
	}

	list, err := s.etsy.ListShopListings(ctx, tok, shopID, input.State, input.Limit, input.Offset)
	if err != nil {
		return nil, etsy.ListingList{}, apiError("list listings", err)
	}
	return nil, *list, nil
}

func (s *Server) handleGetListing(ctx context.Context, req *mcp.CallToolRequest, input GetListingInput) (
	*mcp.CallToolResult,
	etsy.Listing,
	error,
) {
	if input.ListingID <= 0 {
		return nil, etsy.Listing{}, fmt.Errorf("listing_id is required")
	}
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.Listing{}, err
	}

	listing, err := s.etsy.GetListing(ctx, tok, input.ListingID)
	if err != nil {
		return nil, etsy.Listing{}, apiError("get listing", err)
	}
	return nil, *listing, nil
}

func (s *Server) handleCreateDraftListing(ctx context.Context, req *mcp.CallToolRequest, input CreateDraftListingInput) (
	*mcp.CallToolResult,
	etsy.Listing,
	error,
) {
	switch {
	case input.Title == "":
		return nil, etsy.Listing{}, fmt.Errorf("title is required")
	case input.Quantity <= 0:
		return nil, etsy.Listing{}, fmt.Errorf("quantity must be positive")
	case input.Price <= 0:
		return nil, etsy.Listing{}, fmt.Errorf("price must be positive")
	}

	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.Listing{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.Listing{}, err
	}

	listing, err := s.etsy.CreateDraftListing(ctx, tok, shopID, etsy.DraftListingInput{
		Quantity:          input.Quantity,
		Title:             input.Title,
		Description:       input.Description,
		Price:             input.Price,
		WhoMade:           input.WhoMade,
		WhenMade:          input.WhenMade,
		TaxonomyID:        input.TaxonomyID,
		ShippingProfileID: input.ShippingProfileID,
		Tags:              input.Tags,
		Materials:         input.Materials,
		IsSupply:          input.IsSupply,
		Type:              input.Type,
	})
	if err != nil {
		return nil, etsy.Listing{}, apiError("create draft listing", err)
	}
	return nil, *listing, nil
}

func (s *Server) handleListShippingProfiles(ctx context.Context, req *mcp.CallToolRequest, input ShopInput) (
	*mcp.CallToolResult,
	etsy.ShippingProfileList,
	error,
) {
	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.ShippingProfileList{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.ShippingProfileList{}, err
	}

	list, err := s.etsy.ListShippingProfiles(ctx, tok, shopID)
	if err != nil {
		return nil, etsy.ShippingProfileList{}, apiError("list shipping profiles", err)
	}
	return nil, *list, nil
}

func (s *Server) handleCreateShippingProfile(ctx context.Context, req *mcp.CallToolRequest, input CreateShippingProfileInput) (
	*mcp.CallToolResult,
	etsy.ShippingProfile,
	error,
) {
	switch {
	case input.Title == "":
		return nil, etsy.ShippingProfile{}, fmt.Errorf("title is required")
	case input.OriginCountryISO == "":
		return nil, etsy.ShippingProfile{}, fmt.Errorf("origin_country_iso is required")
	case input.MinProcessingTime > input.MaxProcessingTime:
		return nil, etsy.ShippingProfile{}, fmt.Errorf("min_processing_time cannot exceed max_processing_time")
	}

	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.ShippingProfile{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.ShippingProfile{}, err
	}

	profile, err := s.etsy.CreateShippingProfile(ctx, tok, shopID, etsy.ShippingProfileInput{
		Title:                 input.Title,
		OriginCountryISO:      input.OriginCountryISO,
		OriginPostalCode:      input.OriginPostalCode,
		PrimaryCost:           input.PrimaryCost,
		SecondaryCost:         input.SecondaryCost,
		MinProcessingTime:     input.MinProcessingTime,
		MaxProcessingTime:     input.MaxProcessingTime,
		ProcessingTimeUnit:    input.ProcessingTimeUnit,
		DestinationCountryISO: input.DestinationCountryISO,
		DestinationRegion:     input.DestinationRegion,
	})
	if err != nil {
		return nil, etsy.ShippingProfile{}, apiError("create shipping profile", err)
	}
	return nil, *profile, nil
}

func (s *Server) handleUploadListingImage(ctx context.Context, req *mcp.CallToolRequest, input UploadImageInput) (
	*mcp.CallToolResult,
	etsy.ListingImage,
	error,
) {
	if input.ListingID <= 0 {
		return nil, etsy.ListingImage{}, fmt.Errorf("listing_id is required")
	}
	if input.ImagePath == "" && input.ImageData == "" {
		return nil, etsy.ListingImage{}, fmt.Errorf("image_path or image_data is required")
	}

	tok, err := s.accessToken(ctx)
	if err != nil {
		return nil, etsy.ListingImage{}, err
	}
	shopID, err := s.resolveShop(ctx, input.ShopID)
	if err != nil {
		return nil, etsy.ListingImage{}, err
	}

	image, err := s.etsy.UploadListingImage(ctx, tok, shopID, input.ListingID, etsy.ImageInput{
		FilePath: input.ImagePath,
		Data:     input.ImageData,
		FileName: input.FileName,
		Rank:     input.Rank,
		AltText:  input.AltText,
	})
	if err != nil {
		return nil, etsy.ListingImage{}, apiError("upload image", err)
	}
	return nil, *image, nil
}
