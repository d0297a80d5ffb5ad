// Package etsy is a thin client for the marketplace REST API. Every call
// takes the caller's access token; the client holds no user state.
package etsy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoShop is returned when the user owns no shop.
var ErrNoShop = errors.New("user has no shop")

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("etsy api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("etsy api: status %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the marketplace API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// New returns a Client for opts.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	apiKey := opts.APIKey
	if opts.APISecret != "" {
		apiKey += ":" + opts.APISecret
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger.Named("etsy"),
	}
}

// GetMe returns the authenticated user.
func (c *Client) GetMe(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.get(ctx, accessToken, "/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUserShops returns the shops owned by userID. A response holding a
// single shop object is normalized to a one-element list.
func (c *Client) ListUserShops(ctx context.Context, accessToken string, userID int64) (*ShopList, error) {
	var raw json.RawMessage
	if err := c.get(ctx, accessToken, fmt.Sprintf("/users/%d/shops", userID), nil, &raw); err != nil {
		return nil, err
	}
	return decodeShopList(raw)
}

func decodeShopList(raw json.RawMessage) (*ShopList, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode shops response: %w", err)
	}

	if _, ok := probe["results"]; ok {
		var list ShopList
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode shops response: %w", err)
		}
		if list.Count == 0 {
			list.Count = len(list.Results)
		}
		return &list, nil
	}

	if _, ok := probe["shop_id"]; ok {
		var shop Shop
		if err := json.Unmarshal(raw, &shop); err != nil {
			return nil, fmt.Errorf("decode shop response: %w", err)
		}
		return &ShopList{Count: 1, Results: []Shop{shop}}, nil
	}

	return &ShopList{Results: []Shop{}}, nil
}

// PrimaryShop returns the user's first shop. userID 0 is resolved through GetMe.
func (c *Client) PrimaryShop(ctx context.Context, accessToken string, userID int64) (int64, string, error) {
	if userID == 0 {
		me, err := c.GetMe(ctx, accessToken)
		if err != nil {
			return 0, "", fmt.Errorf("failed to resolve user: %w", err)
		}
		userID = me.UserID
	}

	shops, err := c.ListUserShops(ctx, accessToken, userID)
	if err != nil {
		return 0, "", err
	}
	if len(shops.Results) == 0 {
		return 0, "", ErrNoShop
	}
	shop := shops.Results[0]
	return shop.ShopID, shop.ShopName, nil
}

// GetShop returns one shop.
func (c *Client) GetShop(ctx context.Context, accessToken string, shopID int64) (*Shop, error) {
	var shop Shop
	if err := c.get(ctx, accessToken, fmt.Sprintf("/shops/%d", shopID), nil, &shop); err != nil {
		return nil, err
	}
	return &shop, nil
}

// ListShopListings returns a page of a shop's listings. Empty state and
// zero limit/offset are left to the API defaults.
func (c *Client) ListShopListings(ctx context.Context, accessToken string, shopID int64, state string, limit, offset int) (*ListingList, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var list ListingList
	if err := c.get(ctx, accessToken, fmt.Sprintf("/shops/%d/listings", shopID), q, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetListing returns one listing.
func (c *Client) GetListing(ctx context.Context, accessToken string, listingID int64) (*Listing, error) {
	var listing Listing
	if err := c.get(ctx, accessToken, fmt.Sprintf("/listings/%d", listingID), nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// CreateDraftListing creates a listing in draft state.
func (c *Client) CreateDraftListing(ctx context.Context, accessToken string, shopID int64, in DraftListingInput) (*Listing, error) {
	form := url.Values{}
	form.Set("quantity", strconv.Itoa(in.Quantity))
	form.Set("title", in.Title)
	form.Set("description", in.Description)
	form.Set("price", strconv.FormatFloat(in.Price, 'f', -1, 64))
	form.Set("who_made", in.WhoMade)
	form.Set("when_made", in.WhenMade)
	form.Set("taxonomy_id", strconv.FormatInt(in.TaxonomyID, 10))
	if in.ShippingProfileID != 0 {
		form.Set("shipping_profile_id", strconv.FormatInt(in.ShippingProfileID, 10))
	}
	if len(in.Tags) > 0 {
		form.Set("tags", strings.Join(in.Tags, ","))
	}
	if len(in.Materials) > 0 {
		form.Set("materials", strings.Join(in.Materials, ","))
	}
	if in.IsSupply {
		form.Set("is_supply", "true")
	}
	if in.Type != "" {
		form.Set("type", in.Type)
	}

	var listing Listing
	if err := c.postForm(ctx, accessToken, fmt.Sprintf("/shops/%d/listings", shopID), form, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// ListShippingProfiles returns a shop's shipping profiles.
func (c *Client) ListShippingProfiles(ctx context.Context, accessToken string, shopID int64) (*ShippingProfileList, error) {
	var list ShippingProfileList
	if err := c.get(ctx, accessToken, fmt.Sprintf("/shops/%d/shipping-profiles", shopID), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateShippingProfile creates a shipping profile.
func (c *Client) CreateShippingProfile(ctx context.Context, accessToken string, shopID int64, in ShippingProfileInput) (*ShippingProfile, error) {
	form := url.Values{}
	form.Set("title", in.Title)
	form.Set("origin_country_iso", in.OriginCountryISO)
	form.Set("primary_cost", strconv.FormatFloat(in.PrimaryCost, 'f', -1, 64))
	form.Set("secondary_cost", strconv.FormatFloat(in.SecondaryCost, 'f', -1, 64))
	form.Set("min_processing_time", strconv.Itoa(in.MinProcessingTime))
	form.Set("max_processing_time", strconv.Itoa(in.MaxProcessingTime))
	if in.OriginPostalCode != "" {
		form.Set("origin_postal_code", in.OriginPostalCode)
	}
	if in.ProcessingTimeUnit != "" {
		form.Set("processing_time_unit", in.ProcessingTimeUnit)
	}
	if in.DestinationCountryISO != "" {
		form.Set("destination_country_iso", in.DestinationCountryISO)
	}
	if in.DestinationRegion != "" {
		form.Set("destination_region", in.DestinationRegion)
	}

	var profile ShippingProfile
	if err := c.postForm(ctx, accessToken, fmt.Sprintf("/shops/%d/shipping-profiles", shopID), form, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UploadListingImage attaches an image to a listing.
func (c *Client) UploadListingImage(ctx context.Context, accessToken string, shopID, listingID int64, in ImageInput) (*ListingImage, error) {
	data, name, err := readImage(in)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if in.Rank > 0 {
		if err := mw.WriteField("rank", strconv.Itoa(in.Rank)); err != nil {
			return nil, fmt.Errorf("write rank field: %w", err)
		}
	}
	if in.AltText != "" {
		if err := mw.WriteField("alt_text", in.AltText); err != nil {
			return nil, fmt.Errorf("write alt_text field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var image ListingImage
	path := fmt.Sprintf("/shops/%d/listings/%d/images", shopID, listingID)
	if err := c.do(ctx, http.MethodPost, accessToken, path, nil, &body, mw.FormDataContentType(), &image); err != nil {
		return nil, err
	}
	return &image, nil
}

func readImage(in ImageInput) ([]byte, string, error) {
	switch {
	case in.FilePath != "" && in.Data != "":
		return nil, "", errors.New("provide either an image file path or base64 data, not both")
	case in.FilePath != "":
		data, err := os.ReadFile(in.FilePath)
		if err != nil {
			return nil, "", fmt.Errorf("read image file: %w", err)
		}
		name := in.FileName
		if name == "" {
			name = filepath.Base(in.FilePath)
		}
		return data, name, nil
	case in.Data != "":
		encoded := in.Data
		// Accept data URLs as well as bare base64.
		if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
			encoded = encoded[i+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("decode base64 image: %w", err)
		}
		name := in.FileName
		if name == "" {
			name = "image.jpg"
		}
		return data, name, nil
	default:
		return nil, "", errors.New("an image file path or base64 data is required")
	}
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, accessToken, path, query, nil, "", out)
}

func (c *Client) postForm(ctx context.Context, accessToken, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, accessToken, path, nil, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

func (c *Client) do(ctx context.Context, method, accessToken, path string, query url.Values, body io.Reader, contentType string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("etsy request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts the provider's message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "" && payload.ErrorDescription != "":
			return payload.Error + ": " + payload.ErrorDescription
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
