package etsy

// User is the authenticated marketplace user.
type User struct {
	UserID       int64  `json:"user_id"`
	ShopID       int64  `json:"shop_id,omitempty"`
	PrimaryEmail string `json:"primary_email,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// Shop is a marketplace shop.
type Shop struct {
	ShopID             int64  `json:"shop_id"`
	ShopName           string `json:"shop_name"`
	UserID             int64  `json:"user_id,omitempty"`
	Title              string `json:"title,omitempty"`
	Announcement       string `json:"announcement,omitempty"`
	CurrencyCode       string `json:"currency_code,omitempty"`
	URL                string `json:"url,omitempty"`
	ListingActiveCount int    `json:"listing_active_count,omitempty"`
	IsVacation         bool   `json:"is_vacation,omitempty"`
	CreateDate         int64  `json:"create_date,omitempty"`
}

// ShopList is a page of shops.
type ShopList struct {
	Count   int    `json:"count"`
	Results []Shop `json:"results"`
}

// Money is a price as amount/divisor, e.g. 1999/100 USD.
type Money struct {
	Amount       int64  `json:"amount"`
	Divisor      int64  `json:"divisor"`
	CurrencyCode string `json:"currency_code"`
}

// Listing is a shop listing.
type Listing struct {
	ListingID         int64    `json:"listing_id"`
	UserID            int64    `json:"user_id,omitempty"`
	ShopID            int64    `json:"shop_id,omitempty"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	State             string   `json:"state,omitempty"`
	Quantity          int      `json:"quantity,omitempty"`
	URL               string   `json:"url,omitempty"`
	Price             *Money   `json:"price,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Materials         []string `json:"materials,omitempty"`
	WhoMade           string   `json:"who_made,omitempty"`
	WhenMade          string   `json:"when_made,omitempty"`
	TaxonomyID        int64    `json:"taxonomy_id,omitempty"`
	ShippingProfileID int64    `json:"shipping_profile_id,omitempty"`
	CreatedTimestamp  int64    `json:"created_timestamp,omitempty"`
	UpdatedTimestamp  int64    `json:"updated_timestamp,omitempty"`
}

// ListingList is a page of listings.
type ListingList struct {
	Count   int       `json:"count"`
	Results []Listing `json:"results"`
}

// ShippingProfile is a shop shipping profile.
type ShippingProfile struct {
	ShippingProfileID          int64  `json:"shipping_profile_id"`
	Title                      string `json:"title"`
	UserID                     int64  `json:"user_id,omitempty"`
	OriginCountryISO           string `json:"origin_country_iso,omitempty"`
	OriginPostalCode           string `json:"origin_postal_code,omitempty"`
	MinProcessingDays          int    `json:"min_processing_days,omitempty"`
	MaxProcessingDays          int    `json:"max_processing_days,omitempty"`
	ProcessingDaysDisplayLabel string `json:"processing_days_display_label,omitempty"`
	ProfileType                string `json:"profile_type,omitempty"`
}

// ShippingProfileList is a page of shipping profiles.
type ShippingProfileList struct {
	Count   int               `json:"count"`
	Results []ShippingProfile `json:"results"`
}

// ListingImage is an image attached to a listing.
type ListingImage struct {
	ListingImageID int64  `json:"listing_image_id"`
	ListingID      int64  `json:"listing_id,omitempty"`
	Rank           int    `json:"rank,omitempty"`
	AltText        string `json:"alt_text,omitempty"`
	URLFull        string `json:"url_fullxfull,omitempty"`
	URL570         string `json:"url_570xN,omitempty"`
}

// DraftListingInput is the form body of a new draft listing.
type DraftListingInput struct {
	Quantity          int
	Title             string
	Description       string
	Price             float64
	WhoMade           string
	WhenMade          string
	TaxonomyID        int64
	ShippingProfileID int64
	Tags              []string
	Materials         []string
	IsSupply          bool
	Type              string
}

// ShippingProfileInput is the form body of a new shipping profile.
type ShippingProfileInput struct {
	Title                 string
	OriginCountryISO      string
	OriginPostalCode      string
	PrimaryCost           float64
	SecondaryCost         float64
	MinProcessingTime     int
	MaxProcessingTime     int
	ProcessingTimeUnit    string
	DestinationCountryISO string
	DestinationRegion     string
}

// ImageInput describes one image upload. Exactly one of FilePath or Data
// (base64) must be set.
type ImageInput struct {
	FilePath string
	Data     string
	FileName string
	Rank     int
	AltText  string
}
