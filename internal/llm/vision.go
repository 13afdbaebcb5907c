package llm

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/shelfie/shelfie/internal/listing"
)

const (
	// MaxTitleLength mirrors the Facebook Marketplace title limit.
	MaxTitleLength = 60
	// DefaultConfidence is used when the model does not report one.
	DefaultConfidence = 0.85
	// DefaultCondition is used when the model does not report a condition.
	DefaultCondition = "Good"
)

var (
	ErrNoImages         = errors.New("no images provided")
	ErrUnidentifiedItem = errors.New("could not identify the item in the image")
	ErrMissingTitle     = errors.New("generated listing has no title")
	ErrNoAPIKey         = errors.New("no API key configured, add one in settings")
)

// Image is a single photo sent to the vision model.
type Image struct {
	Data     []byte
	MIMEType string
}

// Analysis contains the attributes extracted from an item's photos.
type Analysis struct {
	Category       string   `json:"category"`
	Brand          string   `json:"brand"`
	Model          string   `json:"model"`
	Condition      string   `json:"condition"`
	Colors         []string `json:"colors"`
	Materials      []string `json:"materials"`
	Features       []string `json:"features"`
	VisibleText    []string `json:"visibleText"`
	SizeCategory   string   `json:"sizeCategory"`
	SuggestedTitle string   `json:"suggestedTitle"`
	Confidence     float64  `json:"confidence"`
}

// ListingContext holds details the seller typed in by hand. They take
// precedence over what the model sees in the photos.
type ListingContext struct {
	Brand             string `json:"brand,omitempty"`
	Model             string `json:"model,omitempty"`
	YearMade          string `json:"yearMade,omitempty"`
	Category          string `json:"category,omitempty"`
	Condition         string `json:"condition,omitempty"`
	AdditionalDetails string `json:"additionalDetails,omitempty"`
	// Title and Price are a seller's own draft values, if any.
	Title string  `json:"title,omitempty"`
	Price float64 `json:"price,omitempty"`
}

// Listing styles.
const (
	StyleCasual       = "casual"
	StyleProfessional = "professional"
	StyleOther        = "other"
)

// StylePreferences controls the tone of generated listings.
type StylePreferences struct {
	ListingStyle string `json:"listingStyle"`
	CustomPrompt string `json:"customPrompt"`
	RemoveEmojis bool   `json:"removeEmojis"`
}

// DefaultStyle returns the style used when a user has not chosen one.
func DefaultStyle() StylePreferences {
	return StylePreferences{ListingStyle: StyleCasual}
}

// GenerateRequest is the input of a listing generation call.
type GenerateRequest struct {
	Images   []Image
	Analysis *Analysis
	Context  ListingContext
	Type     listing.Type
	Style    StylePreferences
}

// ListingDraft is generated listing copy.
type ListingDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	// Price is optional; zero means the generator did not suggest one.
	Price     float64 `json:"price,omitempty"`
	Category  string  `json:"category,omitempty"`
	Brand     string  `json:"brand,omitempty"`
	Condition string  `json:"condition,omitempty"`
}

// PriceRange is a suggested price interval.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Comparable is a similar item used to justify a price.
type Comparable struct {
	Title string  `json:"title"`
	Price float64 `json:"price"`
	Sold  bool    `json:"sold"`
}

// PriceSuggestion is a market price estimate.
type PriceSuggestion struct {
	SuggestedPrice float64      `json:"suggestedPrice"`
	PriceRange     PriceRange   `json:"priceRange"`
	Confidence     float64      `json:"confidence"`
	Reasoning      string       `json:"reasoning"`
	Comparables    []Comparable `json:"comparableItems,omitempty"`
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Analyzer extracts item attributes from photos.
type Analyzer interface {
	Analyze(ctx context.Context, images []Image) (*Analysis, error)
}

// ListingGenerator writes listing copy from an analysis.
type ListingGenerator interface {
	GenerateListing(ctx context.Context, req GenerateRequest) (*ListingDraft, error)
}

// PriceSuggester estimates a market price.
type PriceSuggester interface {
	SuggestPrice(ctx context.Context, analysis *Analysis, lc ListingContext) (*PriceSuggestion, error)
}

// Client is the full set of model capabilities.
type Client interface {
	Analyzer
	ListingGenerator
	PriceSuggester
}

// NormalizeAnalysis rejects analyses without an identifiable category and
// fills in defaults for the optional fields.
func NormalizeAnalysis(a *Analysis) error {
	if a == nil {
		return ErrUnidentifiedItem
	}
	a.Category = strings.TrimSpace(a.Category)
	if a.Category == "" || strings.Contains(strings.ToLower(a.Category), "unknown") {
		return ErrUnidentifiedItem
	}
	if a.Condition == "" {
		a.Condition = DefaultCondition
	}
	if a.Colors == nil {
		a.Colors = []string{}
	}
	if a.Materials == nil {
		a.Materials = []string{}
	}
	if a.Features == nil {
		a.Features = []string{}
	}
	if a.VisibleText == nil {
		a.VisibleText = []string{}
	}
	if a.SuggestedTitle == "" {
		a.SuggestedTitle = strings.TrimSpace(a.Brand + " " + a.Category)
	}
	if a.Confidence <= 0 {
		a.Confidence = DefaultConfidence
	}
	return nil
}

// NormalizeDraft requires a title and truncates it to MaxTitleLength runes.
func NormalizeDraft(d *ListingDraft) error {
	if d == nil {
		return ErrMissingTitle
	}
	d.Title = TruncateTitle(strings.TrimSpace(d.Title))
	if d.Title == "" {
		return ErrMissingTitle
	}
	if d.Keywords == nil {
		d.Keywords = []string{}
	}
	return nil
}

// TruncateTitle cuts s to at most MaxTitleLength runes.
func TruncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= MaxTitleLength {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:MaxTitleLength]))
}

// StylePrompt returns the tone instruction for a style.
func StylePrompt(style StylePreferences) string {
	switch style.ListingStyle {
	case StyleCasual:
		return "Write in a casual, friendly, conversational tone like you're talking to a friend. Keep it brief and relatable. Use everyday language and be personable."
	case StyleProfessional:
		return "Write in a professional, formal tone suitable for business sales. Use proper grammar, detailed descriptions, and marketing language. Focus on features and benefits."
	case StyleOther:
		if strings.TrimSpace(style.CustomPrompt) != "" {
			return style.CustomPrompt
		}
		return "Write in a balanced tone that is both informative and engaging."
	}
	return "Write in a casual, friendly tone that appeals to everyday buyers."
}

// EmojiInstruction returns the emoji rule for a style.
func EmojiInstruction(style StylePreferences) string {
	if style.RemoveEmojis {
		return "Do not use any emojis in the listing."
	}
	return "Use emojis appropriately to enhance readability."
}
