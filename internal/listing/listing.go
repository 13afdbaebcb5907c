package listing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("listing not found")
	ErrInvalidStatus = errors.New("invalid listing status")
	ErrInvalidType   = errors.New("invalid listing type")
	ErrInvalidPrice  = errors.New("price must be a non-negative number")
)

// Status is the lifecycle state of a persisted listing.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPosted   Status = "posted"
	StatusSold     Status = "sold"
	StatusArchived Status = "archived"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPosted, StatusSold, StatusArchived:
		return true
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Type selects the target marketplace profile of a listing.
type Type string

const (
	TypeFacebook Type = "fb"
	TypeGeneral  Type = "general"
)

// ParseType converts user input into a Type.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeFacebook:
		return TypeFacebook, nil
	case TypeGeneral:
		return TypeGeneral, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// FbCondition is a Facebook Marketplace condition value.
type FbCondition string

const (
	FbConditionNew     FbCondition = "new"
	FbConditionLikeNew FbCondition = "used_like_new"
	FbConditionGood    FbCondition = "used_good"
	FbConditionFair    FbCondition = "used_fair"
	FbConditionPoor    FbCondition = "used_poor"
)

// Fallbacks used when collaborator output leaves a field empty.
const (
	DefaultFbCondition = FbConditionGood
	DefaultCategory    = "Other"
)

// FbConditions lists the accepted Facebook conditions in display order.
var FbConditions = []FbCondition{
	FbConditionNew,
	FbConditionLikeNew,
	FbConditionGood,
	FbConditionFair,
	FbConditionPoor,
}

// ToFbCondition maps a free-form condition ("Like New", "fair", "used_poor")
// to a Facebook condition. Unrecognized values map to used_good.
func ToFbCondition(condition string) FbCondition {
	c := strings.ToLower(strings.TrimSpace(condition))
	for _, fc := range FbConditions {
		if c == string(fc) {
			return fc
		}
	}
	c = strings.NewReplacer("-", " ", "_", " ").Replace(c)
	switch {
	case strings.Contains(c, "like new"):
		return FbConditionLikeNew
	case c == "new" || c == "brand new":
		return FbConditionNew
	case strings.Contains(c, "fair"):
		return FbConditionFair
	case strings.Contains(c, "poor"):
		return FbConditionPoor
	}
	return DefaultFbCondition
}

// Photo is a reference to a listing image.
type Photo struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

// Details holds the type specific fields of a listing. Exactly one of
// *FbDetails or *GeneralDetails is stored, and it determines the listing type.
type Details interface {
	listingType() Type
}

// FbDetails carries the fields Facebook Marketplace requires.
type FbDetails struct {
	Title       string      `json:"title"`
	Price       float64     `json:"price"`
	Condition   FbCondition `json:"condition"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
}

func (*FbDetails) listingType() Type { return TypeFacebook }

// GeneralDetails carries the free-form fields of a general listing.
type GeneralDetails struct {
	Model             string `json:"model,omitempty"`
	YearMade          string `json:"yearMade,omitempty"`
	AdditionalDetails string `json:"additionalDetails,omitempty"`
}

func (*GeneralDetails) listingType() Type { return TypeGeneral }

// Listing is a persisted marketplace listing.
type Listing struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Price       float64
	Status      Status
	Category    string
	Brand       string
	Condition   string
	Keywords    []string
	Details     Details
	Photos      []Photo
	// Analysis and Pricing keep the raw collaborator output for later inspection.
	Analysis  json.RawMessage
	Pricing   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the listing type derived from its details.
func (l *Listing) Type() Type {
	if l.Details == nil {
		return TypeGeneral
	}
	return l.Details.listingType()
}

// Fb returns the Facebook details, or nil for general listings.
func (l *Listing) Fb() *FbDetails {
	fb, _ := l.Details.(*FbDetails)
	return fb
}

// General returns the general details, or nil for Facebook listings.
func (l *Listing) General() *GeneralDetails {
	g, _ := l.Details.(*GeneralDetails)
	return g
}

// Clone returns a deep copy of l.
func (l *Listing) Clone() *Listing {
	c := *l
	c.Keywords = append([]string(nil), l.Keywords...)
	c.Photos = append([]Photo(nil), l.Photos...)
	c.Analysis = append(json.RawMessage(nil), l.Analysis...)
	c.Pricing = append(json.RawMessage(nil), l.Pricing...)
	switch d := l.Details.(type) {
	case *FbDetails:
		cp := *d
		c.Details = &cp
	case *GeneralDetails:
		cp := *d
		c.Details = &cp
	}
	return &c
}

// Normalize applies the storage defaults: a missing or unknown status becomes
// draft, a negative or non-finite price becomes 0 and missing details become
// general details.
func Normalize(l *Listing) {
	if !l.Status.Valid() {
		l.Status = StatusDraft
	}
	l.Price = sanitizePrice(l.Price)
	if l.Details == nil {
		l.Details = &GeneralDetails{}
	}
	if fb := l.Fb(); fb != nil {
		fb.Price = sanitizePrice(fb.Price)
		if fb.Condition == "" {
			fb.Condition = ToFbCondition(l.Condition)
		}
	}
	if l.Photos == nil {
		l.Photos = []Photo{}
	}
}

// PrepareForCreate assigns an ID and timestamps to a new listing and normalizes it.
func PrepareForCreate(l *Listing, now time.Time) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now.UTC()
	}
	l.UpdatedAt = l.CreatedAt
	Normalize(l)
}

func sanitizePrice(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return 0
	}
	return p
}
