package listing

import (
	"encoding/json"
	"time"
)

// Record is the flat JSON shape a listing has on the wire and at rest.
// Type specific fields are flattened: fbData for Facebook listings and
// model/yearMade/additionalDetails for general ones.
type Record struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId,omitempty"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Price             float64         `json:"price"`
	Status            Status          `json:"status"`
	Category          string          `json:"category"`
	Brand             string          `json:"brand"`
	Condition         string          `json:"condition"`
	Keywords          []string        `json:"keywords,omitempty"`
	Type              Type            `json:"type"`
	FbData            *FbDetails      `json:"fbData,omitempty"`
	Model             string          `json:"model,omitempty"`
	YearMade          string          `json:"yearMade,omitempty"`
	AdditionalDetails string          `json:"additionalDetails,omitempty"`
	Photos            []Photo         `json:"photos"`
	Analysis          json.RawMessage `json:"analysis,omitempty"`
	Pricing           json.RawMessage `json:"pricing,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         *time.Time      `json:"updatedAt,omitempty"`
}

// ToRecord flattens l into its wire shape.
func (l *Listing) ToRecord() Record {
	r := Record{
		ID:          l.ID,
		UserID:      l.UserID,
		Title:       l.Title,
		Description: l.Description,
		Price:       l.Price,
		Status:      l.Status,
		Category:    l.Category,
		Brand:       l.Brand,
		Condition:   l.Condition,
		Keywords:    l.Keywords,
		Type:        l.Type(),
		Photos:      l.Photos,
		Analysis:    l.Analysis,
		Pricing:     l.Pricing,
		CreatedAt:   l.CreatedAt,
	}
	if r.Photos == nil {
		r.Photos = []Photo{}
	}
	if !l.UpdatedAt.IsZero() {
		t := l.UpdatedAt
		r.UpdatedAt = &t
	}
	switch d := l.Details.(type) {
	case *FbDetails:
		cp := *d
		r.FbData = &cp
	case *GeneralDetails:
		r.Model = d.Model
		r.YearMade = d.YearMade
		r.AdditionalDetails = d.AdditionalDetails
	}
	return r
}

// FromRecord rebuilds a listing from its wire shape. Records written by older
// clients may lack a type or status, so the result is normalized.
func FromRecord(r Record) *Listing {
	l := &Listing{
		ID:          r.ID,
		UserID:      r.UserID,
		Title:       r.Title,
		Description: r.Description,
		Price:       r.Price,
		Status:      r.Status,
		Category:    r.Category,
		Brand:       r.Brand,
		Condition:   r.Condition,
		Keywords:    r.Keywords,
		Photos:      r.Photos,
		Analysis:    r.Analysis,
		Pricing:     r.Pricing,
		CreatedAt:   r.CreatedAt,
	}
	if r.UpdatedAt != nil {
		l.UpdatedAt = *r.UpdatedAt
	}
	if r.Type == TypeFacebook || (r.Type == "" && r.FbData != nil) {
		fb := r.FbData
		if fb == nil {
			fb = &FbDetails{
				Title:       r.Title,
				Price:       r.Price,
				Category:    r.Category,
				Description: r.Description,
			}
		}
		cp := *fb
		l.Details = &cp
	} else {
		l.Details = &GeneralDetails{
			Model:             r.Model,
			YearMade:          r.YearMade,
			AdditionalDetails: r.AdditionalDetails,
		}
	}
	Normalize(l)
	return l
}

// MarshalJSON encodes the listing as a Record.
func (l Listing) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ToRecord())
}

// UnmarshalJSON decodes a Record into the listing.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*l = *FromRecord(r)
	return nil
}
