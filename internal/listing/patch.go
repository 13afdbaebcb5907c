package listing

import (
	"fmt"
	"math"
	"time"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title             *string      `json:"title,omitempty"`
	Description       *string      `json:"description,omitempty"`
	Price             *float64     `json:"price,omitempty"`
	Status            *Status      `json:"status,omitempty"`
	Category          *string      `json:"category,omitempty"`
	Brand             *string      `json:"brand,omitempty"`
	Condition         *string      `json:"condition,omitempty"`
	Keywords          *[]string    `json:"keywords,omitempty"`
	FbCondition       *FbCondition `json:"fbCondition,omitempty"`
	Model             *string      `json:"model,omitempty"`
	YearMade          *string      `json:"yearMade,omitempty"`
	AdditionalDetails *string      `json:"additionalDetails,omitempty"`
}

// Validate checks the patch values without applying them.
func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
	}
	if p.Price != nil && (*p.Price < 0 || math.IsNaN(*p.Price) || math.IsInf(*p.Price, 0)) {
		return ErrInvalidPrice
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Apply validates the patch and applies it to l. Facebook details mirror the
// shared title, price, category and description so exported rows stay consistent.
func (p Patch) Apply(l *Listing, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Price != nil {
		l.Price = *p.Price
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.Category != nil {
		l.Category = *p.Category
	}
	if p.Brand != nil {
		l.Brand = *p.Brand
	}
	if p.Condition != nil {
		l.Condition = *p.Condition
	}
	if p.Keywords != nil {
		l.Keywords = append([]string(nil), (*p.Keywords)...)
	}

	switch d := l.Details.(type) {
	case *FbDetails:
		if p.Title != nil {
			d.Title = *p.Title
		}
		if p.Price != nil {
			d.Price = *p.Price
		}
		if p.Category != nil {
			d.Category = *p.Category
		}
		if p.Description != nil {
			d.Description = *p.Description
		}
		if p.FbCondition != nil {
			d.Condition = ToFbCondition(string(*p.FbCondition))
		} else if p.Condition != nil {
			d.Condition = ToFbCondition(*p.Condition)
		}
	case *GeneralDetails:
		if p.Model != nil {
			d.Model = *p.Model
		}
		if p.YearMade != nil {
			d.YearMade = *p.YearMade
		}
		if p.AdditionalDetails != nil {
			d.AdditionalDetails = *p.AdditionalDetails
		}
	}

	l.UpdatedAt = now.UTC()
	Normalize(l)
	return nil
}
