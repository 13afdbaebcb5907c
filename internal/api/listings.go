package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/export"
	"github.com/shelfie/shelfie/internal/listing"
)

type createListingRequest struct {
	Title             string             `json:"title" validate:"required,max=200"`
	Description       string             `json:"description" validate:"max=10000"`
	Price             float64            `json:"price" validate:"gte=0"`
	Status            listing.Status     `json:"status" validate:"omitempty,oneof=draft posted sold archived"`
	Category          string             `json:"category"`
	Brand             string             `json:"brand"`
	Condition         string             `json:"condition"`
	Keywords          []string           `json:"keywords" validate:"max=20"`
	Type              listing.Type       `json:"type" validate:"omitempty,oneof=fb general"`
	FbData            *listing.FbDetails `json:"fbData"`
	Model             string             `json:"model"`
	YearMade          string             `json:"yearMade"`
	AdditionalDetails string             `json:"additionalDetails"`
	Photos            []listing.Photo    `json:"photos" validate:"max=10,dive"`
	Analysis          json.RawMessage    `json:"analysis"`
	Pricing           json.RawMessage    `json:"pricing"`
}

func (r createListingRequest) listing(userID string) *listing.Listing {
	return listing.FromRecord(listing.Record{
		UserID:            userID,
		Title:             r.Title,
		Description:       r.Description,
		Price:             r.Price,
		Status:            r.Status,
		Category:          r.Category,
		Brand:             r.Brand,
		Condition:         r.Condition,
		Keywords:          r.Keywords,
		Type:              r.Type,
		FbData:            r.FbData,
		Model:             r.Model,
		YearMade:          r.YearMade,
		AdditionalDetails: r.AdditionalDetails,
		Photos:            r.Photos,
		Analysis:          r.Analysis,
		Pricing:           r.Pricing,
	})
}

// bindJSON decodes and validates the request body. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("invalid JSON in request")
		badRequest(c, "INVALID_JSON", err)
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("request validation failed")
		badRequest(c, "VALIDATION_FAILED", err)
		return false
	}
	return true
}

func (s *Server) listFilter(c *gin.Context) (listing.Filter, error) {
	f := listing.Filter{UserID: currentUser(c)}
	if v := c.Query("status"); v != "" {
		st, err := listing.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := c.Query("type"); v != "" && v != "all" {
		t, err := listing.ParseType(v)
		if err != nil {
			return f, err
		}
		f.Type = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) listListings(c *gin.Context) {
	f, err := s.listFilter(c)
	if err != nil {
		badRequest(c, "INVALID_QUERY", err)
		return
	}
	listings, err := s.deps.Listings.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if listings == nil {
		listings = []*listing.Listing{}
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

func (s *Server) createListing(c *gin.Context) {
	var req createListingRequest
	if !s.bindJSON(c, &req) {
		return
	}
	created, err := s.deps.Listings.Create(c.Request.Context(), req.listing(currentUser(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("listingId", created.ID).Str("userId", created.UserID).Msg("listing created")
	c.JSON(http.StatusCreated, created)
}

// ownedListing loads a listing and hides listings of other users.
func (s *Server) ownedListing(c *gin.Context) (*listing.Listing, bool) {
	l, err := s.deps.Listings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if l.UserID != "" && l.UserID != currentUser(c) {
		writeError(c, listing.ErrNotFound)
		return nil, false
	}
	return l, true
}

func (s *Server) getListing(c *gin.Context) {
	l, ok := s.ownedListing(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) updateListing(c *gin.Context) {
	var patch listing.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "INVALID_JSON", err)
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if _, ok := s.ownedListing(c); !ok {
		return
	}
	updated, err := s.deps.Listings.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteListing(c *gin.Context) {
	if _, ok := s.ownedListing(c); !ok {
		return
	}
	if err := s.deps.Listings.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listingStats(c *gin.Context) {
	listings, err := s.deps.Listings.List(c.Request.Context(), listing.Filter{UserID: currentUser(c)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing.ComputeStats(listings))
}

func (s *Server) exportListings(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		writeError(c, err)
		return
	}
	filter, err := export.ParseFilter(c.Query("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	listings, err := s.deps.Listings.List(c.Request.Context(), listing.Filter{UserID: currentUser(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, listings, filter); err != nil {
		writeError(c, err)
		return
	}
	name := export.Filename(format, filter, time.Now())
	log.Info().Str("userId", currentUser(c)).Str("file", name).Msg("listings exported")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}
