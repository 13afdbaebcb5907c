// Package remote talks to the hosted listing backend, a PostgREST style API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shelfie/shelfie/internal/listing"
)

const DefaultTable = "listings"

type ClientOpts struct {
	BaseURL string
	// AnonKey is the project's public key, sent as apikey on every request.
	AnonKey string
	Table   string
	Timeout time.Duration
}

// Client implements listing.Repository against the hosted backend.
type Client struct {
	httpClient *resty.Client
	table      string
	anonKey    string
	now        func() time.Time
}

func NewClient(opts ClientOpts) *Client {
	c := Client{table: DefaultTable, anonKey: opts.AnonKey, now: time.Now}
	if opts.Table != "" {
		c.table = opts.Table
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeaders(map[string]string{
			"Accept": "application/json",
			"apikey": opts.AnonKey,
		})
	return &c
}

type accessTokenKey struct{}

// WithAccessToken attaches the signed-in user's token to ctx. Requests made
// with it act as that user; without it they use the anon key.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func (c *Client) req(ctx context.Context) *resty.Request {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	if token == "" {
		token = c.anonKey
	}
	return c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token)
}

func (c *Client) path() string {
	return "/rest/v1/" + c.table
}

// row is the table layout of the hosted backend.
type row struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id,omitempty"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	Price             float64            `json:"price"`
	Status            listing.Status     `json:"status"`
	Category          string             `json:"category"`
	Brand             string             `json:"brand"`
	Condition         string             `json:"condition"`
	Keywords          []string           `json:"keywords"`
	Type              listing.Type       `json:"type"`
	FbData            *listing.FbDetails `json:"fb_data,omitempty"`
	Model             string             `json:"model,omitempty"`
	YearMade          string             `json:"year_made,omitempty"`
	AdditionalDetails string             `json:"additional_details,omitempty"`
	Photos            []listing.Photo    `json:"photos"`
	Analysis          json.RawMessage    `json:"analysis,omitempty"`
	Pricing           json.RawMessage    `json:"pricing,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty"`
}

func toRow(l *listing.Listing) row {
	r := l.ToRecord()
	return row{
		ID:                r.ID,
		UserID:            r.UserID,
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
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (r row) listing() *listing.Listing {
	return listing.FromRecord(listing.Record{
		ID:                r.ID,
		UserID:            r.UserID,
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
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	})
}

func (c *Client) Create(ctx context.Context, l *listing.Listing) (*listing.Listing, error) {
	created := l.Clone()
	listing.PrepareForCreate(created, c.now())

	var result []row
	_, err := handleError(c.req(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody([]row{toRow(created)}).
		SetResult(&result).
		Post(c.path()))
	if err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	if len(result) == 0 {
		return created, nil
	}
	return result[0].listing(), nil
}

func (c *Client) Get(ctx context.Context, id string) (*listing.Listing, error) {
	var result []row
	_, err := handleError(c.req(ctx).
		SetQueryParams(map[string]string{"select": "*", "id": "eq." + id}).
		SetResult(&result).
		Get(c.path()))
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	if len(result) == 0 {
		return nil, listing.ErrNotFound
	}
	return result[0].listing(), nil
}

// Update reads the listing, applies patch locally and writes the result back
// so type specific fields stay consistent.
func (c *Client) Update(ctx context.Context, id string, patch listing.Patch) (*listing.Listing, error) {
	l, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(l, c.now().UTC()); err != nil {
		return nil, err
	}

	var result []row
	_, err = handleError(c.req(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+id).
		SetBody(toRow(l)).
		SetResult(&result).
		Patch(c.path()))
	if err != nil {
		return nil, fmt.Errorf("failed to update listing: %w", err)
	}
	if len(result) == 0 {
		return nil, listing.ErrNotFound
	}
	return result[0].listing(), nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	var result []row
	_, err := handleError(c.req(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+id).
		SetResult(&result).
		Delete(c.path()))
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	if len(result) == 0 {
		return listing.ErrNotFound
	}
	return nil
}

func (c *Client) List(ctx context.Context, f listing.Filter) ([]*listing.Listing, error) {
	params := map[string]string{
		"select": "*",
		"order":  "created_at.desc",
	}
	if f.UserID != "" {
		params["user_id"] = "eq." + f.UserID
	}
	if f.Status != "" {
		params["status"] = "eq." + string(f.Status)
	}
	if f.Type != "" {
		params["type"] = "eq." + string(f.Type)
	}
	if f.Limit > 0 {
		params["limit"] = fmt.Sprint(f.Limit)
	}

	var result []row
	_, err := handleError(c.req(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get(c.path()))
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	listings := make([]*listing.Listing, 0, len(result))
	for _, r := range result {
		listings = append(listings, r.listing())
	}
	return listings, nil
}

// StatusError is returned for responses with a status code above 399.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.Method, e.URL, e.Status)
}

// handleError is a generic error handler for failing response (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, &StatusError{
			Method: res.Request.Method,
			URL:    res.Request.URL,
			Status: res.StatusCode(),
			Body:   res.String(),
		}
	}
	return res, nil
}

// IsUnauthorized reports whether err is a 401 or 403 from the backend.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden
}
