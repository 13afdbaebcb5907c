package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
)

const photosField = "photos"

type rejectionView struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func rejectionViews(rejected []intake.Rejection) []rejectionView {
	views := make([]rejectionView, len(rejected))
	for i, r := range rejected {
		views[i] = rejectionView{Name: r.Name, Reason: r.Reason()}
	}
	return views
}

// readUploads reads the files of the photos multipart field. Files larger
// than the intake limit are truncated to one byte past it so validation
// rejects them without buffering the whole upload.
func readUploads(c *gin.Context) ([]intake.File, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidUpload, err)
	}
	headers := form.File[photosField]
	if len(headers) == 0 {
		return nil, llm.ErrNoImages
	}
	files := make([]intake.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errInvalidUpload, fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, intake.MaxFileSize+1))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errInvalidUpload, fh.Filename, err)
		}
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "application/octet-stream" {
			mimeType = ""
		}
		files = append(files, intake.File{Name: fh.Filename, MIMEType: mimeType, Data: data})
	}
	return files, nil
}

// acceptUploads reads and validates uploaded photos. When every file is
// rejected the first rejection is returned as the error.
func acceptUploads(c *gin.Context) ([]intake.Photo, []intake.Rejection, error) {
	files, err := readUploads(c)
	if err != nil {
		return nil, nil, err
	}
	photos, rejected := intake.Batch(c.Request.Context(), files)
	if len(photos) == 0 && len(rejected) > 0 {
		return nil, rejected, rejected[0].Err
	}
	return photos, rejected, nil
}

func formContext(c *gin.Context) llm.ListingContext {
	return llm.ListingContext{
		Brand:             c.PostForm("brand"),
		Model:             c.PostForm("model"),
		YearMade:          c.PostForm("yearMade"),
		Category:          c.PostForm("category"),
		Condition:         c.PostForm("condition"),
		AdditionalDetails: c.PostForm("additionalDetails"),
	}
}

type analyzeResponse struct {
	Analysis     *llm.Analysis        `json:"analysis"`
	Pricing      *llm.PriceSuggestion `json:"pricing,omitempty"`
	PricingError string               `json:"pricingError,omitempty"`
	Photos       []intake.Preview     `json:"photos"`
	Rejected     []rejectionView      `json:"rejected,omitempty"`
}

// analyze identifies an item from uploaded photos and suggests a price. A
// failed price suggestion does not fail the request.
func (s *Server) analyze(c *gin.Context) {
	photos, rejected, err := acceptUploads(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(photos) > s.opts.MaxPhotos {
		photos = photos[:s.opts.MaxPhotos]
	}

	ctx := c.Request.Context()
	images := make([]llm.Image, len(photos))
	previews := make([]intake.Preview, len(photos))
	for i, p := range photos {
		f := p.File()
		if small, err := intake.Compress(f, intake.AnalysisMaxSide, intake.AnalysisQuality); err == nil {
			f = small
		}
		images[i] = llm.Image{Data: f.Data, MIMEType: f.DetectMIMEType()}
		previews[i] = p.Preview()
	}

	analysis, err := s.deps.LLM.Analyze(ctx, images)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := analyzeResponse{
		Analysis: analysis,
		Photos:   previews,
		Rejected: rejectionViews(rejected),
	}
	pricing, err := s.deps.LLM.SuggestPrice(ctx, analysis, formContext(c))
	if err != nil {
		log.Warn().Err(err).Str("userId", currentUser(c)).Msg("price suggestion failed")
		resp.PricingError = err.Error()
	} else {
		resp.Pricing = pricing
	}
	c.JSON(http.StatusOK, resp)
}

type generateRequest struct {
	Analysis *llm.Analysis         `json:"analysis" validate:"required"`
	Context  llm.ListingContext    `json:"context"`
	Type     listing.Type          `json:"type" validate:"omitempty,oneof=fb general"`
	Style    *llm.StylePreferences `json:"style"`
}

// generate writes listing copy for an analysis. The user's saved style is
// used when the request has none.
func (s *Server) generate(c *gin.Context) {
	var req generateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Type == "" {
		req.Type = listing.TypeFacebook
	}
	style := s.userStyle(currentUser(c))
	if req.Style != nil {
		style = *req.Style
	}

	draft, err := s.deps.LLM.GenerateListing(c.Request.Context(), llm.GenerateRequest{
		Analysis: req.Analysis,
		Context:  req.Context,
		Type:     req.Type,
		Style:    style,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := llm.NormalizeDraft(draft); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) userStyle(userID string) llm.StylePreferences {
	if s.deps.Settings == nil {
		return llm.DefaultStyle()
	}
	return s.deps.Settings.User(userID).AI
}
