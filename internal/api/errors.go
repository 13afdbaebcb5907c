package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/export"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/shelfie/shelfie/internal/remote"
	"github.com/shelfie/shelfie/internal/runstore"
)

var (
	errSessionNotFound = errors.New("bulk session not found")
	errInvalidUpload   = errors.New("invalid upload")
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

func badRequest(c *gin.Context, code string, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Code:    code,
		Message: "Invalid request",
		Details: err.Error(),
	}})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{listing.ErrNotFound, http.StatusNotFound, "LISTING_NOT_FOUND"},
	{errSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{bulk.ErrItemNotFound, http.StatusNotFound, "ITEM_NOT_FOUND"},
	{runstore.ErrNotFound, http.StatusNotFound, "RUN_NOT_FOUND"},
	{bulk.ErrItemLocked, http.StatusConflict, "ITEM_LOCKED"},
	{bulk.ErrRunInProgress, http.StatusConflict, "RUN_IN_PROGRESS"},
	{bulk.ErrItemNotFailed, http.StatusConflict, "ITEM_NOT_FAILED"},
	{bulk.ErrNoEligibleItems, http.StatusUnprocessableEntity, "NO_ELIGIBLE_ITEMS"},
	{export.ErrNothingToExport, http.StatusUnprocessableEntity, "NOTHING_TO_EXPORT"},
	{llm.ErrUnidentifiedItem, http.StatusUnprocessableEntity, "UNIDENTIFIED_ITEM"},
	{llm.ErrNoImages, http.StatusBadRequest, "NO_IMAGES"},
	{errInvalidUpload, http.StatusBadRequest, "INVALID_UPLOAD"},
	{llm.ErrMissingTitle, http.StatusBadGateway, "GENERATION_FAILED"},
	{llm.ErrNoAPIKey, http.StatusPreconditionFailed, "NO_API_KEY"},
	{intake.ErrInvalidFileType, http.StatusUnsupportedMediaType, "INVALID_FILE_TYPE"},
	{intake.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
	{listing.ErrInvalidStatus, http.StatusBadRequest, "INVALID_STATUS"},
	{listing.ErrInvalidType, http.StatusBadRequest, "INVALID_TYPE"},
	{listing.ErrInvalidPrice, http.StatusBadRequest, "INVALID_PRICE"},
	{export.ErrInvalidFormat, http.StatusBadRequest, "INVALID_FORMAT"},
	{export.ErrInvalidFilter, http.StatusBadRequest, "INVALID_TYPE"},
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without their message.
func writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			abortError(c, m.status, m.code, err.Error())
			return
		}
	}
	if remote.IsUnauthorized(err) {
		abortError(c, http.StatusUnauthorized, "BACKEND_UNAUTHORIZED", "The listing backend rejected the credentials")
		return
	}
	_ = c.Error(err)
	log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	abortError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
}
