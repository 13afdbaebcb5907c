package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/shelfie/shelfie/internal/storage"
)

type settingsView struct {
	App           storage.AppSettings  `json:"app"`
	HasAPIKey     bool                 `json:"hasApiKey"`
	AIPreferences llm.StylePreferences `json:"aiPreferences"`
}

func (s *Server) settingsFor(userID string) settingsView {
	u := s.deps.Settings.User(userID)
	return settingsView{
		App:           s.deps.Settings.App(),
		HasAPIKey:     u.HasAPIKey(),
		AIPreferences: u.AI,
	}
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settingsFor(currentUser(c)))
}

type appSettingsRequest struct {
	Theme         string `json:"theme" validate:"oneof=light dark system"`
	Notifications bool   `json:"notifications"`
	AutoSave      bool   `json:"autoSave"`
}

type stylePreferencesRequest struct {
	ListingStyle string `json:"listingStyle" validate:"oneof=casual professional other"`
	CustomPrompt string `json:"customPrompt" validate:"max=2000"`
	RemoveEmojis bool   `json:"removeEmojis"`
}

type updateSettingsRequest struct {
	App           *appSettingsRequest      `json:"app"`
	AIPreferences *stylePreferencesRequest `json:"aiPreferences"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if !s.bindJSON(c, &req) {
		return
	}
	userID := currentUser(c)
	if req.App != nil {
		if err := s.deps.Settings.SetApp(storage.AppSettings{
			Theme:         req.App.Theme,
			Notifications: req.App.Notifications,
			AutoSave:      req.App.AutoSave,
		}); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.AIPreferences != nil {
		if err := s.deps.Settings.SetAIPreferences(userID, llm.StylePreferences{
			ListingStyle: req.AIPreferences.ListingStyle,
			CustomPrompt: req.AIPreferences.CustomPrompt,
			RemoveEmojis: req.AIPreferences.RemoveEmojis,
		}); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, s.settingsFor(userID))
}

type apiKeyRequest struct {
	APIKey string `json:"apiKey" validate:"max=200"`
}

// keyForgetter is implemented by clients that cache per-key connections.
type keyForgetter interface {
	Forget(key string)
}

// setAPIKey stores the user's model API key. An empty key removes it.
func (s *Server) setAPIKey(c *gin.Context) {
	var req apiKeyRequest
	if !s.bindJSON(c, &req) {
		return
	}
	userID := currentUser(c)
	old := s.deps.Settings.UserAPIKey(userID)
	if err := s.deps.Settings.SetAPIKey(userID, req.APIKey); err != nil {
		writeError(c, err)
		return
	}
	if f, ok := s.deps.LLM.(keyForgetter); ok && old != "" && old != req.APIKey {
		f.Forget(old)
	}
	log.Info().Str("userId", userID).Bool("hasApiKey", req.APIKey != "").Msg("api key updated")
	c.JSON(http.StatusOK, s.settingsFor(userID))
}
