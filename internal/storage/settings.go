package storage

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/llm"
)

// Config keys.
const (
	KeyAPIKey        = "apiKey"
	KeyAIPreferences = "aiPreferences"
	KeyAppSettings   = "appSettings"
)

// UserSettings are a user's own credentials and generation preferences.
type UserSettings struct {
	APIKey string               `json:"apiKey,omitempty"`
	AI     llm.StylePreferences `json:"aiPreferences"`
}

// HasAPIKey reports whether the user configured their own key.
func (u UserSettings) HasAPIKey() bool {
	return u.APIKey != ""
}

// AppSettings are global preferences.
type AppSettings struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
	AutoSave      bool   `json:"autoSave"`
}

// DefaultAppSettings returns the settings used before anything is saved.
func DefaultAppSettings() AppSettings {
	return AppSettings{Theme: "light", Notifications: true, AutoSave: true}
}

// SettingsService reads and writes typed settings through a ConfigStore.
// Reads never fail: missing or malformed values yield defaults.
type SettingsService struct {
	store ConfigStore
}

func NewSettingsService(store ConfigStore) *SettingsService {
	return &SettingsService{store: store}
}

// User returns the settings of userID.
func (s *SettingsService) User(userID string) UserSettings {
	settings := UserSettings{
		APIKey: s.UserAPIKey(userID),
		AI:     llm.DefaultStyle(),
	}
	settings.AI = readJSON(s.store, userID, KeyAIPreferences, settings.AI)
	return settings
}

// UserAPIKey returns the user's own API key, or "" when none is set.
func (s *SettingsService) UserAPIKey(userID string) string {
	key, err := s.store.Get(userID, KeyAPIKey)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to read api key")
		return ""
	}
	return key
}

// SetAPIKey stores the user's API key. An empty key removes it.
func (s *SettingsService) SetAPIKey(userID, apiKey string) error {
	if apiKey == "" {
		return s.store.Delete(userID, KeyAPIKey)
	}
	return s.store.Set(userID, KeyAPIKey, apiKey)
}

// SetAIPreferences stores the user's style preferences.
func (s *SettingsService) SetAIPreferences(userID string, prefs llm.StylePreferences) error {
	return s.writeJSON(userID, KeyAIPreferences, prefs)
}

// App returns the global app settings.
func (s *SettingsService) App() AppSettings {
	return readJSON(s.store, "", KeyAppSettings, DefaultAppSettings())
}

// SetApp stores the global app settings.
func (s *SettingsService) SetApp(settings AppSettings) error {
	return s.writeJSON("", KeyAppSettings, settings)
}

// readJSON decodes the value under key over a copy of def. Any failure
// returns def unchanged.
func readJSON[T any](store ConfigStore, userID, key string, def T) T {
	raw, err := store.Get(userID, key)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("key", key).Msg("failed to read settings, using defaults")
		return def
	}
	if raw == "" {
		return def
	}
	v := def
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("key", key).Msg("malformed settings, using defaults")
		return def
	}
	return v
}

func (s *SettingsService) writeJSON(userID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.store.Set(userID, key, string(data))
}
