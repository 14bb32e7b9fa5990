// Package settings models the flat application settings that travel inside a
// migration archive as settings.json. The migrated device must end up with
// the same observable configuration as the source device, so every recognized
// key round-trips through Export/Import unchanged.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
)

// Settings is the typed view of the source device's exported configuration.
type Settings struct {
	NetworkUseSocksProxy      bool   `json:"networkUseSocksProxy"`
	NetworkProxyAddress       string `json:"networkProxyAddress"`
	NetworkHostMode           string `json:"networkHostMode"`
	NetworkRequiredHostMode   bool   `json:"networkRequiredHostMode"`
	PrivacyAcceptImages       bool   `json:"privacyAcceptImages"`
	PrivacyLinkPreviews       bool   `json:"privacyLinkPreviews"`
	PrivacyShowChatPreviews   bool   `json:"privacyShowChatPreviews"`
	PrivacySaveLastDraft      bool   `json:"privacySaveLastDraft"`
	NotificationMode          string `json:"notificationMode"`
	NotificationPreviewMode   string `json:"notificationPreviewMode"`
	WebrtcPolicyRelay         bool   `json:"webrtcPolicyRelay"`
	ConfirmRemoteSessions     bool   `json:"confirmRemoteSessions"`
	ConnectRemoteViaMulticast bool   `json:"connectRemoteViaMulticast"`
	DeveloperTools            bool   `json:"developerTools"`
	ConfirmDBUpgrades         bool   `json:"confirmDBUpgrades"`
}

// Defaults returns the configuration a fresh device starts with.
func Defaults() *Settings {
	return &Settings{
		NetworkHostMode:         "publicHost",
		PrivacyAcceptImages:     true,
		PrivacyLinkPreviews:     true,
		PrivacyShowChatPreviews: true,
		PrivacySaveLastDraft:    true,
		NotificationMode:        "instant",
		NotificationPreviewMode: "message",
		ConfirmRemoteSessions:   true,
	}
}

// Export flattens the settings into a key->value map, one entry per
// recognized key. The map is the import/export surface; consumers must not
// depend on field order.
func (s *Settings) Export() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		// Settings contains only bools and strings, marshal cannot fail.
		panic(err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	return m
}

// Import applies a key->value map produced by Export. Unknown keys are
// rejected so a typo on the exporting side cannot be silently dropped.
func Import(m map[string]any) (*Settings, error) {
	recognized := Defaults().Export()
	for k := range m {
		if _, ok := recognized[k]; !ok {
			return nil, fmt.Errorf("unrecognized setting key: %s", k)
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := &Settings{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads settings from a JSON file (the archive's settings.json).
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings as JSON, for inclusion in an export archive.
func (s *Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
