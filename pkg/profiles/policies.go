package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/virtdesk/broker/pkg/logger"
)

// Manager writes browser policy files into per-user profile directories
// mounted into the workload containers.
type Manager struct {
	loader   *Loader
	dataPath string
	browser  string
}

// NewManager creates a policy manager. browser is "chromium" or "firefox".
func NewManager(loader *Loader, dataPath, browser string) *Manager {
	return &Manager{loader: loader, dataPath: dataPath, browser: browser}
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeForPath makes a username safe to use as a directory name.
func sanitizeForPath(username string) string {
	return unsafePathChars.ReplaceAllString(username, "_")
}

// UserPath returns the profile directory for the user.
func (m *Manager) UserPath(username string) string {
	return filepath.Join(m.dataPath, sanitizeForPath(username))
}

// EnsureProfile creates the user's profile directory tree.
func (m *Manager) EnsureProfile(username string) (string, error) {
	userPath := m.UserPath(username)

	if err := os.MkdirAll(filepath.Join(userPath, "desktop"), 0o755); err != nil {
		return "", fmt.Errorf("creating profile directories for %s: %w", username, err)
	}

	var policiesDir string
	if m.browser == "firefox" {
		policiesDir = filepath.Join(userPath, "firefox-policies")
	} else {
		policiesDir = filepath.Join(userPath, "chromium-policies", "managed")
	}
	if err := os.MkdirAll(policiesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating policy directory for %s: %w", username, err)
	}
	return userPath, nil
}

// Apply resolves the user's effective configuration from their groups and
// writes the browser policy files. Returns the merged configuration.
func (m *Manager) Apply(username string, userGroups []string) (UserConfig, error) {
	cfg := m.loader.UserConfig(userGroups)

	if _, err := m.EnsureProfile(username); err != nil {
		return cfg, err
	}

	var err error
	if m.browser == "firefox" {
		err = m.writeFirefoxPolicies(username, cfg)
	} else {
		err = m.writeChromiumPolicies(username, cfg)
	}
	if err != nil {
		return cfg, err
	}

	logger.Infow("Profile applied", "username", username, "browser", m.browser,
		"groups", cfg.Groups, "bookmarks", len(cfg.Bookmarks), "homepage", cfg.Homepage)
	return cfg, nil
}

func (m *Manager) writeFirefoxPolicies(username string, cfg UserConfig) error {
	policies := map[string]any{
		"DisableAppUpdate":        true,
		"DisableFirefoxStudies":   true,
		"DisablePocket":           true,
		"DisableTelemetry":        true,
		"DontCheckDefaultBrowser": true,
		"NoDefaultBookmarks":      true,
		"OverrideFirstRunPage":    "",
		"OverridePostUpdatePage":  "",
		"DisplayBookmarksToolbar": "always",
		"PasswordManagerEnabled":  true,
		"UserMessaging": map[string]bool{
			"WhatsNew":                 false,
			"ExtensionRecommendations": false,
			"FeatureRecommendations":   false,
			"UrlbarInterventions":      false,
			"SkipOnboarding":           true,
			"MoreFromMozilla":          false,
		},
		"Preferences": map[string]any{
			"browser.startup.homepage_override.mstone":   lockedPref("ignore"),
			"datareporting.policy.dataSubmissionEnabled": lockedPref(false),
			"toolkit.telemetry.reportingpolicy.firstRun": lockedPref(false),
			"signon.rememberSignons":                     defaultPref(true),
			"signon.autofillForms":                       defaultPref(true),
		},
	}

	if len(cfg.Bookmarks) > 0 {
		managed := []any{map[string]string{"toplevel_name": "Bookmarks"}}
		for _, bm := range cfg.Bookmarks {
			managed = append(managed, bm)
		}
		policies["ManagedBookmarks"] = managed
	}

	homepage := cfg.Homepage
	if homepage == "" {
		homepage = "about:blank"
	}
	policies["Homepage"] = map[string]string{
		"URL":       homepage,
		"StartPage": "homepage",
	}

	if logins := m.expandLogins(cfg.Autofill, username); len(logins) > 0 {
		policies["PrimaryPassword"] = false
		policies["OfferToSaveLogins"] = false
		policies["Logins"] = logins
	}

	return writeJSON(
		filepath.Join(m.UserPath(username), "firefox-policies", "policies.json"),
		map[string]any{"policies": policies},
	)
}

func (m *Manager) writeChromiumPolicies(username string, cfg UserConfig) error {
	policies := map[string]any{
		"MetricsReportingEnabled":       false,
		"SafeBrowsingProtectionLevel":   1,
		"DefaultBrowserSettingEnabled":  false,
		"BrowserSignin":                 0,
		"SyncDisabled":                  true,
		"PasswordManagerEnabled":        true,
		"AutofillAddressEnabled":        true,
		"AutofillCreditCardEnabled":     false,
		"BookmarkBarEnabled":            true,
		"ShowHomeButton":                true,
		"PromotionalTabsEnabled":        false,
		"ShowAppsShortcutInBookmarkBar": false,
	}

	if cfg.Homepage != "" && cfg.Homepage != "about:blank" {
		policies["HomepageLocation"] = cfg.Homepage
		policies["HomepageIsNewTabPage"] = false
		policies["RestoreOnStartup"] = 4
		policies["RestoreOnStartupURLs"] = []string{cfg.Homepage}
	} else {
		policies["HomepageIsNewTabPage"] = true
		policies["RestoreOnStartup"] = 5
	}

	if len(cfg.Bookmarks) > 0 {
		managed := []any{map[string]string{"toplevel_name": "Bookmarks"}}
		for _, bm := range cfg.Bookmarks {
			managed = append(managed, bm)
		}
		policies["ManagedBookmarks"] = managed
	}

	// Chromium cannot pre-fill passwords via policy; autofill entries only
	// configure the password manager.
	if expanded := expandAutofill(cfg.Autofill, username); len(expanded) > 0 {
		for _, entry := range expanded {
			if entry.Password != "" {
				logger.Warnf("Chromium does not support pre-filled passwords via policy; "+
					"autofill entries for %s only configure the password manager", username)
				break
			}
		}
	}

	return writeJSON(
		filepath.Join(m.UserPath(username), "chromium-policies", "managed", "bookmarks.json"),
		policies,
	)
}

// expandLogins converts autofill entries into Firefox policy logins.
func (m *Manager) expandLogins(autofill []AutofillEntry, username string) []map[string]string {
	var logins []map[string]string
	for _, entry := range expandAutofill(autofill, username) {
		if entry.URL == "" || entry.Username == "" {
			continue
		}
		login := map[string]string{"origin": entry.URL, "username": entry.Username}
		if entry.Password != "" {
			login["password"] = entry.Password
		}
		logins = append(logins, login)
	}
	return logins
}

var envPattern = regexp.MustCompile(`\$\{env:([^}]+)\}`)

// expandAutofill resolves ${GUAC_USERNAME} and ${env:VAR} placeholders.
func expandAutofill(autofill []AutofillEntry, username string) []AutofillEntry {
	expand := func(value string) string {
		value = strings.ReplaceAll(value, "${GUAC_USERNAME}", username)
		return envPattern.ReplaceAllStringFunc(value, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			return os.Getenv(name)
		})
	}

	expanded := make([]AutofillEntry, 0, len(autofill))
	for _, entry := range autofill {
		expanded = append(expanded, AutofillEntry{
			URL:      expand(entry.URL),
			Username: expand(entry.Username),
			Password: expand(entry.Password),
		})
	}
	return expanded
}

func lockedPref(value any) map[string]any {
	return map[string]any{"Value": value, "Status": "locked"}
}

func defaultPref(value any) map[string]any {
	return map[string]any{"Value": value, "Status": "default"}
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing policy file %s: %w", path, err)
	}
	return nil
}
