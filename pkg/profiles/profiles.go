// Package profiles loads per-group browser profile configuration and writes
// enterprise policy files into each user's profile directory.
package profiles

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/virtdesk/broker/pkg/logger"
)

// cacheDuration is how long a loaded profiles file is trusted before being
// re-read from disk.
const cacheDuration = 60 * time.Second

// Bookmark is a single toolbar bookmark.
type Bookmark struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// AutofillEntry pre-configures a login for the browser password manager.
// Values support ${GUAC_USERNAME} and ${env:VAR} placeholders.
type AutofillEntry struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Profile is the configuration attached to one gateway group.
type Profile struct {
	Description string          `yaml:"description"`
	Priority    int             `yaml:"priority"`
	Homepage    string          `yaml:"homepage"`
	Bookmarks   []Bookmark      `yaml:"bookmarks"`
	Autofill    []AutofillEntry `yaml:"autofill"`
}

// UserConfig is the effective configuration for one user after merging the
// profiles of all their groups.
type UserConfig struct {
	Homepage  string
	Bookmarks []Bookmark
	Autofill  []AutofillEntry
	// Groups that contributed to the merge, in application order.
	Groups []string
}

// Loader reads profiles.yaml with a short-lived cache so group changes are
// picked up without a restart.
type Loader struct {
	path string

	mu       sync.Mutex
	config   map[string]Profile
	loadedAt time.Time
	// now is replaceable in tests.
	now func() time.Time
}

// NewLoader creates a loader for the given profiles file. An empty path
// yields an empty configuration.
func NewLoader(path string) *Loader {
	return &Loader{path: path, now: time.Now}
}

// load returns the cached configuration, re-reading the file when stale.
func (l *Loader) load() map[string]Profile {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config != nil && l.now().Sub(l.loadedAt) < cacheDuration {
		return l.config
	}

	if l.path == "" {
		l.config = map[string]Profile{}
		l.loadedAt = l.now()
		return l.config
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		logger.Warnf("Profiles config not readable at %s: %v", l.path, err)
		if l.config == nil {
			l.config = map[string]Profile{"default": {Description: "Default"}}
		}
		return l.config
	}

	parsed := map[string]Profile{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		logger.Errorf("Error parsing profiles config %s: %v", l.path, err)
		if l.config == nil {
			l.config = map[string]Profile{"default": {Description: "Default"}}
		}
		return l.config
	}

	l.config = parsed
	l.loadedAt = l.now()
	logger.Infof("Loaded profiles from %s: %d profiles", l.path, len(parsed))
	return l.config
}

// Reload discards the cache so the next read hits the file.
func (l *Loader) Reload() {
	l.mu.Lock()
	l.loadedAt = time.Time{}
	l.mu.Unlock()
	l.load()
}

// Profile returns the named profile, or false when absent.
func (l *Loader) Profile(name string) (Profile, bool) {
	p, ok := l.load()[name]
	return p, ok
}

// UserConfig merges the profiles of the user's groups. Profiles apply
// cumulatively in ascending priority order: a higher-priority homepage or
// autofill set overrides a lower one, bookmarks accumulate with higher
// priority entries winning per URL. The "default" profile always
// participates when present.
func (l *Loader) UserConfig(userGroups []string) UserConfig {
	config := l.load()

	type member struct {
		name    string
		profile Profile
	}
	var members []member
	seen := map[string]bool{}
	for _, group := range userGroups {
		if profile, ok := config[group]; ok && !seen[group] {
			members = append(members, member{group, profile})
			seen[group] = true
		}
	}
	if !seen["default"] {
		if profile, ok := config["default"]; ok {
			members = append(members, member{"default", profile})
		}
	}

	sort.SliceStable(members, func(i, j int) bool {
		return members[i].profile.Priority < members[j].profile.Priority
	})

	result := UserConfig{Homepage: "about:blank"}
	byURL := map[string]int{}
	for _, m := range members {
		result.Groups = append(result.Groups, m.name)
		if m.profile.Homepage != "" {
			result.Homepage = m.profile.Homepage
		}
		if len(m.profile.Autofill) > 0 {
			result.Autofill = m.profile.Autofill
		}
		for _, bm := range m.profile.Bookmarks {
			if idx, ok := byURL[bm.URL]; ok {
				result.Bookmarks[idx] = bm
				continue
			}
			byURL[bm.URL] = len(result.Bookmarks)
			result.Bookmarks = append(result.Bookmarks, bm)
		}
	}
	return result
}

// String implements fmt.Stringer for log lines.
func (c UserConfig) String() string {
	return fmt.Sprintf("groups=%v bookmarks=%d homepage=%s autofill=%d",
		c.Groups, len(c.Bookmarks), c.Homepage, len(c.Autofill))
}
