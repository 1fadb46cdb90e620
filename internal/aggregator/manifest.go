package aggregator

import (
	"encoding/json"
	"regexp"
	"sort"
	"time"
)

// ManifestFile is the name of the index written into every version directory
const ManifestFile = "manifest.json"

// Manifest lists the profiles making up one dataset version
type Manifest struct {
	DeploymentID string    `json:"deployment_id"`
	Version      string    `json:"version"`
	Generation   int64     `json:"generation"`
	QCGeneration int64     `json:"qc_generation"`
	CreatedAt    time.Time `json:"created_at"`
	Profiles     []Profile `json:"profiles"`
}

// Profile is one source file revision included in a version
type Profile struct {
	Key          string    `json:"key"`
	File         string    `json:"file"`
	SourcePath   string    `json:"source_path"`
	SourceFileID string    `json:"source_file_id,omitempty"`
	ContentHash  string    `json:"content_hash"`
	ModTime      time.Time `json:"mod_time"`
}

// Find returns the profile with the given identity
func (m *Manifest) Find(key string) (Profile, bool) {
	for _, p := range m.Profiles {
		if p.Key == key {
			return p, true
		}
	}
	return Profile{}, false
}

// Keys returns the profile identities in the version
func (m *Manifest) Keys() []string {
	keys := make([]string, len(m.Profiles))
	for i, p := range m.Profiles {
		keys[i] = p.Key
	}
	return keys
}

func (m *Manifest) put(p Profile) {
	for i := range m.Profiles {
		if m.Profiles[i].Key == p.Key {
			m.Profiles[i] = p
			return
		}
	}
	m.Profiles = append(m.Profiles, p)
	sort.Slice(m.Profiles, func(i, j int) bool { return m.Profiles[i].Key < m.Profiles[j].Key })
}

func (m *Manifest) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Supersedes reports whether revision p replaces existing under the
// replacement rule: newer modification time wins, equal times fall back to
// the greater content hash so replay order never changes the outcome.
func (p Profile) Supersedes(existing Profile) bool {
	if !p.ModTime.Equal(existing.ModTime) {
		return p.ModTime.After(existing.ModTime)
	}
	return p.ContentHash > existing.ContentHash
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// profileFileName maps a profile identity to a file name within a version
func profileFileName(key string) string {
	return unsafeFileChars.ReplaceAllString(key, "_") + ".nc"
}
