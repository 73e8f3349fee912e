package api

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ResourceKeyHeader carries resource keys for link-shared files
const ResourceKeyHeader = "X-Goog-Drive-Resource-Keys"

var (
	fileIDPattern      = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
	folderIDPattern    = regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`)
	openIDPattern      = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	resourceKeyPattern = regexp.MustCompile(`resourcekey=([a-zA-Z0-9_-]+)`)
)

// ResourceKeyManager remembers the resource keys seen during a run so that
// downloads of link-shared files can present them.
type ResourceKeyManager struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewResourceKeyManager() *ResourceKeyManager {
	return &ResourceKeyManager{keys: make(map[string]string)}
}

// AddKey records the resource key for a file; empty keys are ignored
func (m *ResourceKeyManager) AddKey(fileID, resourceKey string) {
	if fileID == "" || resourceKey == "" {
		return
	}
	m.mu.Lock()
	m.keys[fileID] = resourceKey
	m.mu.Unlock()
}

func (m *ResourceKeyManager) GetKey(fileID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[fileID]
	return key, ok
}

// BuildHeader returns the header value for the given files, or "" when none
// of them has a known key. Pairs are sorted for a stable value.
func (m *ResourceKeyManager) BuildHeader(fileIDs ...string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pairs []string
	for _, id := range fileIDs {
		if key, ok := m.keys[id]; ok {
			pairs = append(pairs, id+"/"+key)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// ParseDriveURL extracts a file or folder ID, and its resource key when
// present, from a drive.google.com sharing URL.
func ParseDriveURL(url string) (id string, resourceKey string, ok bool) {
	if !strings.HasPrefix(url, "https://drive.google.com/") {
		return "", "", false
	}

	var match []string
	for _, p := range []*regexp.Regexp{fileIDPattern, folderIDPattern, openIDPattern} {
		if match = p.FindStringSubmatch(url); match != nil {
			break
		}
	}
	if match == nil {
		return "", "", false
	}

	if rk := resourceKeyPattern.FindStringSubmatch(url); rk != nil {
		return match[1], rk[1], true
	}
	return match[1], "", true
}
