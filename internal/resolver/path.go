package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/jonboulle/clockwork"
)

// Finder is the metadata side of the remote store
type Finder interface {
	FindChildren(ctx context.Context, parentID, name string) ([]types.RemoteEntry, error)
	GetEntry(ctx context.Context, id string) (types.RemoteEntry, error)
}

// PathResolver turns a root argument (folder ID, Drive URL, "root", "shared"
// or a slash-separated Drive path) into the remote folder to mirror
type PathResolver struct {
	finder   Finder
	gov      *api.Governor
	keys     *api.ResourceKeyManager
	clock    clockwork.Clock
	cache    *pathCache
	cacheTTL time.Duration
}

type pathCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	entry     types.RemoteEntry
	timestamp time.Time
}

// NewPathResolver creates a resolver. keys may be nil; when set, resource
// keys found in Drive URLs are registered there.
func NewPathResolver(finder Finder, gov *api.Governor, keys *api.ResourceKeyManager, cacheTTL time.Duration) *PathResolver {
	return &PathResolver{
		finder:   finder,
		gov:      gov,
		keys:     keys,
		clock:    clockwork.NewRealClock(),
		cacheTTL: cacheTTL,
		cache: &pathCache{
			entries: make(map[string]cacheEntry),
		},
	}
}

// ResolveOptions configures path resolution
type ResolveOptions struct {
	DriveID string
	// StrictMode fails on ambiguous segments instead of picking deterministically
	StrictMode bool
	UseCache   bool
}

// ResolveResult contains path resolution results
type ResolveResult struct {
	Entry     types.RemoteEntry
	Ambiguous bool
	Cached    bool
	Matches   []types.RemoteEntry
}

// Resolve resolves arg to a remote entry
func (r *PathResolver) Resolve(ctx context.Context, reqCtx *types.RequestContext, arg string, opts ResolveOptions) (*ResolveResult, error) {
	arg = strings.TrimSpace(arg)
	reqCtx = api.DeriveRequestContext(reqCtx, types.RequestTypeGetByID)
	if opts.DriveID != "" {
		reqCtx.DriveID = opts.DriveID
	}

	switch {
	case arg == "" || arg == "/" || arg == utils.RootFolderAlias:
		return &ResolveResult{Entry: rootEntry(opts.DriveID)}, nil
	case arg == utils.SharedFolderAlias:
		if opts.DriveID != "" {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
				"Shared with me cannot be combined with a shared drive").
				WithContext("driveId", opts.DriveID).
				Build())
		}
		return &ResolveResult{Entry: sharedEntry()}, nil
	case strings.HasPrefix(arg, "https://"), strings.HasPrefix(arg, "http://"):
		id, key, ok := api.ParseDriveURL(arg)
		if !ok {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidPath,
				fmt.Sprintf("Not a Google Drive URL: %s", arg)).Build())
		}
		if key != "" && r.keys != nil {
			r.keys.AddKey(id, key)
		}
		return r.byID(ctx, reqCtx, id)
	case strings.Contains(arg, "/"):
		return r.resolvePath(ctx, reqCtx, normalizePath(arg), opts)
	}
	return r.byID(ctx, reqCtx, arg)
}

// ResolveFolder is Resolve restricted to folders
func (r *PathResolver) ResolveFolder(ctx context.Context, reqCtx *types.RequestContext, arg string, opts ResolveOptions) (*ResolveResult, error) {
	res, err := r.Resolve(ctx, reqCtx, arg, opts)
	if err != nil {
		return nil, err
	}
	if !res.Entry.IsFolder() {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("%s is not a folder", arg)).
			WithContext("id", res.Entry.ID).
			WithContext("mimeType", res.Entry.MimeType).
			Build())
	}
	return res, nil
}

func rootEntry(driveID string) types.RemoteEntry {
	name := "My Drive"
	if driveID != "" {
		name = driveID
	}
	return types.RemoteEntry{
		ID:       utils.RootFolderAlias,
		Name:     name,
		Kind:     types.KindFolder,
		MimeType: utils.MimeTypeFolder,
		Size:     types.UnknownSize,
	}
}

func sharedEntry() types.RemoteEntry {
	return types.RemoteEntry{
		ID:       utils.SharedFolderAlias,
		Name:     "Shared with me",
		Kind:     types.KindFolder,
		MimeType: utils.MimeTypeFolder,
		Size:     types.UnknownSize,
	}
}

func (r *PathResolver) byID(ctx context.Context, reqCtx *types.RequestContext, id string) (*ResolveResult, error) {
	api.WithFileIDs(reqCtx, id)
	entry, err := api.ExecuteWithRetry(ctx, r.gov, reqCtx, func(ctx context.Context) (types.RemoteEntry, error) {
		return r.finder.GetEntry(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &ResolveResult{Entry: entry}, nil
}

// resolvePath walks path segment by segment from the drive root
func (r *PathResolver) resolvePath(ctx context.Context, reqCtx *types.RequestContext, path string, opts ResolveOptions) (*ResolveResult, error) {
	if path == "" {
		return &ResolveResult{Entry: rootEntry(opts.DriveID)}, nil
	}

	key := cacheKey(path, opts.DriveID)
	if opts.UseCache {
		if cached, ok := r.checkCache(key); ok {
			return &ResolveResult{Entry: cached, Cached: true}, nil
		}
	}

	segments := strings.Split(path, "/")
	current := rootEntry(opts.DriveID)
	result := &ResolveResult{}

	for i, segment := range segments {
		if segment == "" {
			continue
		}
		if !current.IsFolder() {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidPath,
				fmt.Sprintf("Not a folder: %s", strings.Join(segments[:i], "/"))).
				WithContext("path", path).
				Build())
		}

		parentID := current.ID
		listCtx := api.WithParentIDs(api.DeriveRequestContext(reqCtx, types.RequestTypeListOrSearch), parentID)
		matches, err := api.ExecuteWithRetry(ctx, r.gov, listCtx, func(ctx context.Context) ([]types.RemoteEntry, error) {
			return r.finder.FindChildren(ctx, parentID, segment)
		})
		if err != nil {
			return nil, err
		}

		if len(matches) == 0 {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeFileNotFound,
				fmt.Sprintf("Path segment not found: %s (at %s)", segment, strings.Join(segments[:i+1], "/"))).
				WithContext("path", path).
				WithContext("segment", segment).
				Build())
		}

		if len(matches) > 1 {
			if opts.StrictMode {
				return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAmbiguousPath,
					fmt.Sprintf("Ambiguous path: multiple matches for '%s'", segment)).
					WithContext("path", path).
					WithContext("matchCount", len(matches)).
					Build())
			}
			sortMatches(matches)
			result.Ambiguous = true
		}

		current = matches[0]
		result.Matches = matches
	}

	result.Entry = current
	if opts.UseCache {
		r.updateCache(key, current)
	}
	return result, nil
}

// sortMatches orders same-name siblings: real entries before shortcuts,
// folders before files, then by ID for stability
func sortMatches(matches []types.RemoteEntry) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		aShortcut := a.MimeType == utils.MimeTypeShortcut
		bShortcut := b.MimeType == utils.MimeTypeShortcut
		if aShortcut != bShortcut {
			return bShortcut
		}
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return a.ID < b.ID
	})
}

func (r *PathResolver) checkCache(key string) (types.RemoteEntry, bool) {
	r.cache.mu.RLock()
	defer r.cache.mu.RUnlock()

	entry, ok := r.cache.entries[key]
	if !ok {
		return types.RemoteEntry{}, false
	}
	if r.clock.Since(entry.timestamp) > r.cacheTTL {
		return types.RemoteEntry{}, false
	}
	return entry.entry, true
}

func (r *PathResolver) updateCache(key string, entry types.RemoteEntry) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()

	r.cache.entries[key] = cacheEntry{
		entry:     entry,
		timestamp: r.clock.Now(),
	}
}

// ClearCache removes all cached entries
func (r *PathResolver) ClearCache() {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()

	r.cache.entries = make(map[string]cacheEntry)
}

func cacheKey(path, driveID string) string {
	return driveID + ":" + path
}

func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	return path
}
