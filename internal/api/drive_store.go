package api

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	listFields = "nextPageToken, files(id,name,mimeType,size,md5Checksum,modifiedTime,parents,resourceKey)"
	getFields  = "id,name,mimeType,size,md5Checksum,modifiedTime,parents,resourceKey"
)

// DriveStoreOptions configures a DriveStore
type DriveStoreOptions struct {
	// DriveID selects a shared drive; empty means My Drive
	DriveID  string
	PageSize int64
	Keys     *ResourceKeyManager
	Logger   logging.Logger
}

// DriveStore is the remote store backed by the Drive v3 API. It performs
// single attempts only; retries and the concurrency ceiling belong to the
// Governor wrapped around each call.
type DriveStore struct {
	service  *drive.Service
	driveID  string
	pageSize int64
	keys     *ResourceKeyManager
	logger   logging.Logger
}

func NewDriveStore(service *drive.Service, opts DriveStoreOptions) *DriveStore {
	if opts.PageSize <= 0 || opts.PageSize > utils.DefaultPageSize {
		opts.PageSize = utils.DefaultPageSize
	}
	if opts.Keys == nil {
		opts.Keys = NewResourceKeyManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &DriveStore{
		service:  service,
		driveID:  opts.DriveID,
		pageSize: opts.PageSize,
		keys:     opts.Keys,
		logger:   opts.Logger,
	}
}

// ResourceKeys exposes the key cache so callers can seed it from URLs
func (s *DriveStore) ResourceKeys() *ResourceKeyManager {
	return s.keys
}

func (s *DriveStore) folderID(id string) string {
	if id == utils.RootFolderAlias && s.driveID != "" {
		return s.driveID
	}
	return id
}

func (s *DriveStore) shapeList(call *drive.FilesListCall) *drive.FilesListCall {
	call = call.SupportsAllDrives(true).IncludeItemsFromAllDrives(true)
	if s.driveID != "" {
		call = call.Corpora("drive").DriveId(s.driveID)
	}
	return call
}

// ListChildren returns one page of the non-trashed children of folderID.
// utils.SharedFolderAlias lists the top of "Shared with me" instead.
func (s *DriveStore) ListChildren(ctx context.Context, folderID, pageToken string) (types.ListPage, error) {
	parent := s.folderID(folderID)
	var call *drive.FilesListCall
	if folderID == utils.SharedFolderAlias {
		call = s.service.Files.List().Q("sharedWithMe = true and trashed = false").Corpora("user")
	} else {
		query := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parent))
		call = s.shapeList(s.service.Files.List().Q(query))
	}

	call = call.PageSize(s.pageSize).
		Fields(googleapi.Field(listFields)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	if header := s.keys.BuildHeader(parent); header != "" {
		call.Header().Set(ResourceKeyHeader, header)
	}

	result, err := call.Do()
	if err != nil {
		return types.ListPage{}, err
	}

	page := types.ListPage{
		Entries:       make([]types.RemoteEntry, 0, len(result.Files)),
		NextPageToken: result.NextPageToken,
	}
	for _, f := range result.Files {
		s.keys.AddKey(f.Id, f.ResourceKey)
		page.Entries = append(page.Entries, toRemoteEntry(f, folderID))
	}
	return page, nil
}

// FindChildren lists children of parentID whose name is exactly name
func (s *DriveStore) FindChildren(ctx context.Context, parentID, name string) ([]types.RemoteEntry, error) {
	parent := s.folderID(parentID)
	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", escapeQuery(parent), escapeQuery(name))

	var entries []types.RemoteEntry
	err := s.shapeList(s.service.Files.List().Q(query)).
		PageSize(s.pageSize).
		Fields(googleapi.Field(listFields)).
		Pages(ctx, func(list *drive.FileList) error {
			for _, f := range list.Files {
				s.keys.AddKey(f.Id, f.ResourceKey)
				entries = append(entries, toRemoteEntry(f, parentID))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetEntry fetches metadata for a single file or folder
func (s *DriveStore) GetEntry(ctx context.Context, fileID string) (types.RemoteEntry, error) {
	call := s.service.Files.Get(s.folderID(fileID)).
		SupportsAllDrives(true).
		Fields(googleapi.Field(getFields)).
		Context(ctx)
	if header := s.keys.BuildHeader(fileID); header != "" {
		call.Header().Set(ResourceKeyHeader, header)
	}

	f, err := call.Do()
	if err != nil {
		return types.RemoteEntry{}, err
	}
	s.keys.AddKey(f.Id, f.ResourceKey)
	parent := ""
	if len(f.Parents) > 0 {
		parent = f.Parents[0]
	}
	return toRemoteEntry(f, parent), nil
}

// Download opens the raw content stream of a binary file
func (s *DriveStore) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	call := s.service.Files.Get(fileID).SupportsAllDrives(true).Context(ctx)
	if header := s.keys.BuildHeader(fileID); header != "" {
		call.Header().Set(ResourceKeyHeader, header)
	}
	resp, err := call.Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Export opens a stream of a native document converted to mimeType
func (s *DriveStore) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	call := s.service.Files.Export(fileID, mimeType).Context(ctx)
	if header := s.keys.BuildHeader(fileID); header != "" {
		call.Header().Set(ResourceKeyHeader, header)
	}
	resp, err := call.Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func toRemoteEntry(f *drive.File, parentID string) types.RemoteEntry {
	kind, subtype := utils.ClassifyMimeType(f.MimeType)
	size := f.Size
	if kind != types.KindBinary {
		size = types.UnknownSize
	}
	return types.RemoteEntry{
		ID:           f.Id,
		Name:         f.Name,
		Kind:         kind,
		Subtype:      subtype,
		Size:         size,
		ParentID:     parentID,
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime,
		MD5Checksum:  f.Md5Checksum,
	}
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
