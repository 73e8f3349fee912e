package utils

import (
	"strings"

	"github.com/dl-alexandre/gdmirror/internal/types"
)

// OAuth scopes
const (
	ScopeReadonly         = "https://www.googleapis.com/auth/drive.readonly"
	ScopeMetadataReadonly = "https://www.googleapis.com/auth/drive.metadata.readonly"
)

// ScopesMirror is the read-only scope set a mirror run needs
var ScopesMirror = []string{ScopeReadonly}

// Drive API base URL
const DriveAPIBase = "https://www.googleapis.com/drive/v3"

// Retry configuration
const (
	DefaultRateLimitAttempts = 5
	DefaultTransientAttempts = 3
	DefaultRetryDelayMs      = 1000
	DefaultTransientDelayMs  = 250
	MaxRetryDelayMs          = 32000
)

// Transfer configuration
const (
	DefaultConcurrency = 4
	MaxConcurrency     = 64
	DefaultPageSize    = 1000
	// MaxNameBytes bounds a single sanitized path component
	MaxNameBytes = 240
	// PartialSuffix marks in-progress downloads that are not yet at their final path
	PartialSuffix = ".partial"
)

// Schema version
const SchemaVersion = "1.0"

// RootFolderAlias addresses the top of My Drive
const RootFolderAlias = "root"

// SharedFolderAlias addresses the items other users shared with the account.
// It is not a real folder: its listing is the "Shared with me" view.
const SharedFolderAlias = "shared"

// Google Workspace MIME types
const (
	MimeTypeDocument     = "application/vnd.google-apps.document"
	MimeTypeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimeTypePresentation = "application/vnd.google-apps.presentation"
	MimeTypeDrawing      = "application/vnd.google-apps.drawing"
	MimeTypeForm         = "application/vnd.google-apps.form"
	MimeTypeScript       = "application/vnd.google-apps.script"
	MimeTypeFolder       = "application/vnd.google-apps.folder"
	MimeTypeShortcut     = "application/vnd.google-apps.shortcut"
	MimeTypeSite         = "application/vnd.google-apps.site"
	MimeTypeMap          = "application/vnd.google-apps.map"
	MimeTypeJam          = "application/vnd.google-apps.jam"

	workspacePrefix = "application/vnd.google-apps."
)

// FormatMappings maps convenience format names to MIME types
var FormatMappings = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odt":  "application/vnd.oasis.opendocument.text",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"rtf":  "application/rtf",
	"epub": "application/epub+zip",
	"txt":  "text/plain",
	"html": "text/html",
	"csv":  "text/csv",
	"tsv":  "text/tab-separated-values",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"svg":  "image/svg+xml",
}

// DefaultExportFormats is used for any subtype the caller does not configure
var DefaultExportFormats = map[types.NativeSubtype]string{
	types.SubtypeDocument:     "docx",
	types.SubtypeSpreadsheet:  "xlsx",
	types.SubtypePresentation: "pptx",
	types.SubtypeDrawing:      "pdf",
	types.SubtypeOther:        "pdf",
}

// IsWorkspaceMimeType checks if a MIME type is a Google Workspace type
func IsWorkspaceMimeType(mimeType string) bool {
	return strings.HasPrefix(mimeType, workspacePrefix)
}

// ClassifyMimeType maps a Drive MIME type onto the engine's closed kind set
func ClassifyMimeType(mimeType string) (types.EntryKind, types.NativeSubtype) {
	switch mimeType {
	case MimeTypeFolder:
		return types.KindFolder, types.SubtypeNone
	case MimeTypeDocument:
		return types.KindNative, types.SubtypeDocument
	case MimeTypeSpreadsheet:
		return types.KindNative, types.SubtypeSpreadsheet
	case MimeTypePresentation:
		return types.KindNative, types.SubtypePresentation
	case MimeTypeDrawing:
		return types.KindNative, types.SubtypeDrawing
	case MimeTypeShortcut, MimeTypeForm, MimeTypeScript, MimeTypeSite, MimeTypeMap:
		return types.KindUnsupported, types.SubtypeNone
	}
	if IsWorkspaceMimeType(mimeType) {
		return types.KindNative, types.SubtypeOther
	}
	return types.KindBinary, types.SubtypeNone
}

// IsKnownFormat reports whether name is a recognised export format
func IsKnownFormat(name string) bool {
	_, ok := FormatMappings[strings.ToLower(name)]
	return ok
}

// FormatMimeType returns the MIME type for a format name
func FormatMimeType(name string) (string, bool) {
	mime, ok := FormatMappings[strings.ToLower(name)]
	return mime, ok
}

// ParseSubtype converts a user supplied subtype name
func ParseSubtype(name string) (types.NativeSubtype, bool) {
	s := types.NativeSubtype(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range types.NativeSubtypes {
		if s == known {
			return s, true
		}
	}
	return types.SubtypeNone, false
}
