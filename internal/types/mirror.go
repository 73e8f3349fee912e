package types

import "time"

// EntryKind is the closed set of remote entry kinds the engine understands
type EntryKind string

const (
	KindFolder      EntryKind = "folder"
	KindBinary      EntryKind = "binary"
	KindNative      EntryKind = "native"
	KindUnsupported EntryKind = "unsupported"
)

// NativeSubtype identifies the flavour of a provider-native document
type NativeSubtype string

const (
	SubtypeNone         NativeSubtype = ""
	SubtypeDocument     NativeSubtype = "document"
	SubtypeSpreadsheet  NativeSubtype = "spreadsheet"
	SubtypePresentation NativeSubtype = "presentation"
	SubtypeDrawing      NativeSubtype = "drawing"
	SubtypeOther        NativeSubtype = "other"
)

// NativeSubtypes lists every exportable subtype in a stable order
var NativeSubtypes = []NativeSubtype{
	SubtypeDocument,
	SubtypeSpreadsheet,
	SubtypePresentation,
	SubtypeDrawing,
	SubtypeOther,
}

// UnknownSize marks entries whose byte size the provider does not report
const UnknownSize int64 = -1

// RemoteEntry is an immutable snapshot of one remote file or folder
type RemoteEntry struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Kind         EntryKind     `json:"kind"`
	Subtype      NativeSubtype `json:"subtype,omitempty"`
	Size         int64         `json:"size"`
	ParentID     string        `json:"parentId,omitempty"`
	MimeType     string        `json:"mimeType"`
	ModifiedTime string        `json:"modifiedTime,omitempty"`
	MD5Checksum  string        `json:"md5Checksum,omitempty"`
}

// IsFolder reports whether the entry is a folder
func (e RemoteEntry) IsFolder() bool {
	return e.Kind == KindFolder
}

// TargetKind is the expected kind of a local target
type TargetKind string

const (
	TargetDirectory TargetKind = "directory"
	TargetFile      TargetKind = "file"
)

// LocalTarget is the local destination derived from a remote entry
type LocalTarget struct {
	Path    string     `json:"path"`
	RelPath string     `json:"relPath"`
	Kind    TargetKind `json:"kind"`
}

// TransferAction selects how a task's bytes are obtained
type TransferAction string

const (
	ActionRawCopy TransferAction = "raw-copy"
	ActionExport  TransferAction = "export"
)

// TransferTask pairs a remote entry with its destination
type TransferTask struct {
	Entry          RemoteEntry    `json:"entry"`
	Target         LocalTarget    `json:"target"`
	Action         TransferAction `json:"action"`
	ExportMimeType string         `json:"exportMimeType,omitempty"`
}

// TaskState is the terminal state of a transfer task
type TaskState string

const (
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateSkipped   TaskState = "skipped"
)

// ErrorKind classifies failures for retry and reporting decisions
type ErrorKind string

const (
	ErrKindNone      ErrorKind = ""
	ErrKindTransient ErrorKind = "transient-network"
	ErrKindRateLimit ErrorKind = "rate-limited"
	ErrKindAuth      ErrorKind = "auth-expired-or-revoked"
	ErrKindNotFound  ErrorKind = "not-found-or-deleted-remotely"
	ErrKindLocalIO   ErrorKind = "local-io-error"
	ErrKindCancelled ErrorKind = "cancelled"
	ErrKindUnknown   ErrorKind = "unknown"
)

// TransferOutcome is the result of executing one TransferTask
type TransferOutcome struct {
	Task     TransferTask  `json:"task"`
	State    TaskState     `json:"state"`
	Bytes    int64         `json:"bytes"`
	ErrKind  ErrorKind     `json:"errorKind,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// RunTotals aggregates the outcomes of one mirror run
type RunTotals struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Folders   int `json:"folders"`
	Excluded  int `json:"excluded"`
	// Planned counts transfers a dry run would have performed
	Planned  int           `json:"planned,omitempty"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Headers implements TableRenderer
func (t RunTotals) Headers() []string {
	return []string{"Completed", "Skipped", "Failed", "Folders", "Excluded", "Planned", "Bytes", "Duration"}
}

// Rows implements TableRenderer
func (t RunTotals) Rows() [][]string {
	return [][]string{{
		itoa(int64(t.Completed)),
		itoa(int64(t.Skipped)),
		itoa(int64(t.Failed)),
		itoa(int64(t.Folders)),
		itoa(int64(t.Excluded)),
		itoa(int64(t.Planned)),
		itoa(t.Bytes),
		t.Duration.Round(time.Millisecond).String(),
	}}
}

// EmptyMessage implements TableRenderer
func (t RunTotals) EmptyMessage() string {
	return "Nothing to mirror"
}

// ListPage is one page of a folder listing
type ListPage struct {
	Entries       []RemoteEntry `json:"entries"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}
