package types

// RequestType categorises outbound calls for logging
type RequestType string

const (
	RequestTypeListOrSearch RequestType = "list_or_search"
	RequestTypeGetByID      RequestType = "get_by_id"
	RequestTypeDownload     RequestType = "download"
	RequestTypeExport       RequestType = "export"
)

// RequestContext carries per-request tracing metadata
type RequestContext struct {
	Profile           string      `json:"profile"`
	DriveID           string      `json:"driveId,omitempty"`
	InvolvedFileIDs   []string    `json:"involvedFileIds"`
	InvolvedParentIDs []string    `json:"involvedParentIds"`
	RequestType       RequestType `json:"requestType"`
	TraceID           string      `json:"traceId"`
}

// GlobalFlags are the persistent CLI flags
type GlobalFlags struct {
	// Account names the stored credential set
	Account      string
	OutputFormat OutputFormat
	Quiet        bool
	Verbose      bool
	Debug        bool
	// ConfigDir overrides the configuration directory
	ConfigDir string
	LogFile   string
	JSON      bool
}
