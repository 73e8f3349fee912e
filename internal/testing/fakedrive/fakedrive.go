// Package fakedrive is an in-memory remote store with fault injection for
// tests of the mirror pipeline.
package fakedrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
)

// RootID is the identifier of the pre-created root folder
const RootID = "root"

// SharedID is the pre-created "Shared with me" view. Entries added under it
// are what a shared pseudo-root lists.
const SharedID = utils.SharedFolderAlias

type Op string

const (
	OpList     Op = "list"
	OpDownload Op = "download"
	OpExport   Op = "export"
)

type node struct {
	entry   types.RemoteEntry
	content []byte
	gone    bool
}

type streamFault struct {
	after int64
	err   error
	block bool
}

// Drive is a fake remote store. All methods are safe for concurrent use.
type Drive struct {
	mu       sync.Mutex
	nodes    map[string]*node
	children map[string][]string
	pageSize int

	faults       map[string][]error
	streamFaults map[string]streamFault
	calls        map[string]int
	exports      map[string][]string

	gate      chan struct{}
	open      int
	peakOpen  int
	startedCh chan string
}

// New returns a Drive containing only the root folder
func New() *Drive {
	d := &Drive{
		nodes:        make(map[string]*node),
		children:     make(map[string][]string),
		pageSize:     100,
		faults:       make(map[string][]error),
		streamFaults: make(map[string]streamFault),
		calls:        make(map[string]int),
		exports:      make(map[string][]string),
		gate:         make(chan struct{}),
	}
	d.nodes[RootID] = &node{entry: types.RemoteEntry{
		ID: RootID, Name: "My Drive", Kind: types.KindFolder,
		MimeType: utils.MimeTypeFolder, Size: types.UnknownSize,
	}}
	d.nodes[SharedID] = &node{entry: types.RemoteEntry{
		ID: SharedID, Name: "Shared with me", Kind: types.KindFolder,
		MimeType: utils.MimeTypeFolder, Size: types.UnknownSize,
	}}
	return d
}

// SetPageSize controls how many entries each ListChildren page returns
func (d *Drive) SetPageSize(n int) {
	d.mu.Lock()
	d.pageSize = n
	d.mu.Unlock()
}

func (d *Drive) add(parentID string, e types.RemoteEntry, content []byte) types.RemoteEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[parentID]; !ok {
		panic(fmt.Sprintf("fakedrive: unknown parent %q", parentID))
	}
	e.ParentID = parentID
	d.nodes[e.ID] = &node{entry: e, content: content}
	d.children[parentID] = append(d.children[parentID], e.ID)
	return e
}

func (d *Drive) AddFolder(parentID, id, name string) types.RemoteEntry {
	return d.add(parentID, types.RemoteEntry{
		ID: id, Name: name, Kind: types.KindFolder, MimeType: utils.MimeTypeFolder, Size: types.UnknownSize,
	}, nil)
}

func (d *Drive) AddFile(parentID, id, name string, content []byte) types.RemoteEntry {
	return d.add(parentID, types.RemoteEntry{
		ID: id, Name: name, Kind: types.KindBinary, MimeType: "application/octet-stream",
		Size: int64(len(content)), ModifiedTime: "2024-03-01T10:00:00Z",
	}, content)
}

// AddNative adds a provider-native document; every export returns content
func (d *Drive) AddNative(parentID, id, name string, subtype types.NativeSubtype, content []byte) types.RemoteEntry {
	mime := utils.MimeTypeDocument
	switch subtype {
	case types.SubtypeSpreadsheet:
		mime = utils.MimeTypeSpreadsheet
	case types.SubtypePresentation:
		mime = utils.MimeTypePresentation
	case types.SubtypeDrawing:
		mime = utils.MimeTypeDrawing
	}
	return d.add(parentID, types.RemoteEntry{
		ID: id, Name: name, Kind: types.KindNative, Subtype: subtype, MimeType: mime,
		Size: types.UnknownSize, ModifiedTime: "2024-03-02T10:00:00Z",
	}, content)
}

// AddEntry adds an arbitrary entry, for kinds the helpers do not cover
func (d *Drive) AddEntry(parentID string, e types.RemoteEntry, content []byte) types.RemoteEntry {
	return d.add(parentID, e, content)
}

// Remove deletes an entry as if it vanished remotely. Its listing in the
// parent stays, which simulates deletion between listing and fetch.
func (d *Drive) Remove(id string) {
	d.mu.Lock()
	if n, ok := d.nodes[id]; ok {
		n.gone = true
	}
	d.mu.Unlock()
}

// FailNext queues errs to be returned, in order, by the next calls of op on id
func (d *Drive) FailNext(op Op, id string, errs ...error) {
	d.mu.Lock()
	key := string(op) + ":" + id
	d.faults[key] = append(d.faults[key], errs...)
	d.mu.Unlock()
}

// FailStreamAfter makes the next content stream of id fail with err after
// n bytes have been read
func (d *Drive) FailStreamAfter(id string, n int64, err error) {
	d.mu.Lock()
	d.streamFaults[id] = streamFault{after: n, err: err}
	d.mu.Unlock()
}

// BlockStreamAfter makes streams of id stall after n bytes until Release is
// called or the caller's context ends
func (d *Drive) BlockStreamAfter(id string, n int64) {
	d.mu.Lock()
	d.streamFaults[id] = streamFault{after: n, block: true}
	d.mu.Unlock()
}

// Release unblocks every stalled stream
func (d *Drive) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.gate:
	default:
		close(d.gate)
	}
}

// StreamStarted returns a channel receiving the ID of each opened stream
func (d *Drive) StreamStarted() <-chan string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startedCh == nil {
		d.startedCh = make(chan string, 1024)
	}
	return d.startedCh
}

// Calls returns how many times op was invoked for id
func (d *Drive) Calls(op Op, id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[string(op)+":"+id]
}

// ExportedAs returns the MIME types requested when exporting id
func (d *Drive) ExportedAs(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.exports[id]...)
}

// PeakOpenStreams is the largest number of simultaneously open streams
func (d *Drive) PeakOpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peakOpen
}

// begin records a call and pops a queued fault, with d.mu held
func (d *Drive) begin(op Op, id string) error {
	key := string(op) + ":" + id
	d.calls[key]++
	if q := d.faults[key]; len(q) > 0 {
		d.faults[key] = q[1:]
		return q[0]
	}
	return nil
}

func (d *Drive) ListChildren(ctx context.Context, folderID, pageToken string) (types.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return types.ListPage{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpList, folderID); err != nil {
		return types.ListPage{}, err
	}
	folder, ok := d.nodes[folderID]
	if !ok || folder.gone || !folder.entry.IsFolder() {
		return types.ListPage{}, NotFound(folderID)
	}

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return types.ListPage{}, fmt.Errorf("fakedrive: bad page token %q", pageToken)
		}
		start = n
	}

	ids := d.children[folderID]
	end := start + d.pageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := types.ListPage{}
	// removed entries stay listed, like a stale page would show them
	for _, id := range ids[start:end] {
		page.Entries = append(page.Entries, d.nodes[id].entry)
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (d *Drive) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return d.stream(ctx, OpDownload, fileID, "")
}

func (d *Drive) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	return d.stream(ctx, OpExport, fileID, mimeType)
}

func (d *Drive) stream(ctx context.Context, op Op, id, mimeType string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(op, id); err != nil {
		return nil, err
	}
	n, ok := d.nodes[id]
	if !ok || n.gone {
		return nil, NotFound(id)
	}
	switch {
	case op == OpDownload && n.entry.Kind != types.KindBinary:
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeUnknown, "only binary files can be downloaded").Build())
	case op == OpExport && n.entry.Kind != types.KindNative:
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeUnknown, "only native documents can be exported").Build())
	}
	if op == OpExport {
		d.exports[id] = append(d.exports[id], mimeType)
	}

	r := &reader{ctx: ctx, d: d, id: id, r: bytes.NewReader(n.content), limit: -1}
	if f, ok := d.streamFaults[id]; ok {
		delete(d.streamFaults, id)
		r.limit, r.err, r.block = f.after, f.err, f.block
	}
	d.open++
	if d.open > d.peakOpen {
		d.peakOpen = d.open
	}
	if d.startedCh != nil {
		select {
		case d.startedCh <- id:
		default:
		}
	}
	return r, nil
}

type reader struct {
	ctx    context.Context
	d      *Drive
	id     string
	r      *bytes.Reader
	read   int64
	limit  int64
	err    error
	block  bool
	closed bool
}

func (r *reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.limit >= 0 && r.read >= r.limit {
		if !r.block {
			return 0, r.err
		}
		r.d.mu.Lock()
		gate := r.d.gate
		r.d.mu.Unlock()
		select {
		case <-gate:
			r.limit = -1
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if r.limit >= 0 && int64(len(p)) > r.limit-r.read {
		p = p[:r.limit-r.read]
	}
	n, err := r.r.Read(p)
	r.read += int64(n)
	return n, err
}

func (r *reader) Close() error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.d.open--
	}
	return nil
}

// FindChildren returns the children of parentID named name, sorted by ID
func (d *Drive) FindChildren(ctx context.Context, parentID, name string) ([]types.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[parentID]; !ok || n.gone {
		return nil, NotFound(parentID)
	}
	var out []types.RemoteEntry
	for _, id := range d.children[parentID] {
		if n := d.nodes[id]; !n.gone && n.entry.Name == name {
			out = append(out, n.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Drive) GetEntry(ctx context.Context, id string) (types.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return types.RemoteEntry{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok || n.gone {
		return types.RemoteEntry{}, NotFound(id)
	}
	return n.entry, nil
}

// Error constructors mirroring what the Drive adapter produces after
// classification.

func RateLimited() error {
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeRateLimited, "User rate limit exceeded").
		WithHTTPStatus(429).WithRetryable(true).Build())
}

func Transient() error {
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeNetworkError, "connection reset by peer").
		WithRetryable(true).Build())
}

func AuthExpired() error {
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthExpired, "Invalid Credentials").
		WithHTTPStatus(401).Build())
}

func NotFound(id string) error {
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeFileNotFound, "File not found: "+id).
		WithHTTPStatus(404).Build())
}
