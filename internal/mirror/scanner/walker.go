// Package scanner walks a remote folder tree breadth-first.
package scanner

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/mirror/exclude"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
)

// Lister is the part of the remote store the walker needs
type Lister interface {
	ListChildren(ctx context.Context, folderID, pageToken string) (types.ListPage, error)
}

// Item is one step of a walk. A normal item carries an entry and the
// slash-separated remote path of its parent. A failed item (Err != nil)
// reports that the listing of Entry, a folder, gave up; nothing below it
// will be yielded.
type Item struct {
	Entry      types.RemoteEntry
	ParentPath string
	Err        error
}

// RemotePath is the slash-separated path of the entry from the walk root
func (it Item) RemotePath() string {
	if it.ParentPath == "" {
		return it.Entry.Name
	}
	return path.Join(it.ParentPath, it.Entry.Name)
}

// Failed reports whether the item is a failed branch
func (it Item) Failed() bool { return it.Err != nil }

// Vanished reports whether the branch failed because the folder was deleted
// remotely after its parent was listed
func (it Item) Vanished() bool {
	return it.Err != nil && utils.KindOf(it.Err) == types.ErrKindNotFound
}

type Options struct {
	Exclude *exclude.Matcher
	// Buffer is the capacity of the item channel
	Buffer int
	Logger logging.Logger
	// OnExcluded is called for each entry dropped by Exclude
	OnExcluded func(Item)
	// RequestContext seeds the trace ID of listing calls
	RequestContext *types.RequestContext
}

// Walker lists folders through a Governor and streams their contents
type Walker struct {
	store Lister
	gov   *api.Governor
	opts  Options

	mu  sync.Mutex
	err error
}

func NewWalker(store Lister, gov *api.Governor, opts Options) *Walker {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Walker{store: store, gov: gov, opts: opts}
}

type folderNode struct {
	entry types.RemoteEntry
	path  string
}

// Walk streams the tree under root. Folders precede their contents and
// siblings are ordered by (name, id), so the sequence depends only on the
// tree shape. The channel is closed when the walk ends; Err then reports a
// fatal error, if any.
func (w *Walker) Walk(ctx context.Context, root types.RemoteEntry) <-chan Item {
	out := make(chan Item, w.opts.Buffer)
	go func() {
		defer close(out)
		w.setErr(w.walk(ctx, root, out))
	}()
	return out
}

// Err returns the error that ended the walk early: an auth failure or
// cancellation. Only valid after the Walk channel is closed.
func (w *Walker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Walker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *Walker) walk(ctx context.Context, root types.RemoteEntry, out chan<- Item) error {
	queue := []folderNode{{entry: root, path: ""}}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		children, err := w.listAll(ctx, node.entry.ID)
		if err != nil {
			switch utils.KindOf(err) {
			case types.ErrKindAuth, types.ErrKindCancelled:
				return err
			}
			msg := "Folder listing failed"
			if utils.KindOf(err) == types.ErrKindNotFound {
				msg = "Folder vanished remotely"
			}
			w.opts.Logger.Warn(msg,
				logging.F("folderId", node.entry.ID),
				logging.F("path", node.path),
				logging.F("kind", string(utils.KindOf(err))),
			)
			parentPath := path.Dir(node.path)
			if parentPath == "." {
				parentPath = ""
			}
			if !send(ctx, out, Item{Entry: node.entry, ParentPath: parentPath, Err: err}) {
				return ctx.Err()
			}
			continue
		}

		for _, child := range children {
			item := Item{Entry: child, ParentPath: node.path}
			if w.opts.Exclude.IsExcluded(item.RemotePath(), child.IsFolder()) {
				if w.opts.OnExcluded != nil {
					w.opts.OnExcluded(item)
				}
				continue
			}
			if !send(ctx, out, item) {
				return ctx.Err()
			}
			if child.IsFolder() {
				queue = append(queue, folderNode{entry: child, path: item.RemotePath()})
			}
		}
	}
	return nil
}

// listAll exhausts every page of a folder and returns the children sorted
func (w *Walker) listAll(ctx context.Context, folderID string) ([]types.RemoteEntry, error) {
	reqCtx := api.WithParentIDs(api.DeriveRequestContext(w.opts.RequestContext, types.RequestTypeListOrSearch), folderID)

	var children []types.RemoteEntry
	pageToken := ""
	for {
		page, err := api.ExecuteWithRetry(ctx, w.gov, reqCtx, func(ctx context.Context) (types.ListPage, error) {
			return w.store.ListChildren(ctx, folderID, pageToken)
		})
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			e.ParentID = folderID
			children = append(children, e)
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			break
		}
		pageToken = page.NextPageToken
	}

	sort.SliceStable(children, func(i, j int) bool {
		if children[i].Name != children[j].Name {
			return children[i].Name < children[j].Name
		}
		return children[i].ID < children[j].ID
	})
	return children, nil
}

func send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
