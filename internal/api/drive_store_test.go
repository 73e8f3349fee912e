package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.HandlerFunc, opts DriveStoreOptions) *DriveStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := drive.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	if err != nil {
		t.Fatalf("drive.NewService: %v", err)
	}
	return NewDriveStore(svc, opts)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestDriveStore_ListChildrenPages(t *testing.T) {
	var queries []string
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			http.NotFound(w, r)
			return
		}
		queries = append(queries, r.URL.Query().Get("q"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]interface{}{
				"nextPageToken": "p2",
				"files": []map[string]interface{}{
					{"id": "f1", "name": "A.txt", "mimeType": "text/plain", "size": "10", "resourceKey": "rk1"},
					{"id": "d1", "name": "Doc1", "mimeType": utils.MimeTypeDocument},
				},
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"files": []map[string]interface{}{
				{"id": "s1", "name": "Sub", "mimeType": utils.MimeTypeFolder},
			},
		})
	}, DriveStoreOptions{})

	page, err := store.ListChildren(context.Background(), "root", "")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if page.NextPageToken != "p2" || len(page.Entries) != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	a, doc := page.Entries[0], page.Entries[1]
	if a.Kind != types.KindBinary || a.Size != 10 || a.ParentID != "root" {
		t.Errorf("binary entry = %+v", a)
	}
	if doc.Kind != types.KindNative || doc.Subtype != types.SubtypeDocument || doc.Size != types.UnknownSize {
		t.Errorf("native entry = %+v", doc)
	}
	if key, ok := store.ResourceKeys().GetKey("f1"); !ok || key != "rk1" {
		t.Errorf("resource key not recorded: %q %v", key, ok)
	}

	page, err = store.ListChildren(context.Background(), "root", "p2")
	if err != nil {
		t.Fatalf("ListChildren page 2: %v", err)
	}
	if len(page.Entries) != 1 || !page.Entries[0].IsFolder() || page.NextPageToken != "" {
		t.Errorf("unexpected second page: %+v", page)
	}
	if !strings.Contains(queries[0], "'root' in parents") || !strings.Contains(queries[0], "trashed = false") {
		t.Errorf("query = %q", queries[0])
	}
}

func TestDriveStore_SharedDriveRoot(t *testing.T) {
	var got *http.Request
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeJSON(w, map[string]interface{}{"files": []interface{}{}})
	}, DriveStoreOptions{DriveID: "0Ashared"})

	if _, err := store.ListChildren(context.Background(), "root", ""); err != nil {
		t.Fatal(err)
	}
	q := got.URL.Query()
	if !strings.Contains(q.Get("q"), "'0Ashared' in parents") {
		t.Errorf("root alias not mapped to drive id: %q", q.Get("q"))
	}
	if q.Get("driveId") != "0Ashared" || q.Get("corpora") != "drive" || q.Get("supportsAllDrives") != "true" {
		t.Errorf("shared drive params missing: %v", q)
	}
}

func TestDriveStore_SharedWithMe(t *testing.T) {
	var got *http.Request
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeJSON(w, map[string]interface{}{
			"files": []map[string]interface{}{
				{"id": "x1", "name": "From Bob", "mimeType": utils.MimeTypeFolder, "parents": []string{"bobs-folder"}},
			},
		})
	}, DriveStoreOptions{})

	page, err := store.ListChildren(context.Background(), utils.SharedFolderAlias, "")
	if err != nil {
		t.Fatal(err)
	}
	q := got.URL.Query()
	if q.Get("q") != "sharedWithMe = true and trashed = false" {
		t.Errorf("query = %q", q.Get("q"))
	}
	if q.Get("corpora") != "user" || q.Get("driveId") != "" {
		t.Errorf("shared view params = %v", q)
	}
	if len(page.Entries) != 1 || page.Entries[0].ParentID != utils.SharedFolderAlias {
		t.Errorf("shared entries = %+v", page.Entries)
	}
}

func TestDriveStore_DownloadAndExport(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/f1" && r.URL.Query().Get("alt") == "media":
			if r.Header.Get(ResourceKeyHeader) != "f1/rk1" {
				http.Error(w, "missing key", http.StatusForbidden)
				return
			}
			_, _ = io.WriteString(w, "0123456789")
		case r.URL.Path == "/files/d1/export":
			_, _ = io.WriteString(w, "exported:"+r.URL.Query().Get("mimeType"))
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]interface{}{"error": map[string]interface{}{
				"code": 404, "message": "File not found", "errors": []map[string]string{{"reason": "notFound"}},
			}})
		}
	}, DriveStoreOptions{})
	store.ResourceKeys().AddKey("f1", "rk1")

	rc, err := store.Download(context.Background(), "f1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "0123456789" {
		t.Errorf("download = %q", data)
	}

	rc, err = store.Export(context.Background(), "d1", "application/pdf")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, _ = io.ReadAll(rc)
	rc.Close()
	if string(data) != "exported:application/pdf" {
		t.Errorf("export = %q", data)
	}

	_, err = store.Download(context.Background(), "gone")
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 googleapi error, got %v", err)
	}
}

func TestDriveStore_FindChildrenEscapesName(t *testing.T) {
	var q string
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query().Get("q")
		writeJSON(w, map[string]interface{}{"files": []map[string]interface{}{
			{"id": "x", "name": "Bob's", "mimeType": utils.MimeTypeFolder},
		}})
	}, DriveStoreOptions{})

	entries, err := store.FindChildren(context.Background(), "root", "Bob's")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "x" {
		t.Errorf("entries = %+v", entries)
	}
	if !strings.Contains(q, `name = 'Bob\'s'`) {
		t.Errorf("name not escaped: %q", q)
	}
}

func TestParseDriveURL(t *testing.T) {
	tests := []struct {
		url, id, key string
		ok           bool
	}{
		{"https://drive.google.com/drive/folders/abc_123?resourcekey=0-xyz", "abc_123", "0-xyz", true},
		{"https://drive.google.com/file/d/FILE/view", "FILE", "", true},
		{"https://drive.google.com/open?id=OPEN", "OPEN", "", true},
		{"http://drive.google.com/drive/folders/abc", "", "", false},
		{"https://example.com/d/abc", "", "", false},
	}
	for _, tt := range tests {
		id, key, ok := ParseDriveURL(tt.url)
		if id != tt.id || key != tt.key || ok != tt.ok {
			t.Errorf("ParseDriveURL(%q) = %q, %q, %v", tt.url, id, key, ok)
		}
	}
}

func TestResourceKeyManager_BuildHeader(t *testing.T) {
	m := NewResourceKeyManager()
	m.AddKey("b", "kb")
	m.AddKey("a", "ka")
	m.AddKey("c", "")
	if got := m.BuildHeader("b", "a", "c"); got != "a/ka,b/kb" {
		t.Errorf("BuildHeader = %q", got)
	}
	if got := m.BuildHeader("zzz"); got != "" {
		t.Errorf("BuildHeader for unknown = %q", got)
	}
}
