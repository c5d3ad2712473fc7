package fileinfo

import (
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

var mount = Mount{Owner: "alice", RootFolder: "oss", UserID: "42"}

func TestProject(t *testing.T) {
	mod := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := mod.Add(90 * time.Second)

	tests := []struct {
		key      string
		wantID   string
		wantName string
		wantPath string
		folder   bool
		suffix   string
	}{
		{"report.pdf", "alice/oss/report.pdf", "report.pdf", "/oss/", false, "pdf"},
		{"docs/2026/notes.txt", "alice/oss/docs/2026/notes.txt", "notes.txt", "/oss/docs/2026/", false, "txt"},
		{"docs/", "alice/oss/docs/", "docs", "/oss/", true, ""},
		{"docs/2026/", "alice/oss/docs/2026/", "2026", "/oss/docs/", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := Project(storage.ObjectDescriptor{Key: tt.key, ETag: "abc", Size: 7, LastModified: mod}, mount, now)
			if v.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", v.ID, tt.wantID)
			}
			if v.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", v.Name, tt.wantName)
			}
			if v.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", v.Path, tt.wantPath)
			}
			if v.IsFolder != tt.folder || v.Suffix != tt.suffix {
				t.Errorf("folder/suffix = %v/%q", v.IsFolder, v.Suffix)
			}
			if v.AgoTime != 90_000 {
				t.Errorf("AgoTime = %d, want 90000", v.AgoTime)
			}
			if v.MD5 != "abc" || v.Username != "alice" || v.UserID != "42" {
				t.Errorf("unexpected view %+v", v)
			}
		})
	}
}

func TestProjectContentType(t *testing.T) {
	v := Project(storage.ObjectDescriptor{Key: "a/page.html"}, mount, time.Now())
	if !strings.HasPrefix(v.ContentType, "text/html") {
		t.Errorf("ContentType = %q", v.ContentType)
	}
	v = Project(storage.ObjectDescriptor{Key: "blob.weird-ext"}, mount, time.Now())
	if v.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q", v.ContentType)
	}
}

func names(views []protocol.FileView) string {
	parts := make([]string, len(views))
	for i, v := range views {
		parts[i] = v.Name
	}
	return strings.Join(parts, ",")
}

func sample() []protocol.FileView {
	t0 := time.Unix(1000, 0)
	return []protocol.FileView{
		{Name: "b.txt", Size: 30, UpdateDate: t0.Add(1 * time.Hour)},
		{Name: "Zed", IsFolder: true, UpdateDate: t0},
		{Name: "a.txt", Size: 10, UpdateDate: t0.Add(3 * time.Hour)},
		{Name: "c.txt", Size: 20, UpdateDate: t0.Add(2 * time.Hour)},
		{Name: "alpha", IsFolder: true, UpdateDate: t0.Add(time.Hour)},
	}
}

func TestSort(t *testing.T) {
	tests := []struct {
		prop, order, want string
	}{
		{"", "", "alpha,Zed,a.txt,b.txt,c.txt"},
		{"name", "descending", "Zed,alpha,c.txt,b.txt,a.txt"},
		{"size", "ascending", "Zed,alpha,a.txt,c.txt,b.txt"},
		{"size", "descending", "Zed,alpha,b.txt,c.txt,a.txt"},
		{"updateDate", "", "Zed,alpha,b.txt,c.txt,a.txt"},
	}
	for _, tt := range tests {
		views := sample()
		Sort(views, tt.prop, tt.order)
		if got := names(views); got != tt.want {
			t.Errorf("Sort(%q, %q) = %s, want %s", tt.prop, tt.order, got, tt.want)
		}
	}
}

func TestPage(t *testing.T) {
	views := sample()
	if got := len(Page(views, 1, 2)); got != 2 {
		t.Errorf("page 1 len = %d", got)
	}
	if got := len(Page(views, 3, 2)); got != 1 {
		t.Errorf("page 3 len = %d", got)
	}
	if got := Page(views, 4, 2); len(got) != 0 || got == nil {
		t.Errorf("page past the end = %v", got)
	}
	if got := len(Page(views, 0, 0)); got != len(views) {
		t.Errorf("unpaged len = %d", got)
	}
}

func TestFilter(t *testing.T) {
	views := []protocol.FileView{
		{Name: "docs", Path: "/oss/", IsFolder: true},
		{Name: "a.txt", Path: "/oss/"},
	}
	got := Filter(views, true, false)
	if names(got) != "docs" {
		t.Errorf("folders only = %s", names(got))
	}
	got = Filter(views, false, true)
	if got[1].Path != "/oss/a.txt" || views[1].Path != "/oss/" {
		t.Errorf("attach name: got %q, input mutated to %q", got[1].Path, views[1].Path)
	}
}
