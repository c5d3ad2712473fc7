// Package fileinfo projects backend object descriptors onto the listing view
// clients render. Everything here is pure; callers supply the clock.
package fileinfo

import (
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

// Mount locates a backend under a user's tree: objects appear below
// /<RootFolder>/ in the listing of Owner.
type Mount struct {
	Owner      string
	RootFolder string
	UserID     string
}

// ContentType maps a file name to a MIME type by suffix.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Suffix returns the extension of name without the dot.
func Suffix(name string) string {
	return strings.TrimPrefix(path.Ext(name), ".")
}

// Project maps one object to its listing view.
func Project(obj storage.ObjectDescriptor, m Mount, now time.Time) protocol.FileView {
	name := obj.Name()
	folder := obj.IsFolder()

	id := path.Join(m.Owner, m.RootFolder, obj.Key)
	if folder {
		id += "/"
	}

	parent := path.Dir(path.Join(m.RootFolder, strings.TrimSuffix(obj.Key, "/")))

	v := protocol.FileView{
		ID:         id,
		Name:       name,
		Path:       "/" + parent + "/",
		IsFolder:   folder,
		Size:       obj.Size,
		MD5:        obj.ETag,
		UploadDate: obj.LastModified,
		UpdateDate: obj.LastModified,
		Username:   m.Owner,
		UserID:     m.UserID,
	}
	if !obj.LastModified.IsZero() {
		v.AgoTime = now.Sub(obj.LastModified).Milliseconds()
	}
	if !folder {
		v.Suffix = Suffix(name)
		v.ContentType = ContentType(name)
	}
	return v
}

// ProjectAll maps a listing, skipping the entry for the listed folder itself.
func ProjectAll(objs []storage.ObjectDescriptor, m Mount, now time.Time) []protocol.FileView {
	views := make([]protocol.FileView, 0, len(objs))
	for _, obj := range objs {
		if obj.Key == "" {
			continue
		}
		views = append(views, Project(obj, m, now))
	}
	return views
}

// Sort orders views in place. Folders always come first. prop is "size",
// "updateDate" or anything else for name; order "descending" reverses the
// comparison within each group.
func Sort(views []protocol.FileView, prop, order string) {
	desc := order == "descending"
	var less func(a, b protocol.FileView) bool
	switch prop {
	case "size":
		less = func(a, b protocol.FileView) bool { return a.Size < b.Size }
	case "updateDate":
		less = func(a, b protocol.FileView) bool { return a.UpdateDate.Before(b.UpdateDate) }
	default:
		less = func(a, b protocol.FileView) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.IsFolder != b.IsFolder {
			return a.IsFolder
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

// Page returns the 1-based page index of the given size. A non-positive size
// disables paging.
func Page(views []protocol.FileView, index, size int) []protocol.FileView {
	if size <= 0 {
		return views
	}
	if index < 1 {
		index = 1
	}
	start := (index - 1) * size
	if start >= len(views) {
		return []protocol.FileView{}
	}
	end := min(start+size, len(views))
	return views[start:end]
}

// Filter keeps only folders when justFolders is set; attachName appends each
// entry's name to its path.
func Filter(views []protocol.FileView, justFolders, attachName bool) []protocol.FileView {
	out := views[:0:0]
	for _, v := range views {
		if justFolders && !v.IsFolder {
			continue
		}
		if attachName {
			v.Path += v.Name
		}
		out = append(out, v)
	}
	return out
}
