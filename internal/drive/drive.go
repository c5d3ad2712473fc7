// Package drive implements the file-manager operations on top of a storage
// backend: listing, folders, empty files, text files, rename and delete.
// Chunked uploads and downloads live in the upload and stream packages.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/fileinfo"
	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

var (
	// ErrInvalidPath marks a path that cannot name the requested object.
	ErrInvalidPath = errors.New("invalid path")

	// ErrTooLarge marks text content over the configured limit.
	ErrTooLarge = errors.New("content too large")
)

// User identifies the caller.
type User struct {
	Name string
	ID   int
}

// ListOptions shape a listing.
type ListOptions struct {
	SortProp    string
	Order       string
	PageIndex   int
	PageSize    int
	JustFolders bool
	AttachName  bool
}

// Service runs drive operations for every owner against one backend.
type Service struct {
	backend    storage.Backend
	notifier   metadata.Notifier
	rootFolder string
	maxText    int64

	now func() time.Time
	log *zap.Logger
}

// New creates a drive service. maxTextSize bounds ReadText and PutText.
func New(backend storage.Backend, notifier metadata.Notifier, rootFolder string, maxTextSize int64) *Service {
	if notifier == nil {
		notifier = metadata.Nop{}
	}
	return &Service{
		backend:    backend,
		notifier:   notifier,
		rootFolder: rootFolder,
		maxText:    maxTextSize,
		now:        time.Now,
		log:        logging.Named("drive"),
	}
}

// MaxTextSize returns the text limit in bytes; zero means unlimited.
func (s *Service) MaxTextSize() int64 { return s.maxText }

func (s *Service) mount(u User) fileinfo.Mount {
	m := fileinfo.Mount{Owner: u.Name, RootFolder: s.rootFolder}
	if u.ID != 0 {
		m.UserID = strconv.Itoa(u.ID)
	}
	return m
}

func (s *Service) note(u User, key string, size int64, etag string) metadata.Notification {
	return metadata.Notification{
		Owner:      u.Name,
		ObjectKey:  key,
		RootFolder: s.rootFolder,
		Size:       size,
		ETag:       etag,
		ModTime:    s.now(),
	}
}

// fileKey normalizes p to a file key.
func fileKey(p string) (string, error) {
	if strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("%w: %q names a folder", ErrInvalidPath, p)
	}
	key := storage.ObjectKey(p)
	if key == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidPath)
	}
	return key, nil
}

// List returns the entries directly inside dir and the entry count before
// paging.
func (s *Service) List(ctx context.Context, u User, dir string, opts ListOptions) ([]protocol.FileView, int, error) {
	prefix := storage.FolderKey(dir)
	objs, err := s.backend.ListObjects(ctx, storage.OwnerKey(u.Name, prefix), false)
	if err != nil {
		return nil, 0, err
	}

	for i := range objs {
		objs[i].Key = storage.StripOwner(u.Name, objs[i].Key)
	}
	views := make([]protocol.FileView, 0, len(objs))
	now := s.now()
	for _, obj := range objs {
		if obj.Key == prefix || obj.Key == "" {
			continue
		}
		views = append(views, fileinfo.Project(obj, s.mount(u), now))
	}

	fileinfo.Sort(views, opts.SortProp, opts.Order)
	total := len(views)
	if opts.PageIndex > 0 && opts.PageSize > 0 {
		views = fileinfo.Page(views, opts.PageIndex, opts.PageSize)
	}
	return fileinfo.Filter(views, opts.JustFolders, opts.AttachName), total, nil
}

// Mkdir creates a folder marker and returns the folder's ID.
func (s *Service) Mkdir(ctx context.Context, u User, dir string) (string, error) {
	key := storage.FolderKey(dir)
	if key == "" {
		return "", fmt.Errorf("%w: cannot create the root folder", ErrInvalidPath)
	}
	if err := s.backend.PutObject(ctx, storage.OwnerKey(u.Name, key), strings.NewReader(""), 0); err != nil {
		return "", err
	}
	s.notifier.FileCreated(ctx, s.note(u, key, 0, ""))
	s.log.Info("folder created", zap.String("owner", u.Name), zap.String("key", key))
	return path.Join(u.Name, s.rootFolder, key) + "/", nil
}

// AddFile creates an empty file or folder. An existing object is a conflict.
func (s *Service) AddFile(ctx context.Context, u User, p string, isFolder bool) (protocol.FileView, error) {
	var key string
	if isFolder {
		key = storage.FolderKey(p)
	} else {
		key = storage.ObjectKey(p)
	}
	if key == "" {
		return protocol.FileView{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	full := storage.OwnerKey(u.Name, key)

	exists, err := s.backend.ObjectExists(ctx, full)
	if err != nil {
		return protocol.FileView{}, err
	}
	if exists {
		return protocol.FileView{}, fmt.Errorf("%w: %s", storage.ErrAlreadyExists, key)
	}
	if err := s.backend.PutObject(ctx, full, strings.NewReader(""), 0); err != nil {
		return protocol.FileView{}, err
	}

	desc := storage.ObjectDescriptor{Key: full, LastModified: s.now()}
	if d, err := s.backend.StatObject(ctx, full); err == nil {
		desc = d
	}
	desc.Key = key
	s.notifier.FileCreated(ctx, s.note(u, key, 0, desc.ETag))
	return fileinfo.Project(desc, s.mount(u), s.now()), nil
}

// PutText overwrites a file with text.
func (s *Service) PutText(ctx context.Context, u User, p, text string) error {
	key, err := fileKey(p)
	if err != nil {
		return err
	}
	if s.maxText > 0 && int64(len(text)) > s.maxText {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(text), s.maxText)
	}
	if err := s.backend.PutObject(ctx, storage.OwnerKey(u.Name, key), strings.NewReader(text), int64(len(text))); err != nil {
		return err
	}
	s.notifier.FileUpdated(ctx, s.note(u, key, int64(len(text)), ""))
	return nil
}

// ReadText returns a file's view with its content as text.
func (s *Service) ReadText(ctx context.Context, u User, p string) (protocol.FileView, error) {
	key, err := fileKey(p)
	if err != nil {
		return protocol.FileView{}, err
	}
	full := storage.OwnerKey(u.Name, key)

	desc, err := s.backend.StatObject(ctx, full)
	if err != nil {
		return protocol.FileView{}, err
	}
	if s.maxText > 0 && desc.Size > s.maxText {
		return protocol.FileView{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, desc.Size, s.maxText)
	}

	body, _, err := s.backend.ReadAll(ctx, full)
	if err != nil {
		return protocol.FileView{}, err
	}
	defer body.Close()
	limit := desc.Size
	if s.maxText > 0 {
		limit = s.maxText
	}
	data, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return protocol.FileView{}, storage.Wrap(storage.ErrBackendUnavailable, "read", key, err)
	}

	desc.Key = key
	v := fileinfo.Project(desc, s.mount(u), s.now())
	v.ContentText = string(data)
	return v, nil
}

// Rename gives the object at p a new name in the same folder and returns the
// new key. Folders move with everything below them.
func (s *Service) Rename(ctx context.Context, u User, p, newName string) (string, error) {
	if newName == "" || newName == "." || newName == ".." || strings.ContainsAny(newName, "/\\") {
		return "", fmt.Errorf("%w: bad name %q", ErrInvalidPath, newName)
	}
	folder := strings.HasSuffix(p, "/")

	var src, dst string
	if folder {
		src = storage.FolderKey(p)
		if src == "" {
			return "", fmt.Errorf("%w: cannot rename the root folder", ErrInvalidPath)
		}
		dst = storage.FolderKey(path.Join(path.Dir(strings.TrimSuffix(src, "/")), newName))
	} else {
		var err error
		if src, err = fileKey(p); err != nil {
			return "", err
		}
		dst = storage.ObjectKey(path.Join(path.Dir(src), newName))
	}
	if src == dst {
		return dst, nil
	}

	exists, err := s.backend.ObjectExists(ctx, storage.OwnerKey(u.Name, dst))
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", storage.ErrAlreadyExists, dst)
	}

	if folder {
		err = s.moveTree(ctx, u, src, dst)
	} else {
		err = s.moveOne(ctx, u, src, dst)
	}
	if err != nil {
		return "", err
	}

	s.notifier.FileDeleted(ctx, s.note(u, src, 0, ""))
	s.log.Info("renamed", zap.String("owner", u.Name), zap.String("from", src), zap.String("to", dst))
	return dst, nil
}

func (s *Service) moveOne(ctx context.Context, u User, src, dst string) error {
	if err := s.backend.CopyObject(ctx, storage.OwnerKey(u.Name, src), storage.OwnerKey(u.Name, dst)); err != nil {
		return err
	}
	if err := s.backend.DeleteObject(ctx, storage.OwnerKey(u.Name, src)); err != nil {
		return err
	}
	s.notifyCopied(ctx, u, dst)
	return nil
}

// moveTree copies every object below src to dst, then deletes the sources.
// Nothing is deleted unless every copy succeeded.
func (s *Service) moveTree(ctx context.Context, u User, src, dst string) error {
	srcFull := storage.OwnerKey(u.Name, src)
	children, err := s.backend.ListObjects(ctx, srcFull, true)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(children))
	for _, c := range children {
		keys = append(keys, c.Key)
	}
	sort.Strings(keys)

	if err := s.backend.PutObject(ctx, storage.OwnerKey(u.Name, dst), strings.NewReader(""), 0); err != nil {
		return err
	}
	s.notifyCopied(ctx, u, dst)
	for _, k := range keys {
		target := storage.OwnerKey(u.Name, dst) + strings.TrimPrefix(k, srcFull)
		if strings.HasSuffix(k, "/") {
			err = s.backend.PutObject(ctx, target, strings.NewReader(""), 0)
		} else {
			err = s.backend.CopyObject(ctx, k, target)
		}
		if err != nil {
			return err
		}
		s.notifyCopied(ctx, u, storage.StripOwner(u.Name, target))
	}

	return s.deleteKeys(ctx, append(keys, srcFull))
}

func (s *Service) notifyCopied(ctx context.Context, u User, key string) {
	n := s.note(u, key, 0, "")
	if d, err := s.backend.StatObject(ctx, storage.OwnerKey(u.Name, key)); err == nil {
		n.Size, n.ETag, n.ModTime = d.Size, d.ETag, d.LastModified
	}
	s.notifier.FileCreated(ctx, n)
}

// deleteKeys removes keys deepest first so folder markers go after their
// contents.
func (s *Service) deleteKeys(ctx context.Context, keys []string) error {
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	for _, k := range keys {
		if err := s.backend.DeleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes each path; folders go with everything below them. Every
// path is attempted and the failures are returned together.
func (s *Service) Delete(ctx context.Context, u User, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := s.deleteOne(ctx, u, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) deleteOne(ctx context.Context, u User, p string) error {
	if strings.HasSuffix(p, "/") {
		key := storage.FolderKey(p)
		if key == "" {
			return fmt.Errorf("%w: cannot delete the root folder", ErrInvalidPath)
		}
		full := storage.OwnerKey(u.Name, key)
		children, err := s.backend.ListObjects(ctx, full, true)
		if err != nil {
			return err
		}
		keys := []string{full}
		for _, c := range children {
			keys = append(keys, c.Key)
		}
		if err := s.deleteKeys(ctx, keys); err != nil {
			return err
		}
		s.notifier.FileDeleted(ctx, s.note(u, key, 0, ""))
		s.log.Info("folder deleted", zap.String("owner", u.Name), zap.String("key", key), zap.Int("objects", len(keys)))
		return nil
	}

	key, err := fileKey(p)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteObject(ctx, storage.OwnerKey(u.Name, key)); err != nil {
		return err
	}
	s.notifier.FileDeleted(ctx, s.note(u, key, 0, ""))
	return nil
}
