package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/ossdrive/internal/storage"
)

// ─── Fake S3 client ─────────────────────────────────────────────────────────

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return e.code + ": " + e.message }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeUpload struct {
	key       string
	initiated time.Time
	parts     map[int32][]byte
}

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]*fakeUpload
	nextID   int
	creates  int
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		uploads:  make(map[string]*fakeUpload),
		pageSize: 1000,
	}
}

func etagOf(data []byte) *string {
	return aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data)))
}

func noSuchKey() error    { return &mockAPIError{"NoSuchKey", "The specified key does not exist."} }
func noSuchUpload() error { return &mockAPIError{"NoSuchUpload", "The specified upload does not exist."} }

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &mockAPIError{"NotFound", "Not Found"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          etagOf(data),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, noSuchKey()
	}
	if in.Range != nil {
		var start, end int64
		if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, &mockAPIError{"InvalidRange", err.Error()}
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{ETag: etagOf(data)}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(aws.ToString(in.CopySource), "/", 2)
	data, ok := f.objects[parts[1]]
	if !ok {
		return nil, noSuchKey()
	}
	f.objects[aws.ToString(in.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		data := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(data))),
			ETag:         etagOf(data),
			LastModified: aws.Time(time.Unix(1700000000, 0)),
		})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{
		key:       aws.ToString(in.Key),
		initiated: time.Now(),
		parts:     make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	u.parts[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: etagOf(data)}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	var marker int32
	if in.PartNumberMarker != nil {
		fmt.Sscanf(aws.ToString(in.PartNumberMarker), "%d", &marker)
	}
	nums := make([]int32, 0, len(u.parts))
	for n := range u.parts {
		if n > marker {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	if len(nums) > f.pageSize {
		nums = nums[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextPartNumberMarker = aws.String(fmt.Sprint(nums[len(nums)-1]))
	}
	for _, n := range nums {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(n),
			ETag:       etagOf(u.parts[n]),
			Size:       aws.Int64(int64(len(u.parts[n]))),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, noSuchUpload()
	}
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(u.parts[aws.ToInt32(p.PartNumber)])
	}
	f.objects[u.key] = buf.Bytes()
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, noSuchUpload()
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListMultipartUploads(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	for id, u := range f.uploads {
		if strings.HasPrefix(u.key, aws.ToString(in.Prefix)) {
			out.Uploads = append(out.Uploads, types.MultipartUpload{
				Key:       aws.String(u.key),
				UploadId:  aws.String(id),
				Initiated: aws.Time(u.initiated),
			})
		}
	}
	return out, nil
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.pageSize = 2
	b := NewWithClient(fake, "bucket")

	id, err := b.BeginOrGetUploadID(ctx, "docs/big.bin")
	require.NoError(t, err)
	again, err := b.BeginOrGetUploadID(ctx, "docs/big.bin")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, fake.creates)

	chunks := []string{"aaa", "bbb", "ccc", "dd"}
	for _, n := range []int{3, 1, 4, 2} {
		chunk := chunks[n-1]
		require.NoError(t, b.UploadPart(ctx, "docs/big.bin", id, n, strings.NewReader(chunk), int64(len(chunk))))
	}

	parts, err := b.ListUploadedParts(ctx, "docs/big.bin", id)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, parts)

	require.NoError(t, b.CompleteUpload(ctx, "docs/big.bin", id, 11))

	rc, n, err := b.ReadAll(ctx, "docs/big.bin")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "aaabbbcccdd", string(data))

	err = b.CompleteUpload(ctx, "docs/big.bin", id, 11)
	assert.ErrorIs(t, err, storage.ErrSessionUnknown)

	next, err := b.BeginOrGetUploadID(ctx, "docs/big.bin")
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestBeginReusesExistingBackendSession(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()

	first := NewWithClient(fake, "bucket")
	id, err := first.BeginOrGetUploadID(ctx, "a.bin")
	require.NoError(t, err)

	// A fresh process has an empty registry but the bucket still holds the session.
	second := NewWithClient(fake, "bucket")
	resumed, err := second.BeginOrGetUploadID(ctx, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, id, resumed)
	assert.Equal(t, 1, fake.creates)
}

func TestUnknownSessionIsDistinguishable(t *testing.T) {
	b := NewWithClient(newFakeS3(), "bucket")
	_, err := b.ListUploadedParts(context.Background(), "a.bin", "nope")
	assert.ErrorIs(t, err, storage.ErrSessionUnknown)
}

func TestStatAndExists(t *testing.T) {
	ctx := context.Background()
	b := NewWithClient(newFakeS3(), "bucket")

	ok, err := b.ObjectExists(ctx, "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.StatObject(ctx, "missing.txt")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	require.NoError(t, b.PutObject(ctx, "hello.txt", strings.NewReader("hello"), 5))
	ok, err = b.ObjectExists(ctx, "hello.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	desc, err := b.StatObject(ctx, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), desc.Size)
	assert.NotContains(t, desc.ETag, `"`)
	assert.Equal(t, "bucket", desc.Bucket)
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	b := NewWithClient(newFakeS3(), "bucket")
	require.NoError(t, b.PutObject(ctx, "digits", strings.NewReader("0123456789"), 10))

	rc, n, err := b.ReadRange(ctx, "digits", 2, 5)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "2345", string(data))

	_, _, err = b.ReadAll(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestListObjectsFoldsFolders(t *testing.T) {
	ctx := context.Background()
	b := NewWithClient(newFakeS3(), "bucket")
	for _, k := range []string{"docs/", "docs/a.txt", "docs/sub/", "docs/sub/b.txt", "top.txt"} {
		require.NoError(t, b.PutObject(ctx, k, strings.NewReader(""), 0))
	}

	objs, err := b.ListObjects(ctx, "docs/", false)
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.ElementsMatch(t, []string{"docs/a.txt", "docs/sub/"}, keys)

	all, err := b.ListObjects(ctx, "docs/", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCopyAndDelete(t *testing.T) {
	ctx := context.Background()
	b := NewWithClient(newFakeS3(), "bucket")
	require.NoError(t, b.PutObject(ctx, "a.txt", strings.NewReader("x"), 1))
	require.NoError(t, b.CopyObject(ctx, "a.txt", "b.txt"))
	require.NoError(t, b.DeleteObject(ctx, "a.txt"))

	ok, _ := b.ObjectExists(ctx, "a.txt")
	assert.False(t, ok)
	ok, _ = b.ObjectExists(ctx, "b.txt")
	assert.True(t, ok)

	err := b.CopyObject(ctx, "gone.txt", "c.txt")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(noSuchKey()), storage.ErrObjectNotFound)
	assert.ErrorIs(t, classify(&mockAPIError{"NotFound", ""}), storage.ErrObjectNotFound)
	assert.ErrorIs(t, classify(noSuchUpload()), storage.ErrSessionUnknown)
	assert.ErrorIs(t, classify(&mockAPIError{"SlowDown", ""}), storage.ErrBackendUnavailable)
	assert.ErrorIs(t, classify(io.ErrUnexpectedEOF), storage.ErrBackendUnavailable)
}
