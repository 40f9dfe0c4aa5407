package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/gobeaver/drivekit"
)

func newTestAdapter(t *testing.T, opts ...AdapterOption) (*Adapter, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	return New(client, "test-bucket", opts...), client
}

func mustPath(t *testing.T, raw string) drivekit.Path {
	t.Helper()
	p, err := drivekit.ParsePath(raw)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", raw, err)
	}
	return p
}

func TestStat(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("docs/report.pdf", "0123456789")

	t.Run("file", func(t *testing.T) {
		entry, err := adapter.Stat(context.Background(), mustPath(t, "docs/report.pdf"))
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if entry.Kind != drivekit.KindFile {
			t.Errorf("Kind = %v, want file", entry.Kind)
		}
		if entry.Size != 10 {
			t.Errorf("Size = %d, want 10", entry.Size)
		}
		if entry.Name != "report.pdf" {
			t.Errorf("Name = %q, want report.pdf", entry.Name)
		}
		if entry.ETag == "" || strings.Contains(entry.ETag, `"`) {
			t.Errorf("ETag = %q, want unquoted non-empty", entry.ETag)
		}
		if entry.ModTime.IsZero() {
			t.Error("ModTime is zero")
		}
	})

	t.Run("synthetic directory", func(t *testing.T) {
		entry, err := adapter.Stat(context.Background(), mustPath(t, "docs"))
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if !entry.IsDir() {
			t.Error("docs should be a directory")
		}
	})

	t.Run("root", func(t *testing.T) {
		entry, err := adapter.Stat(context.Background(), drivekit.Path{})
		if err != nil {
			t.Fatalf("Stat root: %v", err)
		}
		if !entry.IsDir() {
			t.Error("root should be a directory")
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := adapter.Stat(context.Background(), mustPath(t, "nope"))
		if !drivekit.IsNotFound(err) {
			t.Errorf("err = %v, want not-found", err)
		}
	})
}

// A directory holding a marker object, a file, and a nested file lists as
// one file plus one synthetic subdirectory; the marker itself never
// appears.
func TestListDirectoryLayout(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("a/", "")
	client.put("a/b.txt", "hello")
	client.put("a/c/d.txt", "nested")

	page, err := adapter.List(context.Background(), mustPath(t, "a"), drivekit.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.NextToken != "" {
		t.Errorf("NextToken = %q, want empty", page.NextToken)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(page.Entries), page.Entries)
	}

	byName := make(map[string]drivekit.FileEntry)
	for _, e := range page.Entries {
		byName[e.Name] = e
	}
	file, ok := byName["b.txt"]
	if !ok || file.Kind != drivekit.KindFile {
		t.Errorf("b.txt missing or not a file: %+v", byName)
	}
	if file.Size != 5 {
		t.Errorf("b.txt Size = %d, want 5", file.Size)
	}
	dir, ok := byName["c"]
	if !ok || !dir.IsDir() {
		t.Errorf("c missing or not a directory: %+v", byName)
	}
}

func TestListPagination(t *testing.T) {
	adapter, client := newTestAdapter(t)
	const total = 9
	for i := 0; i < total; i++ {
		client.put(fmt.Sprintf("bulk/file-%02d.txt", i), "x")
	}

	var names []string
	token := ""
	for {
		page, err := adapter.List(context.Background(), mustPath(t, "bulk"), drivekit.ListOptions{
			PageSize:  4,
			PageToken: token,
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(page.Entries) > 4 {
			t.Fatalf("page holds %d entries, want at most 4", len(page.Entries))
		}
		for _, e := range page.Entries {
			names = append(names, e.Name)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if len(names) != total {
		t.Fatalf("saw %d entries across pages, want %d: %v", len(names), total, names)
	}
	for i, name := range names {
		want := fmt.Sprintf("file-%02d.txt", i)
		if name != want {
			t.Errorf("names[%d] = %q, want %q", i, name, want)
		}
	}
}

func TestListHidden(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("dir/.secret", "s")
	client.put("dir/open.txt", "o")

	page, err := adapter.List(context.Background(), mustPath(t, "dir"), drivekit.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Name != "open.txt" {
		t.Errorf("hidden entry leaked: %+v", page.Entries)
	}

	page, err = adapter.List(context.Background(), mustPath(t, "dir"), drivekit.ListOptions{IncludeHidden: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Errorf("got %d entries with IncludeHidden, want 2", len(page.Entries))
	}
}

func TestListErrors(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("plain.txt", "data")

	if _, err := adapter.List(context.Background(), mustPath(t, "missing"), drivekit.ListOptions{}); !drivekit.IsNotFound(err) {
		t.Errorf("listing missing dir: err = %v, want not-found", err)
	}
	if _, err := adapter.List(context.Background(), mustPath(t, "plain.txt"), drivekit.ListOptions{}); !errors.Is(err, drivekit.ErrNotDir) {
		t.Errorf("listing a file: err = %v, want ErrNotDir", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	adapter, client := newTestAdapter(t)
	path := mustPath(t, "docs/new.txt")

	w, err := adapter.OpenWrite(context.Background(), path, drivekit.WriteOptions{
		ExpectedSize: 11,
		ContentType:  "text/plain",
		Metadata:     map[string]string{"owner": "tests"},
	})
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if _, err := io.WriteString(w, "hello there"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := client.content("docs/new.txt"); got != "hello there" {
		t.Errorf("stored content = %q, want %q", got, "hello there")
	}

	r, err := adapter.OpenRead(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello there" {
		t.Errorf("read back %q, want %q", data, "hello there")
	}
}

func TestWriteAbortDiscards(t *testing.T) {
	adapter, client := newTestAdapter(t)

	w, err := adapter.OpenWrite(context.Background(), mustPath(t, "tmp/partial.bin"), drivekit.WriteOptions{ExpectedSize: -1})
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if _, err := io.WriteString(w, "half"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	aborter, ok := w.(drivekit.AbortWriter)
	if !ok {
		t.Fatal("write sink does not support Abort")
	}
	if err := aborter.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if client.has("tmp/partial.bin") {
		t.Error("aborted write left an object behind")
	}
}

func TestWriteFailureSurfacesOnClose(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.failures["PutObject"] = apiError("AccessDenied")

	w, err := adapter.OpenWrite(context.Background(), mustPath(t, "locked.txt"), drivekit.WriteOptions{ExpectedSize: -1})
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	io.WriteString(w, "data")
	if err := w.Close(); !drivekit.IsAccessDenied(err) {
		t.Errorf("Close err = %v, want access-denied", err)
	}
	if client.has("locked.txt") {
		t.Error("failed put stored an object")
	}
}

func TestReadMissing(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if _, err := adapter.OpenRead(context.Background(), mustPath(t, "ghost.txt")); !drivekit.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestDelete(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		adapter, client := newTestAdapter(t)
		client.put("a.txt", "x")
		if err := adapter.Delete(context.Background(), mustPath(t, "a.txt"), false); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if client.has("a.txt") {
			t.Error("object still present")
		}
	})

	t.Run("empty directory marker", func(t *testing.T) {
		adapter, client := newTestAdapter(t)
		client.put("empty/", "")
		if err := adapter.Delete(context.Background(), mustPath(t, "empty"), false); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if client.has("empty/") {
			t.Error("marker still present")
		}
	})

	t.Run("non-empty without recursive", func(t *testing.T) {
		adapter, client := newTestAdapter(t)
		client.put("full/", "")
		client.put("full/a.txt", "x")
		err := adapter.Delete(context.Background(), mustPath(t, "full"), false)
		if !errors.Is(err, drivekit.ErrNotEmpty) {
			t.Errorf("err = %v, want ErrNotEmpty", err)
		}
		if !client.has("full/a.txt") {
			t.Error("refused delete still removed a child")
		}
	})

	t.Run("recursive sweeps the prefix", func(t *testing.T) {
		adapter, client := newTestAdapter(t)
		client.put("tree/", "")
		for i := 0; i < 25; i++ {
			client.put(fmt.Sprintf("tree/sub/file-%02d.txt", i), "x")
		}
		client.put("keep.txt", "stays")

		if err := adapter.Delete(context.Background(), mustPath(t, "tree"), true); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got := client.keyCount(); got != 1 {
			t.Errorf("%d keys remain, want only keep.txt", got)
		}
		if !client.has("keep.txt") {
			t.Error("sibling outside the prefix was deleted")
		}
	})

	t.Run("missing", func(t *testing.T) {
		adapter, _ := newTestAdapter(t)
		if err := adapter.Delete(context.Background(), mustPath(t, "nope"), false); !drivekit.IsNotFound(err) {
			t.Errorf("err = %v, want not-found", err)
		}
	})
}

func TestMkdir(t *testing.T) {
	adapter, client := newTestAdapter(t)

	if err := adapter.Mkdir(context.Background(), mustPath(t, "fresh")); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if !client.has("fresh/") {
		t.Fatal("marker object not written")
	}
	client.mu.Lock()
	marker := client.objects["fresh/"]
	client.mu.Unlock()
	if marker.contentType != drivekit.MIMETypeDirectory {
		t.Errorf("marker content type = %q, want %q", marker.contentType, drivekit.MIMETypeDirectory)
	}

	if err := adapter.Mkdir(context.Background(), mustPath(t, "fresh")); !errors.Is(err, drivekit.ErrExist) {
		t.Errorf("repeat Mkdir err = %v, want ErrExist", err)
	}

	// An implicit directory (keys under the prefix, no marker) also
	// already exists.
	client.put("implied/a.txt", "x")
	if err := adapter.Mkdir(context.Background(), mustPath(t, "implied")); !errors.Is(err, drivekit.ErrExist) {
		t.Errorf("Mkdir over implicit dir err = %v, want ErrExist", err)
	}
}

func TestRenameUnsupported(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("a.txt", "x")

	err := adapter.Rename(context.Background(), mustPath(t, "a.txt"), mustPath(t, "b.txt"))
	if !drivekit.IsUnsupported(err) {
		t.Errorf("err = %v, want unsupported", err)
	}
}

func TestCopy(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("src.txt", "payload")

	if err := adapter.Copy(context.Background(), mustPath(t, "src.txt"), mustPath(t, "dst.txt")); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := client.content("dst.txt"); got != "payload" {
		t.Errorf("copied content = %q, want payload", got)
	}
	if !client.has("src.txt") {
		t.Error("source gone after copy")
	}

	if err := adapter.Copy(context.Background(), mustPath(t, "ghost.txt"), mustPath(t, "out.txt")); !drivekit.IsNotFound(err) {
		t.Errorf("copy of missing source: err = %v, want not-found", err)
	}
}

func TestChunkedUpload(t *testing.T) {
	adapter, client := newTestAdapter(t)
	path := mustPath(t, "big/blob.bin")

	id, err := adapter.InitiateUpload(context.Background(), path, drivekit.WriteOptions{})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}

	chunks := []string{"first-", "second-", "third"}
	for i, chunk := range chunks {
		if err := adapter.UploadPart(context.Background(), id, i+1, []byte(chunk)); err != nil {
			t.Fatalf("UploadPart %d: %v", i+1, err)
		}
	}
	if client.has("big/blob.bin") {
		t.Error("object visible before CompleteUpload")
	}

	if err := adapter.CompleteUpload(context.Background(), id); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if got := client.content("big/blob.bin"); got != "first-second-third" {
		t.Errorf("assembled content = %q, want first-second-third", got)
	}
}

// A multipart upload stores the same content type and metadata a
// single-shot put would.
func TestChunkedUploadCarriesWriteOptions(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	path := mustPath(t, "big/tagged.bin")

	id, err := adapter.InitiateUpload(context.Background(), path, drivekit.WriteOptions{
		ContentType: "application/x-custom",
		Metadata:    map[string]string{"owner": "tests"},
	})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if err := adapter.UploadPart(context.Background(), id, 1, []byte("payload")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if err := adapter.CompleteUpload(context.Background(), id); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	entry, err := adapter.Stat(context.Background(), path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.ContentType != "application/x-custom" {
		t.Errorf("ContentType = %q, want application/x-custom", entry.ContentType)
	}
	if entry.Metadata["owner"] != "tests" {
		t.Errorf("Metadata = %v, want owner=tests", entry.Metadata)
	}
}

func TestChunkedUploadAbort(t *testing.T) {
	adapter, client := newTestAdapter(t)
	path := mustPath(t, "big/doomed.bin")

	id, err := adapter.InitiateUpload(context.Background(), path, drivekit.WriteOptions{})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if err := adapter.UploadPart(context.Background(), id, 1, []byte("part")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if err := adapter.AbortUpload(context.Background(), id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if client.has("big/doomed.bin") {
		t.Error("aborted upload created an object")
	}
	if err := adapter.UploadPart(context.Background(), id, 2, []byte("late")); !drivekit.IsNotFound(err) {
		t.Errorf("part after abort: err = %v, want not-found", err)
	}
}

func TestChunkedUploadUnknownHandle(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	if err := adapter.UploadPart(context.Background(), "bogus", 1, []byte("x")); !drivekit.IsNotFound(err) {
		t.Errorf("UploadPart: err = %v, want not-found", err)
	}
	if err := adapter.CompleteUpload(context.Background(), "bogus"); !drivekit.IsNotFound(err) {
		t.Errorf("CompleteUpload: err = %v, want not-found", err)
	}
	if err := adapter.AbortUpload(context.Background(), "bogus"); !drivekit.IsNotFound(err) {
		t.Errorf("AbortUpload: err = %v, want not-found", err)
	}
}

// WithPrefix scopes every key under the configured bucket prefix, and
// paths round-trip without the prefix leaking into entry names.
func TestWithPrefix(t *testing.T) {
	adapter, client := newTestAdapter(t, WithPrefix("tenant-7"))

	w, err := adapter.OpenWrite(context.Background(), mustPath(t, "docs/a.txt"), drivekit.WriteOptions{ExpectedSize: -1})
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	io.WriteString(w, "scoped")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !client.has("tenant-7/docs/a.txt") {
		t.Fatalf("object not stored under prefix; keys: %v", client.sortedKeys(""))
	}

	page, err := adapter.List(context.Background(), mustPath(t, "docs"), drivekit.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Name != "a.txt" {
		t.Errorf("entries = %+v, want single a.txt", page.Entries)
	}
	if page.Entries[0].Path.String() != "docs/a.txt" {
		t.Errorf("entry path = %q, want docs/a.txt", page.Entries[0].Path.String())
	}
}

func TestMapS3Error(t *testing.T) {
	path := drivekit.MustPath("x")
	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{"NoSuchKey code", apiError("NoSuchKey"), drivekit.IsNotFound},
		{"AccessDenied", apiError("AccessDenied"), drivekit.IsAccessDenied},
		{"SlowDown", apiError("SlowDown"), drivekit.IsUnavailable},
		{"InternalError", apiError("InternalError"), drivekit.IsUnavailable},
		{"QuotaExceeded", apiError("QuotaExceeded"), func(err error) bool {
			return errors.Is(err, drivekit.ErrQuotaExceeded)
		}},
		{"context cancellation", context.Canceled, drivekit.IsCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapS3Error("op", path, tt.err)
			if !tt.want(got) {
				t.Errorf("mapS3Error(%v) = %v, wrong classification", tt.err, got)
			}
			var pathErr *drivekit.PathError
			if !errors.As(got, &pathErr) {
				t.Errorf("mapS3Error(%v) is not a PathError", tt.err)
			}
		})
	}

	if mapS3Error("op", path, nil) != nil {
		t.Error("nil error should map to nil")
	}
}

// Watch fingerprints the first listing page; the fingerprint moves when
// an object is added, changed, or removed.
func TestListFingerprint(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("watched/a.txt", "one")

	before, err := adapter.listFingerprint(context.Background(), mustPath(t, "watched"))
	if err != nil {
		t.Fatalf("listFingerprint: %v", err)
	}

	same, err := adapter.listFingerprint(context.Background(), mustPath(t, "watched"))
	if err != nil {
		t.Fatalf("listFingerprint: %v", err)
	}
	if same != before {
		t.Error("fingerprint changed with no writes")
	}

	client.put("watched/b.txt", "two")
	after, err := adapter.listFingerprint(context.Background(), mustPath(t, "watched"))
	if err != nil {
		t.Fatalf("listFingerprint: %v", err)
	}
	if after == before {
		t.Error("fingerprint did not change after a write")
	}
}

func TestWatchReturnsToken(t *testing.T) {
	adapter, client := newTestAdapter(t)
	client.put("watched/a.txt", "one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := adapter.Watch(ctx, mustPath(t, "watched"), "*")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if token == nil {
		t.Fatal("Watch returned a nil token")
	}
	if token.HasChanged() {
		t.Error("fresh token already reports a change")
	}
}
