package service_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/service"
	"github.com/unclebandit/mailleopard-backend/internal/storage"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"my report (final).pdf", "my_report_final_.pdf"},
		{`C:\Users\ann\invoice 3.pdf`, "invoice_3.pdf"},
		{"../../etc/passwd", "passwd"},
		{"résumé.docx", "r_sum_.docx"},
		{"", "attachment"},
		{"..", "attachment"},
		{"dir/", "attachment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, service.SanitizeFilename(tt.in), tt.in)
	}
}

func TestSanitizeFilenameProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("sanitizing twice equals sanitizing once", prop.ForAll(
		func(s string) bool {
			once := service.SanitizeFilename(s)
			return service.SanitizeFilename(once) == once
		},
		gen.AnyString(),
	))
	properties.Property("output never contains separators", prop.ForAll(
		func(s string) bool {
			out := service.SanitizeFilename(s)
			return out != "" && !strings.ContainsAny(out, `/\ `)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestAttachmentFolder(t *testing.T) {
	assert.Equal(t, "7/job-1", service.AttachmentFolder(7, "job-1"))
	assert.Equal(t, "7/passwd", service.AttachmentFolder(7, "../passwd"))
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			n++
		}
		return err
	}))
	return n
}

func TestResolveUploaded(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	resolver := service.NewAttachmentResolver(store, 16, []string{".pdf", "text/*"}, nil, 0, discardLogger())

	atts := resolver.ResolveUploaded(ctx, []service.UploadedFile{
		{Name: "notes.txt", Content: strings.NewReader("first")},
		{Name: "notes.txt", Content: strings.NewReader("second")},
		{Name: "big.pdf", Size: 1 << 20, Content: strings.NewReader("%PDF")},
		{Name: "sneaky.pdf", Content: strings.NewReader("%PDF-1.4 far too long for the limit")},
		{Name: "tool.exe", Content: strings.NewReader("MZ\x90\x00")},
		{Name: "empty.txt"},
	}, "7/job-u/global")

	require.Len(t, atts, 2)
	for _, a := range atts {
		assert.Equal(t, "notes.txt", a.DisplayName)
		assert.Equal(t, model.OriginUploaded, a.Origin)
		assert.Contains(t, a.Path, filepath.FromSlash("7/job-u/global/uploads/"))
	}
	assert.NotEqual(t, atts[0].Path, atts[1].Path, "duplicate names get distinct paths")

	second, err := resolver.Load(ctx, atts[1])
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	assert.Equal(t, 2, countFiles(t, store.Root()), "rejected files are removed")
}

func TestResolveCsvPathsStagesLocalCopies(t *testing.T) {
	ctx := context.Background()
	resolver, store := newResolver(t)

	src := filepath.Join(t.TempDir(), "contract.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 contract"), 0o600))

	atts := resolver.ResolveCsvPaths(ctx, []string{src, " ", filepath.Join(t.TempDir(), "missing.pdf")}, "7/job-c/recipients/0")
	require.Len(t, atts, 1)
	att := atts[0]
	assert.Equal(t, "contract.pdf", att.DisplayName)
	assert.Equal(t, model.OriginCSVLocalPath, att.Origin)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.True(t, strings.HasPrefix(att.Path, store.Root()))

	require.NoError(t, resolver.Cleanup(ctx, atts))
	require.NoError(t, resolver.Cleanup(ctx, atts), "cleanup is idempotent")
	assert.False(t, resolver.Available(ctx, att))
	_, err := os.Stat(src)
	assert.NoError(t, err, "the source file is left alone")
}

func TestResolveCsvPathsFetchesRemoteFiles(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/price list.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4 prices"))
	}))
	defer srv.Close()

	resolver, _ := newResolver(t)
	resolver.RemoteHosts = []string{"127.0.0.1"}
	atts := resolver.ResolveCsvPaths(ctx, []string{
		srv.URL + "/files/price%20list.pdf?download=1",
		srv.URL + "/files/gone.pdf",
	}, "7/job-r/recipients/0")

	require.Len(t, atts, 1)
	assert.Equal(t, model.OriginCSVRemoteFetched, atts[0].Origin)
	assert.Equal(t, "price_20list.pdf", atts[0].DisplayName)
	assert.Contains(t, atts[0].Path, filepath.FromSlash("/staging/"))
	data, err := resolver.Load(ctx, atts[0])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 prices", string(data))
}

func TestResolveCsvPathsMapsSharePaths(t *testing.T) {
	ctx := context.Background()
	shareRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(shareRoot, "fileserver", "docs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(shareRoot, "fileserver", "docs", "brochure.pdf"), []byte("%PDF-1.4"), 0o600))

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	resolver := service.NewAttachmentResolver(store, 0, nil, []string{t.TempDir(), shareRoot}, 0, discardLogger())

	atts := resolver.ResolveCsvPaths(ctx, []string{
		`\\fileserver\docs\brochure.pdf`,
		`\\fileserver\docs\..\..\secret.pdf`,
		`\\fileserver\docs\nothere.pdf`,
	}, "7/job-s/recipients/1")

	require.Len(t, atts, 1)
	assert.Equal(t, "brochure.pdf", atts[0].DisplayName)
	assert.Equal(t, model.OriginCSVRemoteFetched, atts[0].Origin)
}

func TestResolveCsvPathsConfinesLocalPaths(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	resolver := service.NewAttachmentResolver(store, 0, nil, nil, 0, discardLogger())

	allowed := t.TempDir()
	outside := t.TempDir()
	inside := filepath.Join(allowed, "inside.txt")
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(inside, []byte("ok"), 0o600))
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o600))
	link := filepath.Join(allowed, "link.txt")
	require.NoError(t, os.Symlink(secret, link))

	paths := []string{
		inside,
		secret,
		"/etc/passwd",
		link,
		filepath.Join(allowed, "..", filepath.Base(outside), "secret.txt"),
	}

	assert.Empty(t, resolver.ResolveCsvPaths(ctx, paths, "7/job-l/recipients/0"), "no local roots means no local reads")

	resolver.LocalRoots = []string{allowed}
	atts := resolver.ResolveCsvPaths(ctx, paths, "7/job-l/recipients/0")
	require.Len(t, atts, 1)
	assert.Equal(t, "inside.txt", atts[0].DisplayName)
	assert.Equal(t, 1, countFiles(t, store.Root()))
}

func TestResolveCsvPathsRestrictsRemoteHosts(t *testing.T) {
	ctx := context.Background()
	var fileHits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hop":
			http.Redirect(w, r, strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)+"/file.pdf", http.StatusFound)
		case "/file.pdf":
			fileHits.Add(1)
			_, _ = w.Write([]byte("%PDF-1.4"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	resolver, _ := newResolver(t)
	direct := srv.URL + "/file.pdf"

	assert.Empty(t, resolver.ResolveCsvPaths(ctx, []string{direct}, "7/job-h/recipients/0"), "no allowed hosts means no fetches")
	resolver.RemoteHosts = []string{"localhost", ".internal.example"}
	assert.Empty(t, resolver.ResolveCsvPaths(ctx, []string{direct}, "7/job-h/recipients/0"))
	assert.EqualValues(t, 0, fileHits.Load())

	resolver.RemoteHosts = []string{"127.0.0.1"}
	assert.Empty(t, resolver.ResolveCsvPaths(ctx, []string{srv.URL + "/hop"}, "7/job-h/recipients/0"), "redirects to other hosts are refused")
	assert.EqualValues(t, 0, fileHits.Load())

	assert.Len(t, resolver.ResolveCsvPaths(ctx, []string{direct}, "7/job-h/recipients/0"), 1)
	assert.EqualValues(t, 1, fileHits.Load())
}

func TestResolveRecipientAndCc(t *testing.T) {
	ctx := context.Background()
	resolver, _ := newResolver(t)
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o600))

	r := mustRecipient("email", "a@example.com", "cc", "Boss <boss@example.com>, not an address, ops@example.com")
	uploaded := resolver.ResolveUploaded(ctx, []service.UploadedFile{{Name: "terms pdf.pdf", Content: strings.NewReader("%PDF")}}, "7/job/global")
	require.Len(t, uploaded, 1)
	r.RawAttachments = []string{src, "terms pdf.pdf", "unknown.pdf"}
	resolver.ResolveRecipient(ctx, r, uploaded, "7/job/recipients/0")

	require.Len(t, r.ResolvedAttachments, 2, "bare names without a matching upload are dropped")
	assert.Equal(t, uploaded[0], r.ResolvedAttachments[0])
	assert.Equal(t, "a.txt", r.ResolvedAttachments[1].DisplayName)
	assert.Equal(t, []model.CcEntry{
		{Address: "boss@example.com", Name: "Boss"},
		{Address: "ops@example.com"},
	}, r.ResolvedCc)
}

func TestCleanupSkipsMissingFiles(t *testing.T) {
	resolver, _ := newResolver(t)
	err := resolver.Cleanup(context.Background(), []model.Attachment{
		{Path: filepath.Join(t.TempDir(), "never-stored.pdf")},
		{Path: ""},
	})
	assert.Error(t, err, "paths outside the store root are reported")

	assert.NoError(t, resolver.Cleanup(context.Background(), nil))
}
