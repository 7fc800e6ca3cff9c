package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/storage"
)

const (
	fallbackFilename  = "attachment"
	defaultStagingDir = "staging"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	repeatedUnderscores = regexp.MustCompile(`_{2,}`)
)

// SanitizeFilename strips directories and replaces anything outside
// [A-Za-z0-9._-] with an underscore.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	if strings.Trim(name, ".") == "" {
		return fallbackFilename
	}
	return name
}

// UploadedFile is a file received with a campaign submission.
type UploadedFile struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

// AttachmentFolder is the blob store namespace owned by one campaign.
func AttachmentFolder(userID int64, jobID string) string {
	return path.Join(fmt.Sprint(userID), SanitizeFilename(jobID))
}

// AttachmentResolver stages attachment files in the blob store. Every
// attachment it returns lives under the campaign folder, so Cleanup never
// touches files it did not create.
type AttachmentResolver struct {
	Store        storage.Storage
	Logger       *slog.Logger
	MaxBytes     int64
	AllowedTypes []string
	// ShareRoots are local mount points searched for UNC and drive paths.
	ShareRoots []string
	// LocalRoots bound the server paths a CSV may reference. Empty means
	// no local file is readable.
	LocalRoots []string
	// RemoteHosts lists hosts attachments may be fetched from. An entry
	// starting with a dot also admits its subdomains. Empty disables fetching.
	RemoteHosts []string
	// StagingDir is the campaign subfolder holding fetched remote files.
	StagingDir   string
	HTTPClient   *http.Client
	FetchTimeout time.Duration
}

func NewAttachmentResolver(store storage.Storage, maxBytes int64, allowed, shareRoots []string, fetchTimeout time.Duration, log *slog.Logger) *AttachmentResolver {
	a := &AttachmentResolver{
		Store:        store,
		Logger:       log,
		MaxBytes:     maxBytes,
		AllowedTypes: allowed,
		ShareRoots:   shareRoots,
		FetchTimeout: fetchTimeout,
	}
	a.HTTPClient = &http.Client{Timeout: fetchTimeout, CheckRedirect: a.checkRedirect}
	return a
}

// ResolveUploaded stores uploaded files under folder. Files that cannot be
// stored or verified are skipped with a warning.
func (a *AttachmentResolver) ResolveUploaded(ctx context.Context, files []UploadedFile, folder string) []model.Attachment {
	names := newNameSet()
	out := make([]model.Attachment, 0, len(files))
	for _, f := range files {
		name := SanitizeFilename(f.Name)
		if a.MaxBytes > 0 && f.Size > a.MaxBytes {
			a.warn(ctx, "attachment dropped", name, appErrors.ErrAttachmentTooBig)
			continue
		}
		att, err := a.store(ctx, f.Content, path.Join(folder, "uploads", names.unique(name)), name, model.OriginUploaded)
		if err != nil {
			a.warn(ctx, "attachment dropped", name, err)
			continue
		}
		out = append(out, *att)
	}
	return out
}

// ResolveCsvPaths turns paths declared in a CSV row into staged attachments.
// Paths that are neither readable locally nor fetchable are dropped.
func (a *AttachmentResolver) ResolveCsvPaths(ctx context.Context, rawPaths []string, folder string) []model.Attachment {
	names := newNameSet()
	out := make([]model.Attachment, 0, len(rawPaths))
	for _, raw := range rawPaths {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		name := SanitizeFilename(p)

		if !isRemoteURL(p) && shareRelativePath(p) == "" {
			att, err := a.stageLocal(ctx, p, path.Join(folder, "csv", names.unique(name)), name)
			if err == nil {
				out = append(out, *att)
				continue
			}
			if !errors.Is(err, os.ErrNotExist) {
				a.warn(ctx, "attachment dropped", p, err)
				continue
			}
		}

		att, err := a.tryRemoteFetch(ctx, p, folder)
		if err != nil {
			a.warn(ctx, "attachment not accessible, dropped", p, err)
			continue
		}
		out = append(out, *att)
	}
	return out
}

// ResolveRecipient fills the recipient's resolved attachments and CC list.
// Bare names in the attachments column refer to uploaded files; everything
// else is resolved as a path under folder.
func (a *AttachmentResolver) ResolveRecipient(ctx context.Context, r *model.Recipient, uploaded []model.Attachment, folder string) {
	if len(r.RawCc) > 0 {
		r.ResolvedCc = a.ResolveCc(ctx, r.RawCc)
	}
	if len(r.RawAttachments) == 0 {
		return
	}

	byName := make(map[string]model.Attachment, len(uploaded))
	for _, att := range uploaded {
		byName[att.DisplayName] = att
	}
	var out []model.Attachment
	var paths []string
	for _, p := range r.RawAttachments {
		if !strings.ContainsAny(p, `/\`) {
			if att, ok := byName[SanitizeFilename(p)]; ok {
				out = append(out, att)
				continue
			}
		}
		paths = append(paths, p)
	}
	r.ResolvedAttachments = append(out, a.ResolveCsvPaths(ctx, paths, folder)...)
}

// ResolveCc parses candidate CC addresses, dropping invalid ones.
func (a *AttachmentResolver) ResolveCc(ctx context.Context, raw []string) []model.CcEntry {
	out := make([]model.CcEntry, 0, len(raw))
	for _, s := range raw {
		addr, err := mail.ParseAddress(strings.TrimSpace(s))
		if err != nil {
			a.Logger.WarnContext(ctx, "invalid cc address dropped", slog.String("cc", s), slog.Any("error", err))
			continue
		}
		out = append(out, model.CcEntry{Address: addr.Address, Name: addr.Name})
	}
	return out
}

// Cleanup deletes every attachment that still exists. Running it twice on
// the same set is harmless.
func (a *AttachmentResolver) Cleanup(ctx context.Context, attachments []model.Attachment) error {
	seen := make(map[string]struct{}, len(attachments))
	var errs []error
	for _, att := range attachments {
		if _, ok := seen[att.Path]; ok || att.Path == "" {
			continue
		}
		seen[att.Path] = struct{}{}

		ok, err := a.Store.Exists(ctx, att.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("check %s: %w", att.Path, err))
			continue
		}
		if !ok {
			continue
		}
		if err := a.Store.Delete(ctx, att.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", att.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Available reports whether the attachment file still exists.
func (a *AttachmentResolver) Available(ctx context.Context, att model.Attachment) bool {
	ok, err := a.Store.Exists(ctx, att.Path)
	return err == nil && ok
}

// Load reads attachment content for sending.
func (a *AttachmentResolver) Load(ctx context.Context, att model.Attachment) ([]byte, error) {
	return storage.Read(ctx, a.Store, att.Path)
}

func (a *AttachmentResolver) stageLocal(ctx context.Context, p, key, name string) (*model.Attachment, error) {
	p, err := a.localPath(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", p)
	}
	if a.MaxBytes > 0 && info.Size() > a.MaxBytes {
		return nil, appErrors.ErrAttachmentTooBig
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return a.store(ctx, f, key, name, model.OriginCSVLocalPath)
}

// tryRemoteFetch reads a path that is not available locally: an http(s) URL
// or a network share path mapped onto one of the share roots.
func (a *AttachmentResolver) tryRemoteFetch(ctx context.Context, p, folder string) (*model.Attachment, error) {
	var (
		data []byte
		err  error
	)
	if isRemoteURL(p) {
		data, err = a.fetchURL(ctx, p)
	} else {
		data, err = a.fetchShare(p)
	}
	if err != nil {
		return nil, err
	}

	name := SanitizeFilename(p)
	if isRemoteURL(p) {
		name = SanitizeFilename(path.Base(strings.SplitN(p, "?", 2)[0]))
	}
	staging := a.StagingDir
	if staging == "" {
		staging = defaultStagingDir
	}
	key := path.Join(folder, SanitizeFilename(staging), uuid.NewString()+"_"+name)
	return a.store(ctx, bytes.NewReader(data), key, name, model.OriginCSVRemoteFetched)
}

// localPath resolves symlinks in p and checks that the result lies inside
// one of the local roots.
func (a *AttachmentResolver) localPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	for _, root := range a.LocalRoots {
		r, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if rr, err := filepath.EvalSymlinks(r); err == nil {
			r = rr
		}
		if within(r, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", appErrors.ErrAttachmentNotPermitted, p)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (a *AttachmentResolver) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range a.RemoteHosts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if host == entry[1:] || strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func (a *AttachmentResolver) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if !a.hostAllowed(req.URL.Hostname()) {
		return fmt.Errorf("%w: redirect to %s", appErrors.ErrAttachmentNotPermitted, req.URL.Host)
	}
	return nil
}

func (a *AttachmentResolver) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !a.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: host %s", appErrors.ErrAttachmentNotPermitted, u.Host)
	}
	if a.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := a.HTTPClient
	if client == nil {
		client = &http.Client{CheckRedirect: a.checkRedirect}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return a.readLimited(resp.Body)
}

func (a *AttachmentResolver) fetchShare(p string) ([]byte, error) {
	rel := shareRelativePath(p)
	if rel == "" {
		return nil, os.ErrNotExist
	}
	for _, root := range a.ShareRoots {
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		candidate, err := filepath.EvalSymlinks(filepath.Join(r, rel))
		if err != nil || !within(r, candidate) {
			continue
		}
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}
		data, err := a.readLimited(f)
		f.Close()
		return data, err
	}
	return nil, os.ErrNotExist
}

func (a *AttachmentResolver) readLimited(r io.Reader) ([]byte, error) {
	if a.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, a.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > a.MaxBytes {
		return nil, appErrors.ErrAttachmentTooBig
	}
	return data, nil
}

// store writes content to the blob store and verifies the result.
func (a *AttachmentResolver) store(ctx context.Context, content io.Reader, key, name string, origin model.AttachmentOrigin) (*model.Attachment, error) {
	if content == nil {
		return nil, fmt.Errorf("no content for %s", name)
	}
	if a.MaxBytes > 0 {
		content = io.LimitReader(content, a.MaxBytes+1)
	}

	info, err := a.Store.Put(ctx, content, key)
	if err != nil {
		return nil, err
	}
	reject := func(err error) (*model.Attachment, error) {
		_ = a.Store.Delete(ctx, info.Path)
		return nil, err
	}

	if a.MaxBytes > 0 && info.Size > a.MaxBytes {
		return reject(appErrors.ErrAttachmentTooBig)
	}
	if !storage.Allowed(name, info.ContentType, a.AllowedTypes) {
		return reject(fmt.Errorf("%w: %s", appErrors.ErrAttachmentType, info.ContentType))
	}
	ok, err := a.Store.Exists(ctx, info.Path)
	if err != nil || !ok {
		return reject(fmt.Errorf("stored file %s could not be verified: %v", info.Path, err))
	}

	return &model.Attachment{
		Path:        info.Path,
		DisplayName: name,
		MimeType:    info.ContentType,
		SizeBytes:   info.Size,
		Origin:      origin,
	}, nil
}

func (a *AttachmentResolver) warn(ctx context.Context, msg, file string, err error) {
	a.Logger.WarnContext(ctx, msg, slog.String("file", file), slog.Any("error", err))
}

func isRemoteURL(p string) bool {
	lower := strings.ToLower(p)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// shareRelativePath turns `\\server\share\dir\f.pdf` into server/share/dir/f.pdf
// and `C:\dir\f.pdf` into C/dir/f.pdf. Other paths yield "".
func shareRelativePath(p string) string {
	var rest string
	switch {
	case strings.HasPrefix(p, `\\`), strings.HasPrefix(p, "//"):
		rest = p[2:]
	case len(p) > 2 && p[1] == ':' && (p[2] == '\\' || p[2] == '/'):
		rest = p[:1] + "/" + p[3:]
	default:
		return ""
	}
	parts := strings.FieldsFunc(rest, func(r rune) bool { return r == '\\' || r == '/' })
	for _, part := range parts {
		if part == ".." {
			return ""
		}
	}
	return filepath.Join(parts...)
}

// nameSet hands out unique file names within one folder.
type nameSet map[string]int

func newNameSet() nameSet { return nameSet{} }

func (s nameSet) unique(name string) string {
	n := s[name]
	s[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}
