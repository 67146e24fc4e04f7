// Package cms drives the newsroom back office over plain HTTP forms.
package cms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/parser"
	"MailPress/internal/ports"
)

const (
	createLabel    = "CREATE"
	articleForm    = `form:has(input[name="titolo"])`
	galleryForm    = `form:has(input[type="file"])`
	galleryField   = "img"
	dateLayout     = "02/01/2006"
	hourLayout     = "15:04"
	defaultTimeout = 30 * time.Second
)

var paragraphFields = []string{"testo", "testo2", "testo3"}

// actionNames maps action kinds onto the data-action attribute of listing anchors.
var actionNames = map[domain.ActionKind]string{
	domain.ActionApprove: "confirm",
	domain.ActionShow:    "show",
}

// Driver is one authenticated back-office session. It is not safe for
// concurrent attempts; the session pool hands it to one worker at a time.
type Driver struct {
	base        *url.URL
	loginPath   string
	galleryPath string
	location    *time.Location
	client      *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu      sync.Mutex
	creds   *domain.Credentials
	page    *goquery.Document
	pageURL *url.URL
	pending *parser.Form
	formURL *url.URL
}

var _ ports.Browser = (*Driver)(nil)

// NewDriver builds a session with its own cookie jar. Trigger times are written in loc.
func NewDriver(cfg config.CMSConfig, loc *time.Location, logger *slog.Logger) (*Driver, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("cms base url %q: invalid", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		base:        base,
		loginPath:   cfg.LoginPath,
		galleryPath: cfg.GalleryPath,
		location:    loc,
		client:      &http.Client{Jar: jar, Timeout: timeout},
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
	}, nil
}

// Authenticate logs in unless the session cookie is still accepted.
func (d *Driver) Authenticate(ctx context.Context, creds domain.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("cms credentials missing: %w", domain.ErrAuthentication)
	}
	d.creds = &creds
	return d.login(ctx)
}

func (d *Driver) login(ctx context.Context) error {
	doc, pageURL, err := d.fetch(ctx, http.MethodGet, d.resolve(d.base, d.loginPath), nil, "")
	if err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	if !parser.HasLoginForm(doc) {
		d.setPage(doc, pageURL)
		return nil
	}

	form, ok := parser.ReadForm(doc, "form:has(input#user)")
	if !ok {
		return fmt.Errorf("login form not found on %s: %w", pageURL, domain.ErrTransientIO)
	}
	form.Values.Set(doc.Find("input#user").AttrOr("name", "user"), d.creds.Username)
	form.Values.Set(doc.Find("input#pwd").AttrOr("name", "pwd"), d.creds.Password)

	doc, pageURL, err = d.fetch(ctx, http.MethodPost, d.resolve(pageURL, form.Action),
		strings.NewReader(form.Values.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	if parser.HasLoginForm(doc) {
		reason := strings.Join(parser.FormErrors(doc), "; ")
		if reason == "" {
			reason = "login form shown again"
		}
		return fmt.Errorf("login rejected for %s: %s: %w", d.creds.Username, reason, domain.ErrAuthentication)
	}

	d.setPage(doc, pageURL)
	d.logger.Info("cms session authenticated", "user", d.creds.Username)
	return nil
}

// Navigate opens a back-office page, logging in again if the session expired.
func (d *Driver) Navigate(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, pageURL, err := d.get(ctx, d.resolve(d.base, endpoint))
	if err != nil {
		return err
	}
	d.setPage(doc, pageURL)
	return nil
}

// FillForm opens the creation form of the current section and stages the article fields.
func (d *Driver) FillForm(ctx context.Context, form domain.ArticleForm) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.page == nil {
		return errors.New("fill form: no section page open")
	}
	href, ok := parser.LinkByText(d.page, createLabel)
	if !ok {
		return fmt.Errorf("no %s link on %s: %w", createLabel, d.pageURL, domain.ErrTransientIO)
	}

	doc, pageURL, err := d.get(ctx, d.resolve(d.pageURL, href))
	if err != nil {
		return fmt.Errorf("open creation form: %w", err)
	}
	staged, ok := parser.ReadForm(doc, articleForm)
	if !ok {
		return fmt.Errorf("article form not found on %s: %w", pageURL, domain.ErrTransientIO)
	}

	at := form.PublishedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.In(d.location)

	v := staged.Values
	v.Set("titolo", form.Title)
	v.Set("sottotitolo", form.Subtitle)
	v.Set("occhiello", form.Teaser)
	for i, name := range paragraphFields {
		text := ""
		if i < len(form.Paragraphs) {
			text = form.Paragraphs[i]
		}
		v.Set(name, text)
	}
	v.Set("categoria[]", form.CategoryValue)
	v.Set("fonte", form.Source)
	v.Set("data", at.Format(dateLayout))
	v.Set("data_hour", at.Format(hourLayout))
	v.Set("template", "1")

	d.setPage(doc, pageURL)
	d.pending = &staged
	d.formURL = pageURL
	return nil
}

// Submit posts the staged form. Validation messages rendered by the CMS come back verbatim.
func (d *Driver) Submit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		return errors.New("submit: no form staged")
	}
	form := *d.pending
	d.pending = nil

	body, contentType, err := encodeForm(form, nil)
	if err != nil {
		return err
	}
	doc, pageURL, err := d.fetch(ctx, http.MethodPost, d.resolve(d.formURL, form.Action), body, contentType)
	if err != nil {
		return err
	}
	if msgs := parser.FormErrors(doc); len(msgs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(msgs, "; "))
	}
	if doc.Find(articleForm).Length() > 0 {
		return fmt.Errorf("%w: form shown again after submit", domain.ErrValidation)
	}

	d.setPage(doc, pageURL)
	return nil
}

// ReadListingFragments returns the record rows of the page last opened.
func (d *Driver) ReadListingFragments(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.page == nil {
		return nil, errors.New("read listing: no page open")
	}
	return parser.ListingFragments(d.page)
}

// InvokeAction follows the pending action anchor of a listed record.
// Anchors no longer marked pending report domain.ErrAlreadyApplied.
func (d *Driver) InvokeAction(ctx context.Context, identifier string, kind domain.ActionKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, ok := actionNames[kind]
	if !ok {
		return fmt.Errorf("unknown action %q", kind)
	}
	if d.pageURL == nil {
		return errors.New("invoke action: no listing open")
	}

	// Reload so the anchor state reflects earlier actions.
	doc, pageURL, err := d.get(ctx, d.pageURL)
	if err != nil {
		return err
	}
	d.setPage(doc, pageURL)

	action, found := parser.FindAction(doc, identifier, name)
	if !found {
		return fmt.Errorf("%s action for %s: %w", name, identifier, domain.ErrNotListedYet)
	}
	if !action.Pending {
		return domain.ErrAlreadyApplied
	}

	if _, _, err := d.get(ctx, d.resolve(pageURL, action.Href)); err != nil {
		return fmt.Errorf("%s %s: %w", name, identifier, err)
	}
	d.logger.Info("cms action applied", "cms_identifier", identifier, "action", name)
	return nil
}

// UploadMedia posts each item to the gallery of the record, one request per file.
func (d *Driver) UploadMedia(ctx context.Context, identifier string, items []domain.MediaItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	galleryURL := d.resolve(d.base, d.galleryPath)
	q := galleryURL.Query()
	q.Set("id", identifier)
	galleryURL.RawQuery = q.Encode()

	for _, item := range items {
		doc, pageURL, err := d.get(ctx, galleryURL)
		if err != nil {
			return fmt.Errorf("open gallery of %s: %w", identifier, err)
		}
		form, ok := parser.ReadForm(doc, galleryForm)
		if !ok {
			return fmt.Errorf("gallery form not found for %s: %w", identifier, domain.ErrTransientIO)
		}

		body, contentType, err := encodeForm(form, &item)
		if err != nil {
			return err
		}
		doc, _, err = d.fetch(ctx, http.MethodPost, d.resolve(pageURL, form.Action), body, contentType)
		if err != nil {
			return fmt.Errorf("upload %s: %w", item.Filename, err)
		}
		if msgs := parser.FormErrors(doc); len(msgs) > 0 {
			return fmt.Errorf("%w: %s: %s", domain.ErrValidation, item.Filename, strings.Join(msgs, "; "))
		}
		d.logger.Debug("gallery item uploaded", "cms_identifier", identifier, "media_id", item.ID)
	}
	return nil
}

func (d *Driver) setPage(doc *goquery.Document, pageURL *url.URL) {
	d.page = doc
	d.pageURL = pageURL
}

func (d *Driver) resolve(from *url.URL, ref string) *url.URL {
	if from == nil {
		from = d.base
	}
	u, err := from.Parse(ref)
	if err != nil {
		return from
	}
	return u
}

// get fetches a page and logs in once more when the CMS answers with its login form.
func (d *Driver) get(ctx context.Context, target *url.URL) (*goquery.Document, *url.URL, error) {
	doc, pageURL, err := d.fetch(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return nil, nil, err
	}
	if !parser.HasLoginForm(doc) {
		return doc, pageURL, nil
	}
	if d.creds == nil {
		return nil, nil, fmt.Errorf("%s requires a session: %w", target.Path, domain.ErrAuthentication)
	}

	d.logger.Warn("cms session expired, logging in again", "path", target.Path)
	if err := d.login(ctx); err != nil {
		return nil, nil, err
	}
	return d.fetch(ctx, http.MethodGet, target, nil, "")
}

func (d *Driver) fetch(ctx context.Context, method string, target *url.URL, body io.Reader, contentType string) (*goquery.Document, *url.URL, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("wait for request slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, nil, fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("%s %s: %w", method, target.Path, ctxErr)
		}
		return nil, nil, fmt.Errorf("%s %s: %w: %v", method, target.Path, domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, nil, fmt.Errorf("%s %s: %s: %w", method, target.Path, resp.Status, domain.ErrTransientIO)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, fmt.Errorf("%s %s: %s: %w", method, target.Path, resp.Status, domain.ErrAuthentication)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, nil, fmt.Errorf("%s %s: %s: %w", method, target.Path, resp.Status, domain.ErrValidation)
	}

	doc, err := parser.Parse(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w: %v", method, target.Path, domain.ErrTransientIO, err)
	}
	return doc, resp.Request.URL, nil
}

// encodeForm renders form values, adding item as the file part when given.
func encodeForm(form parser.Form, item *domain.MediaItem) (io.Reader, string, error) {
	if item == nil && !form.Multipart() {
		return strings.NewReader(form.Values.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, values := range form.Values {
		for _, v := range values {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", fmt.Errorf("write field %s: %w", name, err)
			}
		}
	}

	if item != nil {
		data, err := os.ReadFile(item.Path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: read media %s: %v", domain.ErrValidation, item.ID, err)
		}
		filename := item.Filename
		if filename == "" {
			filename = filepath.Base(item.Path)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, galleryField, filename))
		contentType := item.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
