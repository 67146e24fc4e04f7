package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/storage"
	"MailPress/internal/ports"
	"MailPress/internal/retry"
)

var errFlaky = fmt.Errorf("connection reset: %w", domain.ErrTransientIO)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// submitStep scripts one Submit call of the fake CMS.
type submitStep struct {
	lands bool
	block bool
	err   error
}

// fakeBrowser is an in-memory CMS with a single listing shared by all sections.
type fakeBrowser struct {
	mu sync.Mutex

	listing []string
	nextID  int

	authErrs   []error
	fillErrs   []error
	submits    []submitStep
	actionErrs map[domain.ActionKind][]error
	uploadErrs []error

	// onSubmit runs after a landed submission, e.g. to simulate a concurrent editor.
	onSubmit func(b *fakeBrowser)
	// onFill runs before a form is filled.
	onFill func(b *fakeBrowser)

	authCalls   int
	submitCalls int
	forms       []domain.ArticleForm
	navigations []string
	applied     map[string]map[domain.ActionKind]int
	uploaded    []string
}

func newFakeBrowser(listing ...string) *fakeBrowser {
	next := 10
	for _, id := range listing {
		if n, err := strconv.Atoi(id); err == nil && n >= next {
			next = n + 1
		}
	}
	return &fakeBrowser{
		listing:    listing,
		nextID:     next,
		actionErrs: map[domain.ActionKind][]error{},
		applied:    map[string]map[domain.ActionKind]int{},
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// addEntryLocked lists a new record at the top of the listing.
func (b *fakeBrowser) addEntryLocked() string {
	id := strconv.Itoa(b.nextID)
	b.nextID++
	b.listing = append([]string{id}, b.listing...)
	return id
}

func (b *fakeBrowser) Authenticate(_ context.Context, creds domain.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCalls++
	if creds.Username == "" {
		return fmt.Errorf("empty username: %w", domain.ErrAuthentication)
	}
	return pop(&b.authErrs)
}

func (b *fakeBrowser) Navigate(_ context.Context, endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigations = append(b.navigations, endpoint)
	return nil
}

func (b *fakeBrowser) FillForm(_ context.Context, form domain.ArticleForm) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onFill != nil {
		b.onFill(b)
	}
	if err := pop(&b.fillErrs); err != nil {
		return err
	}
	b.forms = append(b.forms, form)
	return nil
}

func (b *fakeBrowser) Submit(ctx context.Context) error {
	b.mu.Lock()
	b.submitCalls++
	step := submitStep{lands: true}
	if len(b.submits) > 0 {
		step = b.submits[0]
		b.submits = b.submits[1:]
	}
	if step.lands {
		b.addEntryLocked()
		if b.onSubmit != nil {
			b.onSubmit(b)
		}
	}
	b.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return step.err
}

func (b *fakeBrowser) ReadListingFragments(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.listing))
	for _, id := range b.listing {
		out = append(out, fmt.Sprintf(`<tr data-id="%s"><td>Articolo %s</td></tr>`, id, id))
	}
	return out, nil
}

func (b *fakeBrowser) InvokeAction(_ context.Context, identifier string, kind domain.ActionKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applied[identifier][kind] > 0 {
		return domain.ErrAlreadyApplied
	}
	errs := b.actionErrs[kind]
	err := pop(&errs)
	b.actionErrs[kind] = errs
	if err != nil {
		return err
	}
	if b.applied[identifier] == nil {
		b.applied[identifier] = map[domain.ActionKind]int{}
	}
	b.applied[identifier][kind]++
	return nil
}

func (b *fakeBrowser) UploadMedia(_ context.Context, _ string, items []domain.MediaItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.uploadErrs); err != nil {
		return err
	}
	for _, item := range items {
		b.uploaded = append(b.uploaded, item.ID)
	}
	return nil
}

func (b *fakeBrowser) appliedCount(id string, kind domain.ActionKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied[id][kind]
}

func (b *fakeBrowser) uploads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uploaded...)
}

// fakeGenerator replies with a fixed article after draining scripted errors.
type fakeGenerator struct {
	mu      sync.Mutex
	article domain.GeneratedArticle
	errs    []error
	calls   int
	// onGenerate runs before each reply.
	onGenerate func()
}

func validGenerated() domain.GeneratedArticle {
	return domain.GeneratedArticle{
		Classification: "spotlight",
		Category:       "cultura",
		Title:          "Nuova biblioteca in centro",
		Subtitle:       "Apre sabato",
		Teaser:         "Cultura",
		Paragraphs:     []string{"Primo paragrafo.", "Secondo paragrafo."},
	}
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(_ context.Context, _ ports.GenerationRequest) (domain.GeneratedArticle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.onGenerate != nil {
		g.onGenerate()
	}
	if err := pop(&g.errs); err != nil {
		return domain.GeneratedArticle{}, err
	}
	return g.article, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.Event
	errs   []error
}

func (n *fakeNotifier) Notify(_ context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := pop(&n.errs); err != nil {
		return err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventKind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeMailbox struct {
	raws []domain.RawMessage

	mu    sync.Mutex
	acked []string
}

func (m *fakeMailbox) Fetch(context.Context) ([]domain.RawMessage, error) {
	return append([]domain.RawMessage(nil), m.raws...), nil
}

func (m *fakeMailbox) Ack(_ context.Context, msg domain.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.TransportID)
	return nil
}

func (m *fakeMailbox) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// flakyAttempts fails SaveAttempt once for checkpoints that match failOn.
type flakyAttempts struct {
	ports.AttemptStore

	mu     sync.Mutex
	failOn func(domain.PublishAttempt) bool
	failed bool
}

func (f *flakyAttempts) SaveAttempt(ctx context.Context, attempt domain.PublishAttempt) error {
	f.mu.Lock()
	if !f.failed && f.failOn != nil && f.failOn(attempt) {
		f.failed = true
		f.mu.Unlock()
		return fmt.Errorf("write checkpoint: %w", domain.ErrTransientIO)
	}
	f.mu.Unlock()
	return f.AttemptStore.SaveAttempt(ctx, attempt)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
		Timeout:     200 * time.Millisecond,
	}
}

func testPolicies() map[domain.Stage]retry.Policy {
	return map[domain.Stage]retry.Policy{
		domain.StageAuthenticating:  fastPolicy(2),
		domain.StageSectionSelected: fastPolicy(2),
		domain.StageFormSubmitted:   fastPolicy(3),
		domain.StageIdentifierBound: fastPolicy(2),
		domain.StageApproved:        fastPolicy(3),
		domain.StageGalleryUploaded: fastPolicy(3),
		domain.StageCompleted:       fastPolicy(2),
	}
}

func testMachineConfig() MachineConfig {
	return MachineConfig{
		Credentials: domain.Credentials{Username: "redazione", Password: "secret"},
		Sections: map[string]string{
			"Spotlight":   "/admin/spotlight/",
			"Apertura":    "/admin/apertura/",
			"In Evidenza": "/admin/in_evidenza/",
		},
		Categories: map[string]string{"Cultura": "19", "Sport": "8"},
		Source:     "Ufficio Stampa",
		Policies:   testPolicies(),
	}
}

// harness bundles an in-memory pipeline around one fake CMS session.
type harness struct {
	store      *storage.MemoryStore
	browser    *fakeBrowser
	generator  *fakeGenerator
	notifier   *fakeNotifier
	mailbox    *fakeMailbox
	dispatcher *Dispatcher
	machine    *Machine
	orch       *Orchestrator
}

func newHarness(t *testing.T, browser *fakeBrowser) *harness {
	t.Helper()

	logger := discardLogger()
	h := &harness{
		store:     storage.NewMemoryStore(),
		browser:   browser,
		generator: &fakeGenerator{article: validGenerated()},
		notifier:  &fakeNotifier{},
		mailbox:   &fakeMailbox{},
	}
	retrier := retry.New(logger)
	h.dispatcher = NewDispatcher(h.store, h.notifier, logger)
	h.machine = NewMachine(h.store, NewBinder(logger), h.dispatcher, retrier, testMachineConfig(), logger)

	assembler := NewAssembler(h.generator, retrier, AssemblerConfig{
		Taxonomy: domain.DefaultTaxonomy(),
		Retry:    fastPolicy(2),
	}, logger)

	h.orch = NewOrchestrator(OrchestratorDeps{
		Mailbox:    h.mailbox,
		Store:      h.store,
		Dedup:      NewDeduplicator(h.store, logger),
		Assembler:  assembler,
		Machine:    h.machine,
		Dispatcher: h.dispatcher,
		Sessions:   NewSessionPool(browser),
		Logger:     logger,
	}, OrchestratorConfig{Workers: 2, LockTTL: time.Minute, Owner: "test"})
	return h
}

// seedArticle stores a valid article as if assembly had run.
func (h *harness) seedArticle(t *testing.T, id string, media ...domain.MediaRef) domain.Article {
	t.Helper()
	article := domain.Article{
		ID:             id,
		MessageKey:     "msg-" + id,
		Classification: "Spotlight",
		Category:       "Cultura",
		Title:          "Titolo " + id,
		Paragraphs:     []string{"Uno.", "Due."},
		Media:          media,
		Metadata:       map[string]string{"source": "press@town.example", "subject": "Oggetto " + id},
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.SaveArticle(context.Background(), article); err != nil {
		t.Fatalf("seed article: %v", err)
	}
	return article
}

func rawMessage(id, body string, received time.Time) domain.RawMessage {
	return domain.RawMessage{
		TransportID: id,
		Mailbox:     "press@voce.example",
		Sender:      "comune@town.example",
		Subject:     "Comunicato " + id,
		Body:        body,
		ReceivedAt:  received,
	}
}
