package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailPress/internal/domain"
)

var received = time.Date(2025, time.November, 8, 9, 30, 0, 0, time.UTC)

func messageStatus(t *testing.T, h *harness, transportID string) domain.MessageStatus {
	t.Helper()
	msg, err := h.store.GetMessage(context.Background(), "press@voce.example:"+transportID)
	require.NoError(t, err)
	return msg.Status
}

func TestPollPublishesAdmittedMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.mailbox.raws = []domain.RawMessage{
		rawMessage("m2", "Seconda notizia", received.Add(time.Minute)),
		rawMessage("m1", "Prima notizia", received),
	}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Admitted)
	assert.Equal(t, 2, report.Published)
	assert.Equal(t, domain.MessageDone, messageStatus(t, h, "m1"))
	assert.Equal(t, domain.MessageDone, messageStatus(t, h, "m2"))
	assert.Equal(t, []domain.EventKind{domain.EventPublished, domain.EventPublished}, h.notifier.kinds())
	assert.ElementsMatch(t, []string{"12", "11", "10"}, h.browser.listing)
}

func TestPollSkipsAlreadySeenMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	_, err := h.orch.Poll(context.Background())
	require.NoError(t, err)
	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Admitted)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 2, h.mailbox.ackCount(), "rejected messages are acknowledged too")
	assert.Equal(t, 1, h.generator.callCount())
	assert.Equal(t, 1, h.browser.submitCalls)
}

func TestConcurrentPollsAdmitOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := h.orch.Poll(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			admitted += report.Admitted
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, h.generator.callCount())
	assert.Equal(t, []domain.EventKind{domain.EventPublished}, h.notifier.kinds())
}

func TestPollRejectsInvalidPayloadWithoutAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.generator.article.Paragraphs = []string{"Uno.", "Due.", "Tre.", "Quattro."}
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, h.generator.callCount(), "invalid payloads are not retried")
	assert.Equal(t, domain.MessageFailed, messageStatus(t, h, "m1"))
	assert.Zero(t, h.browser.submitCalls)
	assert.Equal(t, []domain.EventKind{domain.EventAssemblyFailed}, h.notifier.kinds())

	open, err := h.store.ListOpenAttempts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	pending, err := h.store.ListUnattemptedArticles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPollCountsBlankParagraphsTowardsLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.generator.article.Paragraphs = []string{"Uno.", "   ", "Due.", "Tre."}
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Published)
	assert.Equal(t, domain.MessageFailed, messageStatus(t, h, "m1"))
	assert.Zero(t, h.browser.submitCalls)
	assert.Equal(t, []domain.EventKind{domain.EventAssemblyFailed}, h.notifier.kinds())
}

func TestPollLeavesCancelledAssemblyForRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	ctx, cancel := context.WithCancel(context.Background())
	h.generator.onGenerate = cancel
	h.generator.errs = []error{context.Canceled}

	report, err := h.orch.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Admitted)
	assert.Zero(t, report.Failed)
	assert.Equal(t, domain.MessageProcessing, messageStatus(t, h, "m1"))
	assert.Empty(t, h.notifier.kinds(), "shutdown is not a failure")

	h.generator.onGenerate = nil
	report, err = h.orch.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reassembled)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 2, h.generator.callCount())
	assert.Equal(t, domain.MessageDone, messageStatus(t, h, "m1"))
	assert.Equal(t, []domain.EventKind{domain.EventPublished}, h.notifier.kinds())

	report, err = h.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reassembled)
	assert.Equal(t, 2, h.generator.callCount())
}

func TestRecoverSkipsMessageAssembledElsewhere(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	msg := domain.NewMessage(rawMessage("m1", "Prima notizia", received), time.Now())
	adm, err := h.store.AdmitMessage(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, adm.Admitted)

	ok, err := h.store.Acquire(context.Background(), "message:"+msg.DedupKey, "other-host", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.orch.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Busy)
	assert.Zero(t, report.Reassembled)
	assert.Zero(t, h.generator.callCount())
	assert.Equal(t, domain.MessageProcessing, messageStatus(t, h, "m1"))
}

func TestPollMarksProviderOutage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.generator.errs = []error{errFlaky, errFlaky}
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, h.generator.callCount())
	msg, err := h.store.GetMessage(context.Background(), "press@voce.example:m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Contains(t, msg.Detail, domain.ErrProviderUnavailable.Error())
}

func TestPollReportsFailedAttempt(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser("10")
	browser.authErrs = []error{domain.ErrAuthentication}
	h := newHarness(t, browser)
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.MessageFailed, messageStatus(t, h, "m1"))
	require.Len(t, h.notifier.events, 1)
	event := h.notifier.events[0]
	assert.Equal(t, domain.EventPublishFailed, event.Kind)
	assert.Equal(t, domain.OutcomeFailed, event.Outcome)
	assert.Contains(t, event.Detail, string(domain.StageAuthenticating))
}

func TestRetriggerRules(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser("10")
	browser.authErrs = []error{domain.ErrAuthentication}
	h := newHarness(t, browser)
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	_, err := h.orch.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, h.notifier.events, 1)
	articleID := h.notifier.events[0].ArticleID

	attempt, err := h.orch.Retrigger(context.Background(), articleID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempt.Sequence)
	assert.Equal(t, domain.OutcomeSuccess, attempt.Outcome)
	assert.Equal(t, "11", attempt.CMSIdentifier)
	assert.Equal(t, domain.MessageFailed, messageStatus(t, h, "m1"), "message status never moves back")

	_, err = h.orch.Retrigger(context.Background(), articleID)
	assert.ErrorIs(t, err, domain.ErrDuplicateWork)
}

func TestRetriggerRefusesOpenAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	article := h.seedArticle(t, "art-1")
	startAttempt(t, h, article)

	_, err := h.orch.Retrigger(context.Background(), article.ID)
	assert.ErrorIs(t, err, domain.ErrAttemptOpen)
	assert.Zero(t, h.browser.authCalls)
}

func TestRetriggerRespectsLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	article := h.seedArticle(t, "art-1")
	ok, err := h.store.Acquire(context.Background(), "article:"+article.ID, "other-host", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.orch.Retrigger(context.Background(), article.ID)
	assert.ErrorIs(t, err, ErrArticleBusy)

	_, err = h.store.LatestAttempt(context.Background(), article.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverResumesAndStartsPendingWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))

	interrupted := h.seedArticle(t, "art-1")
	attempt := startAttempt(t, h, interrupted)
	now := time.Now().UTC()
	for _, stage := range []domain.Stage{
		domain.StageAuthenticating, domain.StageSectionSelected,
		domain.StageFormSubmitted, domain.StageIdentifierBound,
	} {
		require.NoError(t, attempt.Checkpoint(stage, now))
	}
	attempt.CMSIdentifier = "10"
	attempt.SnapshotTaken = true
	attempt.SubmitIssued = true
	require.NoError(t, h.store.SaveAttempt(context.Background(), attempt))

	pending := h.seedArticle(t, "art-2")

	report, err := h.orch.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 2, report.Published)
	assert.Equal(t, 1, h.browser.submitCalls, "only the unattempted article submits a form")
	assert.Equal(t, 1, h.browser.appliedCount("10", domain.ActionApprove))

	resumed, err := h.store.LatestAttempt(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, resumed.ID)
	assert.Equal(t, domain.OutcomeSuccess, resumed.Outcome)

	started, err := h.store.LatestAttempt(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "11", started.CMSIdentifier)
}

func TestRecoverRedeliversPendingNotifications(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBrowser("10"))
	h.notifier.errs = []error{errFlaky, errFlaky}
	h.mailbox.raws = []domain.RawMessage{rawMessage("m1", "Prima notizia", received)}

	report, err := h.orch.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Published)
	require.Empty(t, h.notifier.kinds())

	report, err = h.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redelivered)
	assert.Equal(t, []domain.EventKind{domain.EventPublished}, h.notifier.kinds())
	assert.Equal(t, "11", h.notifier.events[0].CMSIdentifier)

	report, err = h.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Redelivered)
	assert.Len(t, h.notifier.kinds(), 1, "delivered notifications are not repeated")
}
