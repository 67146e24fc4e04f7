package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageKey(t *testing.T) {
	t.Parallel()

	received := time.Date(2025, time.November, 8, 9, 30, 0, 0, time.UTC)
	raw := RawMessage{TransportID: "<msg-42@example.org>", Mailbox: "desk@example.org", Sender: "a@b.c", Subject: "Hi", Body: "text", ReceivedAt: received}

	msg := NewMessage(raw, received)
	assert.Equal(t, "desk@example.org:msg-42@example.org", msg.DedupKey)
	assert.Equal(t, MessageNew, msg.Status)

	raw.TransportID = "  "
	msg = NewMessage(raw, received)
	assert.Equal(t, "sha256:"+msg.ContentHash, msg.DedupKey)
	assert.Empty(t, msg.ExternalID)
}

func TestContentHashNormalizes(t *testing.T) {
	t.Parallel()

	a := RawMessage{Sender: "Press@Town.it", Subject: "New  school", Body: "Line one\n\nline two"}
	b := RawMessage{Sender: "press@town.it", Subject: "new school", Body: "line one line   two"}
	c := RawMessage{Sender: "press@town.it", Subject: "new school", Body: "different"}

	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.NotEqual(t, ContentHash(a), ContentHash(c))
}

func TestMessageStatusOnlyMovesForward(t *testing.T) {
	t.Parallel()

	assert.True(t, MessageNew.CanTransition(MessageProcessing))
	assert.True(t, MessageProcessing.CanTransition(MessageDone))
	assert.True(t, MessageNew.CanTransition(MessageSkippedDuplicate))
	assert.False(t, MessageDone.CanTransition(MessageNew))
	assert.False(t, MessageSkippedDuplicate.CanTransition(MessageProcessing))
	assert.False(t, MessageDone.CanTransition(MessageFailed))
}

func TestArticleValidate(t *testing.T) {
	t.Parallel()

	tax := DefaultTaxonomy()
	valid := Article{Classification: "Spotlight", Category: "Sport", Title: "T", Paragraphs: []string{"one"}}
	require.NoError(t, valid.Validate(tax))

	tooMany := valid
	tooMany.Paragraphs = []string{"1", "2", "3", "4"}
	err := tooMany.Validate(tax)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
	assert.True(t, errors.Is(err, ErrValidation))

	unknown := valid
	unknown.Category = "Weather"
	assert.ErrorIs(t, unknown.Validate(tax), ErrValidation)

	none := valid
	none.Paragraphs = nil
	assert.ErrorIs(t, none.Validate(tax), ErrInvalidPayload)
}

func TestAttemptCheckpointsFollowStageOrder(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAttempt("att-1", "art-1", 1, now)

	require.NoError(t, a.Checkpoint(StageAuthenticating, now))
	require.NoError(t, a.Checkpoint(StageSectionSelected, now))
	require.NoError(t, a.Checkpoint(StageFormSubmitted, now))
	assert.True(t, a.Unconfirmed())

	err := a.Checkpoint(StageApproved, now)
	require.Error(t, err, "approval cannot skip identifier binding")
	assert.Equal(t, StageFormSubmitted, a.Stage)

	require.Error(t, a.Checkpoint(StageFormSubmitted, now), "stages cannot repeat")

	for _, s := range []Stage{StageIdentifierBound, StageApproved, StageGalleryUploaded, StageCompleted} {
		require.NoError(t, a.Checkpoint(s, now))
	}
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	assert.ErrorIs(t, a.Checkpoint(StageCompleted, now), ErrAttemptTerminal)
}

func TestAttemptFinishAlwaysHasDetail(t *testing.T) {
	t.Parallel()

	a := NewAttempt("att-1", "art-1", 1, time.Now())
	a.Finish(OutcomeAbandoned, StageAuthenticating, "", time.Now())
	assert.True(t, a.Terminal())
	assert.NotEmpty(t, a.LastError)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(ErrTransientIO))
	assert.True(t, IsTransient(ErrNotListedYet))
	assert.False(t, IsTransient(ErrAuthentication))
	assert.False(t, IsTransient(nil))
}
