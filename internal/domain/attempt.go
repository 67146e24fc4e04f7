package domain

import (
	"fmt"
	"slices"
	"time"
)

// Stage is a checkpoint of the publish state machine.
type Stage string

const (
	StageCreated         Stage = "created"
	StageAuthenticating  Stage = "authenticating"
	StageSectionSelected Stage = "section_selected"
	StageFormSubmitted   Stage = "form_submitted"
	StageIdentifierBound Stage = "identifier_bound"
	StageApproved        Stage = "approved"
	StageGalleryUploaded Stage = "gallery_uploaded"
	StageCompleted       Stage = "completed"
)

// StageOrder is the strict order checkpoints are reached in.
var StageOrder = []Stage{
	StageCreated,
	StageAuthenticating,
	StageSectionSelected,
	StageFormSubmitted,
	StageIdentifierBound,
	StageApproved,
	StageGalleryUploaded,
	StageCompleted,
}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int { return slices.Index(StageOrder, s) }

// Next returns the stage following s.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// Reached reports whether s is at or past other.
func (s Stage) Reached(other Stage) bool { return s.Index() >= other.Index() }

// Outcome is the terminal result of an attempt. Empty while running.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// PublishAttempt is one run of the state machine for an article.
type PublishAttempt struct {
	ID            string
	ArticleID     string
	Sequence      int
	Stage         Stage
	CMSIdentifier string
	StageTimes    map[Stage]time.Time
	Outcome       Outcome
	FailedStage   Stage
	LastError     string

	// PriorSnapshot holds listing identifiers seen right before submission.
	PriorSnapshot []string
	SnapshotTaken bool
	SubmitIssued  bool
	UploadedMedia []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAttempt builds the first record of a run.
func NewAttempt(id, articleID string, sequence int, now time.Time) PublishAttempt {
	return PublishAttempt{
		ID:         id,
		ArticleID:  articleID,
		Sequence:   sequence,
		Stage:      StageCreated,
		StageTimes: map[Stage]time.Time{StageCreated: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Terminal reports whether the attempt is immutable.
func (a PublishAttempt) Terminal() bool { return a.Outcome != OutcomeNone }

// Checkpoint records that stage completed. Stages cannot be skipped or repeated.
func (a *PublishAttempt) Checkpoint(stage Stage, at time.Time) error {
	if a.Terminal() {
		return fmt.Errorf("checkpoint %s: %w", stage, ErrAttemptTerminal)
	}
	next, ok := a.Stage.Next()
	if !ok || next != stage {
		return fmt.Errorf("checkpoint %s after %s: out of order", stage, a.Stage)
	}
	if a.StageTimes == nil {
		a.StageTimes = map[Stage]time.Time{}
	}
	a.Stage = stage
	a.StageTimes[stage] = at
	a.UpdatedAt = at
	if stage == StageCompleted {
		a.Outcome = OutcomeSuccess
	}
	return nil
}

// Finish marks a non-successful terminal outcome.
func (a *PublishAttempt) Finish(outcome Outcome, failedStage Stage, detail string, at time.Time) {
	if detail == "" {
		detail = string(outcome) + " without detail"
	}
	a.Outcome = outcome
	a.FailedStage = failedStage
	a.LastError = detail
	a.UpdatedAt = at
}

// Unconfirmed reports an attempt that submitted a form but never bound the CMS record.
func (a PublishAttempt) Unconfirmed() bool {
	return (a.SubmitIssued || a.Stage.Reached(StageFormSubmitted)) && a.CMSIdentifier == ""
}

func (a PublishAttempt) HasUploaded(mediaID string) bool {
	return slices.Contains(a.UploadedMedia, mediaID)
}

func (a *PublishAttempt) MarkUploaded(mediaID string) {
	if !a.HasUploaded(mediaID) {
		a.UploadedMedia = append(a.UploadedMedia, mediaID)
	}
}
