package usecase

import (
	"time"

	"MailPress/internal/domain"
)

func publishedEvent(article domain.Article, attempt domain.PublishAttempt, at time.Time) domain.Event {
	return domain.Event{
		Kind:          domain.EventPublished,
		DispatchKey:   DispatchKey(attempt.ID, domain.EventPublished),
		MessageKey:    article.MessageKey,
		ArticleID:     article.ID,
		AttemptID:     attempt.ID,
		Title:         article.Title,
		Category:      article.Category,
		CMSIdentifier: attempt.CMSIdentifier,
		MediaUploaded: len(attempt.UploadedMedia),
		Sender:        article.Metadata["source"],
		Subject:       article.Metadata["subject"],
		Outcome:       domain.OutcomeSuccess,
		OccurredAt:    at,
	}
}

func attemptFailedEvent(article domain.Article, attempt domain.PublishAttempt, at time.Time) domain.Event {
	return domain.Event{
		Kind:          domain.EventPublishFailed,
		DispatchKey:   DispatchKey(attempt.ID, domain.EventPublishFailed),
		MessageKey:    article.MessageKey,
		ArticleID:     article.ID,
		AttemptID:     attempt.ID,
		Title:         article.Title,
		Category:      article.Category,
		CMSIdentifier: attempt.CMSIdentifier,
		MediaUploaded: len(attempt.UploadedMedia),
		Sender:        article.Metadata["source"],
		Subject:       article.Metadata["subject"],
		Outcome:       attempt.Outcome,
		Detail:        string(attempt.FailedStage) + ": " + attempt.LastError,
		OccurredAt:    at,
	}
}

func assemblyFailedEvent(msg domain.Message, cause error, at time.Time) domain.Event {
	return domain.Event{
		Kind:        domain.EventAssemblyFailed,
		DispatchKey: DispatchKey(msg.DedupKey, domain.EventAssemblyFailed),
		MessageKey:  msg.DedupKey,
		Sender:      msg.Sender,
		Subject:     msg.Subject,
		Outcome:     domain.OutcomeFailed,
		Detail:      cause.Error(),
		OccurredAt:  at,
	}
}
