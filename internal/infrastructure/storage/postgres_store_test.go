package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailPress/internal/domain"
)

func TestPostgresAdmitMessageClaimsNewRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	msg := testMessage("msg-42")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("desk|" + msg.ContentHash).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT dedup_key FROM messages").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE messages SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	adm, err := store.AdmitMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
	assert.Equal(t, domain.MessageProcessing, adm.Message.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdmitMessageRejectsClaimedRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	msg := testMessage("msg-42")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("desk|" + msg.ContentHash).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("UPDATE messages SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM messages").
		WithArgs(msg.DedupKey).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("done"))
	mock.ExpectCommit()

	adm, err := store.AdmitMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, domain.RejectDuplicate, adm.Reason)
	assert.Equal(t, domain.MessageDone, adm.Message.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdmitMessageSkipsDuplicateContent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	msg := testMessage("msg-43")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("desk|" + msg.ContentHash).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT dedup_key FROM messages").
		WithArgs(msg.ContentHash, "desk", msg.DedupKey).
		WillReturnRows(pgxmock.NewRows([]string{"dedup_key"}).AddRow("desk:msg-41"))
	mock.ExpectExec("UPDATE messages SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	adm, err := store.AdmitMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, domain.RejectDuplicateContent, adm.Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdmitMessageStopsWhenContentLockFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	msg := testMessage("msg-44")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = store.AdmitMessage(context.Background(), msg)
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListStrandedMessages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	arrived := time.Date(2025, time.November, 8, 9, 5, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT m.dedup_key FROM messages m").
		WithArgs("processing").
		WillReturnRows(pgxmock.NewRows([]string{"dedup_key"}).AddRow("desk:msg-7"))
	mock.ExpectQuery("SELECT (.+) FROM messages").
		WithArgs("desk:msg-7").
		WillReturnRows(pgxmock.NewRows([]string{
			"dedup_key", "external_id", "content_hash", "mailbox", "sender", "subject", "body",
			"attachments", "received_at", "arrived_at", "status", "detail", "updated_at",
		}).AddRow("desk:msg-7", "msg-7", "h7", "desk", "press@town.example", "Subject", "Body",
			[]byte("[]"), &arrived, arrived, "processing", "", arrived))

	out, err := store.ListStrandedMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "desk:msg-7", out[0].DedupKey)
	assert.Equal(t, domain.MessageProcessing, out[0].Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAttemptRefusesOpenAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles").
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("art-1"))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"max", "open"}).AddRow(2, 1))
	mock.ExpectRollback()

	_, err = store.CreateAttempt(context.Background(), "art-1")
	assert.ErrorIs(t, err, domain.ErrAttemptOpen)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAttemptIncrementsSequence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM articles").
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("art-1"))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"max", "open"}).AddRow(2, 0))
	mock.ExpectExec("INSERT INTO publish_attempts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	attempt, err := store.CreateAttempt(context.Background(), "art-1")
	require.NoError(t, err)
	assert.Equal(t, 3, attempt.Sequence)
	assert.Equal(t, domain.StageCreated, attempt.Stage)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveAttemptRefusesTerminalRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	attempt := domain.NewAttempt("att-1", "art-1", 1, time.Now())

	mock.ExpectExec("UPDATE publish_attempts SET").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SaveAttempt(context.Background(), attempt)
	assert.ErrorIs(t, err, domain.ErrAttemptTerminal)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockLease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)

	mock.ExpectExec("INSERT INTO publish_locks").
		WithArgs("art-1", "worker-a", float64(60)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO publish_locks").
		WithArgs("art-1", "worker-b", float64(60)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("DELETE FROM publish_locks").
		WithArgs("art-1", "worker-a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ok, err := store.Acquire(context.Background(), "art-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(context.Background(), "art-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(context.Background(), "art-1", "worker-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDispatchOnlyUntilSent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)

	mock.ExpectExec("INSERT INTO notification_dispatches").
		WithArgs("att-1:published", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	send, err := store.BeginDispatch(context.Background(), domain.Event{Kind: domain.EventPublished, DispatchKey: "att-1:published"})
	require.NoError(t, err)
	assert.False(t, send)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListPendingDispatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, nil)
	cutoff := time.Date(2025, time.November, 8, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT payload FROM notification_dispatches").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).
			AddRow([]byte(`{"Kind":"published","DispatchKey":"att-1:published","CMSIdentifier":"4821"}`)))

	events, err := store.ListPendingDispatches(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "att-1:published", events[0].DispatchKey)
	assert.Equal(t, "4821", events[0].CMSIdentifier)

	require.NoError(t, mock.ExpectationsWereMet())
}
