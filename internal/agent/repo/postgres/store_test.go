package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewStore(mock)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func strPtr(s string) *string { return &s }

func TestStore_GetProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("Should scan a stored profile", func(t *testing.T) {
		s, mock := newMockStore(t)
		rows := mock.NewRows(profileColumns).AddRow(
			int64(7), strPtr("Ann"), nil, strPtr("Europe/Berlin"),
			3, 180, fixedNow,
			model.PlanFree, nil,
			4, &fixedNow,
		)
		mock.ExpectQuery(`SELECT (.+) FROM user_profiles WHERE user_id = \$1`).
			WithArgs(int64(7)).
			WillReturnRows(rows)

		p, err := s.GetProfile(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "Ann", p.DisplayName())
		assert.Equal(t, "Europe/Berlin", p.TimezoneName())
		assert.Equal(t, 3, p.RelationshipLevel)
		assert.Equal(t, 180, p.RelationshipScore)
		assert.Nil(t, p.Gender)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should map a missing row to not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT (.+) FROM user_profiles`).
			WithArgs(int64(8)).
			WillReturnRows(mock.NewRows(profileColumns))

		_, err := s.GetProfile(ctx, 8)
		assert.ErrorIs(t, err, errx.ErrNotFound)
		assert.False(t, errx.IsTransient(err))
	})
}

func TestStore_LoadContext(t *testing.T) {
	ctx := context.Background()

	t.Run("Should read everything in one read-only transaction", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
		mock.ExpectQuery(`SELECT (.+) FROM user_profiles`).
			WithArgs(int64(1)).
			WillReturnRows(mock.NewRows(profileColumns))
		mock.ExpectQuery(`SELECT (.+) FROM chat_summaries`).
			WithArgs(int64(1)).
			WillReturnRows(mock.NewRows(summaryColumns).AddRow(int64(1), "likes tea", int64(10), fixedNow))
		mock.ExpectQuery(`SELECT (.+) FROM chat_history WHERE user_id = \$1 AND id > COALESCE(.+) ORDER BY id DESC LIMIT 2`).
			WithArgs(int64(1), int64(1)).
			WillReturnRows(mock.NewRows(messageColumns).
				AddRow(int64(12), int64(1), model.RoleModel, "hello!", fixedNow).
				AddRow(int64(11), int64(1), model.RoleUser, "hi", fixedNow))
		mock.ExpectCommit()

		sc, err := s.LoadContext(ctx, 1, 2)
		require.NoError(t, err)
		assert.Nil(t, sc.Profile)
		require.NotNil(t, sc.Summary)
		assert.Equal(t, int64(10), sc.Summary.LastMessageID)
		require.Len(t, sc.Messages, 2)
		assert.Equal(t, int64(11), sc.Messages[0].ID)
		assert.Equal(t, model.RoleUser, sc.Messages[0].Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back when a read fails", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
		mock.ExpectQuery(`SELECT (.+) FROM user_profiles`).
			WillReturnError(&pgconn.PgError{Code: "57P01"})
		mock.ExpectRollback()

		_, err := s.LoadContext(ctx, 1, 20)
		require.Error(t, err)
		assert.True(t, errx.IsTransient(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_SaveMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Should insert a user message and bump the daily count", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectQuery(`INSERT INTO chat_history \(user_id,role,content,created_at\) VALUES \(\$1,\$2,\$3,\$4\) RETURNING id`).
			WithArgs(int64(3), model.RoleUser, "hi", fixedNow).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(42)))
		mock.ExpectExec(`INSERT INTO user_profiles (.+) ON CONFLICT \(user_id\) DO UPDATE`).
			WithArgs(int64(3), fixedNow.Truncate(24*time.Hour)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		msg := &model.ChatMessage{UserID: 3, Role: model.RoleUser, Content: "hi"}
		require.NoError(t, s.SaveMessage(ctx, msg))
		assert.Equal(t, int64(42), msg.ID)
		assert.Equal(t, fixedNow, msg.Timestamp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should not count model replies", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectQuery(`INSERT INTO chat_history`).
			WithArgs(int64(3), model.RoleModel, "hello", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(43)))
		mock.ExpectCommit()

		require.NoError(t, s.SaveMessage(ctx, &model.ChatMessage{UserID: 3, Role: model.RoleModel, Content: "hello"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back the insert when the counter update fails", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectQuery(`INSERT INTO chat_history`).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(44)))
		mock.ExpectExec(`INSERT INTO user_profiles`).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := s.SaveMessage(ctx, &model.ChatMessage{UserID: 3, Role: model.RoleUser, Content: "hi"})
		require.Error(t, err)
		assert.Equal(t, 503, errx.StatusOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ApplySummary(t *testing.T) {
	ctx := context.Background()

	t.Run("Should write summary, score the folded messages, prune and level up atomically", func(t *testing.T) {
		s, mock := newMockStore(t)
		unlocked := fixedNow.Add(-time.Hour)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectExec(`INSERT INTO chat_summaries .+ WHERE chat_summaries.last_message_id < EXCLUDED.last_message_id`).
			WithArgs(int64(5), "new summary", int64(30), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chat_history WHERE role = \$1 AND user_id = \$2 AND id <= \$3`).
			WithArgs("user", int64(5), int64(30)).
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(10)))
		mock.ExpectExec(`DELETE FROM chat_history WHERE user_id = \$1 AND id <= \$2`).
			WithArgs(int64(5), int64(30)).
			WillReturnResult(pgxmock.NewResult("DELETE", 20))
		mock.ExpectExec(`UPDATE user_profiles SET relationship_score = relationship_score \+ \$1, relationship_level = GREATEST\(relationship_level, \$2\), level_unlocked_at = CASE WHEN relationship_level < \$3 THEN \$4 ELSE level_unlocked_at END WHERE user_id = \$5`).
			WithArgs(10, 2, 2, unlocked, int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := s.ApplySummary(ctx, model.SummaryUpdate{
			UserID: 5, Summary: "new summary", LastMessageID: 30,
			ScoreDelta: 12, NewLevel: 2, LevelUnlockedAt: unlocked,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back a summary overtaken by a newer one", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectExec(`INSERT INTO chat_summaries`).
			WithArgs(int64(5), "late", int64(30), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectRollback()

		err := s.ApplySummary(ctx, model.SummaryUpdate{UserID: 5, Summary: "late", LastMessageID: 30, ScoreDelta: 12})
		assert.ErrorIs(t, err, errx.ErrStaleUpdate)
		assert.False(t, errx.IsTransient(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should only bump the score without a summary", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectExec(`UPDATE user_profiles SET relationship_score = relationship_score \+ \$1 WHERE user_id = \$2`).
			WithArgs(3, int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 5, ScoreDelta: 3}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back every step when pruning fails", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBeginTx(pgx.TxOptions{})
		mock.ExpectExec(`INSERT INTO chat_summaries`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(`SELECT COUNT`).
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(1)))
		mock.ExpectExec(`DELETE FROM chat_history`).
			WillReturnError(&pgconn.PgError{Code: "40001"})
		mock.ExpectRollback()

		err := s.ApplySummary(ctx, model.SummaryUpdate{UserID: 5, Summary: "s", LastMessageID: 9, ScoreDelta: 1})
		require.Error(t, err)
		assert.True(t, errx.IsTransient(err), "serialization failures are retryable")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Memories(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report a duplicate fact as not saved", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO long_term_memories (.+) ON CONFLICT DO NOTHING RETURNING id`).
			WithArgs(int64(2), "has a cat", pgxmock.AnyArg(), fixedNow).
			WillReturnRows(mock.NewRows([]string{"id"}))

		saved, err := s.SaveMemory(ctx, &model.Memory{UserID: 2, Fact: "  has a cat "})
		require.NoError(t, err)
		assert.False(t, saved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should save a new fact", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO long_term_memories`).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(9)))

		m := &model.Memory{UserID: 2, Fact: "plays chess", Category: strPtr("hobby")}
		saved, err := s.SaveMemory(ctx, m)
		require.NoError(t, err)
		assert.True(t, saved)
		assert.Equal(t, int64(9), m.ID)
	})

	t.Run("Should search case-insensitively with escaped wildcards", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT (.+) FROM long_term_memories WHERE user_id = \$1 AND fact ILIKE \$2 ORDER BY created_at DESC, id DESC LIMIT 5`).
			WithArgs(int64(2), `%100\%%`).
			WillReturnRows(mock.NewRows(memoryColumns).
				AddRow(int64(1), int64(2), "100% sure about tea", nil, fixedNow))

		got, err := s.SearchMemories(ctx, 2, "100%", 5)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].Category)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
