package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	profileColumns = []string{
		"user_id", "name", "gender", "timezone",
		"relationship_level", "relationship_score", "level_unlocked_at",
		"subscription_plan", "subscription_expires",
		"daily_message_count", "last_message_date",
	}
	messageColumns = []string{"id", "user_id", "role", "content", "created_at"}
	summaryColumns = []string{"user_id", "summary", "last_message_id", "created_at"}
	memoryColumns  = []string{"id", "user_id", "fact", "category", "created_at"}
)

// DB is the minimal database interface Store depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements model.Store on Postgres.
type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func (s *Store) withTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logx.Error().Err(rbErr).Msg("failed to rollback transaction")
			}
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logx.Error().Err(rbErr).Msg("failed to rollback transaction")
			}
			return
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			err = errx.WrapStore(fmt.Errorf("commit transaction: %w", cErr))
		}
	}()
	return fn(tx)
}

func (s *Store) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	return getProfile(ctx, s.db, userID)
}

func getProfile(ctx context.Context, q pgxscan.Querier, userID int64) (*model.Profile, error) {
	query, args, err := psql().Select(profileColumns...).
		From("user_profiles").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var p model.Profile
	if err := pgxscan.Get(ctx, q, &p, query, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	return &p, nil
}

func (s *Store) GetLatestSummary(ctx context.Context, userID int64) (*model.Summary, error) {
	return getSummary(ctx, s.db, userID)
}

func getSummary(ctx context.Context, q pgxscan.Querier, userID int64) (*model.Summary, error) {
	query, args, err := psql().Select(summaryColumns...).
		From("chat_summaries").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var sum model.Summary
	if err := pgxscan.Get(ctx, q, &sum, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, errx.WrapStore(err)
	}
	return &sum, nil
}

func (s *Store) GetRecentMessages(ctx context.Context, userID int64, limit int) ([]model.ChatMessage, error) {
	return recentMessages(ctx, s.db, userID, limit)
}

func recentMessages(ctx context.Context, q pgxscan.Querier, userID int64, limit int) ([]model.ChatMessage, error) {
	sb := psql().Select(messageColumns...).
		From("chat_history").
		Where(squirrel.Eq{"user_id": userID}).
		Where("id > COALESCE((SELECT last_message_id FROM chat_summaries WHERE user_id = ?), 0)", userID).
		OrderBy("id DESC")
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var msgs []model.ChatMessage
	if err := pgxscan.Select(ctx, q, &msgs, query, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) LoadContext(ctx context.Context, userID int64, limit int) (*model.StoredContext, error) {
	out := &model.StoredContext{}
	err := s.withTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		p, err := getProfile(ctx, tx, userID)
		switch {
		case errors.Is(err, errx.ErrNotFound):
		case err != nil:
			return err
		default:
			out.Profile = p
		}
		if out.Summary, err = getSummary(ctx, tx, userID); err != nil {
			return err
		}
		out.Messages, err = recentMessages(ctx, tx, userID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const bumpDailyCountSQL = `
	INSERT INTO user_profiles (user_id, daily_message_count, last_message_date)
	VALUES ($1, 1, $2)
	ON CONFLICT (user_id) DO UPDATE SET
		daily_message_count = CASE
			WHEN user_profiles.last_message_date = EXCLUDED.last_message_date
			THEN user_profiles.daily_message_count + 1
			ELSE 1
		END,
		last_message_date = EXCLUDED.last_message_date
`

func (s *Store) SaveMessage(ctx context.Context, msg *model.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query, args, err := psql().Insert("chat_history").
			Columns("user_id", "role", "content", "created_at").
			Values(msg.UserID, msg.Role, msg.Content, msg.Timestamp).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("building query: %w", err)
		}
		if err := tx.QueryRow(ctx, query, args...).Scan(&msg.ID); err != nil {
			return errx.WrapStore(fmt.Errorf("insert message: %w", err))
		}
		if msg.Role != model.RoleUser {
			return nil
		}
		today := msg.Timestamp.UTC().Truncate(24 * time.Hour)
		if _, err := tx.Exec(ctx, bumpDailyCountSQL, msg.UserID, today); err != nil {
			return errx.WrapStore(fmt.Errorf("bump daily count: %w", err))
		}
		return nil
	})
}

const upsertProfileSQL = `
	INSERT INTO user_profiles (
		user_id, name, gender, timezone, relationship_level, relationship_score,
		level_unlocked_at, subscription_plan, subscription_expires,
		daily_message_count, last_message_date
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (user_id) DO UPDATE SET
		name = $2,
		gender = $3,
		timezone = $4,
		relationship_level = $5,
		relationship_score = $6,
		level_unlocked_at = $7,
		subscription_plan = $8,
		subscription_expires = $9,
		daily_message_count = $10,
		last_message_date = $11
`

func (s *Store) UpdateProfile(ctx context.Context, p *model.Profile) error {
	if p.LevelUnlockedAt.IsZero() {
		p.LevelUnlockedAt = s.now()
	}
	if p.SubscriptionPlan == "" {
		p.SubscriptionPlan = model.PlanFree
	}
	if _, err := s.db.Exec(ctx, upsertProfileSQL,
		p.UserID, p.Name, p.Gender, p.Timezone,
		p.RelationshipLevel, p.RelationshipScore, p.LevelUnlockedAt,
		p.SubscriptionPlan, p.SubscriptionExpires,
		p.DailyMessageCount, p.LastMessageDate,
	); err != nil {
		return errx.WrapStore(fmt.Errorf("upsert profile: %w", err))
	}
	return nil
}

// The WHERE clause keeps LastMessageID monotonic: a job that lost the race
// against a newer summary updates no row.
const upsertSummarySQL = `
	INSERT INTO chat_summaries (user_id, summary, last_message_id, created_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id) DO UPDATE SET
		summary = EXCLUDED.summary,
		last_message_id = EXCLUDED.last_message_id,
		created_at = EXCLUDED.created_at
	WHERE chat_summaries.last_message_id < EXCLUDED.last_message_id
`

func (s *Store) ApplySummary(ctx context.Context, upd model.SummaryUpdate) error {
	return s.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if upd.HasSummary() {
			tag, err := tx.Exec(ctx, upsertSummarySQL, upd.UserID, upd.Summary, upd.LastMessageID, s.now())
			if err != nil {
				return errx.WrapStore(fmt.Errorf("upsert summary: %w", err))
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("summary up to message %d: %w", upd.LastMessageID, errx.ErrStaleUpdate)
			}
			// The upsert holds the summary row lock, so this count sees every
			// prune committed by an earlier job.
			folded, err := countFoldedUserMessages(ctx, tx, upd.UserID, upd.LastMessageID)
			if err != nil {
				return err
			}
			upd.ScoreDelta = folded
			query, args, err := psql().Delete("chat_history").
				Where(squirrel.Eq{"user_id": upd.UserID}).
				Where(squirrel.LtOrEq{"id": upd.LastMessageID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building query: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errx.WrapStore(fmt.Errorf("prune summarized messages: %w", err))
			}
		}
		if upd.ScoreDelta == 0 && upd.NewLevel == 0 {
			return nil
		}
		ub := psql().Update("user_profiles").
			Set("relationship_score", squirrel.Expr("relationship_score + ?", upd.ScoreDelta)).
			Where(squirrel.Eq{"user_id": upd.UserID})
		if upd.NewLevel > 0 {
			unlocked := upd.LevelUnlockedAt
			if unlocked.IsZero() {
				unlocked = s.now()
			}
			ub = ub.
				Set("relationship_level", squirrel.Expr("GREATEST(relationship_level, ?)", upd.NewLevel)).
				Set("level_unlocked_at", squirrel.Expr("CASE WHEN relationship_level < ? THEN ? ELSE level_unlocked_at END", upd.NewLevel, unlocked))
		}
		query, args, err := ub.ToSql()
		if err != nil {
			return fmt.Errorf("building query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return errx.WrapStore(fmt.Errorf("update relationship: %w", err))
		}
		return nil
	})
}

func countFoldedUserMessages(ctx context.Context, tx pgx.Tx, userID, lastMessageID int64) (int, error) {
	query, args, err := psql().Select("COUNT(*)").From("chat_history").
		Where(squirrel.Eq{"user_id": userID, "role": string(model.RoleUser)}).
		Where(squirrel.LtOrEq{"id": lastMessageID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	var n int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, errx.WrapStore(fmt.Errorf("count folded messages: %w", err))
	}
	return int(n), nil
}

func (s *Store) SaveMemory(ctx context.Context, m *model.Memory) (bool, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	query, args, err := psql().Insert("long_term_memories").
		Columns("user_id", "fact", "category", "created_at").
		Values(m.UserID, strings.TrimSpace(m.Fact), m.Category, m.Timestamp).
		Suffix("ON CONFLICT DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building query: %w", err)
	}
	if err := s.db.QueryRow(ctx, query, args...).Scan(&m.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errx.WrapStore(fmt.Errorf("insert memory: %w", err))
	}
	return true, nil
}

func (s *Store) SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]model.Memory, error) {
	sb := psql().Select(memoryColumns...).
		From("long_term_memories").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	if q := strings.TrimSpace(query); q != "" {
		sb = sb.Where(squirrel.ILike{"fact": "%" + escapeLike(q) + "%"})
	}
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var out []model.Memory
	if err := pgxscan.Select(ctx, s.db, &out, sql, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ model.Store = (*Store)(nil)
