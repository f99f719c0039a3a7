package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/georgysavva/scany/v2/sqlscan"
)

const dateLayout = "2006-01-02"

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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	sqlscan.Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements model.Store on an embedded SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("sqlite: begin tx: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logx.Error().Err(rbErr).Msg("sqlite: rollback failed")
			}
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logx.Warn().Err(rbErr).Msg("sqlite: rollback failed")
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = errx.WrapStore(fmt.Errorf("sqlite: commit tx: %w", cErr))
		}
	}()
	return fn(tx)
}

func (s *Store) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	return getProfile(ctx, s.db, userID)
}

func getProfile(ctx context.Context, q querier, userID int64) (*model.Profile, error) {
	query, args, err := squirrel.Select(profileColumns...).
		From("user_profiles").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build query: %w", err)
	}
	var p model.Profile
	if err := sqlscan.Get(ctx, q, &p, query, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	return &p, nil
}

func (s *Store) GetLatestSummary(ctx context.Context, userID int64) (*model.Summary, error) {
	return getSummary(ctx, s.db, userID)
}

func getSummary(ctx context.Context, q querier, userID int64) (*model.Summary, error) {
	query, args, err := squirrel.Select(summaryColumns...).
		From("chat_summaries").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build query: %w", err)
	}
	var sum model.Summary
	if err := sqlscan.Get(ctx, q, &sum, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, nil
		}
		return nil, errx.WrapStore(err)
	}
	return &sum, nil
}

func (s *Store) GetRecentMessages(ctx context.Context, userID int64, limit int) ([]model.ChatMessage, error) {
	return recentMessages(ctx, s.db, userID, limit)
}

func recentMessages(ctx context.Context, q querier, userID int64, limit int) ([]model.ChatMessage, error) {
	sb := squirrel.Select(messageColumns...).
		From("chat_history").
		Where(squirrel.Eq{"user_id": userID}).
		Where("id > COALESCE((SELECT last_message_id FROM chat_summaries WHERE user_id = ?), 0)", userID).
		OrderBy("id DESC")
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build query: %w", err)
	}
	var msgs []model.ChatMessage
	if err := sqlscan.Select(ctx, q, &msgs, query, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) LoadContext(ctx context.Context, userID int64, limit int) (*model.StoredContext, error) {
	out := &model.StoredContext{}
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
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
	VALUES (?, 1, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		daily_message_count = CASE
			WHEN user_profiles.last_message_date = excluded.last_message_date
			THEN user_profiles.daily_message_count + 1
			ELSE 1
		END,
		last_message_date = excluded.last_message_date`

func (s *Store) SaveMessage(ctx context.Context, msg *model.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		query, args, err := squirrel.Insert("chat_history").
			Columns("user_id", "role", "content", "created_at").
			Values(msg.UserID, string(msg.Role), msg.Content, msg.Timestamp.UTC()).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("sqlite: build query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&msg.ID); err != nil {
			return errx.WrapStore(fmt.Errorf("sqlite: insert message: %w", err))
		}
		if msg.Role != model.RoleUser {
			return nil
		}
		today := msg.Timestamp.UTC().Format(dateLayout)
		if _, err := tx.ExecContext(ctx, bumpDailyCountSQL, msg.UserID, today); err != nil {
			return errx.WrapStore(fmt.Errorf("sqlite: bump daily count: %w", err))
		}
		return nil
	})
}

const upsertProfileSQL = `
	INSERT INTO user_profiles (
		user_id, name, gender, timezone, relationship_level, relationship_score,
		level_unlocked_at, subscription_plan, subscription_expires,
		daily_message_count, last_message_date
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		name = excluded.name,
		gender = excluded.gender,
		timezone = excluded.timezone,
		relationship_level = excluded.relationship_level,
		relationship_score = excluded.relationship_score,
		level_unlocked_at = excluded.level_unlocked_at,
		subscription_plan = excluded.subscription_plan,
		subscription_expires = excluded.subscription_expires,
		daily_message_count = excluded.daily_message_count,
		last_message_date = excluded.last_message_date`

func (s *Store) UpdateProfile(ctx context.Context, p *model.Profile) error {
	if p.LevelUnlockedAt.IsZero() {
		p.LevelUnlockedAt = s.now()
	}
	if p.SubscriptionPlan == "" {
		p.SubscriptionPlan = model.PlanFree
	}
	var lastDate *string
	if p.LastMessageDate != nil {
		d := p.LastMessageDate.UTC().Format(dateLayout)
		lastDate = &d
	}
	var expires *time.Time
	if p.SubscriptionExpires != nil {
		e := p.SubscriptionExpires.UTC()
		expires = &e
	}
	if _, err := s.db.ExecContext(ctx, upsertProfileSQL,
		p.UserID, p.Name, p.Gender, p.Timezone,
		p.RelationshipLevel, p.RelationshipScore, p.LevelUnlockedAt.UTC(),
		p.SubscriptionPlan, expires,
		p.DailyMessageCount, lastDate,
	); err != nil {
		return errx.WrapStore(fmt.Errorf("sqlite: upsert profile: %w", err))
	}
	return nil
}

// The WHERE clause keeps last_message_id monotonic: a job that lost the race
// against a newer summary changes no row.
const upsertSummarySQL = `
	INSERT INTO chat_summaries (user_id, summary, last_message_id, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		summary = excluded.summary,
		last_message_id = excluded.last_message_id,
		created_at = excluded.created_at
	WHERE chat_summaries.last_message_id < excluded.last_message_id`

func (s *Store) ApplySummary(ctx context.Context, upd model.SummaryUpdate) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		if upd.HasSummary() {
			res, err := tx.ExecContext(ctx, upsertSummarySQL, upd.UserID, upd.Summary, upd.LastMessageID, s.now())
			if err != nil {
				return errx.WrapStore(fmt.Errorf("sqlite: upsert summary: %w", err))
			}
			if n, err := res.RowsAffected(); err != nil {
				return errx.WrapStore(fmt.Errorf("sqlite: upsert summary: %w", err))
			} else if n == 0 {
				return fmt.Errorf("sqlite: summary up to message %d: %w", upd.LastMessageID, errx.ErrStaleUpdate)
			}
			folded, err := countFoldedUserMessages(ctx, tx, upd.UserID, upd.LastMessageID)
			if err != nil {
				return err
			}
			upd.ScoreDelta = folded
			query, args, err := squirrel.Delete("chat_history").
				Where(squirrel.Eq{"user_id": upd.UserID}).
				Where(squirrel.LtOrEq{"id": upd.LastMessageID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("sqlite: build query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errx.WrapStore(fmt.Errorf("sqlite: prune summarized messages: %w", err))
			}
		}
		if upd.ScoreDelta == 0 && upd.NewLevel == 0 {
			return nil
		}
		ub := squirrel.Update("user_profiles").
			Set("relationship_score", squirrel.Expr("relationship_score + ?", upd.ScoreDelta)).
			Where(squirrel.Eq{"user_id": upd.UserID})
		if upd.NewLevel > 0 {
			unlocked := upd.LevelUnlockedAt
			if unlocked.IsZero() {
				unlocked = s.now()
			}
			ub = ub.
				Set("relationship_level", squirrel.Expr("MAX(relationship_level, ?)", upd.NewLevel)).
				Set("level_unlocked_at", squirrel.Expr("CASE WHEN relationship_level < ? THEN ? ELSE level_unlocked_at END", upd.NewLevel, unlocked.UTC()))
		}
		query, args, err := ub.ToSql()
		if err != nil {
			return fmt.Errorf("sqlite: build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errx.WrapStore(fmt.Errorf("sqlite: update relationship: %w", err))
		}
		return nil
	})
}

func countFoldedUserMessages(ctx context.Context, tx *sql.Tx, userID, lastMessageID int64) (int, error) {
	query, args, err := squirrel.Select("COUNT(*)").From("chat_history").
		Where(squirrel.Eq{"user_id": userID, "role": string(model.RoleUser)}).
		Where(squirrel.LtOrEq{"id": lastMessageID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("sqlite: build query: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errx.WrapStore(fmt.Errorf("sqlite: count folded messages: %w", err))
	}
	return n, nil
}

func (s *Store) SaveMemory(ctx context.Context, m *model.Memory) (bool, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.Fact = strings.TrimSpace(m.Fact)
	query, args, err := squirrel.Insert("long_term_memories").
		Columns("user_id", "fact", "category", "created_at").
		Values(m.UserID, m.Fact, m.Category, m.Timestamp.UTC()).
		Suffix("ON CONFLICT DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("sqlite: build query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&m.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errx.WrapStore(fmt.Errorf("sqlite: insert memory: %w", err))
	}
	return true, nil
}

func (s *Store) SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]model.Memory, error) {
	sb := squirrel.Select(memoryColumns...).
		From("long_term_memories").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	if q := strings.TrimSpace(query); q != "" {
		sb = sb.Where(`lower(fact) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(q))+"%")
	}
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	stmt, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build query: %w", err)
	}
	var out []model.Memory
	if err := sqlscan.Select(ctx, s.db, &out, stmt, args...); err != nil {
		return nil, errx.WrapStore(err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ model.Store = (*Store)(nil)
