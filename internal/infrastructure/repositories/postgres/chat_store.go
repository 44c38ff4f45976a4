package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"segchat/internal/core/domain"
	"segchat/internal/core/ports"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		seq        BIGSERIAL,
		name       TEXT PRIMARY KEY,
		creator    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq       BIGSERIAL,
		channel   TEXT NOT NULL REFERENCES channels(name),
		id        TEXT NOT NULL,
		sender    TEXT NOT NULL,
		body      TEXT NOT NULL,
		sent_at   TIMESTAMPTZ NOT NULL,
		deleted   BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (channel, id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_channel_seq ON messages (channel, seq)`,
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash BYTEA NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PostgresChatStore struct {
	db *sqlx.DB
}

// NewPostgresChatStore connects to dsn, creates the schema when missing and
// seeds the default channel.
func NewPostgresChatStore(ctx context.Context, dsn string, maxOpenConns int, logger *zap.SugaredLogger) (ports.ChatStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s := &PostgresChatStore{db: db}
	seed := &domain.Channel{Name: domain.DefaultChannel, Creator: "system", CreatedAt: time.Now().UTC()}
	if err := s.CreateChannel(ctx, seed); err != nil && !errors.Is(err, domain.ErrChannelExists) {
		db.Close()
		return nil, err
	}

	if logger != nil {
		logger.Infow("connected to Postgres", "max_open_conns", maxOpenConns)
	}
	return s, nil
}

type messageRow struct {
	ID      string    `db:"id"`
	Channel string    `db:"channel"`
	Sender  string    `db:"sender"`
	Body    string    `db:"body"`
	SentAt  time.Time `db:"sent_at"`
	Deleted bool      `db:"deleted"`
}

type channelRow struct {
	Name      string    `db:"name"`
	Creator   string    `db:"creator"`
	CreatedAt time.Time `db:"created_at"`
}

type userRow struct {
	Username     string    `db:"username"`
	PasswordHash []byte    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *PostgresChatStore) SaveMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	query, args, err := psql.Insert("messages").
		Columns("channel", "id", "sender", "body", "sent_at", "deleted").
		Values(msg.Channel, msg.ID, msg.Sender, msg.Body, msg.Timestamp, msg.Deleted).
		Suffix("ON CONFLICT (channel, id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build sql query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return false, domain.ErrChannelNotFound
		}
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresChatStore) GetMessages(ctx context.Context, channel string) ([]*domain.Message, error) {
	query, args, err := psql.Select("id", "channel", "sender", "body", "sent_at", "deleted").
		From("messages").
		Where(sq.Eq{"channel": channel}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sql query: %w", err)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	out := make([]*domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.Message{
			ID:        r.ID,
			Channel:   r.Channel,
			Sender:    r.Sender,
			Body:      r.Body,
			Timestamp: r.SentAt.UTC(),
			Deleted:   r.Deleted,
		})
	}
	return out, nil
}

func (s *PostgresChatStore) MarkDeleted(ctx context.Context, channel, messageID string) error {
	query, args, err := psql.Update("messages").
		Set("deleted", true).
		Where(sq.Eq{"channel": channel, "id": messageID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sql query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark message deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresChatStore) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	query, args, err := psql.Insert("channels").
		Columns("name", "creator", "created_at").
		Values(ch.Name, ch.Creator, ch.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if pgCode(err) == uniqueViolation {
			return domain.ErrChannelExists
		}
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *PostgresChatStore) GetChannels(ctx context.Context) ([]*domain.Channel, error) {
	query, args, err := psql.Select("name", "creator", "created_at").
		From("channels").
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sql query: %w", err)
	}

	var rows []channelRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}

	out := make([]*domain.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.Channel{Name: r.Name, Creator: r.Creator, CreatedAt: r.CreatedAt.UTC()})
	}
	return out, nil
}

func (s *PostgresChatStore) RegisterUser(ctx context.Context, cred *domain.Credential) error {
	query, args, err := psql.Insert("users").
		Columns("username", "password_hash", "created_at").
		Values(cred.Username, cred.PasswordHash, cred.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if pgCode(err) == uniqueViolation {
			return domain.ErrUserExists
		}
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *PostgresChatStore) GetCredential(ctx context.Context, username string) (*domain.Credential, error) {
	query, args, err := psql.Select("username", "password_hash", "created_at").
		From("users").
		Where(sq.Eq{"username": username}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sql query: %w", err)
	}

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrUserNotFound
	}
	return &domain.Credential{
		Username:     rows[0].Username,
		PasswordHash: rows[0].PasswordHash,
		CreatedAt:    rows[0].CreatedAt.UTC(),
	}, nil
}

func (s *PostgresChatStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresChatStore) Close() error {
	return s.db.Close()
}

func pgCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
