package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ConversationConfig names the table of chat turns and its columns.
type ConversationConfig struct {
	Table              string
	AgentColumn        string
	ConversationColumn string
	RoleColumn         string
	ContentColumn      string
	OrderColumn        string
}

// ConversationLoader renders a stored conversation as a transcript with one
// "role: content" turn per message, oldest first. The reference is the
// conversation id; turns are scoped to the requesting agent.
type ConversationLoader struct {
	db    *sql.DB
	query string
}

// OpenConversationLoader connects to Postgres with dsn. The connection is
// established lazily on first use.
func OpenConversationLoader(dsn string, cfg ConversationConfig) (*ConversationLoader, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return NewConversationLoader(db, cfg), nil
}

// NewConversationLoader uses an existing database handle.
func NewConversationLoader(db *sql.DB, cfg ConversationConfig) *ConversationLoader {
	return &ConversationLoader{db: db, query: conversationQuery(cfg)}
}

func conversationQuery(cfg ConversationConfig) string {
	q := pq.QuoteIdentifier
	return fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1 AND %s = $2 ORDER BY %s ASC`,
		q(cfg.RoleColumn), q(cfg.ContentColumn), q(cfg.Table),
		q(cfg.AgentColumn), q(cfg.ConversationColumn), q(cfg.OrderColumn))
}

// Load returns the transcript for req.SourceRef.
func (c *ConversationLoader) Load(ctx context.Context, req Request) (*Content, error) {
	ref := strings.TrimSpace(req.SourceRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidRef)
	}

	rows, err := c.db.QueryContext(ctx, c.query, req.AgentID, ref)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	turns := 0
	for rows.Next() {
		var role, content sql.NullString
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if turns > 0 {
			b.WriteString("\n")
		}
		b.WriteString(formatTurn(role.String, content.String))
		turns++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	if turns == 0 {
		return nil, fmt.Errorf("%w: conversation %s", ErrSourceNotFound, ref)
	}

	return &Content{Text: b.String(), Title: "conversation " + ref}, nil
}

// Close releases the database handle.
func (c *ConversationLoader) Close() error {
	return c.db.Close()
}

func formatTurn(role, content string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = "unknown"
	}
	return role + ": " + strings.TrimRight(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
}
