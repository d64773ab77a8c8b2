package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/home-lang/esmtpd/internal/parser"
	"github.com/home-lang/esmtpd/internal/sanitizer"
	"github.com/home-lang/esmtpd/internal/smtp"
)

// PgxMessageSink implements smtp.MessageSink: it parses the raw RFC 5322
// body (internal/parser), sanitizes any HTML part (internal/sanitizer), and
// persists the result as a row in the "messages" table via pgxpool. A
// parallel sqlx connection (same Postgres instance, required by the sqlx
// repository idiom the teacher uses for its read-side queries) backs
// recipientDomainAllowed, a cheap existence check against a
// "accepted_domains" table that lets an operator scope the mailbox to a set
// of hosted domains without touching the SMTP core.
//
// Grounded on the teacher's internal/repository/email_repository.go (sqlx
// query shape) and internal/smtp/adapters.go (PgxEmailRepository.Create).
type PgxMessageSink struct {
	pool   *pgxpool.Pool
	sqlxDB *sqlx.DB
	parser *parser.EmailParser
	saniti sanitizer.HTMLSanitizer
	log    *slog.Logger

	restrictDomains bool
}

// NewPgxMessageSink constructs a PgxMessageSink. When restrictDomains is
// true, RCPT addresses whose domain is absent from "accepted_domains" are
// rejected permanently at submit time.
func NewPgxMessageSink(pool *pgxpool.Pool, sqlxDB *sqlx.DB, restrictDomains bool, log *slog.Logger) *PgxMessageSink {
	return &PgxMessageSink{
		pool:            pool,
		sqlxDB:          sqlxDB,
		parser:          parser.NewEmailParser(),
		saniti:          sanitizer.NewHTMLSanitizer(),
		log:             log,
		restrictDomains: restrictDomains,
	}
}

// Submit implements smtp.MessageSink.
func (s *PgxMessageSink) Submit(ctx context.Context, env smtp.Envelope, body []byte) (string, error) {
	if s.restrictDomains {
		for _, rcpt := range env.Recipients {
			ok, err := s.recipientDomainAllowed(ctx, rcpt)
			if err != nil {
				return "", fmt.Errorf("%w: domain lookup failed: %v", smtp.ErrRejectedTemporary, err)
			}
			if !ok {
				return "", fmt.Errorf("%w: recipient domain not hosted here", smtp.ErrRejectedPermanent)
			}
		}
	}

	// Malformed MIME is stored as an opaque blob rather than rejected: the
	// envelope has already been accepted at RCPT TO.
	parsed := s.parser.SafeParse(body, func(pe *parser.ParseError) {
		s.log.Warn("message stored without parsed body",
			"stage", pe.Stage, "reason", pe.Message, "size_bytes", len(body))
	})
	bodyHTML := parsed.BodyHTML
	if bodyHTML != "" {
		bodyHTML = s.saniti.Sanitize(bodyHTML)
	}

	headersJSON, jerr := json.Marshal(parsed.Headers)
	if jerr != nil {
		headersJSON = []byte("{}")
	}

	id := uuid.New()
	now := time.Now().UTC()
	recipients := strings.Join(env.Recipients, ",")

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages
			(id, mail_from, recipients, subject, body_html, body_text, headers, size_bytes, raw_message, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		id, env.MailFrom, recipients, parsed.Subject, bodyHTML, parsed.BodyText,
		headersJSON, int64(len(body)), body, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", smtp.ErrRejectedTemporary, err)
	}

	return id.String(), nil
}

// recipientDomainAllowed checks "accepted_domains" via the sqlx connection.
func (s *PgxMessageSink) recipientDomainAllowed(ctx context.Context, rcpt string) (bool, error) {
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 {
		return false, nil
	}
	domain := strings.ToLower(rcpt[at+1:])

	var exists bool
	err := s.sqlxDB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accepted_domains WHERE domain = $1)`, domain,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

var errNotConfigured = errors.New("store: dependency not configured")
