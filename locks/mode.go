package locks

import (
	"fmt"
	"strings"
)

// Mode selects the scope of an advisory lock.
type Mode int

const (
	// ModeTransaction holds the lock for the life of a transaction; ending
	// the transaction releases it.
	ModeTransaction Mode = iota
	// ModeSession holds the lock for the life of a connection until it is
	// explicitly unlocked on that same connection.
	ModeSession
)

func (m Mode) String() string {
	switch m {
	case ModeTransaction:
		return "transaction"
	case ModeSession:
		return "session"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "session" or "transaction".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transaction", "tx", "xact":
		return ModeTransaction, nil
	case "session", "sess":
		return ModeSession, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Queries is the pair of statements a mode needs. A statement with a
// placeholder takes the lock key as its only parameter.
type Queries struct {
	Acquire string
	Release string
}

// Dialect is the query table of one database flavour.
type Dialect struct {
	name    string
	queries map[Mode]Queries
}

// PostgresDialect uses pg_try_advisory_lock / pg_try_advisory_xact_lock.
// Transaction locks have no unlock function, so their release statement
// only reports success.
var PostgresDialect = Dialect{
	name: "postgres",
	queries: map[Mode]Queries{
		ModeTransaction: {
			Acquire: "SELECT pg_try_advisory_xact_lock($1)",
			Release: "SELECT true",
		},
		ModeSession: {
			Acquire: "SELECT pg_try_advisory_lock($1)",
			Release: "SELECT pg_advisory_unlock($1)",
		},
	},
}

// MySQLDialect uses GET_LOCK with a zero timeout. MySQL named locks are
// always session scoped.
var MySQLDialect = Dialect{
	name: "mysql",
	queries: map[Mode]Queries{
		ModeSession: {
			Acquire: "SELECT GET_LOCK(?, 0)",
			Release: "SELECT RELEASE_LOCK(?)",
		},
	},
}

// Name returns the dialect name.
func (d Dialect) Name() string {
	return d.name
}

// Queries returns the statements for mode.
func (d Dialect) Queries(mode Mode) (Queries, error) {
	q, ok := d.queries[mode]
	if !ok {
		return Queries{}, fmt.Errorf("%w: %s does not support %s locks", ErrUnsupportedMode, d.name, mode)
	}
	return q, nil
}

// Supports reports whether the dialect can provide mode.
func (d Dialect) Supports(mode Mode) bool {
	_, ok := d.queries[mode]
	return ok
}

// Bind returns the query arguments for stmt. Statements without a
// placeholder take none; drivers reject surplus arguments.
func Bind(stmt string, key Key) []any {
	if strings.ContainsAny(stmt, "$?") {
		return []any{key.Int64()}
	}
	return nil
}
