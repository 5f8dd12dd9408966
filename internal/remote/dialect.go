package remote

import (
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // Pure Go SQLite driver

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
)

// dialect captures the SQL differences between supported drivers.
type dialect struct {
	name   string
	driver string

	// placeholder returns the bind marker for the n-th (1-based) argument.
	placeholder func(n int) string

	// quote wraps a validated identifier.
	quote func(ident string) string

	// insertIgnore builds an insert that silently skips an existing primary key.
	insertIgnore func(table string, columns []string) string

	// createSales is the DDL for the sales table.
	createSales func(table string) string
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateIdentifier rejects table names that are not plain identifiers.
// Table names come from configuration and are spliced into SQL.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid table name %q", name)
	}
	return nil
}

func questionMarks(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func joinColumns(quote func(string) string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

func bindList(placeholder func(int) string, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = placeholder(i + 1)
	}
	return strings.Join(marks, ", ")
}

func backtick(s string) string { return "`" + s + "`" }

func doubleQuote(s string) string { return `"` + s + `"` }

var mysqlDialect = dialect{
	name:        "mysql",
	driver:      "mysql",
	placeholder: questionMarks,
	quote:       backtick,
	insertIgnore: func(table string, columns []string) string {
		return fmt.Sprintf("INSERT IGNORE INTO `%s` (%s) VALUES (%s)",
			table, joinColumns(backtick, columns), bindList(questionMarks, len(columns)))
	},
	createSales: func(table string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
			"`id` VARCHAR(36) PRIMARY KEY, "+
			"`sale_data` JSON NOT NULL, "+
			"`created_at` DATETIME(3) NOT NULL)", table)
	},
}

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "postgres",
	placeholder: dollar,
	quote:       doubleQuote,
	insertIgnore: func(table string, columns []string) string {
		return fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT ("id") DO NOTHING`,
			table, joinColumns(doubleQuote, columns), bindList(dollar, len(columns)))
	},
	createSales: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (`+
			`"id" TEXT PRIMARY KEY, `+
			`"sale_data" JSONB NOT NULL, `+
			`"created_at" TIMESTAMPTZ NOT NULL)`, table)
	},
}

var sqliteDialect = dialect{
	name:        "sqlite",
	driver:      "sqlite",
	placeholder: questionMarks,
	quote:       doubleQuote,
	insertIgnore: func(table string, columns []string) string {
		return fmt.Sprintf(`INSERT OR IGNORE INTO "%s" (%s) VALUES (%s)`,
			table, joinColumns(doubleQuote, columns), bindList(questionMarks, len(columns)))
	},
	createSales: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (`+
			`"id" TEXT PRIMARY KEY, `+
			`"sale_data" TEXT NOT NULL, `+
			`"created_at" TEXT NOT NULL)`, table)
	},
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql", "mariadb":
		return mysqlDialect, nil
	case "postgres", "postgresql", "pg":
		return postgresDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, apperrors.Newf(apperrors.ErrInvalid, "unsupported remote driver %q", driver)
	}
}

// SupportedDriver reports whether driver names a known dialect.
func SupportedDriver(driver string) bool {
	_, err := dialectFor(driver)
	return err == nil
}
