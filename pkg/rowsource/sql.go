package rowsource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects placeholder style. PostgreSQL wants $1..$n, SQLite
// takes ? as written.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// SQLSource reads allocation rows from a relational store.
type SQLSource struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSource wraps an open database handle.
func NewSQLSource(db *sql.DB, dialect Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect}
}

const rowColumns = `national_id, counter, first_name, last_name, gender, mobile,
reg_center, reg_status, group_code, school_code, mentor_id, mentor_name,
mentor_mobile, allocation_date, year_code`

// Rows fetches the export population for f. Ordering is left to the
// export sort phase; the query only filters.
func (s *SQLSource) Rows(ctx context.Context, f Filters) ([]Row, error) {
	query := `SELECT ` + rowColumns + ` FROM allocations WHERE year = ?`
	args := []any{f.Year}

	if f.Center != nil {
		query += ` AND reg_center = ?`
		args = append(args, *f.Center)
	}
	if f.Delta != nil {
		query += ` AND created_at > ? AND created_at <= ?`
		args = append(args, f.Delta.CreatedAfter, f.Delta.CreatedBefore)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("rowsource: query allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var school sql.NullString
		if err := rows.Scan(
			&r.NationalID, &r.Counter, &r.FirstName, &r.LastName, &r.Gender,
			&r.Mobile, &r.RegCenter, &r.RegStatus, &r.GroupCode, &school,
			&r.MentorID, &r.MentorName, &r.MentorMobile, &r.AllocationDate,
			&r.YearCode,
		); err != nil {
			return nil, fmt.Errorf("rowsource: scan allocation row: %w", err)
		}
		r.SchoolCode = school.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rowsource: iterate allocations: %w", err)
	}
	return out, nil
}

// LoadRoster preloads the special-school roster into memory. The export
// pipeline looks it up per row, so it must not hit the database again.
func LoadRoster(ctx context.Context, db *sql.DB) (StaticRoster, error) {
	rows, err := db.QueryContext(ctx, `SELECT year, school_code FROM special_schools`)
	if err != nil {
		return nil, fmt.Errorf("rowsource: query roster: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roster := make(StaticRoster)
	for rows.Next() {
		var year, school int
		if err := rows.Scan(&year, &school); err != nil {
			return nil, fmt.Errorf("rowsource: scan roster row: %w", err)
		}
		if roster[year] == nil {
			roster[year] = make(map[int]bool)
		}
		roster[year][school] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rowsource: iterate roster: %w", err)
	}
	return roster, nil
}

// LoadManagerCenters preloads the manager gate table.
func LoadManagerCenters(ctx context.Context, db *sql.DB) (StaticManagerCenters, error) {
	rows, err := db.QueryContext(ctx, `SELECT manager_id, reg_center FROM manager_centers`)
	if err != nil {
		return nil, fmt.Errorf("rowsource: query manager centers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(StaticManagerCenters)
	for rows.Next() {
		var manager, center int
		if err := rows.Scan(&manager, &center); err != nil {
			return nil, fmt.Errorf("rowsource: scan manager center: %w", err)
		}
		out[manager] = append(out[manager], center)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rowsource: iterate manager centers: %w", err)
	}
	return out, nil
}

// EnsureSchema creates the tables lite mode needs. Production schemas
// are managed externally; this only runs against SQLite.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS allocations (
		national_id TEXT NOT NULL,
		counter TEXT NOT NULL,
		first_name TEXT,
		last_name TEXT,
		gender INTEGER NOT NULL,
		mobile TEXT,
		reg_center INTEGER NOT NULL,
		reg_status INTEGER NOT NULL,
		group_code TEXT,
		school_code TEXT,
		mentor_id TEXT,
		mentor_name TEXT,
		mentor_mobile TEXT,
		allocation_date DATETIME,
		year_code TEXT,
		year INTEGER NOT NULL,
		created_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS special_schools (
		year INTEGER NOT NULL,
		school_code INTEGER NOT NULL,
		PRIMARY KEY (year, school_code)
	);
	CREATE TABLE IF NOT EXISTS manager_centers (
		manager_id INTEGER NOT NULL,
		reg_center INTEGER NOT NULL,
		PRIMARY KEY (manager_id, reg_center)
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("rowsource: ensure schema: %w", err)
	}
	return nil
}
