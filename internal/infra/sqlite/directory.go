package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/shopspring/decimal"
)

// ─── Students ───────────────────────────────────────────────────────────────

// UpsertStudent inserts or replaces a student record.
func (db *DB) UpsertStudent(ctx context.Context, s domain.Student) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO students (id, name, email, document, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email,
			document = excluded.document, active = excluded.active`,
		s.ID, s.Name, s.Email, s.Document, boolToInt(s.Active),
	)
	if err != nil {
		return fmt.Errorf("UpsertStudent: %w", err)
	}
	return nil
}

// ListActiveStudents implements finance.Directory, ordered by id.
func (db *DB) ListActiveStudents(ctx context.Context) ([]domain.Student, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT id, name, email, document, active FROM students WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListActiveStudents: %w", err)
	}
	defer rows.Close()

	var out []domain.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActiveStudents: scanning: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetStudent implements finance.Directory.
func (db *DB) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	row := db.db.QueryRowContext(ctx, `SELECT id, name, email, document, active FROM students WHERE id = ?`, id)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetStudent: %w", err)
	}
	return s, nil
}

func scanStudent(sc scanner) (*domain.Student, error) {
	var (
		s      domain.Student
		active int
	)
	if err := sc.Scan(&s.ID, &s.Name, &s.Email, &s.Document, &active); err != nil {
		return nil, err
	}
	s.Active = active == 1
	return &s, nil
}

// ─── Teachers ───────────────────────────────────────────────────────────────

// UpsertTeacher inserts or replaces a teacher record.
func (db *DB) UpsertTeacher(ctx context.Context, t domain.Teacher) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO teachers (id, name, email, document, salary, active) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email, document = excluded.document,
			salary = excluded.salary, active = excluded.active`,
		t.ID, t.Name, t.Email, t.Document, t.Salary.String(), boolToInt(t.Active),
	)
	if err != nil {
		return fmt.Errorf("UpsertTeacher: %w", err)
	}
	return nil
}

// ListActiveTeachers implements finance.Directory, ordered by id.
func (db *DB) ListActiveTeachers(ctx context.Context) ([]domain.Teacher, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT id, name, email, document, salary, active FROM teachers WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListActiveTeachers: %w", err)
	}
	defer rows.Close()

	var out []domain.Teacher
	for rows.Next() {
		t, err := scanTeacher(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActiveTeachers: scanning: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTeacher implements finance.Directory.
func (db *DB) GetTeacher(ctx context.Context, id string) (*domain.Teacher, error) {
	row := db.db.QueryRowContext(ctx, `SELECT id, name, email, document, salary, active FROM teachers WHERE id = ?`, id)
	t, err := scanTeacher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTeacher: %w", err)
	}
	return t, nil
}

func scanTeacher(sc scanner) (*domain.Teacher, error) {
	var (
		t      domain.Teacher
		salary string
		active int
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Email, &t.Document, &salary, &active); err != nil {
		return nil, err
	}
	var err error
	if t.Salary, err = decimal.NewFromString(salary); err != nil {
		return nil, fmt.Errorf("salary of %s: %w", t.ID, err)
	}
	t.Active = active == 1
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ finance.Directory = (*DB)(nil)
