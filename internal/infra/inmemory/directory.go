package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
)

// Directory is an in-memory finance.Directory seeded by the caller.
type Directory struct {
	mu       sync.RWMutex
	students map[string]domain.Student
	teachers map[string]domain.Teacher
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		students: make(map[string]domain.Student),
		teachers: make(map[string]domain.Teacher),
	}
}

// PutStudent adds or replaces a student.
func (d *Directory) PutStudent(s domain.Student) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.students[s.ID] = s
}

// PutTeacher adds or replaces a teacher.
func (d *Directory) PutTeacher(t domain.Teacher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teachers[t.ID] = t
}

// ListActiveStudents implements finance.Directory, ordered by id.
func (d *Directory) ListActiveStudents(ctx context.Context) ([]domain.Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []domain.Student
	for _, s := range d.students {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActiveTeachers implements finance.Directory, ordered by id.
func (d *Directory) ListActiveTeachers(ctx context.Context) ([]domain.Teacher, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []domain.Teacher
	for _, t := range d.teachers {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetStudent implements finance.Directory.
func (d *Directory) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.students[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

// GetTeacher implements finance.Directory.
func (d *Directory) GetTeacher(ctx context.Context, id string) (*domain.Teacher, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.teachers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

var _ finance.Directory = (*Directory)(nil)
