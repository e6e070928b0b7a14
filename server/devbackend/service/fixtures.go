package service

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldsync/server/devbackend/domain"
)

var ErrNotFound = errors.New("not found")

// Fixtures holds the seeded projects, tasks and alerts served to field clients.
type Fixtures struct {
	mu       sync.RWMutex
	projects []domain.Project
	tasks    []domain.Task
	alerts   []domain.Alert
}

func NewFixtures() *Fixtures {
	now := time.Now().UTC()
	return &Fixtures{
		projects: []domain.Project{
			{ID: "p-villa-100", Name: "Villa 100", Address: "100 Harbour Road", Status: domain.ProjectActive, UpdatedAt: now},
			{ID: "p-depot-7", Name: "Depot 7 retrofit", Address: "7 Rail Yard Lane", Status: domain.ProjectOnHold, UpdatedAt: now},
		},
		tasks: []domain.Task{
			{ID: "t-1", ProjectID: "p-villa-100", Title: "Inspect roof membrane", Assignee: "u-field-1", DueAt: now.Add(24 * time.Hour)},
			{ID: "t-2", ProjectID: "p-villa-100", Title: "Photograph facade cracks", Assignee: "u-field-1", DueAt: now.Add(48 * time.Hour)},
			{ID: "t-3", ProjectID: "p-villa-100", Title: "Confirm scaffold permit", DueAt: now.Add(72 * time.Hour)},
			{ID: "t-4", ProjectID: "p-depot-7", Title: "Survey loading bay", Done: true, DueAt: now.Add(-24 * time.Hour)},
		},
		alerts: []domain.Alert{
			{ID: "a-1", Title: "Weather warning", Message: "High winds expected after 15:00", Severity: "warning", CreatedAt: now.Add(-time.Hour)},
		},
	}
}

func (f *Fixtures) Projects() []domain.Project {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.Project(nil), f.projects...)
}

func (f *Fixtures) Tasks() []domain.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.Task(nil), f.tasks...)
}

func (f *Fixtures) Alerts() []domain.Alert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Alert, len(f.alerts))
	for i, a := range f.alerts {
		a.AckedBy = append([]string(nil), a.AckedBy...)
		out[i] = a
	}
	return out
}

func (f *Fixtures) OpenTaskCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, t := range f.tasks {
		if !t.Done {
			n++
		}
	}
	return n
}

// AddAlert assigns an id and creation time when missing and appends the alert.
func (f *Fixtures) AddAlert(alert domain.Alert) domain.Alert {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = "info"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return alert
}

// AckAlert records userID against the alert once; repeated acks are no-ops.
func (f *Fixtures) AckAlert(alertID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ID != alertID {
			continue
		}
		for _, by := range f.alerts[i].AckedBy {
			if by == userID {
				return nil
			}
		}
		f.alerts[i].AckedBy = append(f.alerts[i].AckedBy, userID)
		return nil
	}
	return ErrNotFound
}

func (f *Fixtures) TouchProject(projectID string, status domain.ProjectStatus) (domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.projects {
		if f.projects[i].ID != projectID {
			continue
		}
		if status != "" {
			f.projects[i].Status = status
		}
		f.projects[i].UpdatedAt = time.Now().UTC()
		return f.projects[i], nil
	}
	return domain.Project{}, ErrNotFound
}
