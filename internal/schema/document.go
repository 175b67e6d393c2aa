// Package schema defines the persisted document model and its validator.
//
// The validator is a pure function over raw bytes: it never touches storage
// and never mutates its input. Everything else in the repository trusts a
// document only after it has passed through [Validate].
package schema

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Version is the schema version tag written into every document.
const Version = "1"

// DateFormat is the calendar-date layout used throughout the document.
const DateFormat = "2006-01-02"

// Description length bounds, in runes.
const (
	DescriptionMinLen = 1
	DescriptionMaxLen = 500
)

// Sort orders accepted in preferences.
const (
	SortNewestFirst = "newest-first"
	SortOldestFirst = "oldest-first"
)

// Document is the single root object stored under the primary key.
type Document struct {
	Metadata    Metadata    `json:"metadata"`
	Tasks       []Task      `json:"tasks"`
	Preferences Preferences `json:"preferences"`
}

// Metadata is a denormalized cache over Tasks. It is recomputed on every
// mutation via [ComputeMetadata] and never hand-edited independently.
type Metadata struct {
	Version        string  `json:"version"`
	LastModified   string  `json:"lastModified"`
	TotalTaskCount int     `json:"totalTaskCount"`
	OldestTaskDate *string `json:"oldestTaskDate"`
	NewestTaskDate *string `json:"newestTaskDate"`
}

// Task is a single item in the document.
//
// Date is the calendar date the task is for, independent of CreatedAt.
// Invariant: Completed is false iff CompletedAt is nil.
type Task struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Completed   bool    `json:"completed"`
	CreatedAt   string  `json:"createdAt"`
	CompletedAt *string `json:"completedAt"`
	Date        string  `json:"date"`
}

// Preferences is a small sidecar record. It is logically part of the document
// but may be persisted under a separate key and go stale independently.
type Preferences struct {
	LastViewedDate string `json:"lastViewedDate"`
	SortOrder      string `json:"sortOrder"`
}

// NewDocument returns a freshly-initialized empty document.
func NewDocument(now time.Time) *Document {
	return &Document{
		Metadata: ComputeMetadata(nil, now),
		Tasks:    []Task{},
		Preferences: Preferences{
			LastViewedDate: now.UTC().Format(DateFormat),
			SortOrder:      SortNewestFirst,
		},
	}
}

// NewTask creates a task for the given calendar date.
func NewTask(description, date string, now time.Time) (Task, error) {
	t := Task{
		ID:          uuid.NewString(),
		Description: description,
		Completed:   false,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		CompletedAt: nil,
		Date:        date,
	}

	if violations := validateTask(t, nil); len(violations) > 0 {
		return Task{}, fmt.Errorf("schema: new task: %s", violations[0].Reason)
	}

	return t, nil
}

// Complete marks the task completed, keeping the completed/completedAt
// invariant. Completing an already-completed task is a no-op.
func (t *Task) Complete(now time.Time) {
	if t.Completed {
		return
	}

	ts := now.UTC().Format(time.RFC3339)
	t.Completed = true
	t.CompletedAt = &ts
}

// Reopen clears the completion state. Reopening an open task is a no-op.
func (t *Task) Reopen() {
	t.Completed = false
	t.CompletedAt = nil
}

// ComputeMetadata derives the metadata cache from a task list. This is the
// only way Metadata is ever produced.
func ComputeMetadata(tasks []Task, now time.Time) Metadata {
	m := Metadata{
		Version:        Version,
		LastModified:   now.UTC().Format(time.RFC3339),
		TotalTaskCount: len(tasks),
	}

	for i := range tasks {
		d := tasks[i].Date

		if m.OldestTaskDate == nil || d < *m.OldestTaskDate {
			old := d
			m.OldestTaskDate = &old
		}

		if m.NewestTaskDate == nil || d > *m.NewestTaskDate {
			newest := d
			m.NewestTaskDate = &newest
		}
	}

	return m
}

// descriptionLength counts description length in runes, matching the
// 1..500 bound of the data contract.
func descriptionLength(s string) int {
	return utf8.RuneCountInString(s)
}
