package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of validating raw document bytes.
//
// Exactly one of the following holds:
//   - Err != nil: the document is unusable ([ErrParse] or [ErrSchema]).
//   - Err == nil, Dropped == 0: the document is healthy; Doc is the full
//     parsed value.
//   - Err == nil, Dropped > 0: partial corruption. The envelope was valid but
//     Dropped tasks failed validation; Doc contains the surviving subset with
//     its metadata recomputed.
type Result struct {
	Doc     *Document
	Dropped int
	Err     error
}

// Validate checks raw document bytes in three stages: well-formedness,
// shape, and cross-field invariants. It is pure: no side effects, input is
// never mutated.
//
// Item-level failures do not condemn the whole document. When the envelope
// (metadata, preferences) is valid but individual tasks are not, the invalid
// tasks are discarded and counted instead, so callers can keep the
// application writable while warning the user.
func Validate(raw []byte) Result {
	if !json.Valid(raw) {
		return Result{Err: ErrParse}
	}

	var env struct {
		Metadata    json.RawMessage   `json:"metadata"`
		Tasks       []json.RawMessage `json:"tasks"`
		Preferences json.RawMessage   `json:"preferences"`
	}

	err := json.Unmarshal(raw, &env)
	if err != nil {
		// Well-formed JSON that is not an object (e.g. a bare array).
		return Result{Err: &SchemaError{Violations: []FieldViolation{
			{Field: "document", Reason: "not a JSON object"},
		}}}
	}

	var violations []FieldViolation

	meta, metaViolations := validateMetadata(env.Metadata)
	violations = append(violations, metaViolations...)

	prefs, prefViolations := validatePreferences(env.Preferences)
	violations = append(violations, prefViolations...)

	if env.Tasks == nil {
		violations = append(violations, FieldViolation{Field: "tasks", Reason: "missing or null"})
	}

	if len(violations) > 0 {
		return Result{Err: &SchemaError{Violations: violations}}
	}

	tasks, dropped := salvageTasks(env.Tasks)

	if dropped == 0 {
		// All items intact: the denormalized metadata cache must agree with
		// what the items compute. A mismatch means it was hand-edited.
		if cacheViolations := validateMetadataCache(meta, tasks); len(cacheViolations) > 0 {
			return Result{Err: &SchemaError{Violations: cacheViolations}}
		}

		return Result{Doc: &Document{Metadata: meta, Tasks: tasks, Preferences: prefs}}
	}

	// Partial corruption: rebuild the cache over the surviving subset so the
	// returned document is internally consistent. LastModified is preserved
	// from the stored envelope since no mutation happened.
	salvagedMeta := ComputeMetadata(tasks, time.Now())
	salvagedMeta.LastModified = meta.LastModified

	return Result{
		Doc:     &Document{Metadata: salvagedMeta, Tasks: tasks, Preferences: prefs},
		Dropped: dropped,
	}
}

// ValidateDocument checks an in-memory document before it is written.
// All violated constraints are reported, not just the first.
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return &SchemaError{Violations: []FieldViolation{{Field: "document", Reason: "nil"}}}
	}

	var violations []FieldViolation

	violations = append(violations, metadataViolations(doc.Metadata)...)
	violations = append(violations, preferencesViolations(doc.Preferences)...)
	violations = append(violations, validateMetadataCache(doc.Metadata, doc.Tasks)...)

	seen := make(map[string]int, len(doc.Tasks))

	for i, t := range doc.Tasks {
		for _, v := range validateTask(t, seen) {
			violations = append(violations, FieldViolation{
				Field:  fmt.Sprintf("tasks[%d].%s", i, v.Field),
				Reason: v.Reason,
			})
		}

		seen[t.ID]++
	}

	if len(violations) > 0 {
		return &SchemaError{Violations: violations}
	}

	return nil
}

// ValidatePreferences checks a preferences record before it is written.
func ValidatePreferences(p Preferences) error {
	if violations := preferencesViolations(p); len(violations) > 0 {
		return &SchemaError{Violations: violations}
	}

	return nil
}

func validateMetadata(raw json.RawMessage) (Metadata, []FieldViolation) {
	if len(raw) == 0 {
		return Metadata{}, []FieldViolation{{Field: "metadata", Reason: "missing or null"}}
	}

	var m Metadata

	err := json.Unmarshal(raw, &m)
	if err != nil {
		return Metadata{}, []FieldViolation{{Field: "metadata", Reason: "wrong shape"}}
	}

	return m, metadataViolations(m)
}

func metadataViolations(m Metadata) []FieldViolation {
	var violations []FieldViolation

	if m.Version != Version {
		violations = append(violations, FieldViolation{
			Field:  "metadata.version",
			Reason: fmt.Sprintf("unsupported version %q", m.Version),
		})
	}

	if !validTimestamp(m.LastModified) {
		violations = append(violations, FieldViolation{Field: "metadata.lastModified", Reason: "not an RFC 3339 timestamp"})
	}

	if m.TotalTaskCount < 0 {
		violations = append(violations, FieldViolation{Field: "metadata.totalTaskCount", Reason: "negative"})
	}

	if m.OldestTaskDate != nil && !validDate(*m.OldestTaskDate) {
		violations = append(violations, FieldViolation{Field: "metadata.oldestTaskDate", Reason: "not a YYYY-MM-DD date"})
	}

	if m.NewestTaskDate != nil && !validDate(*m.NewestTaskDate) {
		violations = append(violations, FieldViolation{Field: "metadata.newestTaskDate", Reason: "not a YYYY-MM-DD date"})
	}

	return violations
}

// validateMetadataCache checks that the denormalized cache agrees with the
// task list it claims to summarize.
func validateMetadataCache(m Metadata, tasks []Task) []FieldViolation {
	var violations []FieldViolation

	if m.TotalTaskCount != len(tasks) {
		violations = append(violations, FieldViolation{
			Field:  "metadata.totalTaskCount",
			Reason: fmt.Sprintf("is %d, tasks has %d", m.TotalTaskCount, len(tasks)),
		})
	}

	want := ComputeMetadata(tasks, time.Now())

	if !equalDatePtr(m.OldestTaskDate, want.OldestTaskDate) {
		violations = append(violations, FieldViolation{Field: "metadata.oldestTaskDate", Reason: "does not match tasks"})
	}

	if !equalDatePtr(m.NewestTaskDate, want.NewestTaskDate) {
		violations = append(violations, FieldViolation{Field: "metadata.newestTaskDate", Reason: "does not match tasks"})
	}

	return violations
}

func validatePreferences(raw json.RawMessage) (Preferences, []FieldViolation) {
	if len(raw) == 0 {
		return Preferences{}, []FieldViolation{{Field: "preferences", Reason: "missing or null"}}
	}

	var p Preferences

	err := json.Unmarshal(raw, &p)
	if err != nil {
		return Preferences{}, []FieldViolation{{Field: "preferences", Reason: "wrong shape"}}
	}

	return p, preferencesViolations(p)
}

func preferencesViolations(p Preferences) []FieldViolation {
	var violations []FieldViolation

	if !validDate(p.LastViewedDate) {
		violations = append(violations, FieldViolation{Field: "preferences.lastViewedDate", Reason: "not a YYYY-MM-DD date"})
	}

	if p.SortOrder != SortNewestFirst && p.SortOrder != SortOldestFirst {
		violations = append(violations, FieldViolation{
			Field:  "preferences.sortOrder",
			Reason: fmt.Sprintf("must be %q or %q", SortNewestFirst, SortOldestFirst),
		})
	}

	return violations
}

// salvageTasks parses and validates each task independently, returning the
// valid subset in original order plus the number discarded. A task whose id
// duplicates an earlier valid task is discarded.
func salvageTasks(raws []json.RawMessage) ([]Task, int) {
	tasks := make([]Task, 0, len(raws))
	seen := make(map[string]int, len(raws))
	dropped := 0

	for _, raw := range raws {
		var t Task

		err := json.Unmarshal(raw, &t)
		if err != nil {
			dropped++

			continue
		}

		if len(validateTask(t, seen)) > 0 {
			dropped++

			continue
		}

		seen[t.ID]++
		tasks = append(tasks, t)
	}

	return tasks, dropped
}

// validateTask checks a single task's field constraints and cross-field
// invariants. seen maps already-accepted ids for uniqueness checking and may
// be nil.
func validateTask(t Task, seen map[string]int) []FieldViolation {
	var violations []FieldViolation

	if _, err := uuid.Parse(t.ID); err != nil {
		violations = append(violations, FieldViolation{Field: "id", Reason: "not a UUID"})
	} else if seen[t.ID] > 0 {
		violations = append(violations, FieldViolation{Field: "id", Reason: "duplicate"})
	}

	if n := descriptionLength(t.Description); n < DescriptionMinLen || n > DescriptionMaxLen {
		violations = append(violations, FieldViolation{
			Field:  "description",
			Reason: fmt.Sprintf("length %d outside %d..%d", n, DescriptionMinLen, DescriptionMaxLen),
		})
	}

	if !validTimestamp(t.CreatedAt) {
		violations = append(violations, FieldViolation{Field: "createdAt", Reason: "not an RFC 3339 timestamp"})
	}

	if t.CompletedAt != nil && !validTimestamp(*t.CompletedAt) {
		violations = append(violations, FieldViolation{Field: "completedAt", Reason: "not an RFC 3339 timestamp"})
	}

	// completed == false iff completedAt == null.
	if t.Completed && t.CompletedAt == nil {
		violations = append(violations, FieldViolation{Field: "completedAt", Reason: "missing on completed task"})
	}

	if !t.Completed && t.CompletedAt != nil {
		violations = append(violations, FieldViolation{Field: "completedAt", Reason: "set on open task"})
	}

	if !validDate(t.Date) {
		violations = append(violations, FieldViolation{Field: "date", Reason: "not a YYYY-MM-DD date"})
	}

	return violations
}

func equalDatePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func validTimestamp(s string) bool {
	_, err := time.Parse(time.RFC3339, s)

	return err == nil
}

func validDate(s string) bool {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return false
	}

	// Reject layouts time.Parse normalizes, e.g. "2025-1-2".
	return t.Format(DateFormat) == s
}
