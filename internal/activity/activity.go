// Package activity computes the audit trail entries produced by a task update.
package activity

import "fmt"

// Type is the closed set of activity kinds a task can record.
type Type string

const (
	Created            Type = "CREATED"
	DescriptionUpdated Type = "DESCRIPTION_UPDATED"
	StatusChanged      Type = "STATUS_CHANGED"
	PriorityChanged    Type = "PRIORITY_CHANGED"
	Assigned           Type = "ASSIGNED"
	MovedToSprint      Type = "MOVED_TO_SPRINT"
)

const (
	UnassignedLabel = "Unassigned"
	BacklogLabel    = "Backlog"
)

func (t Type) Valid() bool {
	switch t {
	case Created, DescriptionUpdated, StatusChanged, PriorityChanged, Assigned, MovedToSprint:
		return true
	}
	return false
}

// Change is one tracked transition. From and To hold display labels.
type Change struct {
	Type Type
	From string
	To   string
}

// Metadata is the key/value payload persisted with the activity row.
func (c Change) Metadata() (map[string]string, error) {
	switch c.Type {
	case Created:
		return map[string]string{}, nil
	case DescriptionUpdated, StatusChanged, PriorityChanged, Assigned, MovedToSprint:
		return map[string]string{"from": c.From, "to": c.To}, nil
	default:
		return nil, fmt.Errorf("unknown activity type %q", c.Type)
	}
}

// Snapshot is the tracked state of a task before an update.
type Snapshot struct {
	Description string
	Status      string
	Priority    string
	AssigneeID  *string
	SprintID    *string
}

// Patch holds the tracked fields present in an update request. A nil pointer
// means the field was absent; the *Set flags distinguish "absent" from
// "explicitly cleared" for nullable references.
type Patch struct {
	Description *string
	Status      *string
	Priority    *string
	AssigneeSet bool
	AssigneeID  *string
	SprintSet   bool
	SprintID    *string
}

// Labels turns referenced ids into human-readable names. Nil functions fall
// back to the raw id.
type Labels struct {
	UserName   func(id string) string
	SprintName func(id string) string
}

func (l Labels) assignee(id *string) string {
	if id == nil {
		return UnassignedLabel
	}
	if l.UserName != nil {
		if name := l.UserName(*id); name != "" {
			return name
		}
	}
	return *id
}

func (l Labels) sprint(id *string) string {
	if id == nil {
		return BacklogLabel
	}
	if l.SprintName != nil {
		if name := l.SprintName(*id); name != "" {
			return name
		}
	}
	return *id
}

// Diff walks the tracked fields in declaration order and returns one Change
// per field whose value actually differs.
func Diff(before Snapshot, patch Patch, labels Labels) []Change {
	var changes []Change

	if patch.Description != nil && *patch.Description != before.Description {
		changes = append(changes, Change{Type: DescriptionUpdated, From: before.Description, To: *patch.Description})
	}
	if patch.Status != nil && *patch.Status != before.Status {
		changes = append(changes, Change{Type: StatusChanged, From: before.Status, To: *patch.Status})
	}
	if patch.Priority != nil && *patch.Priority != before.Priority {
		changes = append(changes, Change{Type: PriorityChanged, From: before.Priority, To: *patch.Priority})
	}
	if patch.AssigneeSet && !sameRef(before.AssigneeID, patch.AssigneeID) {
		changes = append(changes, Change{
			Type: Assigned,
			From: labels.assignee(before.AssigneeID),
			To:   labels.assignee(patch.AssigneeID),
		})
	}
	if patch.SprintSet && !sameRef(before.SprintID, patch.SprintID) {
		changes = append(changes, Change{
			Type: MovedToSprint,
			From: labels.sprint(before.SprintID),
			To:   labels.sprint(patch.SprintID),
		})
	}
	return changes
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
