package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Project struct {
	ID          string
	Key         string
	Name        string
	TaskCounter int
	CreatedByID string
	CreatedAt   time.Time
}

type Sprint struct {
	ID        string
	ProjectID string
	Name      string
}

type Epic struct {
	ID          string
	ProjectID   string
	Title       string
	SortOrder   int
	CreatedByID string
	CreatedAt   time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	SprintID    *string
	EpicID      *string
	AssigneeID  *string
	AssignedAt  *time.Time
	Title       string
	Description string
	Status      string
	Priority    string
	Team        string
	SortOrder   int
	TaskKey     *string
	TaskNumber  *int
	CreatedByID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Activity is one immutable audit row for a task.
type Activity struct {
	ID        string
	TaskID    string
	Type      string
	Metadata  map[string]string
	UserID    string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

type Attachment struct {
	ID         string
	TaskID     string
	UploaderID string
	FileName   string
	ObjectKey  string
	CreatedAt  time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	TaskID    *string
	CommentID *string
	Read      bool
	CreatedAt time.Time
}

type Invite struct {
	ID          string
	Email       string
	Token       string
	Status      string
	ExpiresAt   time.Time
	InvitedByID string
	ProjectIDs  []string
	AcceptedAt  *time.Time
	CreatedAt   time.Time
}

// PurgeResult reports what PurgeAuthoredContent removed.
type PurgeResult struct {
	Activities       int64
	Comments         int64
	Attachments      int64
	Notifications    int64
	Invites          int64
	DocumentComments int64
	DocumentVersions int64
	// ObjectKeys of the removed attachments, for blob cleanup after commit.
	ObjectKeys []string
}

// TransferResult counts rows whose created_by_id moved to the heir.
type TransferResult struct {
	Tasks     int64
	Epics     int64
	Projects  int64
	Documents int64
}
