package models

import "time"

// Subject is the snapshot of a business record that conditions and actions work against
type Subject struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Status         string                 `json:"status"`
	Email          string                 `json:"email,omitempty"`
	Phone          string                 `json:"phone,omitempty"`
	OwnerID        string                 `json:"owner_id,omitempty"`
	Tags           []string               `json:"tags"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	LastActivityAt *time.Time             `json:"last_activity_at,omitempty"`
}

// HasTag reports whether tag is in the subject's tag set
func (s *Subject) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Fields flattens the subject for placeholder substitution and expressions
func (s *Subject) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":         s.ID,
		"name":       s.Name,
		"status":     s.Status,
		"email":      s.Email,
		"phone":      s.Phone,
		"owner_id":   s.OwnerID,
		"tags":       s.Tags,
		"created_at": s.CreatedAt.Format(time.RFC3339),
	}
	if s.LastActivityAt != nil {
		fields["last_activity_at"] = s.LastActivityAt.Format(time.RFC3339)
	}
	for k, v := range s.Attributes {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return fields
}

// Note is created by the create_note action
type Note struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is created by the create_task action
type Task struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Letter is stored by the generate_letter action
type Letter struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Drafted   bool      `json:"drafted"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is an in-app notification for a user
type Notification struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	SubjectID   string `json:"subject_id,omitempty"`
	Level       string `json:"level,omitempty"`
}
