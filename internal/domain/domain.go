package domain

// Entity type names used as the first half of every (type, id) store key.
const (
	TypeUser         = "user"
	TypeTask         = "task"
	TypeWorkflow     = "workflow"
	TypeTeam         = "team"
	TypeChannel      = "channel"
	TypeMessage      = "message"
	TypeRole         = "role"
	TypeNotification = "notification"
)

// EntityTypes lists every type the store accepts, in a stable order.
var EntityTypes = []string{
	TypeUser, TypeTask, TypeWorkflow, TypeTeam,
	TypeChannel, TypeMessage, TypeRole, TypeNotification,
}

func KnownEntityType(t string) bool {
	for _, k := range EntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status" enum:"active,inactive,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"todo,in-progress,review,completed"`
	Priority    string   `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	WorkflowID  *string  `json:"workflow_id,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" format:"date-time"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Stage struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
	Color string `json:"color,omitempty"`
}

type Workflow struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Stages      []Stage `json:"stages"`
	CreatedByID string  `json:"created_by_id"`
	TeamID      string  `json:"team_id,omitempty"`
	Status      string  `json:"status" enum:"active,archived"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type TeamMember struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role" enum:"owner,admin,member"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

type Team struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Members     []TeamMember `json:"members"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

// Owner returns the member holding the owner role, if any.
func (t Team) Owner() (TeamMember, bool) {
	for _, m := range t.Members {
		if m.Role == "owner" {
			return m, true
		}
	}
	return TeamMember{}, false
}

func (t Team) HasMember(userID string) bool {
	for _, m := range t.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

type Channel struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type" enum:"direct,group,team"`
	MemberIDs     []string       `json:"member_ids"`
	LastMessageID string         `json:"last_message_id,omitempty"`
	UnreadCounts  map[string]int `json:"unread_counts,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

func (c Channel) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is immutable once created except for ReadBy growth.
type Message struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id"`
	SenderID  string   `json:"sender_id"`
	Content   string   `json:"content"`
	ReadBy    []string `json:"read_by,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	Permissions []string `json:"permissions"`
	IsSystem    bool     `json:"is_system"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Notification records are created by the dispatcher only; clients may
// mark them read but never create them directly.
type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Type        string `json:"type" enum:"info,success,warning,error"`
	Read        bool   `json:"read"`
	ActionRef   string `json:"action_ref,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AuditLogEntry rows are append-only.
type AuditLogEntry struct {
	ID           int64  `json:"id"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Description  string `json:"description,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is a committed-mutation record. Rows are written inside the same
// transaction as the mutation they describe, so row id order is commit order.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}
