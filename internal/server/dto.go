package server

import (
	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// Entity responses embed the domain struct and add the record version so
// clients can echo it back as expected_version on the next write.

type UserResponse struct {
	domain.User
	Version int64 `json:"version"`
}

type TaskResponse struct {
	domain.Task
	Version int64 `json:"version"`
}

type WorkflowResponse struct {
	domain.Workflow
	Version int64 `json:"version"`
}

type TeamResponse struct {
	domain.Team
	Version int64 `json:"version"`
}

type ChannelResponse struct {
	domain.Channel
	Version int64 `json:"version"`
}

type MessageResponse struct {
	domain.Message
	Version int64 `json:"version"`
}

type RoleResponse struct {
	domain.Role
	Version int64 `json:"version"`
}

type NotificationResponse struct {
	domain.Notification
	Version int64 `json:"version"`
}

type page[T any] struct {
	Items         []T    `json:"items"`
	Total         int    `json:"total"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

func userResponse(rec store.Rec) (UserResponse, error) {
	u, err := store.Decode[domain.User](rec)
	return UserResponse{User: u, Version: rec.Version}, err
}

func taskResponse(rec store.Rec) (TaskResponse, error) {
	t, err := store.Decode[domain.Task](rec)
	return TaskResponse{Task: t, Version: rec.Version}, err
}

func workflowResponse(rec store.Rec) (WorkflowResponse, error) {
	w, err := store.Decode[domain.Workflow](rec)
	return WorkflowResponse{Workflow: w, Version: rec.Version}, err
}

func teamResponse(rec store.Rec) (TeamResponse, error) {
	t, err := store.Decode[domain.Team](rec)
	return TeamResponse{Team: t, Version: rec.Version}, err
}

func channelResponse(rec store.Rec) (ChannelResponse, error) {
	c, err := store.Decode[domain.Channel](rec)
	return ChannelResponse{Channel: c, Version: rec.Version}, err
}

func messageResponse(rec store.Rec) (MessageResponse, error) {
	m, err := store.Decode[domain.Message](rec)
	return MessageResponse{Message: m, Version: rec.Version}, err
}

func roleResponse(rec store.Rec) (RoleResponse, error) {
	r, err := store.Decode[domain.Role](rec)
	return RoleResponse{Role: r, Version: rec.Version}, err
}

func notificationResponse(rec store.Rec) (NotificationResponse, error) {
	n, err := store.Decode[domain.Notification](rec)
	return NotificationResponse{Notification: n, Version: rec.Version}, err
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID: e.ID, TS: e.TS, Type: e.Type,
		EntityType: e.EntityType, EntityID: e.EntityID,
		ActorID: e.ActorID, Payload: e.Payload,
	}
}

type AuditEntryResponse struct {
	ID           int64  `json:"id"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Description  string `json:"description,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func auditResponse(e domain.AuditLogEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID: e.ID, ActorID: e.ActorID, Action: e.Action,
		ResourceType: e.ResourceType, ResourceID: e.ResourceID,
		Description: e.Description, IPAddress: e.IPAddress, CreatedAt: e.CreatedAt,
	}
}
