package users

import (
	"strings"
	"time"
)

// Profile is the public face of a student: the handle and avatar shown in presence and chat.
type Profile struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider      string    `gorm:"column:provider;size:32;not null"`
	Email         string    `gorm:"column:user_email;size:320"`
	DisplayHandle string    `gorm:"column:display_handle;size:320;not null"`
	AvatarRef     string    `gorm:"column:avatar_ref;size:512"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// handleFor picks the display handle: the display name, the email's local part, then the id.
func handleFor(displayName, email, userID string) string {
	if name := normalize(displayName); name != "" {
		return name
	}
	if local, _, found := strings.Cut(normalize(email), "@"); found && local != "" {
		return local
	}
	return userID
}
