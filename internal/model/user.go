package model

// User is an account owned by the external account service. This service
// only reads it to resolve identities and display names.
type User struct {
	ID       int64  `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex;size:128;not null"`
	Nickname string `gorm:"size:128;not null"`
	AuditInfo
}

// DisplayName returns the nickname, falling back to the username.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}
