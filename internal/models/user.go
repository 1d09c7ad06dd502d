package models

import "time"

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAgent    Role = "AGENT"
	RoleAdmin    Role = "ADMIN"
)

func (r Role) IsStaff() bool { return r == RoleAgent || r == RoleAdmin }

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent || r == RoleAdmin
}

// MaxEmailLen bounds the email column, which also holds synthetic lookup keys.
const MaxEmailLen = 320

// Origins of synthetic identities. Registered users carry OriginNone.
const (
	OriginNone    = ""
	OriginSystem  = "system"
	OriginAIAgent = "ai-agent"
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"type:varchar(320);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(64);not null"`
	PasswordHash string `gorm:"type:varchar(255);not null"`
	Role         Role   `gorm:"type:varchar(16);index;not null;default:CUSTOMER"`

	// ExternalOrigin tags identities synthesized from a channel (or by the system).
	// Such users have an unusable credential and can never password-login.
	ExternalOrigin string `gorm:"type:varchar(32);index"`
	ExternalID     string `gorm:"type:varchar(320)"`

	IsOnline  bool `gorm:"not null;default:false"`
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

func (u *User) IsSynthetic() bool { return u.ExternalOrigin != OriginNone }

func (u *User) IsStaff() bool { return u.Role.IsStaff() }

func (u *User) CanPasswordLogin() bool { return !u.IsSynthetic() }
