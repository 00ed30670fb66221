package models

import (
	"time"
)

type User struct {
	ID           string    `json:"id" dynamodbav:"id"`
	Email        string    `json:"email" dynamodbav:"email"`
	Name         string    `json:"name,omitempty" dynamodbav:"name,omitempty"`
	PasswordHash string    `json:"-" dynamodbav:"password_hash"`
	TokenVersion int       `json:"-" dynamodbav:"token_version"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}

// EmailPK keys the uniqueness item that maps an email to its user ID.
func EmailPK(email string) string {
	return "EMAIL#" + email
}

func (u *User) Identity() Identity {
	return Identity{
		UserID:       u.ID,
		Email:        u.Email,
		TokenVersion: u.TokenVersion,
	}
}

// UserResponse is the public projection returned to clients.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (u *User) Response() UserResponse {
	return UserResponse{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}
}
