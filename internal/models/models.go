package models

import "time"

// Post statuses. "posted" is terminal; "failed" posts stay eligible for
// dispatch until their attempt budget is spent.
const (
	PostStatusPending = "pending"
	PostStatusPosted  = "posted"
	PostStatusFailed  = "failed"
)

// MaxContentLength matches the platform's post length limit.
const MaxContentLength = 280

// User is the normalized credential record for an X account. Tokens are only
// read by the token manager and its persistence path; they are never included
// in JSON responses.
type User struct {
	ID           string     `json:"id"`
	XID          string     `json:"xId"`
	Username     string     `json:"username"`
	Name         *string    `json:"name,omitempty"`
	Timezone     *string    `json:"timezone,omitempty"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Post struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Content       string     `json:"content"`
	Status        string     `json:"status"`
	XPostID       *string    `json:"xPostId,omitempty"`
	ScheduledFor  time.Time  `json:"scheduledFor"`
	AttemptCount  int        `json:"attemptCount"`
	LastError     *string    `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
