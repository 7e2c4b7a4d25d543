package user

import "time"

type Role string

const (
	RoleUser      Role = "USER"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// User is the authenticated principal. Credential fields never leave the
// process as JSON.
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Avatar             *string   `json:"avatar"`
	Role               Role      `json:"role"`
	Confirmed          bool      `json:"confirmed"`
	RefreshToken       *string   `json:"-"`
	PasswordResetToken *string   `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Snapshot is the cacheable projection of a User. It carries everything the
// authorization gate needs and nothing it must not hand out.
type Snapshot struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	Avatar    *string `json:"avatar"`
	Role      Role    `json:"role"`
	Confirmed bool    `json:"confirmed"`
}

func (u User) Snapshot() Snapshot {
	return Snapshot{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Avatar:    u.Avatar,
		Role:      u.Role,
		Confirmed: u.Confirmed,
	}
}
