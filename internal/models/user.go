package models

import "time"

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
)

func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleBuyer
}

// User is the profile record stored in "users", keyed by the identity uid.
type User struct {
	ID        string    `bson:"_id" json:"id"`
	Name      string    `bson:"name" json:"name"`
	Email     string    `bson:"email" json:"email"`
	Role      Role      `bson:"role" json:"role"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// Credential is the identity provider's record. It never leaves the server.
type Credential struct {
	UID          string    `bson:"_id" json:"-"`
	Email        string    `bson:"email" json:"-"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"-"`
}
