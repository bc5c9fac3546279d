package models

// Identity is the authenticated owner of a billing account as reported by the
// hosted auth provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
