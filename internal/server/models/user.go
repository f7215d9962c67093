// Package models contains the server-side persistence models. Payload
// columns carry client-encrypted blobs the server cannot decrypt.
package models

import "time"

type User struct {
	ID        string
	UserName  string
	Salt      []byte
	Verifier  []byte
	CreatedAt time.Time
}
