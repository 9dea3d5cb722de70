package database

import "errors"

var (
	// ErrShortCodeExists is returned when an attempt is made to persist
	// a mapping with a short code that already exists.
	ErrShortCodeExists = errors.New("short code exists")
	// ErrURLNotFound is returned when an attempt is made to retrieve
	// a URL using a short code that doesn't exist.
	ErrURLNotFound = errors.New("url not found")
)

// Health describes the observable state of the store connection.
type Health int

const (
	HealthDisconnected Health = iota
	HealthConnected
)

func (h Health) String() string {
	switch h {
	case HealthConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
