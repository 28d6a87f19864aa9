package models

import "github.com/pkg/errors"

// Каноничные результаты ядра. Возвращаются явным errors.Is-проверяемым
// значением, никогда не паникой.
var (
	ErrNotFound          = errors.New("shipment not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateManifest = errors.New("duplicate manifest")
)
