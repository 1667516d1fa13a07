// Package ids holds validated identifier and timestamp types shared by the sync packages.
package ids

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("ids: invalid user id")
	// ErrInvalidItemID indicates that a content-item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("ids: invalid item id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("ids: invalid device id")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("ids: invalid document id")
	// ErrInvalidTimestamp indicates that a unix millisecond value is not positive.
	ErrInvalidTimestamp = errors.New("ids: invalid unix timestamp")
)

func validate(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// UserID represents a validated account identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validate(rawInput, ErrInvalidUserID)
	return UserID(value), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ItemID represents a validated content-item (book, document) identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	value, err := validate(rawInput, ErrInvalidItemID)
	return ItemID(value), err
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// DeviceID represents a validated device token.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	value, err := validate(rawInput, ErrInvalidDeviceID)
	return DeviceID(value), err
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// DocumentID represents a validated note, highlight or collaborative document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	value, err := validate(rawInput, ErrInvalidDocumentID)
	return DocumentID(value), err
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UnixMillis represents a validated wall-clock timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// FromTime converts a time to milliseconds since the epoch.
func FromTime(value time.Time) UnixMillis {
	return UnixMillis(value.UnixMilli())
}

// Int64 exposes the raw millisecond value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Time converts the value back to a UTC time.
func (ts UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}
