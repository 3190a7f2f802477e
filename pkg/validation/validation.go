package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RoomCodeAlphabet omits characters that are easy to confuse when read aloud (0/O, 1/I).
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// RoomCodeRegex validates the shape of a normalized room code.
	RoomCodeRegex = regexp.MustCompile(`^[` + RoomCodeAlphabet + `]{4,12}$`)
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateDisplayName validates the name shown to other participants.
func ValidateDisplayName(name string) error {
	return ValidateStringLength(strings.TrimSpace(name), 1, 50, "name")
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("password is too long (max 72 bytes)")
	}
	return nil
}

// ValidateRoomName validates a room title.
func ValidateRoomName(name string) error {
	name = strings.TrimSpace(name)
	if err := ValidateStringLength(name, 1, 100, "room name"); err != nil {
		return err
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("room name contains control characters")
		}
	}
	return nil
}

// NormalizeRoomCode upper-cases and trims user input.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode validates a normalized room code.
func ValidateRoomCode(code string) error {
	if code == "" {
		return fmt.Errorf("room code is required")
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid room code format")
	}
	return nil
}

// ValidateMaxParticipants checks 1 <= n <= limit.
func ValidateMaxParticipants(n, limit int) error {
	if n < 1 {
		return fmt.Errorf("max participants must be at least 1")
	}
	if limit > 0 && n > limit {
		return fmt.Errorf("max participants must be at most %d", limit)
	}
	return nil
}

// ValidateQuality validates quality string
func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high":
		return nil
	default:
		return fmt.Errorf("invalid quality (must be low, medium, or high)")
	}
}

// ValidateMessageText validates chat text after trimming whitespace.
func ValidateMessageText(text string, maxRunes int) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message text must not be empty")
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return fmt.Errorf("message text is too long (max %d characters)", maxRunes)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		if min == 1 {
			return fmt.Errorf("%s is required", fieldName)
		}
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
