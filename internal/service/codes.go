package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
)

// generateCode builds a human-readable entity code: a timestamp for support
// staff plus a cryptographically random suffix so codes cannot be enumerated.
func generateCode(prefix string, now time.Time) (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102150405"),
		strings.ToUpper(hex.EncodeToString(buf))), nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

