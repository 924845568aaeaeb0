package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func generateRecordID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
