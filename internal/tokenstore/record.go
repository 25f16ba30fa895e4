package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is a persisted token.
type Record struct {
	Token            string    `json:"token"`
	ExpireTimeMillis int64     `json:"expireTimeMillis"`
	CachedUntil      time.Time `json:"cachedUntil"`
}

// Valid reports whether the record may still be served at now.
func (r Record) Valid(now time.Time) bool {
	return r.Token != "" && now.Before(r.CachedUntil)
}

func encodeRecord(r Record) ([]byte, error) {
	if r.Token == "" {
		return nil, errors.New("refusing to store empty token")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding token record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decoding token record: %w", err)
	}
	if r.Token == "" {
		return Record{}, errors.New("stored token record has no token")
	}
	return r, nil
}
