package cache

import (
	"encoding/json"
	"fmt"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// Codec turns manifests into store values and back
type Codec interface {
	Encode(m *models.Manifest) ([]byte, error)
	Decode(b []byte) (*models.Manifest, error)
}

// JSONCodec stores manifests as JSON, bookkeeping included. The access token
// is never stored.
type JSONCodec struct{}

func (JSONCodec) Encode(m *models.Manifest) ([]byte, error) {
	stored := *m
	stored.AccessToken = ""
	b, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte) (*models.Manifest, error) {
	var m models.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
