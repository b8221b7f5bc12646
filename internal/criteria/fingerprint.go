package criteria

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

type fingerprintInput struct {
	Criteria *models.SearchCriteria `json:"criteria"`
	Identity string                 `json:"identity"`
}

// Fingerprint returns the cache key of a build: the hex SHA-256 of the
// normalized criteria and the caller identity discriminator. Criteria built
// by Normalize are canonical, so equal requests give equal fingerprints.
func Fingerprint(c *models.SearchCriteria, id models.Identity) string {
	b, err := json.Marshal(fingerprintInput{Criteria: c, Identity: id.Discriminator()})
	if err != nil {
		// SearchCriteria only holds strings, ints and times
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
