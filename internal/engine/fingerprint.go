package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// fingerprintKey is the canonical tuple a cache entry is keyed by.
type fingerprintKey struct {
	AgentTier   int    `json:"agent_tier"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Namespace   string `json:"namespace"`
	Risk        string `json:"risk"`
}

// Fingerprint derives the canonical cache key for a request and its intent.
// The key tuple is serialized with JCS (RFC 8785) before hashing so the
// fingerprint is stable across field ordering and encoder differences.
func Fingerprint(req *GovernanceRequest, intent Intent) (string, error) {
	raw, err := json.Marshal(fingerprintKey{
		AgentTier:   req.AgentTier,
		Category:    intent.Category,
		Subcategory: intent.Subcategory,
		Namespace:   req.Namespace,
		Risk:        intent.Risk.String(),
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
