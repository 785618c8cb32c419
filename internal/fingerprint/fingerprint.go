// Package fingerprint derives the canonical request hash and the stable
// execution identifier that admission keys everything on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Auro-rium/aex/internal/canonical"
	"github.com/Auro-rium/aex/pkg/models"
)

// volatileFields are stripped from the body before hashing. They change
// between otherwise-identical retries and must not fork the fingerprint.
var volatileFields = []string{"user", "stream_options"}

// Request is the admission-relevant view of one inbound call.
type Request struct {
	AgentID        string
	Route          models.Route
	Body           map[string]any // decoded JSON body, already validated
	IdempotencyKey string         // Idempotency-Key header, may be empty
	StepID         string         // X-AEX-Step-Id header, may be empty
}

// Hash computes the canonical request hash: agent, route, step id, and the
// body with volatile fields removed, canonically serialized. Two retries of
// the same logical call produce the same hash; a changed prompt or model
// does not.
func Hash(r Request) (string, error) {
	body := make(map[string]any, len(r.Body))
	for k, v := range r.Body {
		body[k] = v
	}
	for _, f := range volatileFields {
		delete(body, f)
	}
	bodyJSON, err := canonical.JSON(body)
	if err != nil {
		return "", fmt.Errorf("fingerprint body: %w", err)
	}
	return canonical.HashHex(
		[]byte(r.AgentID),
		[]byte(r.Route),
		[]byte(r.StepID),
		bodyJSON,
	), nil
}

// ExecutionID derives the execution identifier.
//
// With an idempotency key the id depends only on (agent, key), so a retry
// with a mutated body collides with the original row and surfaces as a
// conflict. Without a key the id is derived from the request hash itself.
func ExecutionID(agentID, idempotencyKey, requestHash string) string {
	if idempotencyKey != "" {
		sum := sha256.Sum256([]byte(agentID + "\n" + idempotencyKey))
		return "ex_" + strings.ToLower(canonical.Base32(sum[:]))[:26]
	}
	raw, err := hex.DecodeString(requestHash)
	if err != nil {
		// requestHash is always our own hex output; a bad value here is a
		// programming error, hash the string form instead of panicking.
		sum := sha256.Sum256([]byte(requestHash))
		raw = sum[:]
	}
	return "ex_" + strings.ToLower(canonical.Base32(raw))[:22]
}
