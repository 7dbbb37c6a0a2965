// Package canary implements invisible watermarking of model responses for
// at-risk subjects and replay detection on subsequent input, per spec
// §4.5.
package canary

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/store"
)

// WatermarkThreshold is the risk score above which responses are
// watermarked (spec §4.5).
const WatermarkThreshold = 0.2

// BookkeepingTTL is how long an issued canary is remembered for replay
// detection, generalized from the teacher's
// infrastructure/security.ReplayProtection window but backed by the
// shared store.KV instead of a process-local map so every safetygate
// replica sees the same issued-canary set.
const BookkeepingTTL = 24 * time.Hour

// Record is the persisted bookkeeping entry for one issued canary.
type Record struct {
	CanaryID  string `json:"canary_id"`
	IssuedTo  string `json:"issued_to"`
	IssuedTs  int64  `json:"issued_ts"`
}

// Subsystem issues and detects canary watermarks.
type Subsystem struct {
	kv   store.KV
	risk *risk.Manager
}

// New builds a canary Subsystem. riskMgr is used to record a critical
// violation against the presenter of a replayed canary.
func New(kv store.KV, riskMgr *risk.Manager) *Subsystem {
	return &Subsystem{kv: kv, risk: riskMgr}
}

func recordKey(canaryID string) string {
	return "canary:" + canaryID
}

// ShouldWatermark reports whether a response to a subject whose current
// risk score is riskScore should be watermarked.
func (s *Subsystem) ShouldWatermark(riskScore float64) bool {
	return riskScore > WatermarkThreshold
}

// Issue generates a new canary id, embeds its invisible marker into
// responseText (appended, since insertion point does not affect
// detectability), and records the issuance for later replay detection.
func (s *Subsystem) Issue(ctx context.Context, subjectID, responseText string) (watermarked string, canaryID string, err error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("canary: generate id: %w", err)
	}
	canaryID = hex.EncodeToString(raw)

	record := Record{CanaryID: canaryID, IssuedTo: subjectID, IssuedTs: time.Now().UnixNano()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", "", fmt.Errorf("canary: encode record: %w", err)
	}
	if err := s.kv.Set(ctx, recordKey(canaryID), encoded, BookkeepingTTL); err != nil {
		return "", "", fmt.Errorf("canary: store record: %w", err)
	}

	marker := string(encodeMarker(raw))
	return responseText + marker, canaryID, nil
}

// Detect scans inputText for an embedded marker and, if found and still
// within the bookkeeping window, reports the canary id and the subject it
// was originally issued to, recording a critical violation against the
// presenter. Any live canary resurfacing in input is treated as a
// violation, including a subject replaying a mark issued to themselves
// (spec §4.5 "triggers record_violation(attacker, critical)"); the
// caller blocks on found regardless of presenter identity.
func (s *Subsystem) Detect(ctx context.Context, presenterID, inputText string) (canaryID string, issuedTo string, found bool, err error) {
	runes := extractMarkerRunes(inputText)
	if len(runes) == 0 {
		return "", "", false, nil
	}
	raw, ok := decodeMarker(runes)
	if !ok {
		return "", "", false, nil
	}
	canaryID = hex.EncodeToString(raw)

	stored, getErr := s.kv.Get(ctx, recordKey(canaryID))
	if getErr == store.ErrNotFound {
		return "", "", false, nil
	}
	if getErr != nil {
		return "", "", false, fmt.Errorf("canary: lookup %s: %w", canaryID, getErr)
	}

	var record Record
	if err := json.Unmarshal(stored, &record); err != nil {
		return "", "", false, fmt.Errorf("canary: decode record %s: %w", canaryID, err)
	}

	if presenterID != "" && s.risk != nil {
		if _, err := s.risk.RecordViolation(ctx, presenterID, ruletypes.SeverityCritical); err != nil {
			return canaryID, record.IssuedTo, true, fmt.Errorf("canary: record violation: %w", err)
		}
	}

	return canaryID, record.IssuedTo, true, nil
}

// ContainsMarkerRunes is a fast pre-check usable before the full Detect
// round trip, for callers that only need to know whether input text might
// carry a canary at all.
func ContainsMarkerRunes(text string) bool {
	return strings.ContainsFunc(text, isMarkerRune)
}
