package canary

import (
	"context"
	"testing"

	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/infrastructure/store"
)

func TestEncodeDecodeMarker_RoundTrips(t *testing.T) {
	id := []byte{0x00, 0x01, 0x7f, 0x80, 0xff, 0xab}
	encoded := encodeMarker(id)
	decoded, ok := decodeMarker(encoded)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if string(decoded) != string(id) {
		t.Errorf("round trip mismatch: got %x want %x", decoded, id)
	}
}

func TestDecodeMarker_RejectsMalformed(t *testing.T) {
	if _, ok := decodeMarker([]rune("not a marker")); ok {
		t.Error("expected non-marker runes to fail to decode")
	}
	if _, ok := decodeMarker(nil); ok {
		t.Error("expected empty input to fail to decode")
	}
}

func TestSubsystem_IssueAndDetect(t *testing.T) {
	kv := store.NewInMemoryKV()
	riskMgr := risk.New(kv)
	sub := New(kv, riskMgr)
	ctx := context.Background()

	watermarked, canaryID, err := sub.Issue(ctx, "subject-1", "Here is your answer.")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if canaryID == "" {
		t.Fatal("expected a non-empty canary id")
	}
	if watermarked == "Here is your answer." {
		t.Fatal("expected watermark to change the text")
	}

	gotID, issuedTo, found, err := sub.Detect(ctx, "subject-1", watermarked)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !found {
		t.Fatal("expected to detect the issued canary")
	}
	if gotID != canaryID {
		t.Errorf("expected canary id %s, got %s", canaryID, gotID)
	}
	if issuedTo != "subject-1" {
		t.Errorf("expected issued_to subject-1, got %s", issuedTo)
	}

	score, err := riskMgr.Get(ctx, "subject-1")
	if err != nil {
		t.Fatalf("Get risk score: %v", err)
	}
	if score.Value <= 0 {
		t.Error("expected a violation recorded even when the presenter is the original recipient")
	}
}

func TestSubsystem_Detect_ReplayByDifferentSubjectRecordsViolation(t *testing.T) {
	kv := store.NewInMemoryKV()
	riskMgr := risk.New(kv)
	sub := New(kv, riskMgr)
	ctx := context.Background()

	watermarked, _, err := sub.Issue(ctx, "subject-1", "Sensitive output.")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, _, found, err := sub.Detect(ctx, "subject-2", watermarked)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !found {
		t.Fatal("expected to detect the replayed canary")
	}

	score, err := riskMgr.Get(ctx, "subject-2")
	if err != nil {
		t.Fatalf("Get risk score: %v", err)
	}
	if score.Value <= 0 {
		t.Error("expected a critical violation recorded against the replaying subject")
	}
}

func TestSubsystem_Detect_NoMarkerFound(t *testing.T) {
	kv := store.NewInMemoryKV()
	sub := New(kv, risk.New(kv))

	_, _, found, err := sub.Detect(context.Background(), "subject-1", "plain text with no markers")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if found {
		t.Error("expected no canary found in plain text")
	}
}

func TestSubsystem_ShouldWatermark(t *testing.T) {
	sub := New(store.NewInMemoryKV(), nil)
	if sub.ShouldWatermark(0.1) {
		t.Error("expected low risk to not require a watermark")
	}
	if !sub.ShouldWatermark(0.5) {
		t.Error("expected elevated risk to require a watermark")
	}
}

func TestContainsMarkerRunes(t *testing.T) {
	if ContainsMarkerRunes("nothing special here") {
		t.Error("expected plain text to report no marker runes")
	}
	marked := string(encodeMarker([]byte{0x01}))
	if !ContainsMarkerRunes("prefix " + marked) {
		t.Error("expected marked text to report marker runes present")
	}
}
