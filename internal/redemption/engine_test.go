package redemption

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/geo"
	"qrattend/internal/token"
)

const (
	anchorLat = 17.6868
	anchorLon = 83.2185
)

type fakeTokens struct {
	tokens map[string]*token.Token
	err    error
}

func (f *fakeTokens) Active(ctx context.Context, id string) (*token.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens[id], nil
}

// fakeRecords mimics the Postgres repository: the insert is an atomic
// conditional insert keyed like the partial unique index. With precheck off,
// HasRedemption always reports no duplicate, which simulates two attempts
// racing past the pre-check together.
type fakeRecords struct {
	mu       sync.Mutex
	rows     map[string]attendance.Record
	nextID   int64
	precheck bool
}

func newFakeRecords(precheck bool) *fakeRecords {
	return &fakeRecords{rows: make(map[string]attendance.Record), precheck: precheck}
}

func key(name, subject, period string) string {
	return name + "|" + subject + "|" + period
}

func (f *fakeRecords) HasRedemption(ctx context.Context, studentName, subject, period string) (bool, error) {
	if !f.precheck {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[key(studentName, subject, period)]
	return ok, nil
}

func (f *fakeRecords) InsertRedemption(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(rec.StudentName, rec.Subject, rec.Period)
	if _, ok := f.rows[k]; ok {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	f.nextID++
	rec.ID = f.nextID
	rec.Status = attendance.StatusPresent
	rec.MarkedBy = attendance.MarkedByRedemption
	f.rows[k] = rec
	return rec, nil
}

func activeToken(t *testing.T, validFor time.Duration) (token.Token, *fakeTokens) {
	t.Helper()
	tok := token.New("Mathematics", "Period 2", anchorLat, anchorLon, validFor, "prof.rao")
	return tok, &fakeTokens{tokens: map[string]*token.Token{tok.ID: &tok}}
}

func qrPNG(t *testing.T, tok token.Token) []byte {
	t.Helper()
	img, err := token.EncodePNG(tok, 300)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}
	return img
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode blank png: %v", err)
	}
	return buf.Bytes()
}

func TestRedeemAccepted(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	records := newFakeRecords(true)
	eng := New(tokens, records, DefaultRadiusMeters)

	claim := Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon}
	res, err := eng.Redeem(context.Background(), qrPNG(t, tok), claim)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", res.Outcome, res.Reason)
	}
	if res.Record == nil || res.Record.Status != attendance.StatusPresent {
		t.Fatalf("expected a present record, got %+v", res.Record)
	}
	if res.Record.AnchorLatitude != anchorLat || res.Record.AnchorLongitude != anchorLon {
		t.Fatalf("anchor not copied onto record: %+v", res.Record)
	}
	if res.DistanceMeters != 0 {
		t.Fatalf("expected zero distance at the anchor, got %f", res.DistanceMeters)
	}
	if len(records.rows) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(records.rows))
	}
}

func TestRedeemUnreadableImage(t *testing.T) {
	_, tokens := activeToken(t, 30*time.Minute)
	records := newFakeRecords(true)
	eng := New(tokens, records, DefaultRadiusMeters)

	res, err := eng.Redeem(context.Background(), blankPNG(t), Claim{Name: "Asha Rao", Roll: "21CS001"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Outcome != OutcomeUnreadable {
		t.Fatalf("expected unreadable, got %s", res.Outcome)
	}
	if len(records.rows) != 0 {
		t.Fatal("unreadable attempt must not write records")
	}
}

func TestRedeemUnknownOrDeactivatedToken(t *testing.T) {
	tok := token.New("History", "Period 1", anchorLat, anchorLon, 30*time.Minute, "prof.rao")
	// The store has never seen this token; a deactivated one looks the same.
	eng := New(&fakeTokens{tokens: map[string]*token.Token{}}, newFakeRecords(true), DefaultRadiusMeters)

	res, err := eng.Redeem(context.Background(), qrPNG(t, tok), Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Outcome != OutcomeInvalidToken {
		t.Fatalf("expected invalid_token, got %s", res.Outcome)
	}
}

func TestRedeemExpiredEvenWhenStoreActive(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	records := newFakeRecords(true)
	eng := New(tokens, records, DefaultRadiusMeters)
	eng.now = func() time.Time { return tok.ExpiresAt.Add(time.Minute) }

	res, err := eng.Redeem(context.Background(), qrPNG(t, tok), Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Outcome != OutcomeExpired {
		t.Fatalf("expected expired, got %s", res.Outcome)
	}
	if len(records.rows) != 0 {
		t.Fatal("expired attempt must not write records")
	}
}

func TestRedeemAlreadyMarkedByPrecheck(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	records := newFakeRecords(true)
	eng := New(tokens, records, DefaultRadiusMeters)

	claim := Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon}
	if _, err := eng.Redeem(context.Background(), qrPNG(t, tok), claim); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	res, err := eng.Redeem(context.Background(), qrPNG(t, tok), claim)
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if res.Outcome != OutcomeAlreadyMarked {
		t.Fatalf("expected already_marked, got %s", res.Outcome)
	}
	if len(records.rows) != 1 {
		t.Fatalf("expected one record after duplicate attempt, got %d", len(records.rows))
	}
}

func TestRedeemOutOfRange(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	records := newFakeRecords(true)
	eng := New(tokens, records, DefaultRadiusMeters)

	res, err := eng.Redeem(context.Background(), qrPNG(t, tok), Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: 17.70, Longitude: 83.23})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Outcome != OutcomeOutOfRange {
		t.Fatalf("expected out_of_range, got %s", res.Outcome)
	}
	if res.DistanceMeters <= DefaultRadiusMeters || res.DistanceMeters >= 5000 {
		t.Fatalf("reported distance %f out of expected band", res.DistanceMeters)
	}
	if len(records.rows) != 0 {
		t.Fatal("out-of-range attempt must not write records")
	}
}

func TestRedeemGeofenceBoundaryInclusive(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	claim := Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat + 0.005, Longitude: anchorLon}
	d := geo.DistanceMeters(anchorLat, anchorLon, claim.Latitude, claim.Longitude)

	// Exactly at the radius: accepted.
	at := New(tokens, newFakeRecords(true), d)
	res, err := at.Redeem(context.Background(), qrPNG(t, tok), claim)
	if err != nil {
		t.Fatalf("redeem at boundary: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("distance equal to radius must be accepted, got %s", res.Outcome)
	}

	// A hair inside the measured distance: rejected.
	inside := New(tokens, newFakeRecords(true), d-0.01)
	res, err = inside.Redeem(context.Background(), qrPNG(t, tok), Claim{Name: "Ravi Kumar", Roll: "21CS002", Latitude: claim.Latitude, Longitude: claim.Longitude})
	if err != nil {
		t.Fatalf("redeem past boundary: %v", err)
	}
	if res.Outcome != OutcomeOutOfRange {
		t.Fatalf("distance past radius must be rejected, got %s", res.Outcome)
	}
}

func TestRedeemConcurrentDuplicateResolvedAtCommit(t *testing.T) {
	tok, tokens := activeToken(t, 30*time.Minute)
	// precheck off: both attempts see no existing record, as in the
	// check-then-act race; the conditional insert must pick one winner.
	records := newFakeRecords(false)
	eng := New(tokens, records, DefaultRadiusMeters)

	img := qrPNG(t, tok)
	claim := Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon}

	results := make(chan Outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Redeem(context.Background(), img, claim)
			if err != nil {
				t.Errorf("redeem: %v", err)
				return
			}
			results <- res.Outcome
		}()
	}
	wg.Wait()
	close(results)

	var accepted, alreadyMarked int
	for o := range results {
		switch o {
		case OutcomeAccepted:
			accepted++
		case OutcomeAlreadyMarked:
			alreadyMarked++
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if accepted != 1 || alreadyMarked != 1 {
		t.Fatalf("expected exactly one accepted and one already_marked, got %d/%d", accepted, alreadyMarked)
	}
	if len(records.rows) != 1 {
		t.Fatalf("expected one stored record, got %d", len(records.rows))
	}
}

func TestRedeemStorageFailureIsAnError(t *testing.T) {
	tok := token.New("Biology", "Period 4", anchorLat, anchorLon, 30*time.Minute, "prof.rao")
	failing := &fakeTokens{err: errors.New("connection refused")}
	eng := New(failing, newFakeRecords(true), DefaultRadiusMeters)

	_, err := eng.Redeem(context.Background(), qrPNG(t, tok), Claim{Name: "Asha Rao", Roll: "21CS001", Latitude: anchorLat, Longitude: anchorLon})
	if err == nil {
		t.Fatal("expected an error when the token store is unavailable")
	}
}
