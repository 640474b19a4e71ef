package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/geo"
	"qrattend/internal/token"
)

// Outcome tags the terminal state of a redemption attempt. Every attempt
// ends in exactly one of these; they are expected policy results, not
// failures. Storage unavailability is returned as an error instead.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeUnreadable    Outcome = "unreadable"
	OutcomeInvalidToken  Outcome = "invalid_token"
	OutcomeExpired       Outcome = "expired"
	OutcomeAlreadyMarked Outcome = "already_marked"
	OutcomeOutOfRange    Outcome = "out_of_range"
)

// DefaultRadiusMeters is the geofence radius used when none is configured.
const DefaultRadiusMeters = 1000

// Claim identifies the student redeeming a token and their reported
// position.
type Claim struct {
	Name      string
	Roll      string
	Latitude  float64
	Longitude float64
}

// Result is the terminal outcome of one attempt. DistanceMeters is set once
// the distance check has run (accepted and out_of_range); Record is set only
// on accepted.
type Result struct {
	Outcome        Outcome
	Reason         string
	DistanceMeters float64
	Token          *token.Token
	Record         *attendance.Record
}

// TokenStore answers liveness lookups for issued tokens. A nil token means
// unknown or deactivated; the two are indistinguishable by design.
type TokenStore interface {
	Active(ctx context.Context, id string) (*token.Token, error)
}

// RecordStore persists attendance records. InsertRedemption must be an
// atomic conditional insert: a second redemption for the same claimant,
// subject, period and calendar date fails with attendance.ErrDuplicate even
// when both attempts passed HasRedemption concurrently.
type RecordStore interface {
	HasRedemption(ctx context.Context, studentName, subject, period string) (bool, error)
	InsertRedemption(ctx context.Context, rec attendance.Record) (attendance.Record, error)
}

// Engine runs the redemption state machine:
// Decode -> Lookup -> ExpiryCheck -> DuplicateCheck -> DistanceCheck -> Commit.
// No state is written on any rejection path.
type Engine struct {
	tokens  TokenStore
	records RecordStore
	radius  float64
	now     func() time.Time
}

// New creates an engine with the given geofence radius in meters. The
// boundary is inclusive: a claimant exactly at the radius is accepted.
func New(tokens TokenStore, records RecordStore, radiusMeters float64) *Engine {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Engine{tokens: tokens, records: records, radius: radiusMeters, now: time.Now}
}

// Redeem drives one attempt start to finish. A non-nil error means the
// persistence layer failed and the attempt may be retried; every policy
// rejection comes back as a Result with a non-accepted Outcome.
func (e *Engine) Redeem(ctx context.Context, image []byte, claim Claim) (Result, error) {
	res, err := e.redeem(ctx, image, claim)
	if err == nil {
		outcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (e *Engine) redeem(ctx context.Context, image []byte, claim Claim) (Result, error) {
	tok, err := token.DecodeImage(image)
	if err != nil {
		return Result{
			Outcome: OutcomeUnreadable,
			Reason:  "could not read a QR code from the image",
		}, nil
	}

	stored, err := e.tokens.Active(ctx, tok.ID)
	if err != nil {
		return Result{}, fmt.Errorf("token lookup: %w", err)
	}
	if stored == nil {
		return Result{
			Outcome: OutcomeInvalidToken,
			Token:   tok,
			Reason:  "this code is not known to the system or has been deactivated",
		}, nil
	}

	// Expiry is judged from the decoded payload's own expires_at against
	// the wall clock; the store's active flag is an independent gate.
	now := e.now()
	if tok.Expired(now) {
		return Result{
			Outcome: OutcomeExpired,
			Token:   tok,
			Reason:  fmt.Sprintf("this code expired at %s", tok.ExpiresAt.Format(time.RFC3339)),
		}, nil
	}

	marked, err := e.records.HasRedemption(ctx, claim.Name, tok.Subject, tok.Period)
	if err != nil {
		return Result{}, fmt.Errorf("duplicate check: %w", err)
	}
	if marked {
		return Result{
			Outcome: OutcomeAlreadyMarked,
			Token:   tok,
			Reason:  "attendance already marked for this subject and period today",
		}, nil
	}

	dist := geo.DistanceMeters(tok.Latitude, tok.Longitude, claim.Latitude, claim.Longitude)
	if dist > e.radius {
		return Result{
			Outcome:        OutcomeOutOfRange,
			Token:          tok,
			DistanceMeters: dist,
			Reason:         fmt.Sprintf("you are %.2f m from the classroom; maximum allowed is %.0f m", dist, e.radius),
		}, nil
	}

	rec, err := e.records.InsertRedemption(ctx, attendance.Record{
		StudentName:      claim.Name,
		StudentRoll:      claim.Roll,
		Subject:          tok.Subject,
		Period:           tok.Period,
		Timestamp:        now,
		StudentLatitude:  claim.Latitude,
		StudentLongitude: claim.Longitude,
		AnchorLatitude:   tok.Latitude,
		AnchorLongitude:  tok.Longitude,
		Status:           attendance.StatusPresent,
		MarkedBy:         attendance.MarkedByRedemption,
	})
	if err != nil {
		// Two attempts can pass HasRedemption together; the store's unique
		// index picks the winner and the loser lands here.
		if errors.Is(err, attendance.ErrDuplicate) {
			return Result{
				Outcome:        OutcomeAlreadyMarked,
				Token:          tok,
				DistanceMeters: dist,
				Reason:         "attendance already marked for this subject and period today",
			}, nil
		}
		return Result{}, fmt.Errorf("record insert: %w", err)
	}

	return Result{
		Outcome:        OutcomeAccepted,
		Token:          tok,
		Record:         &rec,
		DistanceMeters: dist,
		Reason:         "attendance marked",
	}, nil
}
