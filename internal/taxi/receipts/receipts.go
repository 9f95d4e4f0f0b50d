package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"

	"tripBack/internal/taxi/repo"
)

// Logger is a minimal logger interface required by the archiver.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Putter is the part of the S3 client used to store receipts.
type Putter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Receipt is the archived record of a settled trip.
type Receipt struct {
	TripID            string     `json:"trip_id"`
	RequesterID       string     `json:"requester_id"`
	FulfillerID       string     `json:"fulfiller_id"`
	SettlementAddress string     `json:"settlement_address"`
	Rate              float64    `json:"rate"`
	DistanceKm        float64    `json:"distance_km"`
	AmountFiat        float64    `json:"amount_fiat"`
	AmountToken       float64    `json:"amount_token"`
	RequestedAt       time.Time  `json:"requested_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	SettledAt         time.Time  `json:"settled_at"`
}

// FromTrip builds the receipt of a settled trip.
func FromTrip(t repo.Trip) Receipt {
	r := Receipt{
		TripID:            t.ID,
		RequesterID:       t.RequesterID,
		FulfillerID:       t.FulfillerID,
		SettlementAddress: t.SettlementAddress,
		Rate:              t.Rate,
		RequestedAt:       t.RequestedAt,
		StartedAt:         t.StartedAt,
		EndedAt:           t.EndedAt,
		SettledAt:         t.UpdatedAt,
	}
	if t.Fare != nil {
		r.DistanceKm = t.Fare.DistanceKm
		r.AmountFiat = t.Fare.AmountFiat
		r.AmountToken = t.Fare.AmountToken
	}
	return r
}

// Key is the object key of a trip's receipt.
func Key(tripID string) string {
	return "receipts/" + tripID + ".json"
}

// S3Archiver stores a JSON receipt for every settled trip.
type S3Archiver struct {
	client Putter
	bucket string
	logger Logger
}

// NewS3Archiver creates an archiver. With no client or bucket it does
// nothing.
func NewS3Archiver(client Putter, bucket string, logger Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, logger: logger}
}

// TripSettled archives the receipt. Failures are logged; the trip is
// already settled.
func (a *S3Archiver) TripSettled(ctx context.Context, trip repo.Trip) {
	if err := a.Archive(ctx, trip); err != nil {
		a.logger.Errorf("receipts: trip %s: %v", trip.ID, err)
	}
}

// Archive uploads the receipt of trip.
func (a *S3Archiver) Archive(ctx context.Context, trip repo.Trip) error {
	if a.client == nil || a.bucket == "" {
		return nil
	}
	body, err := json.MarshalIndent(FromTrip(trip), "", "  ")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(trip.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", Key(trip.ID), err)
	}
	a.logger.Infof("receipts: stored %s", Key(trip.ID))
	return nil
}
