package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

func TestStreamDeliverAndAck(t *testing.T) {
	//1.- Arrange a stream and subscribe a test client.
	stream := NewStream(Config{Retain: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "alpha", 4)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	//2.- Publish a ride, rebuild, and validation event for coverage.
	marker := RideMarker{Tick: 42, Progress: 0.1, Speed: 3.0}
	if _, err := stream.PublishRide(KindRideStarted, marker); err != nil {
		t.Fatalf("publish ride failed: %v", err)
	}
	change := TrackChange{Name: "figure-eight", PointCount: 12, Closed: true, Length: 180.5}
	if _, err := stream.PublishTrackRebuilt(change); err != nil {
		t.Fatalf("publish rebuild failed: %v", err)
	}
	summary := ValidationSummary{Name: "figure-eight", Valid: false, Errors: 2, Warnings: 1}
	if _, err := stream.PublishValidation(summary); err != nil {
		t.Fatalf("publish validation failed: %v", err)
	}

	//3.- Assert sequential delivery and sequential acknowledgement.
	for expected := uint64(1); expected <= 3; expected++ {
		select {
		case env := <-sub.Events():
			if env.Sequence != expected {
				t.Fatalf("expected sequence %d, got %d", expected, env.Sequence)
			}
			if env.Kind == KindValidationRun {
				//1.- Confirm the validator verdict is propagated to clients.
				if env.Validation == nil || env.Validation.Errors != 2 {
					t.Fatalf("expected validation payload with 2 errors, got %+v", env.Validation)
				}
			}
			if err := sub.Ack(env.Sequence); err != nil {
				t.Fatalf("ack failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", expected)
		}
	}
}

func TestStreamResendsUnackedEventsOnResubscribe(t *testing.T) {
	//1.- Establish the stream and initial subscription.
	stream := NewStream(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "bravo", 2)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	//2.- Publish two loop transitions and ack only the first.
	if _, err := stream.PublishRide(KindLoopEntered, RideMarker{Progress: 0.25}); err != nil {
		t.Fatalf("publish loop entry failed: %v", err)
	}
	if _, err := stream.PublishRide(KindLoopExited, RideMarker{Progress: 0.31}); err != nil {
		t.Fatalf("publish loop exit failed: %v", err)
	}

	env := <-sub.Events()
	if env.Kind != KindLoopEntered {
		t.Fatalf("expected loop entry first, got %q", env.Kind)
	}
	if err := sub.Ack(env.Sequence); err != nil {
		t.Fatalf("ack first failed: %v", err)
	}

	//3.- Drop the second event to simulate packet loss and close the subscription.
	<-sub.Events() // intentionally read without acking
	sub.Close()

	//4.- Re-subscribe and ensure the unacked event is replayed.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	replay, err := stream.Subscribe(ctx2, "bravo", 2)
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}

	select {
	case env := <-replay.Events():
		if env.Kind != KindLoopExited {
			t.Fatalf("expected replay of loop exit, got %q", env.Kind)
		}
		if env.Ride == nil || env.Ride.Progress != 0.31 {
			t.Fatalf("expected replayed marker at 0.31, got %+v", env.Ride)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replayed event")
	}
}

func TestStreamRejectsOutOfOrderAck(t *testing.T) {
	//1.- Create the stream and publish a pair of events.
	stream := NewStream(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "charlie", 2)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := stream.PublishRide(KindChainEngaged, RideMarker{Progress: 0.0}); err != nil {
		t.Fatalf("publish chain engage failed: %v", err)
	}
	if _, err := stream.PublishRide(KindChainReleased, RideMarker{Progress: 0.2}); err != nil {
		t.Fatalf("publish chain release failed: %v", err)
	}

	first := <-sub.Events()
	second := <-sub.Events()

	//2.- Attempt to ack the second sequence before the first and expect an error.
	if err := sub.Ack(second.Sequence); !errors.Is(err, ErrOutOfOrderAck) {
		t.Fatalf("expected out of order error, got %v", err)
	}

	//3.- Ack in the correct order to ensure recovery remains possible.
	if err := sub.Ack(first.Sequence); err != nil {
		t.Fatalf("ack first failed: %v", err)
	}
	if err := sub.Ack(second.Sequence); err != nil {
		t.Fatalf("ack second failed: %v", err)
	}
}

func TestPublishRideRejectsUnknownKind(t *testing.T) {
	//1.- Ride publishing must refuse kinds reserved for other payload types.
	stream := NewStream(Config{})
	if _, err := stream.PublishRide(KindTrackRebuilt, RideMarker{}); err == nil {
		t.Fatal("expected error for non-ride kind")
	}
	if _, err := stream.PublishTrackRebuilt(TrackChange{Name: "stub", PointCount: 1}); err == nil {
		t.Fatal("expected error for rebuild below 2 points")
	}
}

func TestSummarizeFindingsCountsSeverities(t *testing.T) {
	//1.- Feed a mixed validator report and confirm the tally per severity.
	findings := []track.Finding{
		{Severity: track.SeverityError, Message: "Extreme grade detected (98%)"},
		{Severity: track.SeverityWarning, Message: "Steep grade (62%)"},
		{Severity: track.SeverityWarning, Message: "Sharp turn detected"},
		{Severity: track.SeverityInfo, Message: "Track validation passed", Valid: true},
	}
	summary := SummarizeFindings("hill-run", findings)
	if summary.Valid {
		t.Fatal("expected invalid summary when errors are present")
	}
	if summary.Errors != 1 || summary.Warnings != 2 || summary.Infos != 1 {
		t.Fatalf("unexpected tally: %+v", summary)
	}
	if summary.Name != "hill-run" {
		t.Fatalf("expected track name to carry through, got %q", summary.Name)
	}

	//2.- A clean report keeps Valid set.
	clean := SummarizeFindings("hill-run", []track.Finding{{Severity: track.SeverityInfo, Valid: true}})
	if !clean.Valid || clean.Errors != 0 {
		t.Fatalf("expected clean summary, got %+v", clean)
	}
}
