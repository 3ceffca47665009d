package proximity

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/wire"
)

type fakeLink struct {
	activated bool
	reachable bool

	sharedErr      error
	interactiveErr error

	sharedUpdates [][]byte
	interactive   [][]byte
	queued        []string
}

func (l *fakeLink) Activated() bool { return l.activated }
func (l *fakeLink) Reachable() bool { return l.reachable }

func (l *fakeLink) SendInteractive(payload []byte, onFailure func(error)) {
	l.interactive = append(l.interactive, payload)
	if l.interactiveErr != nil {
		onFailure(l.interactiveErr)
	}
}

func (l *fakeLink) UpdateSharedContext(payload []byte) error {
	if l.sharedErr != nil {
		return l.sharedErr
	}
	l.sharedUpdates = append(l.sharedUpdates, payload)
	return nil
}

func (l *fakeLink) QueueTransfer(path string) error {
	l.queued = append(l.queued, path)
	return nil
}

func publishFix() fix.Fix {
	return fix.New(fix.Raw{
		Timestamp:          time.Date(2026, 2, 10, 17, 4, 1, 0, time.UTC),
		Source:             fix.SourceIOS,
		Latitude:           52.520008,
		Longitude:          13.404954,
		AltitudeMeters:     34,
		HorizontalAccuracy: 5,
		VerticalAccuracy:   8,
		SpeedMPS:           2.1,
		CourseDegrees:      45,
		HeadingDegrees:     44.2,
		BatteryFraction:    0.8,
	}, 17)
}

func TestChannel_NotActivatedDropsSilently(t *testing.T) {
	link := &fakeLink{activated: false, reachable: true}
	c := NewChannel(link, t.TempDir())

	if err := c.Publish(publishFix()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(link.sharedUpdates) != 0 || len(link.interactive) != 0 || len(link.queued) != 0 {
		t.Error("no tier should be attempted before activation")
	}
}

func TestChannel_ReachablePeerGetsSharedStateAndInteractive(t *testing.T) {
	link := &fakeLink{activated: true, reachable: true}
	c := NewChannel(link, t.TempDir())

	if err := c.Publish(publishFix()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(link.sharedUpdates) != 1 {
		t.Errorf("expected 1 shared-state update, got %d", len(link.sharedUpdates))
	}
	if len(link.interactive) != 1 {
		t.Errorf("expected 1 interactive send, got %d", len(link.interactive))
	}
	if len(link.queued) != 0 {
		t.Errorf("expected no queued transfers, got %d", len(link.queued))
	}
}

func TestChannel_UnreachablePeerFallsToQueuedTransfer(t *testing.T) {
	link := &fakeLink{activated: true, reachable: false}
	dir := t.TempDir()
	c := NewChannel(link, dir)

	in := publishFix()
	if err := c.Publish(in); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(link.interactive) != 0 {
		t.Error("interactive send should not be attempted while unreachable")
	}
	if len(link.queued) != 1 {
		t.Fatalf("expected 1 queued transfer, got %d", len(link.queued))
	}
	assertArtifactDecodesTo(t, link.queued[0], in)
}

func TestChannel_InteractiveFailureFallsToQueuedTransfer(t *testing.T) {
	link := &fakeLink{
		activated:      true,
		reachable:      true,
		interactiveErr: errors.New("peer went away mid-send"),
	}
	c := NewChannel(link, t.TempDir())

	in := publishFix()
	if err := c.Publish(in); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(link.interactive) != 1 {
		t.Fatalf("expected 1 interactive attempt, got %d", len(link.interactive))
	}
	if len(link.queued) != 1 {
		t.Fatalf("expected queued-transfer fallback, got %d transfers", len(link.queued))
	}

	// Round trip: the artifact must contain the same fix that was
	// attempted interactively.
	assertArtifactDecodesTo(t, link.queued[0], in)
}

func TestChannel_SharedStateFailureIsNonFatal(t *testing.T) {
	link := &fakeLink{
		activated: true,
		reachable: true,
		sharedErr: errors.New("context store rejected update"),
	}
	c := NewChannel(link, t.TempDir())

	if err := c.Publish(publishFix()); err != nil {
		t.Fatalf("Publish should not fail on shared-state error: %v", err)
	}
	if len(link.interactive) != 1 {
		t.Error("interactive tier should still run after shared-state failure")
	}
}

func TestChannel_ArtifactsAreUniquelyNamed(t *testing.T) {
	link := &fakeLink{activated: true, reachable: false}
	dir := t.TempDir()
	c := NewChannel(link, dir)

	for i := 0; i < 5; i++ {
		if err := c.Publish(publishFix()); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	seen := make(map[string]struct{})
	for _, path := range link.queued {
		if filepath.Dir(path) != dir {
			t.Errorf("artifact %s written outside spool dir", path)
		}
		if _, dup := seen[path]; dup {
			t.Errorf("artifact name %s reused", path)
		}
		seen[path] = struct{}{}
	}
}

func assertArtifactDecodesTo(t *testing.T, path string, want fix.Fix) {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	got, err := wire.DecodeFix(data)
	if err != nil {
		t.Fatalf("decoding artifact: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("artifact fix mismatch:\nwant: %+v\n got: %+v", want, got)
	}
}
