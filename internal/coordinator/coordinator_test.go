package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"soundgate/internal/broadcast"
	"soundgate/internal/metrics"
	"soundgate/pkg/protocol"
)

type capturedPush struct {
	Targets []string
	Event   string
	Data    map[string]any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	pushes []capturedPush
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, deviceIDs []string, event string, data map[string]any) broadcast.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, capturedPush{Targets: deviceIDs, Event: event, Data: data})
	return broadcast.DeliveryReport{Delivered: len(deviceIDs)}
}

func (f *fakeBroadcaster) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushes))
	for i, p := range f.pushes {
		out[i] = p.Event
	}
	return out
}

func (f *fakeBroadcaster) lastOf(event string) (capturedPush, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pushes) - 1; i >= 0; i-- {
		if f.pushes[i].Event == event {
			return f.pushes[i], true
		}
	}
	return capturedPush{}, false
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = nil
}

type fakeArchive struct {
	mu       sync.Mutex
	sessions []SessionRecord
	statuses []string
	cycles   []CycleRecord
}

func (f *fakeArchive) RecordSessionCreated(_ context.Context, rec SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, rec)
	return nil
}

func (f *fakeArchive) RecordSessionStatus(_ context.Context, _ string, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeArchive) RecordCycleCompleted(_ context.Context, rec CycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles = append(f.cycles, rec)
	return nil
}

func newTestCoordinator() (*Coordinator, *fakeBroadcaster, *fakeArchive) {
	fb := &fakeBroadcaster{}
	fa := &fakeArchive{}
	c := New(fb, fa, Options{
		GatewayURL: "https://gw.example.com",
		SessionTTL: time.Hour,
	}, nil)
	return c, fb, fa
}

func twoByTwoRoster() (speakers, mics []SlotSpec) {
	speakers = []SlotSpec{
		{DeviceID: "spk-a", SlotID: "seat-1", SlotLabel: "Front Left"},
		{DeviceID: "spk-b", SlotID: "seat-2", SlotLabel: "Front Right"},
	}
	mics = []SlotSpec{
		{DeviceID: "mic-1", SlotID: "pos-1"},
		{DeviceID: "mic-2", SlotID: "pos-2"},
	}
	return
}

func mustCreate(t *testing.T, c *Coordinator) string {
	t.Helper()
	speakers, mics := twoByTwoRoster()
	resp, err := c.CreateSession(context.Background(), "job-1", "lobby-1", speakers, mics)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id, _ := resp["session_id"].(string)
	if id == "" {
		t.Fatal("CreateSession returned no session_id")
	}
	return id
}

func TestCreateSessionRejectsEmptyRoster(t *testing.T) {
	c, _, _ := newTestCoordinator()
	speakers, mics := twoByTwoRoster()

	if _, err := c.CreateSession(context.Background(), "job", "", nil, mics); !errors.Is(err, ErrInvalidRoster) {
		t.Errorf("no speakers: got %v, want ErrInvalidRoster", err)
	}
	if _, err := c.CreateSession(context.Background(), "job", "", speakers, nil); !errors.Is(err, ErrInvalidRoster) {
		t.Errorf("no microphones: got %v, want ErrInvalidRoster", err)
	}
}

func TestCreateSessionArchivesRecord(t *testing.T) {
	c, _, fa := newTestCoordinator()
	mustCreate(t, c)

	if len(fa.sessions) != 1 {
		t.Fatalf("archived sessions = %d, want 1", len(fa.sessions))
	}
	rec := fa.sessions[0]
	if rec.JobID != "job-1" || rec.Speakers != 2 || rec.Microphones != 2 {
		t.Errorf("unexpected session record: %+v", rec)
	}
}

// runCycle drives one full speaker cycle through every acknowledgment.
func runCycle(t *testing.T, c *Coordinator, sessionID, speakerDevice string) map[string]any {
	t.Helper()
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatalf("StartSpeaker: %v", err)
	}
	for _, dev := range []string{speakerDevice, "mic-1", "mic-2"} {
		if _, err := c.ClientReady(ctx, sessionID, dev); err != nil {
			t.Fatalf("ClientReady(%s): %v", dev, err)
		}
	}
	if _, err := c.SpeakerAudioReady(ctx, sessionID, speakerDevice, "sha256:abc"); err != nil {
		t.Fatalf("SpeakerAudioReady: %v", err)
	}
	for _, dev := range []string{"mic-1", "mic-2"} {
		if _, err := c.RecordingStarted(ctx, sessionID, dev); err != nil {
			t.Fatalf("RecordingStarted(%s): %v", dev, err)
		}
	}
	if _, err := c.PlaybackComplete(ctx, sessionID, speakerDevice); err != nil {
		t.Fatalf("PlaybackComplete: %v", err)
	}
	var last map[string]any
	for _, dev := range []string{"mic-1", "mic-2"} {
		resp, err := c.RecordingUploaded(ctx, sessionID, dev, dev+".wav")
		if err != nil {
			t.Fatalf("RecordingUploaded(%s): %v", dev, err)
		}
		last = resp
	}
	return last
}

func TestFullMeasurementSession(t *testing.T) {
	c, fb, fa := newTestCoordinator()
	sessionID := mustCreate(t, c)

	resp := runCycle(t, c, sessionID, "spk-a")
	if resp["status"] != "speaker_measurement_complete" {
		t.Fatalf("first cycle status = %v", resp["status"])
	}
	if p, ok := fb.lastOf(protocol.EventSpeakerComplete); !ok {
		t.Fatal("no speaker_complete push after first cycle")
	} else if p.Data["completed_speaker_slot_id"] != "seat-1" || p.Data["remaining_speakers"] != 1 {
		t.Errorf("speaker_complete data = %v", p.Data)
	}

	resp = runCycle(t, c, sessionID, "spk-b")
	if resp["status"] != "session_complete" {
		t.Fatalf("second cycle status = %v", resp["status"])
	}
	if _, ok := fb.lastOf(protocol.EventSessionComplete); !ok {
		t.Fatal("no session_complete push after final cycle")
	}

	if len(fa.cycles) != 2 {
		t.Errorf("archived cycles = %d, want 2", len(fa.cycles))
	}
	if len(fa.statuses) != 1 || fa.statuses[0] != StatusCompleted {
		t.Errorf("archived statuses = %v", fa.statuses)
	}

	status, err := c.SessionStatus(sessionID)
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status["status"] != StatusCompleted || status["completed_speakers"] != 2 {
		t.Errorf("final status = %v", status)
	}
}

func TestCyclePushTargets(t *testing.T) {
	c, fb, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)

	runCycle(t, c, sessionID, "spk-a")

	assertTargets := func(event string, want ...string) {
		t.Helper()
		p, ok := fb.lastOf(event)
		if !ok {
			t.Fatalf("no %s push", event)
		}
		if len(p.Targets) != len(want) {
			t.Fatalf("%s targets = %v, want %v", event, p.Targets, want)
		}
		set := make(map[string]bool, len(p.Targets))
		for _, d := range p.Targets {
			set[d] = true
		}
		for _, d := range want {
			if !set[d] {
				t.Errorf("%s missing target %s (got %v)", event, d, p.Targets)
			}
		}
	}

	assertTargets(protocol.EventRequestAudio, "spk-a")
	assertTargets(protocol.EventStartRecording, "mic-1", "mic-2")
	assertTargets(protocol.EventStartPlayback, "spk-a")
	assertTargets(protocol.EventStopRecording, "mic-1", "mic-2")
	assertTargets(protocol.EventStartMeasurement, "spk-a", "spk-b", "mic-1", "mic-2")

	p, _ := fb.lastOf(protocol.EventStopRecording)
	if p.Data["upload_endpoint"] != "https://gw.example.com/v1/jobs/job-1/uploads/" {
		t.Errorf("upload_endpoint = %v", p.Data["upload_endpoint"])
	}
}

func TestQuorumTransitionFiresOnce(t *testing.T) {
	c, fb, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	fb.reset()

	resp, err := c.ClientReady(ctx, sessionID, "spk-a")
	if err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "waiting" {
		t.Errorf("after one ack: status = %v, want waiting", resp["status"])
	}
	if _, err := c.ClientReady(ctx, sessionID, "mic-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fb.lastOf(protocol.EventRequestAudio); ok {
		t.Fatal("request_audio pushed before quorum")
	}

	resp, err = c.ClientReady(ctx, sessionID, "mic-2")
	if err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "all_ready" {
		t.Errorf("quorum ack: status = %v, want all_ready", resp["status"])
	}
	p, ok := fb.lastOf(protocol.EventRequestAudio)
	if !ok {
		t.Fatal("no request_audio push at quorum")
	}
	if len(p.Targets) != 1 || p.Targets[0] != "spk-a" {
		t.Errorf("request_audio targets = %v, want speaker only", p.Targets)
	}
	url, _ := p.Data["audio_url"].(string)
	if url != "https://gw.example.com/v1/measurement/audio?session_id="+sessionID {
		t.Errorf("audio_url = %q", url)
	}

	// A duplicate ready after the transition must not re-fire it.
	fb.reset()
	resp, err = c.ClientReady(ctx, sessionID, "mic-1")
	if err != nil {
		t.Fatalf("post-quorum ready: %v", err)
	}
	if resp["status"] != "waiting" {
		t.Errorf("post-quorum ready status = %v", resp["status"])
	}
	if _, ok := fb.lastOf(protocol.EventRequestAudio); ok {
		t.Error("request_audio pushed again on duplicate ready")
	}
}

func TestSpeakerIdentityEnforced(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	for _, dev := range []string{"spk-a", "mic-1", "mic-2"} {
		if _, err := c.ClientReady(ctx, sessionID, dev); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.SpeakerAudioReady(ctx, sessionID, "mic-1", "h"); !errors.Is(err, ErrNotCurrentSpeaker) {
		t.Errorf("mic claiming speaker_audio_ready: got %v, want ErrNotCurrentSpeaker", err)
	}
	// Second seat's device is not the active speaker either.
	if _, err := c.SpeakerAudioReady(ctx, sessionID, "spk-b", "h"); !errors.Is(err, ErrNotCurrentSpeaker) {
		t.Errorf("idle speaker claiming speaker_audio_ready: got %v, want ErrNotCurrentSpeaker", err)
	}
}

func TestPhaseGuards(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.ClientReady(ctx, sessionID, "mic-1"); !errors.Is(err, ErrNoActiveCycle) {
		t.Errorf("ready before cycle: got %v, want ErrNoActiveCycle", err)
	}

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}

	var domErr *DomainError
	if _, err := c.RecordingUploaded(ctx, sessionID, "mic-1", "x.wav"); !errors.As(err, &domErr) || domErr.Code() != protocol.CodeInvalidPhase {
		t.Errorf("upload during notifying_clients: got %v, want invalid phase", err)
	}
	if _, err := c.PlaybackComplete(ctx, sessionID, "spk-a"); !errors.As(err, &domErr) || domErr.Code() != protocol.CodeInvalidPhase {
		t.Errorf("playback_complete during notifying_clients: got %v, want invalid phase", err)
	}
}

func TestUnknownDeviceAcksAreIgnored(t *testing.T) {
	c, fb, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	resp, err := c.ClientReady(ctx, sessionID, "intruder")
	if err != nil {
		t.Fatalf("stranger ready: %v", err)
	}
	if resp["status"] != "waiting" {
		t.Errorf("stranger ready status = %v", resp["status"])
	}
	if _, ok := fb.lastOf(protocol.EventRequestAudio); ok {
		t.Error("stranger ack advanced the cycle")
	}
}

func TestCancelSession(t *testing.T) {
	c, fb, fa := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	resp, err := c.CancelSession(ctx, sessionID, "operator_abort")
	if err != nil {
		t.Fatal(err)
	}
	if resp["status"] != StatusCancelled {
		t.Errorf("cancel status = %v", resp["status"])
	}
	p, ok := fb.lastOf(protocol.EventSessionCancelled)
	if !ok {
		t.Fatal("no session_cancelled push")
	}
	if p.Data["reason"] != "operator_abort" {
		t.Errorf("cancel reason = %v", p.Data["reason"])
	}
	if len(p.Targets) != 4 {
		t.Errorf("cancel notified %d devices, want 4", len(p.Targets))
	}
	if len(fa.statuses) != 1 || fa.statuses[0] != StatusCancelled {
		t.Errorf("archived statuses = %v", fa.statuses)
	}

	if _, err := c.StartSpeaker(ctx, sessionID); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("start after cancel: got %v, want ErrSessionTerminal", err)
	}
}

func TestClientErrorFailsCycle(t *testing.T) {
	c, fb, _ := newTestCoordinator()
	sessionID := mustCreate(t, c)
	ctx := context.Background()

	if _, err := c.StartSpeaker(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.HandleClientError(ctx, sessionID, "mic-2", "recorder crashed", "E_AUDIO"); err != nil {
		t.Fatal(err)
	}
	p, ok := fb.lastOf(protocol.EventMeasurementError)
	if !ok {
		t.Fatal("no error push")
	}
	if p.Data["error_device_id"] != "mic-2" || p.Data["error_code"] != "E_AUDIO" {
		t.Errorf("error push data = %v", p.Data)
	}

	status, err := c.SessionStatus(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	current, _ := status["current_measurement"].(map[string]any)
	if current == nil || current["phase"] != string(PhaseFailed) {
		t.Errorf("cycle phase after error = %v", status["current_measurement"])
	}
}

func TestSessionNotFound(t *testing.T) {
	c, _, _ := newTestCoordinator()
	if _, err := c.SessionStatus("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
	if _, err := c.CancelSession(context.Background(), "nope", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestHandleEventDispatch(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()
	client := protocol.ClientInfo{DeviceID: "spk-a", ConnectionID: "conn-1"}

	speakers, mics := twoByTwoRoster()
	toAny := func(specs []SlotSpec) []any {
		out := make([]any, len(specs))
		for i, s := range specs {
			out[i] = map[string]any{"device_id": s.DeviceID, "slot_id": s.SlotID, "slot_label": s.SlotLabel}
		}
		return out
	}

	resp, err := c.HandleEvent(ctx, client, &protocol.ClientMessage{
		Event: protocol.EventCreateSession,
		Data: map[string]any{
			"job_id":      "job-9",
			"lobby_id":    "lobby-9",
			"speakers":    toAny(speakers),
			"microphones": toAny(mics),
		},
	})
	if err != nil {
		t.Fatalf("create_session via HandleEvent: %v", err)
	}
	body, _ := resp.(map[string]any)
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatal("no session_id in create_session response")
	}

	if _, err := c.HandleEvent(ctx, client, &protocol.ClientMessage{
		Event: protocol.EventStartSpeaker,
		Data:  map[string]any{"session_id": sessionID},
	}); err != nil {
		t.Fatalf("start_speaker via HandleEvent: %v", err)
	}

	if _, err := c.HandleEvent(ctx, client, &protocol.ClientMessage{
		Event: protocol.EventReady,
		Data:  map[string]any{"session_id": sessionID},
	}); err != nil {
		t.Fatalf("ready via HandleEvent: %v", err)
	}

	if _, err := c.HandleEvent(ctx, client, &protocol.ClientMessage{
		Event: "measurement.bogus",
		Data:  map[string]any{},
	}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("bogus event: got %v, want ErrUnknownEvent", err)
	}

	var domErr *DomainError
	if _, err := c.HandleEvent(ctx, client, &protocol.ClientMessage{
		Event: protocol.EventStartSpeaker,
		Data:  map[string]any{},
	}); !errors.As(err, &domErr) || domErr.Code() != protocol.CodeBadRequest {
		t.Errorf("missing session_id: got %v, want bad_request", err)
	}
}

func TestReaperEvictsIdleSessions(t *testing.T) {
	fb := &fakeBroadcaster{}
	fa := &fakeArchive{}
	c := New(fb, fa, Options{GatewayURL: "http://gw", SessionTTL: time.Minute}, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	sessionID := mustCreate(t, c)
	if _, err := c.StartSpeaker(context.Background(), sessionID); err != nil {
		t.Fatal(err)
	}

	now = base.Add(30 * time.Second)
	c.reap(context.Background())
	if c.ActiveSessions() != 1 {
		t.Fatal("fresh session was reaped")
	}

	now = base.Add(2 * time.Minute)
	c.reap(context.Background())
	if c.ActiveSessions() != 0 {
		t.Fatal("idle session survived the reaper")
	}
	p, ok := fb.lastOf(protocol.EventSessionCancelled)
	if !ok {
		t.Fatal("no cancellation push on expiry")
	}
	if p.Data["reason"] != "session_expired" {
		t.Errorf("expiry reason = %v", p.Data["reason"])
	}
	if _, err := c.SessionStatus(sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("status after reap: got %v, want ErrSessionNotFound", err)
	}
}

func TestSessionsGaugeDropsOnTerminalTransitions(t *testing.T) {
	fb := &fakeBroadcaster{}
	m := metrics.New()
	c := New(fb, &fakeArchive{}, Options{GatewayURL: "http://gw", SessionTTL: time.Minute}, m)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	completedID := mustCreate(t, c)
	cancelledID := mustCreate(t, c)
	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Fatalf("gauge after create = %v, want 2", got)
	}

	runCycle(t, c, completedID, "spk-a")
	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Fatalf("gauge mid-session = %v, want 2", got)
	}
	runCycle(t, c, completedID, "spk-b")
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("gauge after completion = %v, want 1", got)
	}

	if _, err := c.CancelSession(context.Background(), cancelledID, "abort"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Fatalf("gauge after cancel = %v, want 0", got)
	}

	// A second cancel and the eventual eviction must not decrement again.
	if _, err := c.CancelSession(context.Background(), cancelledID, "abort"); err != nil {
		t.Fatal(err)
	}
	now = base.Add(2 * time.Minute)
	c.reap(context.Background())
	if c.ActiveSessions() != 0 {
		t.Fatal("terminal sessions survived the reaper")
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("gauge after reap = %v, want 0", got)
	}
}

func TestSessionsGaugeDropsOnExpiry(t *testing.T) {
	fb := &fakeBroadcaster{}
	m := metrics.New()
	c := New(fb, &fakeArchive{}, Options{GatewayURL: "http://gw", SessionTTL: time.Minute}, m)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	mustCreate(t, c)
	now = base.Add(2 * time.Minute)
	c.reap(context.Background())
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("gauge after expiry = %v, want 0", got)
	}
}

func TestReaperSkipsNotifyForTerminalSessions(t *testing.T) {
	fb := &fakeBroadcaster{}
	c := New(fb, &fakeArchive{}, Options{GatewayURL: "http://gw", SessionTTL: time.Minute}, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	sessionID := mustCreate(t, c)
	if _, err := c.CancelSession(context.Background(), sessionID, "done"); err != nil {
		t.Fatal(err)
	}
	fb.reset()

	now = base.Add(2 * time.Minute)
	c.reap(context.Background())
	if c.ActiveSessions() != 0 {
		t.Fatal("terminal session survived the reaper")
	}
	if _, ok := fb.lastOf(protocol.EventSessionCancelled); ok {
		t.Error("terminal session eviction broadcast a cancellation")
	}
}
