package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"soundgate/internal/broadcast"
	"soundgate/internal/metrics"
	"soundgate/pkg/protocol"
)

// Broadcaster delivers a named event to a set of devices. Satisfied by
// *broadcast.Dispatcher.
type Broadcaster interface {
	Broadcast(ctx context.Context, deviceIDs []string, event string, data map[string]any) broadcast.DeliveryReport
}

// SessionRecord and CycleRecord are the archive's view of coordinator state.
type SessionRecord struct {
	ID          string
	JobID       string
	LobbyID     string
	Speakers    int
	Microphones int
	CreatedAt   time.Time
}

type CycleRecord struct {
	SessionID     string
	SpeakerSlotID string
	AudioHash     string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Archive persists session history. Archive failures never affect the live
// data path; the coordinator logs and moves on.
type Archive interface {
	RecordSessionCreated(ctx context.Context, rec SessionRecord) error
	RecordSessionStatus(ctx context.Context, sessionID, status, errMsg string) error
	RecordCycleCompleted(ctx context.Context, rec CycleRecord) error
}

// Options tune the coordinator.
type Options struct {
	// GatewayURL is the public base URL clients use for audio download and
	// recording upload.
	GatewayURL string
	// SessionTTL evicts sessions idle longer than this; ReapInterval is the
	// sweep cadence. A zero TTL disables reaping.
	SessionTTL   time.Duration
	ReapInterval time.Duration
}

// Coordinator owns every measurement session and drives the synchronized
// measurement protocol. Sessions are keyed by id under a store-wide lock;
// each session carries its own lock, so operations on different sessions do
// not contend. All external effects happen through coordinator-issued
// broadcasts; broadcasts and archive writes are dispatched after the session
// lock is released so lock scope never spans network I/O.
type Coordinator struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	broadcaster Broadcaster
	archive     Archive
	opts        Options
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New creates a coordinator.
func New(broadcaster Broadcaster, archive Archive, opts Options, m *metrics.Metrics) *Coordinator {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &Coordinator{
		sessions:    make(map[string]*Session),
		broadcaster: broadcaster,
		archive:     archive,
		opts:        opts,
		metrics:     m,
		now:         time.Now,
	}
}

// push is a broadcast decided under the session lock and sent after release.
type push struct {
	targets []string
	event   string
	data    map[string]any
}

func (c *Coordinator) flush(ctx context.Context, pushes []push) {
	for _, p := range pushes {
		c.broadcaster.Broadcast(ctx, p.targets, p.event, p.data)
	}
}

// phaseUpdate builds the phase_update push sent to every participant after a
// transition. Callers must hold the session lock.
func phaseUpdate(s *Session, phase Phase, extra map[string]any) push {
	data := map[string]any{
		"session_id":            s.ID,
		"job_id":                s.JobID,
		"phase":                 string(phase),
		"phase_description":     phase.Description(),
		"current_speaker_index": s.SpeakerIndex,
		"total_speakers":        len(s.Speakers),
		"completed_speakers":    len(s.Completed),
	}
	for k, v := range extra {
		data[k] = v
	}
	return push{targets: s.allDeviceIDs(), event: protocol.EventPhaseUpdate, data: data}
}

func (c *Coordinator) get(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CreateSession registers a new session with its full roster. The roster is
// fixed up front: speaker seats are measured in order, microphone seats are
// shared across all cycles.
func (c *Coordinator) CreateSession(ctx context.Context, jobID, lobbyID string, speakers, microphones []SlotSpec) (map[string]any, error) {
	if len(speakers) == 0 || len(microphones) == 0 {
		return nil, ErrInvalidRoster
	}

	s := &Session{
		ID:           uuid.NewString(),
		JobID:        jobID,
		LobbyID:      lobbyID,
		Status:       StatusCreated,
		CreatedAt:    c.now(),
		LastActivity: c.now(),
	}
	for _, spec := range speakers {
		s.Speakers = append(s.Speakers, &Client{
			DeviceID: spec.DeviceID, Role: RoleSpeaker,
			SlotID: spec.SlotID, SlotLabel: spec.SlotLabel,
		})
	}
	for _, spec := range microphones {
		s.Microphones = append(s.Microphones, &Client{
			DeviceID: spec.DeviceID, Role: RoleMicrophone,
			SlotID: spec.SlotID, SlotLabel: spec.SlotLabel,
		})
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SessionsActive.Inc()
	}
	log.Printf("coordinator: created session id=%s job=%s lobby=%s speakers=%d microphones=%d",
		s.ID, jobID, lobbyID, len(speakers), len(microphones))

	c.record(func() error {
		return c.archive.RecordSessionCreated(ctx, SessionRecord{
			ID: s.ID, JobID: jobID, LobbyID: lobbyID,
			Speakers: len(speakers), Microphones: len(microphones),
			CreatedAt: s.CreatedAt,
		})
	})

	return map[string]any{
		"session_id":        s.ID,
		"job_id":            jobID,
		"lobby_id":          lobbyID,
		"status":            StatusCreated,
		"total_speakers":    len(speakers),
		"total_microphones": len(microphones),
	}, nil
}

// StartSpeaker begins the cycle for the next unmeasured speaker seat: resets
// every participant's progress flags, snapshots the microphone roster, and
// notifies all participants.
func (c *Coordinator) StartSpeaker(ctx context.Context, sessionID string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	if s.Status == StatusCancelled || s.Status == StatusFailed {
		s.mu.Unlock()
		return nil, ErrSessionTerminal
	}
	if s.SpeakerIndex >= len(s.Speakers) {
		s.Status = StatusCompleted
		completed := append([]string(nil), s.Completed...)
		s.mu.Unlock()
		return map[string]any{
			"session_id":         sessionID,
			"status":             StatusCompleted,
			"completed_speakers": completed,
		}, nil
	}

	speaker := s.Speakers[s.SpeakerIndex]
	speaker.resetProgress()
	for _, mic := range s.Microphones {
		mic.resetProgress()
	}

	m := &Measurement{
		Speaker:     speaker,
		Microphones: append([]*Client(nil), s.Microphones...),
		Phase:       PhaseInitiating,
		StartedAt:   c.now(),
	}
	s.Current = m
	s.Status = StatusRunning

	pushes := []push{{
		targets: s.allDeviceIDs(),
		event:   protocol.EventStartMeasurement,
		data: map[string]any{
			"session_id":                 sessionID,
			"job_id":                     s.JobID,
			"current_speaker_slot_id":    speaker.SlotID,
			"current_speaker_slot_label": speaker.SlotLabel,
			"speaker_device_id":          speaker.DeviceID,
			"total_microphones":          len(m.Microphones),
		},
	}}
	m.Phase = PhaseNotifyingClients
	pushes = append(pushes, phaseUpdate(s, m.Phase, nil))

	mics := make([]map[string]any, 0, len(m.Microphones))
	for _, mic := range m.Microphones {
		mics = append(mics, map[string]any{"device_id": mic.DeviceID, "slot_id": mic.SlotID})
	}
	resp := map[string]any{
		"session_id": sessionID,
		"status":     string(PhaseNotifyingClients),
		"current_speaker": map[string]any{
			"device_id":  speaker.DeviceID,
			"slot_id":    speaker.SlotID,
			"slot_label": speaker.SlotLabel,
		},
		"microphones": mics,
	}
	s.mu.Unlock()

	log.Printf("coordinator: starting cycle session=%s speaker=%s", sessionID, speaker.SlotID)
	c.flush(ctx, pushes)
	return resp, nil
}

// ClientReady records a participant's readiness. The quorum predicate is
// evaluated fresh on every call; the transition to speaker download fires
// exactly once, on the acknowledgment that completes the quorum. Ready
// events arriving after the transition are logged no-ops.
func (c *Coordinator) ClientReady(ctx context.Context, sessionID, deviceID string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	m := s.Current
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveCycle
	}
	if m.Phase != PhaseNotifyingClients && m.Phase != PhaseWaitingReady {
		readyMics, total := m.readyCounts()
		resp := waitingStatus(sessionID, m, readyMics, total)
		s.mu.Unlock()
		log.Printf("coordinator: late ready ignored session=%s device=%s phase=%s", sessionID, deviceID, m.Phase)
		return resp, nil
	}

	if m.Speaker.DeviceID == deviceID {
		m.Speaker.Ready = true
	} else if mic := m.micByDevice(deviceID); mic != nil {
		mic.Ready = true
	}

	readyMics, total := m.readyCounts()
	log.Printf("coordinator: ready session=%s device=%s speaker=%t mics=%d/%d",
		sessionID, deviceID, m.Speaker.Ready, readyMics, total)

	if !m.allReady() {
		m.Phase = PhaseWaitingReady
		resp := waitingStatus(sessionID, m, readyMics, total)
		s.mu.Unlock()
		return resp, nil
	}

	m.Phase = PhaseSpeakerDownload
	pushes := []push{
		phaseUpdate(s, m.Phase, nil),
		{
			targets: []string{m.Speaker.DeviceID},
			event:   protocol.EventRequestAudio,
			data: map[string]any{
				"session_id": sessionID,
				"audio_url":  fmt.Sprintf("%s/v1/measurement/audio?session_id=%s", c.opts.GatewayURL, sessionID),
			},
		},
	}
	s.mu.Unlock()

	log.Printf("coordinator: all ready session=%s, requesting audio", sessionID)
	c.flush(ctx, pushes)
	return map[string]any{
		"session_id": sessionID,
		"status":     "all_ready",
		"action":     "requesting_audio_from_speaker",
	}, nil
}

func (m *Measurement) readyCounts() (ready, total int) {
	for _, mic := range m.Microphones {
		if mic.Ready {
			ready++
		}
	}
	return ready, len(m.Microphones)
}

func waitingStatus(sessionID string, m *Measurement, readyMics, total int) map[string]any {
	return map[string]any{
		"session_id":        sessionID,
		"status":            "waiting",
		"speaker_ready":     m.Speaker.Ready,
		"microphones_ready": fmt.Sprintf("%d/%d", readyMics, total),
	}
}

// SpeakerAudioReady handles the active speaker confirming the calibration
// audio is downloaded and verified, then commands every snapshotted
// microphone to start recording.
func (c *Coordinator) SpeakerAudioReady(ctx context.Context, sessionID, deviceID, audioHash string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	m := s.Current
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveCycle
	}
	if m.Speaker.DeviceID != deviceID {
		s.mu.Unlock()
		return nil, ErrNotCurrentSpeaker
	}
	if m.Phase != PhaseSpeakerDownload {
		phase := m.Phase
		s.mu.Unlock()
		return nil, invalidPhase("speaker_audio_ready", phase)
	}

	m.Speaker.AudioReceived = true
	m.AudioHash = audioHash
	m.Phase = PhaseSpeakerReady
	pushes := []push{phaseUpdate(s, m.Phase, nil)}

	m.Phase = PhaseStartingRecording
	pushes = append(pushes, phaseUpdate(s, m.Phase, nil))

	micIDs := make([]string, 0, len(m.Microphones))
	for _, mic := range m.Microphones {
		micIDs = append(micIDs, mic.DeviceID)
	}
	pushes = append(pushes, push{
		targets: micIDs,
		event:   protocol.EventStartRecording,
		data: map[string]any{
			"session_id":                sessionID,
			"speaker_slot_id":           m.Speaker.SlotID,
			"expected_duration_seconds": 15.0,
		},
	})
	s.mu.Unlock()

	log.Printf("coordinator: speaker audio ready session=%s hash=%s", sessionID, audioHash)
	c.flush(ctx, pushes)
	return map[string]any{
		"session_id": sessionID,
		"status":     "commanding_recording_start",
		"audio_hash": audioHash,
	}, nil
}

// RecordingStarted handles a microphone confirming its recording is running.
// Once every snapshotted microphone has confirmed, the speaker is commanded
// to start playback.
func (c *Coordinator) RecordingStarted(ctx context.Context, sessionID, deviceID string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	m := s.Current
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveCycle
	}
	if m.Phase != PhaseStartingRecording && m.Phase != PhaseRecording {
		phase := m.Phase
		s.mu.Unlock()
		return nil, invalidPhase("recording_started", phase)
	}

	if mic := m.micByDevice(deviceID); mic != nil {
		mic.RecordingStarted = true
	}

	started, total := 0, len(m.Microphones)
	for _, mic := range m.Microphones {
		if mic.RecordingStarted {
			started++
		}
	}
	log.Printf("coordinator: recording started session=%s device=%s %d/%d", sessionID, deviceID, started, total)

	if !m.allRecordingsStarted() {
		pushes := []push{phaseUpdate(s, m.Phase, map[string]any{
			"recordings_started": started,
			"total_microphones":  total,
		})}
		resp := map[string]any{
			"session_id":         sessionID,
			"status":             "waiting_recordings",
			"recordings_started": fmt.Sprintf("%d/%d", started, total),
		}
		s.mu.Unlock()
		c.flush(ctx, pushes)
		return resp, nil
	}

	m.Phase = PhaseRecording
	pushes := []push{phaseUpdate(s, m.Phase, nil)}

	m.Phase = PhasePlaying
	pushes = append(pushes,
		phaseUpdate(s, m.Phase, nil),
		push{
			targets: []string{m.Speaker.DeviceID},
			event:   protocol.EventStartPlayback,
			data:    map[string]any{"session_id": sessionID},
		},
	)
	s.mu.Unlock()

	log.Printf("coordinator: all recordings started session=%s, commanding playback", sessionID)
	c.flush(ctx, pushes)
	return map[string]any{
		"session_id": sessionID,
		"status":     "all_recording",
		"action":     "playback_commanded",
	}, nil
}

// PlaybackComplete handles the active speaker reporting the calibration
// signal finished, then commands all microphones to stop and upload.
func (c *Coordinator) PlaybackComplete(ctx context.Context, sessionID, deviceID string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	m := s.Current
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveCycle
	}
	if m.Speaker.DeviceID != deviceID {
		s.mu.Unlock()
		return nil, ErrNotCurrentSpeaker
	}
	if m.Phase != PhasePlaying {
		phase := m.Phase
		s.mu.Unlock()
		return nil, invalidPhase("playback_complete", phase)
	}

	m.Speaker.Finished = true
	m.Phase = PhasePlaybackComplete
	pushes := []push{phaseUpdate(s, m.Phase, nil)}

	m.Phase = PhaseUploading
	pushes = append(pushes, phaseUpdate(s, m.Phase, nil))

	micIDs := make([]string, 0, len(m.Microphones))
	for _, mic := range m.Microphones {
		micIDs = append(micIDs, mic.DeviceID)
	}
	pushes = append(pushes, push{
		targets: micIDs,
		event:   protocol.EventStopRecording,
		data: map[string]any{
			"session_id":      sessionID,
			"job_id":          s.JobID,
			"speaker_slot_id": m.Speaker.SlotID,
			"upload_endpoint": fmt.Sprintf("%s/v1/jobs/%s/uploads/", c.opts.GatewayURL, s.JobID),
		},
	})
	s.mu.Unlock()

	log.Printf("coordinator: playback complete session=%s, commanding upload", sessionID)
	c.flush(ctx, pushes)
	return map[string]any{
		"session_id": sessionID,
		"status":     "playback_complete",
		"action":     "commanding_upload",
	}, nil
}

// RecordingUploaded handles a microphone confirming its recording reached the
// upload destination. When the last one lands, the cycle completes: either
// the next speaker seat becomes available or the whole session completes.
func (c *Coordinator) RecordingUploaded(ctx context.Context, sessionID, deviceID, uploadName string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()

	m := s.Current
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveCycle
	}
	if m.Phase != PhaseUploading {
		phase := m.Phase
		s.mu.Unlock()
		return nil, invalidPhase("recording_uploaded", phase)
	}

	if mic := m.micByDevice(deviceID); mic != nil {
		mic.RecordingUploaded = true
	}

	uploaded, total := 0, len(m.Microphones)
	for _, mic := range m.Microphones {
		if mic.RecordingUploaded {
			uploaded++
		}
	}
	log.Printf("coordinator: recording uploaded session=%s device=%s upload=%s %d/%d",
		sessionID, deviceID, uploadName, uploaded, total)

	if !m.allRecordingsUploaded() {
		resp := map[string]any{
			"session_id":       sessionID,
			"status":           "waiting_uploads",
			"uploads_received": fmt.Sprintf("%d/%d", uploaded, total),
		}
		s.mu.Unlock()
		return resp, nil
	}

	m.Phase = PhaseProcessing
	m.FinishedAt = c.now()
	pushes := []push{phaseUpdate(s, m.Phase, nil)}

	s.Completed = append(s.Completed, m.Speaker.SlotID)
	s.SpeakerIndex++

	all := s.allDeviceIDs()
	cycle := CycleRecord{
		SessionID:     sessionID,
		SpeakerSlotID: m.Speaker.SlotID,
		AudioHash:     m.AudioHash,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}

	var resp map[string]any
	var sessionDone bool
	if s.SpeakerIndex < len(s.Speakers) {
		remaining := len(s.Speakers) - s.SpeakerIndex
		pushes = append(pushes, push{
			targets: all,
			event:   protocol.EventSpeakerComplete,
			data: map[string]any{
				"session_id":                sessionID,
				"completed_speaker_slot_id": m.Speaker.SlotID,
				"remaining_speakers":        remaining,
			},
		})
		resp = map[string]any{
			"session_id":             sessionID,
			"status":                 "speaker_measurement_complete",
			"completed_speaker":      m.Speaker.SlotID,
			"next_speaker_available": true,
			"remaining_speakers":     remaining,
		}
	} else {
		s.Status = StatusCompleted
		m.Phase = PhaseCompleted
		sessionDone = true
		pushes = append(pushes,
			phaseUpdate(s, m.Phase, nil),
			push{
				targets: all,
				event:   protocol.EventSessionComplete,
				data: map[string]any{
					"session_id":         sessionID,
					"job_id":             s.JobID,
					"completed_speakers": append([]string(nil), s.Completed...),
					"audio_hash":         m.AudioHash,
				},
			},
		)
		resp = map[string]any{
			"session_id":         sessionID,
			"status":             "session_complete",
			"completed_speakers": append([]string(nil), s.Completed...),
			"audio_hash":         m.AudioHash,
		}
	}
	s.mu.Unlock()

	c.flush(ctx, pushes)
	c.record(func() error { return c.archive.RecordCycleCompleted(ctx, cycle) })
	if sessionDone {
		if c.metrics != nil {
			c.metrics.SessionsActive.Dec()
		}
		log.Printf("coordinator: session complete session=%s", sessionID)
		c.record(func() error { return c.archive.RecordSessionStatus(ctx, sessionID, StatusCompleted, "") })
	}
	return resp, nil
}

// SessionStatus returns the full session view plus active-cycle progress
// counts without mutating anything.
func (c *Coordinator) SessionStatus(sessionID string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make(map[string]bool, len(s.Completed))
	for _, slotID := range s.Completed {
		completed[slotID] = true
	}

	speakers := make([]map[string]any, 0, len(s.Speakers))
	for _, sp := range s.Speakers {
		speakers = append(speakers, map[string]any{
			"device_id":  sp.DeviceID,
			"slot_id":    sp.SlotID,
			"slot_label": sp.SlotLabel,
			"completed":  completed[sp.SlotID],
		})
	}
	mics := make([]map[string]any, 0, len(s.Microphones))
	for _, mic := range s.Microphones {
		mics = append(mics, map[string]any{
			"device_id":  mic.DeviceID,
			"slot_id":    mic.SlotID,
			"slot_label": mic.SlotLabel,
		})
	}

	result := map[string]any{
		"session_id":         sessionID,
		"job_id":             s.JobID,
		"lobby_id":           s.LobbyID,
		"status":             s.Status,
		"total_speakers":     len(s.Speakers),
		"completed_speakers": len(s.Completed),
		"speakers":           speakers,
		"microphones":        mics,
	}

	if m := s.Current; m != nil {
		ready, started, uploaded := 0, 0, 0
		for _, mic := range m.Microphones {
			if mic.Ready {
				ready++
			}
			if mic.RecordingStarted {
				started++
			}
			if mic.RecordingUploaded {
				uploaded++
			}
		}
		result["current_measurement"] = map[string]any{
			"speaker_slot_id":        m.Speaker.SlotID,
			"phase":                  string(m.Phase),
			"speaker_ready":          m.Speaker.Ready,
			"speaker_audio_received": m.Speaker.AudioReceived,
			"microphones_ready":      ready,
			"recordings_started":     started,
			"recordings_uploaded":    uploaded,
			"audio_hash":             m.AudioHash,
		}
	}
	return result, nil
}

// CancelSession cancels a session: the active cycle fails, all participants
// are notified with the reason.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID, reason string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled_by_admin"
	}

	s.mu.Lock()
	s.LastActivity = c.now()
	wasTerminal := s.terminal()
	s.Status = StatusCancelled
	if s.Current != nil {
		s.Current.Phase = PhaseFailed
		s.Current.Error = reason
	}
	pushes := []push{{
		targets: s.allDeviceIDs(),
		event:   protocol.EventSessionCancelled,
		data:    map[string]any{"session_id": sessionID, "reason": reason},
	}}
	s.mu.Unlock()

	if !wasTerminal && c.metrics != nil {
		c.metrics.SessionsActive.Dec()
	}
	log.Printf("coordinator: cancelled session=%s reason=%s", sessionID, reason)
	c.flush(ctx, pushes)
	c.record(func() error { return c.archive.RecordSessionStatus(ctx, sessionID, StatusCancelled, reason) })
	return map[string]any{"session_id": sessionID, "status": StatusCancelled, "reason": reason}, nil
}

// HandleClientError records an error reported by any participant. The active
// cycle is failed and everyone is notified; advancing to the next speaker
// remains an external decision (retry or cancel).
func (c *Coordinator) HandleClientError(ctx context.Context, sessionID, deviceID, errorMessage, errorCode string) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()
	if s.Current != nil {
		s.Current.Error = errorMessage
		s.Current.Phase = PhaseFailed
	}
	pushes := []push{{
		targets: s.allDeviceIDs(),
		event:   protocol.EventMeasurementError,
		data: map[string]any{
			"session_id":      sessionID,
			"error_device_id": deviceID,
			"error_message":   errorMessage,
			"error_code":      errorCode,
		},
	}}
	s.mu.Unlock()

	log.Printf("coordinator: client error session=%s device=%s code=%s err=%s",
		sessionID, deviceID, errorCode, errorMessage)
	c.flush(ctx, pushes)
	return map[string]any{
		"session_id":      sessionID,
		"status":          "error",
		"error_device_id": deviceID,
		"error_message":   errorMessage,
	}, nil
}

// BroadcastResults pushes analysis results from the measurement service to
// every participant.
func (c *Coordinator) BroadcastResults(ctx context.Context, sessionID, jobID string, results map[string]any) (map[string]any, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.LastActivity = c.now()
	targets := s.allDeviceIDs()
	s.mu.Unlock()

	c.flush(ctx, []push{{
		targets: targets,
		event:   protocol.EventAnalysisResults,
		data: map[string]any{
			"session_id": sessionID,
			"job_id":     jobID,
			"results":    results,
		},
	}})
	return map[string]any{
		"session_id":       sessionID,
		"status":           "results_broadcast",
		"devices_notified": len(targets),
	}, nil
}

// ActiveSessions returns the number of sessions currently held in memory.
func (c *Coordinator) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Run drives the idle-session reaper until the context is cancelled. With a
// zero TTL it returns immediately.
func (c *Coordinator) Run(ctx context.Context) {
	if c.opts.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reap(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reap evicts sessions idle past the TTL, notifying waiting participants via
// a cancellation broadcast. Completed and cancelled sessions are evicted
// silently.
func (c *Coordinator) reap(ctx context.Context) {
	cutoff := c.now().Add(-c.opts.SessionTTL)

	c.mu.Lock()
	var expired []*Session
	for id, s := range c.sessions {
		s.mu.Lock()
		idle := s.LastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(c.sessions, id)
			expired = append(expired, s)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		notify := !s.terminal()
		if notify {
			s.Status = StatusCancelled
			if s.Current != nil {
				s.Current.Phase = PhaseFailed
				s.Current.Error = "session_expired"
			}
		}
		targets := s.allDeviceIDs()
		id := s.ID
		s.mu.Unlock()

		// Terminal sessions already left the gauge when they completed
		// or were cancelled.
		if notify && c.metrics != nil {
			c.metrics.SessionsActive.Dec()
		}
		log.Printf("coordinator: reaped idle session=%s notified=%t", id, notify)
		if notify {
			c.flush(ctx, []push{{
				targets: targets,
				event:   protocol.EventSessionCancelled,
				data:    map[string]any{"session_id": id, "reason": "session_expired"},
			}})
			c.record(func() error { return c.archive.RecordSessionStatus(ctx, id, StatusCancelled, "session_expired") })
		}
	}
}

// record runs an archive write, logging failures. The archive is optional
// and never on the critical path.
func (c *Coordinator) record(fn func() error) {
	if c.archive == nil {
		return
	}
	if err := fn(); err != nil {
		log.Printf("coordinator: archive write failed: %v", err)
	}
}
