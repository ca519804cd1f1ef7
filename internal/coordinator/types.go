package coordinator

import (
	"sync"
	"time"
)

// Phase is one step of a speaker measurement cycle. While a cycle is active
// its phase only moves forward through this order, or jumps to PhaseFailed.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseInitiating        Phase = "initiating"
	PhaseNotifyingClients  Phase = "notifying_clients"
	PhaseWaitingReady      Phase = "waiting_ready"
	PhaseSpeakerDownload   Phase = "speaker_downloading"
	PhaseSpeakerReady      Phase = "speaker_ready"
	PhaseStartingRecording Phase = "starting_recording"
	PhaseRecording         Phase = "recording"
	PhasePlaying           Phase = "playing"
	PhasePlaybackComplete  Phase = "playback_complete"
	PhaseUploading         Phase = "uploading"
	PhaseProcessing        Phase = "processing"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

// Description returns the human-readable label pushed alongside phase updates.
func (p Phase) Description() string {
	switch p {
	case PhaseIdle:
		return "Idle - Waiting to start"
	case PhaseInitiating:
		return "Initiating measurement"
	case PhaseNotifyingClients:
		return "Notifying all devices"
	case PhaseWaitingReady:
		return "Waiting for devices to be ready"
	case PhaseSpeakerDownload:
		return "Speaker downloading audio"
	case PhaseSpeakerReady:
		return "Speaker ready to play"
	case PhaseStartingRecording:
		return "Starting recording on microphones"
	case PhaseRecording:
		return "Recording in progress"
	case PhasePlaying:
		return "Playing measurement signal"
	case PhasePlaybackComplete:
		return "Playback complete"
	case PhaseUploading:
		return "Uploading recordings"
	case PhaseProcessing:
		return "Processing recordings"
	case PhaseCompleted:
		return "Measurement complete"
	case PhaseFailed:
		return "Measurement failed"
	default:
		return string(p)
	}
}

// Role of a participant within one session.
type Role string

const (
	RoleSpeaker    Role = "speaker"
	RoleMicrophone Role = "microphone"
)

// Session statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// SlotSpec is a caller-supplied seat in the roster: the stable logical role
// (e.g. "speaker-1") plus the physical device currently filling it.
type SlotSpec struct {
	DeviceID  string `json:"device_id"`
	SlotID    string `json:"slot_id"`
	SlotLabel string `json:"slot_label,omitempty"`
}

// Client is a participant's state within one session. Mutated only by the
// coordinator in response to validated acknowledgments.
type Client struct {
	DeviceID          string
	Role              Role
	SlotID            string
	SlotLabel         string
	Ready             bool
	Finished          bool
	RecordingStarted  bool
	RecordingUploaded bool
	AudioReceived     bool
	Error             string
}

func (c *Client) resetProgress() {
	c.Ready = false
	c.Finished = false
	c.RecordingStarted = false
	c.RecordingUploaded = false
	c.AudioReceived = false
	c.Error = ""
}

// Measurement is one active speaker cycle: exactly one speaker against the
// microphone roster snapshotted at cycle start. A microphone joining the
// session mid-cycle is not retroactively added.
type Measurement struct {
	Speaker     *Client
	Microphones []*Client
	Phase       Phase
	StartedAt   time.Time
	FinishedAt  time.Time
	AudioHash   string
	Error       string
}

// Quorum predicates, computed fresh over the cycle snapshot on every call.

func (m *Measurement) allReady() bool {
	if !m.Speaker.Ready {
		return false
	}
	for _, mic := range m.Microphones {
		if !mic.Ready {
			return false
		}
	}
	return true
}

func (m *Measurement) allRecordingsStarted() bool {
	for _, mic := range m.Microphones {
		if !mic.RecordingStarted {
			return false
		}
	}
	return true
}

func (m *Measurement) allRecordingsUploaded() bool {
	for _, mic := range m.Microphones {
		if !mic.RecordingUploaded {
			return false
		}
	}
	return true
}

func (m *Measurement) micByDevice(deviceID string) *Client {
	for _, mic := range m.Microphones {
		if mic.DeviceID == deviceID {
			return mic
		}
	}
	return nil
}

// Session is the aggregate root for one measurement run. Each session carries
// its own lock so concurrent operations on different sessions never contend.
type Session struct {
	mu sync.Mutex

	ID           string
	JobID        string
	LobbyID      string
	Speakers     []*Client
	Microphones  []*Client
	SpeakerIndex int
	Current      *Measurement
	Completed    []string // speaker slot ids, in completion order
	Status       string
	Error        string
	CreatedAt    time.Time
	LastActivity time.Time
}

// allDeviceIDs returns every participant device, speakers first. Callers must
// hold the session lock.
func (s *Session) allDeviceIDs() []string {
	ids := make([]string, 0, len(s.Speakers)+len(s.Microphones))
	for _, sp := range s.Speakers {
		ids = append(ids, sp.DeviceID)
	}
	for _, mic := range s.Microphones {
		ids = append(ids, mic.DeviceID)
	}
	return ids
}

func (s *Session) terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusCancelled || s.Status == StatusFailed
}
