package call

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v3"

	"go.yogatalks.dev/utils/peer"
	"go.yogatalks.dev/utils/signaling"
)

// Role is the part a manager plays in its current call.
type Role int

// Roles.
const (
	RoleNone Role = iota
	RoleHost
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	default:
		return "unknown"
	}
}

// State is a snapshot of a manager's call for display purposes.
type State struct {
	CourseID  string `json:"course_id"`
	TeacherID string `json:"teacher_id"`
	Role      Role   `json:"role"`

	// ParticipantID is set while participating.
	ParticipantID string `json:"participant_id,omitempty"`

	SessionState    peer.State                 `json:"session_state"`
	ConnectionState webrtc.PeerConnectionState `json:"connection_state"`

	Offer   *webrtc.SessionDescription `json:"offer,omitempty"`
	Answers []signaling.Answer         `json:"answers,omitempty"`

	// LocalCandidates were published to the call's candidate log.
	LocalCandidates []webrtc.ICECandidateInit `json:"local_candidates,omitempty"`
	// RemoteCandidates were received from the peer's candidate log.
	RemoteCandidates []webrtc.ICECandidateInit `json:"remote_candidates,omitempty"`
	PublishFailures  int                       `json:"publish_failures,omitempty"`
}

// Active reports whether a call is started or joined.
func (s State) Active() bool {
	return s.Role != RoleNone
}

// callStats is what one call gathered over its lifetime. It is logged as a single JSON
// message when the call ends.
type callStats struct {
	StartedAt time.Time `json:"started_at"`
	// DescriptionPublished is when the offer or answer write completed.
	DescriptionPublished *time.Time `json:"description_published,omitempty"`
	// FirstRemoteCandidate is when the first peer candidate was delivered.
	FirstRemoteCandidate *time.Time `json:"first_remote_candidate,omitempty"`

	NumLocalCandidates  int `json:"num_local_candidates"`
	NumRemoteCandidates int `json:"num_remote_candidates"`
	NumAnswers          int `json:"num_answers"`
	PublishFailures     int `json:"publish_failures,omitempty"`
}

func (cs *callStats) String() string {
	md, err := json.Marshal(cs)
	if err != nil {
		return err.Error()
	}
	return string(md)
}
