// Package call drives the negotiation of a course's call: a host starts it by publishing
// an offer, participants join by answering it, and both sides trade ICE candidates
// through a signaling channel until their peer sessions connect.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.yogatalks.dev/utils"
	"go.yogatalks.dev/utils/media"
	"go.yogatalks.dev/utils/peer"
	"go.yogatalks.dev/utils/signaling"
)

// A Manager runs one call at a time for a course. Managers share no state, so every
// host and participant gets its own.
type Manager struct {
	courseID  string
	teacherID string
	logger    golog.Logger
	opts      managerOptions

	mu        sync.Mutex
	channel   signaling.Channel
	provider  media.Provider
	destroyed bool
	session   *peer.Session
	stream    *media.Stream
	workers   *utils.StoppableWorkers
	subs      []signaling.Subscription

	// stateMu guards only the mirror so that subscription callbacks never wait on a
	// setup or teardown holding mu.
	stateMu sync.Mutex
	mirror  mirror
}

type mirror struct {
	role          Role
	participantID string
	session       *peer.Session
	offer         *webrtc.SessionDescription
	answers       []signaling.Answer
	answerApplied bool
	local         []webrtc.ICECandidateInit
	remote        []webrtc.ICECandidateInit
	stats         callStats
}

// NewManager returns a manager for the given course. teacherID is recorded as the host
// of calls this manager starts. The channel and provider are not closed by the manager.
func NewManager(
	courseID, teacherID string,
	channel signaling.Channel,
	provider media.Provider,
	logger golog.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	if courseID == "" {
		return nil, errors.New("course id required")
	}
	if channel == nil {
		return nil, errors.New("signaling channel required")
	}
	if provider == nil {
		return nil, errors.New("media provider required")
	}
	mOpts := defaultManagerOptions()
	for _, opt := range opts {
		opt.apply(&mOpts)
	}
	return &Manager{
		courseID:  courseID,
		teacherID: teacherID,
		logger:    utils.NamedLogger(logger, "call", "course_id", courseID),
		opts:      mOpts,
		channel:   channel,
		provider:  provider,
	}, nil
}

// beginLocked refuses to set up over a live or partially set up call.
func (m *Manager) beginLocked(role Role, participantID string) error {
	if m.destroyed {
		return ErrDestroyed
	}
	if m.session != nil || m.stream != nil || m.workers != nil {
		return ErrCallInProgress
	}
	m.workers = utils.NewStoppableWorkers(context.Background())
	m.updateMirror(func(mi *mirror) {
		*mi = mirror{role: role, participantID: participantID}
		mi.stats.StartedAt = time.Now()
	})
	return nil
}

func (m *Manager) updateMirror(f func(mi *mirror)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	f(&m.mirror)
}

// prepareSessionLocked acquires local media and attaches it to a fresh session.
func (m *Manager) prepareSessionLocked(ctx context.Context) (*peer.Session, error) {
	stream, err := m.provider.Acquire(ctx, m.opts.wantAudio, m.opts.wantVideo)
	if err != nil {
		return nil, newSetupError("AcquireMedia", err)
	}
	m.stream = stream

	sess, err := m.opts.newSession(m.opts.webrtcConfig, m.logger)
	if err != nil {
		return nil, newSetupError("NewSession", err)
	}
	m.session = sess
	m.updateMirror(func(mi *mirror) {
		mi.session = sess
	})
	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Infow("connection state changed", "state", state.String())
	})

	tracks := make([]peer.LocalTrack, 0, 2)
	for _, track := range stream.Tracks() {
		tracks = append(tracks, track)
	}
	if err := sess.AddLocalTracks(tracks...); err != nil {
		return nil, newSetupError("AddLocalTracks", err)
	}
	return sess, nil
}

// publishLocalCandidatesLocked publishes what the session has gathered for descType so
// far and everything it gathers for it from now on.
func (m *Manager) publishLocalCandidatesLocked(sess *peer.Session, log signaling.LogRef, descType webrtc.SDPType) error {
	pub := newCandidatePublisher(m.channel, log, m.logger,
		func(cand webrtc.ICECandidateInit) {
			m.updateMirror(func(mi *mirror) {
				mi.local = append(mi.local, cand)
				mi.stats.NumLocalCandidates++
			})
		},
		func(cand webrtc.ICECandidateInit, err error) {
			recordPublishFailure()
			m.updateMirror(func(mi *mirror) {
				mi.stats.PublishFailures++
			})
		},
	)
	if err := m.workers.Add(pub.run); err != nil {
		return err
	}
	accumulated := sess.OnLocalCandidate(func(candType webrtc.SDPType, cand webrtc.ICECandidateInit) {
		if candType != descType {
			return
		}
		pub.publish(cand)
	})
	pub.publish(accumulated...)
	return nil
}

// remoteCandidateHandler mirrors a peer candidate and hands it to the session without
// blocking the subscription.
func (m *Manager) remoteCandidateHandler(sess *peer.Session) func(webrtc.ICECandidateInit) {
	return func(cand webrtc.ICECandidateInit) {
		m.updateMirror(func(mi *mirror) {
			mi.remote = append(mi.remote, cand)
			mi.stats.NumRemoteCandidates++
			if mi.stats.FirstRemoteCandidate == nil {
				now := time.Now()
				mi.stats.FirstRemoteCandidate = &now
			}
		})
		sess.EnqueueRemoteCandidate(cand)
	}
}

func (m *Manager) descriptionPublished() {
	now := time.Now()
	m.updateMirror(func(mi *mirror) {
		mi.stats.DescriptionPublished = &now
	})
}

// StartCall creates the course's call and publishes this manager's offer to it. It
// returns once the offer is stored and the manager listens for participants' answers
// and candidates. On failure the partial call stays in place until EndCall.
func (m *Manager) StartCall(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "call::Manager::StartCall")
	defer span.End()
	start := time.Now()
	defer func() {
		recordSetup(ctx, RoleHost, start, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(RoleHost, ""); err != nil {
		return err
	}

	ref, err := m.channel.CreateCall(ctx, m.courseID, m.teacherID)
	if err != nil {
		return newSetupError("CreateCall", err)
	}
	sess, err := m.prepareSessionLocked(ctx)
	if err != nil {
		return err
	}
	if err := sess.CreateDataChannel(m.opts.dataChannelLabel); err != nil {
		return newSetupError("CreateDataChannel", err)
	}

	offer, err := sess.CreateOffer()
	if err != nil {
		return newSetupError("CreateOffer", err)
	}
	if err := m.channel.SetOffer(ctx, ref, offer); err != nil {
		return newSetupError("SetOffer", err)
	}
	m.updateMirror(func(mi *mirror) {
		mi.offer = &offer
	})
	m.descriptionPublished()

	if err := m.publishLocalCandidatesLocked(sess, ref.CandidateLog(signaling.SideOffer), webrtc.SDPTypeOffer); err != nil {
		return newSetupError("PublishCandidates", err)
	}

	sub, err := m.channel.SubscribeToCandidates(ctx, ref.CandidateLog(signaling.SideAnswer), m.remoteCandidateHandler(sess))
	if err != nil {
		return newSetupError("SubscribeToCandidates", err)
	}
	m.subs = append(m.subs, sub)

	firstAnswer := make(chan signaling.Answer, 1)
	if err := m.workers.Add(func(ctx context.Context) {
		m.applyFirstAnswer(ctx, sess, firstAnswer)
	}); err != nil {
		return newSetupError("SubscribeToAnswers", err)
	}
	sub, err = m.channel.SubscribeToAnswers(ctx, ref, func(answer signaling.Answer) {
		var first bool
		m.updateMirror(func(mi *mirror) {
			mi.answers = append(mi.answers, answer)
			mi.stats.NumAnswers++
			if !mi.answerApplied {
				mi.answerApplied = true
				first = true
			}
		})
		if first {
			firstAnswer <- answer
		}
	})
	if err != nil {
		return newSetupError("SubscribeToAnswers", err)
	}
	m.subs = append(m.subs, sub)

	m.logger.Infow("call started", "teacher_id", m.teacherID)
	return nil
}

// applyFirstAnswer applies the first participant's answer to the host session. Later
// answers are only mirrored since a manager holds a single session.
func (m *Manager) applyFirstAnswer(ctx context.Context, sess *peer.Session, answers <-chan signaling.Answer) {
	select {
	case <-ctx.Done():
		return
	case answer := <-answers:
		if err := sess.SetRemoteDescription(answer.Answer); err != nil {
			m.logger.Errorw("failed to apply answer", "participant_id", answer.ParticipantID, "error", err)
			return
		}
		m.logger.Infow("applied answer", "participant_id", answer.ParticipantID)
	}
}

// JoinCall answers the offer of the course's call as participantID. It fails with an
// error matching ErrNoOffer, and writes nothing, when the host has not published an
// offer. On failure the partial call stays in place until EndCall.
func (m *Manager) JoinCall(ctx context.Context, participantID string) (err error) {
	ctx, span := trace.StartSpan(ctx, "call::Manager::JoinCall")
	defer span.End()
	start := time.Now()
	defer func() {
		recordSetup(ctx, RoleParticipant, start, err)
	}()

	if participantID == "" {
		return errors.New("participant id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(RoleParticipant, participantID); err != nil {
		return err
	}

	sess, err := m.prepareSessionLocked(ctx)
	if err != nil {
		return err
	}

	stored, err := m.channel.GetCall(ctx, m.courseID)
	if err != nil {
		if errors.Is(err, signaling.ErrCallNotFound) {
			return newSetupError("GetCall", &noOfferError{courseID: m.courseID, cause: err})
		}
		return newSetupError("GetCall", err)
	}
	if stored.Offer == nil {
		return newSetupError("GetCall", &noOfferError{courseID: m.courseID})
	}
	m.updateMirror(func(mi *mirror) {
		mi.offer = stored.Offer
		mi.answers = stored.Answers
	})

	if err := sess.SetRemoteDescription(*stored.Offer); err != nil {
		return newSetupError("SetRemoteDescription", err)
	}
	answer, err := sess.CreateAnswer()
	if err != nil {
		return newSetupError("CreateAnswer", err)
	}
	ref := stored.Ref()
	if err := m.channel.AddAnswer(ctx, ref, participantID, answer); err != nil {
		return newSetupError("AddAnswer", err)
	}
	m.updateMirror(func(mi *mirror) {
		mi.answers = append(mi.answers, signaling.Answer{ParticipantID: participantID, Answer: answer})
	})
	m.descriptionPublished()

	if err := m.publishLocalCandidatesLocked(sess, ref.CandidateLog(signaling.SideAnswer), webrtc.SDPTypeAnswer); err != nil {
		return newSetupError("PublishCandidates", err)
	}

	sub, err := m.channel.SubscribeToCandidates(ctx, ref.CandidateLog(signaling.SideOffer), m.remoteCandidateHandler(sess))
	if err != nil {
		return newSetupError("SubscribeToCandidates", err)
	}
	m.subs = append(m.subs, sub)

	m.logger.Infow("joined call", "participant_id", participantID)
	return nil
}

// EndCall tears down whatever StartCall or JoinCall set up, in full or in part.
// Subscriptions are canceled before the session closes. Ending without a call is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "call::Manager::EndCall")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endCallLocked()
}

func (m *Manager) endCallLocked() error {
	for _, sub := range m.subs {
		sub.Cancel()
	}
	m.subs = nil
	if m.workers != nil {
		m.workers.Stop()
		m.workers = nil
	}

	var err error
	if m.session != nil {
		err = multierr.Combine(err, m.session.Close())
		m.session = nil
	}
	if m.stream != nil {
		err = multierr.Combine(err, m.provider.Release(m.stream))
		m.stream = nil
	}

	m.stateMu.Lock()
	if m.mirror.role != RoleNone {
		m.logger.Debugw("call ended", "role", m.mirror.role.String(), "stats", m.mirror.stats.String())
	}
	m.mirror = mirror{}
	m.stateMu.Unlock()

	if err != nil {
		m.logger.Errorw("error ending call", "error", err)
	}
	return err
}

// Destroy ends any call and lets go of the manager's collaborators. Collaborators the
// manager created itself are closed; injected ones are left open. The stored call is
// never modified.
func (m *Manager) Destroy(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "call::Manager::Destroy")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	err := m.endCallLocked()
	m.destroyed = true
	for _, closeFn := range m.opts.closeOnDestroy {
		err = multierr.Combine(err, closeFn())
	}
	m.opts.closeOnDestroy = nil
	m.channel = nil
	m.provider = nil
	return err
}

// State returns a snapshot of the current call.
func (m *Manager) State() State {
	m.stateMu.Lock()
	mi := m.mirror
	st := State{
		CourseID:         m.courseID,
		TeacherID:        m.teacherID,
		Role:             mi.role,
		ParticipantID:    mi.participantID,
		Answers:          append([]signaling.Answer(nil), mi.answers...),
		LocalCandidates:  append([]webrtc.ICECandidateInit(nil), mi.local...),
		RemoteCandidates: append([]webrtc.ICECandidateInit(nil), mi.remote...),
		PublishFailures:  mi.stats.PublishFailures,
	}
	if mi.offer != nil {
		offer := *mi.offer
		st.Offer = &offer
	}
	m.stateMu.Unlock()

	if mi.session != nil {
		st.SessionState = mi.session.State()
		st.ConnectionState = mi.session.ConnectionState()
	}
	return st
}

// Session returns the live peer session, if any.
func (m *Manager) Session() *peer.Session {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.mirror.session
}
