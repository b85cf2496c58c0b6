package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avelys/meetmesh/internal/admission"
	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
	"github.com/avelys/meetmesh/internal/mesh"
	"github.com/avelys/meetmesh/internal/signal"
)

// teardownLog records resource releases across fakes so the teardown
// order can be asserted.
type teardownLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *teardownLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *teardownLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []signal.Message
	recv   chan signal.Message
	closed bool
	err    error
	td     *teardownLog
}

func newFakeChannel(td *teardownLog) *fakeChannel {
	return &fakeChannel{recv: make(chan signal.Message, 16), td: td}
}

func (c *fakeChannel) Send(m signal.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Recv() <-chan signal.Message { return c.recv }

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.td != nil {
		c.td.add("channel")
	}
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) push(m signal.Message) { c.recv <- m }

// fail simulates the transport dying under the session.
func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.recv)
}

func (c *fakeChannel) sentOfType(t signal.Type) []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Message
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeLocalTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed bool
}

func (f *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeLocalTrack) ID() string                            { return f.id }
func (f *fakeLocalTrack) RID() string                           { return "" }
func (f *fakeLocalTrack) StreamID() string                      { return "fake" }
func (f *fakeLocalTrack) Kind() webrtc.RTPCodecType             { return f.kind }
func (f *fakeLocalTrack) Close() error {
	f.closed = true
	return nil
}

type fakeCapture struct {
	audio *fakeLocalTrack
	video *fakeLocalTrack
	td    *teardownLog

	mu     sync.Mutex
	closed bool
}

func (f *fakeCapture) AudioTrack() media.Track {
	if f.audio == nil {
		return nil
	}
	return f.audio
}

func (f *fakeCapture) VideoTrack() media.Track {
	if f.video == nil {
		return nil
	}
	return f.video
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.td != nil {
		f.td.add("devices")
	}
	return nil
}

func (f *fakeCapture) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeProvider struct {
	user    *fakeCapture
	display *fakeCapture

	// displayGate, when set, stalls display acquisition until closed,
	// standing in for a picker or permission prompt.
	displayGate chan struct{}
}

func (f *fakeProvider) AcquireUserMedia(context.Context) (media.Capture, error) {
	return f.user, nil
}

func (f *fakeProvider) AcquireDisplay(ctx context.Context) (media.Capture, error) {
	if f.displayGate != nil {
		select {
		case <-f.displayGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.display, nil
}

type fakePeerTransport struct {
	td *teardownLog

	mu     sync.Mutex
	closed bool
}

func (f *fakePeerTransport) AttachOutgoing(media.Outgoing) error  { return nil }
func (f *fakePeerTransport) ReplaceOutgoing(media.Outgoing) error { return nil }
func (f *fakePeerTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}
func (f *fakePeerTransport) AcceptAnswer(webrtc.SessionDescription) error { return nil }
func (f *fakePeerTransport) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}
func (f *fakePeerTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (f *fakePeerTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.td != nil {
		f.td.add("peer")
	}
	return nil
}

type testHarness struct {
	sess     *Session
	ch       *fakeChannel
	user     *fakeCapture
	provider *fakeProvider
	td       *teardownLog
}

func startSession(t *testing.T, identity domain.PeerID, role domain.Role) *testHarness {
	t.Helper()
	td := &teardownLog{}
	ch := newFakeChannel(td)
	user := &fakeCapture{
		audio: &fakeLocalTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio},
		video: &fakeLocalTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo},
		td:    td,
	}
	display := &fakeCapture{video: &fakeLocalTrack{id: "scr", kind: webrtc.RTPCodecTypeVideo}}
	provider := &fakeProvider{user: user, display: display}

	cfg := Config{
		RelayURL: "ws://relay.test",
		Room:     "room-1",
		Identity: identity,
		Name:     "Tester",
		Role:     role,
		Dial: func(context.Context, string, domain.RoomID) (signal.Channel, error) {
			return ch, nil
		},
		TransportFactory: func(mesh.Hooks) (mesh.Transport, error) {
			return &fakePeerTransport{td: td}, nil
		},
	}

	sess, err := New(cfg, provider, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		sess.Wait()
	})
	return &testHarness{sess: sess, ch: ch, user: user, provider: provider, td: td}
}

// waitSnapshot polls the session view until cond holds. Commands and
// inbound messages race on the loop, so assertions poll instead of
// assuming the view lands last.
func waitSnapshot(t *testing.T, s *Session, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := s.View()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view %+v", desc, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSent(t *testing.T, ch *fakeChannel, typ signal.Type) signal.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msgs := ch.sentOfType(typ); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q to be sent", typ)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func admit(t *testing.T, h *testHarness) {
	t.Helper()
	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: h.sess.Self().ID})
	waitSent(t, h.ch, signal.TypeJoin)
	h.ch.push(signal.Message{Type: signal.TypeJoinApproved})
	waitSnapshot(t, h.sess, "admission", func(v Snapshot) bool {
		return v.State == admission.StateActive
	})
}

func TestJoinFlowThroughWaitingRoom(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)

	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: "me"})
	join := waitSent(t, h.ch, signal.TypeJoin)
	if join.UserID != "me" || join.Username != "Tester" || join.Role != domain.RoleGuest {
		t.Fatalf("unexpected join announcement %+v", join)
	}

	h.ch.push(signal.Message{Type: signal.TypeWaiting})
	waitSnapshot(t, h.sess, "waiting state", func(v Snapshot) bool {
		return v.State == admission.StateWaiting
	})

	h.ch.push(signal.Message{Type: signal.TypeJoinApproved})
	waitSnapshot(t, h.sess, "active state", func(v Snapshot) bool {
		return v.State == admission.StateActive
	})
}

func TestInitAssignsAnonymousIdentity(t *testing.T) {
	h := startSession(t, "", domain.RoleGuest)

	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: "relay-7"})
	join := waitSent(t, h.ch, signal.TypeJoin)
	if join.UserID != "relay-7" {
		t.Fatalf("join announces %q, want the relay-assigned id", join.UserID)
	}
}

func TestAdmittedPeerJoiningCreatesInitiatorLink(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "alice", Username: "Alice"})
	offer := waitSent(t, h.ch, signal.TypeOffer)
	if offer.Target != "alice" {
		t.Fatalf("offer targeted %q, want alice", offer.Target)
	}
	waitSnapshot(t, h.sess, "one link", func(v Snapshot) bool { return v.Links == 1 })
}

func TestFullMeshLinkCount(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	// Three other admitted participants: one link each, never more.
	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "alice", Username: "Alice"})
	h.ch.push(signal.Message{Type: signal.TypeOffer, Sender: "bob", SDP: "remote-offer"})
	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "carol", Username: "Carol"})

	waitSnapshot(t, h.sess, "full mesh", func(v Snapshot) bool { return v.Links == 3 })
}

func TestInboundOfferAnswered(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeOffer, Sender: "bob", SDP: "remote-offer"})
	answer := waitSent(t, h.ch, signal.TypeAnswer)
	if answer.Target != "bob" {
		t.Fatalf("answer targeted %q, want bob", answer.Target)
	}
	waitSnapshot(t, h.sess, "one link", func(v Snapshot) bool { return v.Links == 1 })
}

func TestOfferBeforeAdmissionDropped(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)

	h.ch.push(signal.Message{Type: signal.TypeOffer, Sender: "bob", SDP: "remote-offer"})
	// Recv is FIFO: once the marker message shows up in the view, the
	// offer has been dispatched.
	h.ch.push(signal.Message{Type: signal.TypeChatMessage, Sender: "bob", Text: "marker"})
	v := waitSnapshot(t, h.sess, "marker processed", func(v Snapshot) bool {
		return len(v.Chat) == 1
	})
	if v.Links != 0 {
		t.Fatal("link built before admission")
	}
	if len(h.ch.sentOfType(signal.TypeAnswer)) != 0 {
		t.Fatal("answered an offer before admission")
	}
}

func TestParticipantsResyncGrantsImplicitAdmission(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)

	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: "me"})
	waitSent(t, h.ch, signal.TypeJoin)
	h.ch.push(signal.Message{Type: signal.TypeParticipants, Users: []signal.RosterEntry{
		{ID: "me", Name: "Tester"},
		{ID: "alice", Name: "Alice"},
	}})

	v := waitSnapshot(t, h.sess, "resync applied", func(v Snapshot) bool {
		return v.State == admission.StateActive && len(v.Participants) == 2
	})
	if v.Presenter != "" {
		t.Fatalf("presenter = %q, want nobody", v.Presenter)
	}
}

func TestPeerLeaveDropsLinkAndRoster(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "alice", Username: "Alice"})
	waitSnapshot(t, h.sess, "link up", func(v Snapshot) bool { return v.Links == 1 })

	h.ch.push(signal.Message{Type: signal.TypeLeave, Sender: "alice"})
	waitSnapshot(t, h.sess, "peer gone", func(v Snapshot) bool {
		if v.Links != 0 {
			return false
		}
		for _, p := range v.Participants {
			if p.ID == "alice" {
				return false
			}
		}
		return true
	})
}

func TestMuteBroadcastsStatus(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.sess.SetMuted(true)
	msg := waitSent(t, h.ch, signal.TypeMicStatus)
	if msg.Enabled == nil || *msg.Enabled {
		t.Fatalf("mic-status enabled = %v, want false", msg.Enabled)
	}
	waitSnapshot(t, h.sess, "muted", func(v Snapshot) bool { return v.Muted })
}

func TestScreenShareClaimsFloor(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.sess.StartScreenShare()
	msg := waitSent(t, h.ch, signal.TypeScreenShare)
	if !msg.Sharing {
		t.Fatal("share start not announced")
	}
	waitSnapshot(t, h.sess, "floor claimed", func(v Snapshot) bool {
		return v.SourceKind == media.SourceScreen && v.Presenter == "me"
	})

	h.sess.StopScreenShare()
	waitSnapshot(t, h.sess, "floor released", func(v Snapshot) bool {
		return v.SourceKind == media.SourceCamera && v.Presenter == ""
	})
}

func TestScreenShareAcquisitionKeepsLoopResponsive(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.provider.displayGate = make(chan struct{})
	h.sess.StartScreenShare()

	// While the picker stalls, inbound signaling keeps flowing.
	h.ch.push(signal.Message{Type: signal.TypeChatMessage, Sender: "alice", Username: "Alice", Text: "still here"})
	v := waitSnapshot(t, h.sess, "chat during acquisition", func(v Snapshot) bool {
		return len(v.Chat) == 1
	})
	if v.SourceKind != media.SourceCamera {
		t.Fatalf("source = %q before acquisition settled, want camera", v.SourceKind)
	}

	close(h.provider.displayGate)
	waitSent(t, h.ch, signal.TypeScreenShare)
	waitSnapshot(t, h.sess, "share committed", func(v Snapshot) bool {
		return v.SourceKind == media.SourceScreen && v.Presenter == "me"
	})
}

func TestSelfSnapshotDuringIdentityRebind(t *testing.T) {
	h := startSession(t, "", domain.RoleGuest)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = h.sess.Self()
			}
		}
	}()

	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: "relay-3"})
	waitSent(t, h.ch, signal.TypeJoin)
	close(stop)
	wg.Wait()

	if got := h.sess.Self().ID; got != "relay-3" {
		t.Fatalf("self id = %q, want the relay-assigned one", got)
	}
}

func TestRemoteShareMovesFloor(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "alice", Username: "Alice"})
	h.ch.push(signal.Message{Type: signal.TypeScreenShare, Sender: "alice", Sharing: true})
	waitSnapshot(t, h.sess, "alice presents", func(v Snapshot) bool {
		return v.Presenter == "alice"
	})

	h.ch.push(signal.Message{Type: signal.TypeScreenShare, Sender: "alice", Sharing: false})
	waitSnapshot(t, h.sess, "floor free", func(v Snapshot) bool { return v.Presenter == "" })
}

func TestChatUnreadCounter(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeChatMessage, Sender: "alice", Username: "Alice", Text: "hello"})
	waitSnapshot(t, h.sess, "unread message", func(v Snapshot) bool {
		return v.Unread == 1 && len(v.Chat) == 1
	})

	h.sess.OpenChat()
	waitSnapshot(t, h.sess, "counter cleared", func(v Snapshot) bool { return v.Unread == 0 })

	h.sess.CloseChat()
	h.ch.push(signal.Message{Type: signal.TypeChatMessage, Sender: "alice", Username: "Alice", Text: "again"})
	waitSnapshot(t, h.sess, "unread resumes", func(v Snapshot) bool { return v.Unread == 1 })
}

func TestChatHistoryReplayLeavesUnreadZero(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeChatHistory, History: []domain.ChatMessage{
		{Sender: "alice", Name: "Alice", Text: "before you arrived"},
	}})
	waitSnapshot(t, h.sess, "history installed", func(v Snapshot) bool {
		return len(v.Chat) == 1 && v.Unread == 0
	})
}

func TestHostApprovalRoundTrip(t *testing.T) {
	h := startSession(t, "host", domain.RoleHost)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeJoinRequest, UserID: "alice", Username: "Alice"})
	waitSnapshot(t, h.sess, "pending request", func(v Snapshot) bool {
		return len(v.Pending) == 1 && v.Pending[0].ID == "alice"
	})

	h.sess.Approve("alice")
	msg := waitSent(t, h.ch, signal.TypeApproveUser)
	if msg.TargetUser != "alice" {
		t.Fatalf("approve targeted %q, want alice", msg.TargetUser)
	}
	waitSnapshot(t, h.sess, "queue cleared", func(v Snapshot) bool { return len(v.Pending) == 0 })
}

func TestKickedSessionReplacedTearsDownInOrder(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.push(signal.Message{Type: signal.TypeJoin, Sender: "alice", Username: "Alice"})
	waitSnapshot(t, h.sess, "link up", func(v Snapshot) bool { return v.Links == 1 })

	h.ch.push(signal.Message{Type: signal.TypeKicked, Reason: domain.KickSessionReplaced})
	waitDone(t, h.sess)

	var ke *KickedError
	if !errors.As(h.sess.Err(), &ke) || ke.Reason != domain.KickSessionReplaced {
		t.Fatalf("err = %v, want kicked with session-replaced", h.sess.Err())
	}
	if !h.user.isClosed() {
		t.Fatal("local devices still acquired after kick")
	}
	got := h.td.list()
	want := []string{"peer", "channel", "devices"}
	if len(got) != len(want) {
		t.Fatalf("teardown log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("teardown log = %v, want %v", got, want)
		}
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)

	h.ch.push(signal.Message{Type: signal.TypeInit, PeerID: "me"})
	waitSent(t, h.ch, signal.TypeJoin)
	h.ch.push(signal.Message{Type: signal.TypeWaiting})
	waitSnapshot(t, h.sess, "waiting", func(v Snapshot) bool {
		return v.State == admission.StateWaiting
	})

	h.ch.push(signal.Message{Type: signal.TypeKicked, Reason: domain.KickHostDenied})
	waitDone(t, h.sess)

	var ke *KickedError
	if !errors.As(h.sess.Err(), &ke) || ke.Reason != domain.KickHostDenied {
		t.Fatalf("err = %v, want kicked with host-denied", h.sess.Err())
	}
}

func TestChannelFailureEndsSession(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.ch.fail(errors.New("relay gone"))
	waitDone(t, h.sess)

	if h.sess.Err() == nil {
		t.Fatal("channel failure produced no session error")
	}
	if !h.user.isClosed() {
		t.Fatal("devices not released after channel failure")
	}
}

func TestLeaveIsClean(t *testing.T) {
	h := startSession(t, "me", domain.RoleGuest)
	admit(t, h)

	h.sess.Leave()
	waitDone(t, h.sess)

	if err := h.sess.Err(); err != nil {
		t.Fatalf("clean leave err = %v, want nil", err)
	}
	if len(h.ch.sentOfType(signal.TypeLeave)) != 1 {
		t.Fatal("leave not announced to the relay")
	}
	if !h.user.isClosed() {
		t.Fatal("devices not released on leave")
	}
}
