package chat

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/courier-chat/courier/internal/mailbox"
	"github.com/courier-chat/courier/internal/reactor"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/wire"
)

// fakeNotifier records write-interest flips without a reactor.
type fakeNotifier struct {
	mu      sync.Mutex
	handles []int32
}

func (n *fakeNotifier) EnableWrite(handle int32) {
	n.mu.Lock()
	n.handles = append(n.handles, handle)
	n.mu.Unlock()
}

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu           sync.Mutex
	users        map[int]string
	nextID       int
	rooms        map[string]int
	nextRoom     int
	participants map[int][]int
	saved        []string
	lookupErr    error
	saveErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[int]string),
		nextID:       6, // first assigned id is 7
		rooms:        make(map[string]int),
		nextRoom:     100,
		participants: make(map[int][]int),
	}
}

func (s *fakeStore) LookupUser(_ context.Context, id int, password string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return 0, s.lookupErr
	}
	if pw, ok := s.users[id]; ok && pw == password {
		return id, nil
	}
	return 0, fmt.Errorf("%w: no such user", store.ErrRejected)
}

func (s *fakeStore) RegisterUser(_ context.Context, password string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.users[s.nextID] = password
	return s.nextID, nil
}

func (s *fakeStore) ResolveOrCreateRoom(_ context.Context, name string, creatorID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rooms[name]; ok {
		return id, nil
	}
	s.nextRoom++
	s.rooms[name] = s.nextRoom
	s.participants[s.nextRoom] = []int{creatorID}
	return s.nextRoom, nil
}

func (s *fakeStore) Participants(_ context.Context, roomID, excludeID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, id := range s.participants[roomID] {
		if id != excludeID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, senderID, roomID int, _ time.Time, contents string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, contents)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// testConn wraps one end of a non-blocking socket pair in a connection
// record; the other end plays the client.
func testConn(t *testing.T) (*reactor.Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	c := reactor.NewConn(fds[0])
	t.Cleanup(func() {
		c.Close()
		unix.Close(fds[1])
	})
	return c, fds[1]
}

func newReader(t *testing.T, dir *mailbox.Directory, st store.Store) *Reader {
	t.Helper()
	return NewReader(ReaderConfig{
		Directory:   dir,
		Store:       st,
		ReadTimeout: 2 * time.Second,
	})
}

// sendFrame writes an encoded request through the client end.
func sendFrame(t *testing.T, fd int, m wire.Message) {
	t.Helper()
	frame := m.Marshal()
	for off := 0; off < len(frame); {
		n, err := unix.Write(fd, frame[off:])
		if err != nil {
			t.Fatalf("client write: %v", err)
		}
		off += n
	}
}

// TestRegisterThenReply covers the register scenario: the store assigns
// id 7, a mailbox appears under 7, and the REGISTER reply carrying
// senderID 7 is queued in it.
func TestRegisterThenReply(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	r := newReader(t, dir, st)

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Register, 0, "abc", 0, "", ""))

	r.Handle(c, reactor.ReadInterest)()

	if !dir.Exists(7) {
		t.Fatal("no mailbox created under id 7")
	}
	box, _ := dir.Lookup(7)
	reply, ok := box.Dequeue()
	if !ok {
		t.Fatal("no REGISTER reply queued")
	}
	if reply.Type != wire.Register || reply.SenderID != 7 {
		t.Errorf("reply = %v sender %d, want REGISTER sender 7", reply.Type, reply.SenderID)
	}
	if c.User() != 7 {
		t.Errorf("conn user = %d, want 7", c.User())
	}
	if c.Interest()&reactor.ReadInterest == 0 {
		t.Error("read interest not restored after register")
	}
}

// TestConnectEcho verifies a valid CONNECT creates the mailbox under
// the authenticated id and echoes CONNECT through it.
func TestConnectEcho(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	st.users[9] = "secret"
	r := newReader(t, dir, st)

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Connect, 9, "secret", 0, "", ""))

	r.Handle(c, reactor.ReadInterest)()

	box, ok := dir.Lookup(9)
	if !ok {
		t.Fatal("no mailbox created under id 9")
	}
	reply, ok := box.Dequeue()
	if !ok {
		t.Fatal("no CONNECT echo queued")
	}
	if reply.Type != wire.Connect || reply.SenderID != 9 {
		t.Errorf("reply = %v sender %d, want CONNECT sender 9", reply.Type, reply.SenderID)
	}
}

// TestConnectRejected verifies bad credentials produce a direct FAILURE
// on the socket and a closed connection, with no directory entry.
func TestConnectRejected(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	r := newReader(t, dir, st)

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Connect, 9, "wrong", 0, "", ""))

	r.Handle(c, reactor.ReadInterest)()

	if dir.Len() != 0 {
		t.Errorf("directory has %d entries after rejected connect", dir.Len())
	}
	if !c.Closed() {
		t.Error("connection still open after rejected connect")
	}

	buf := make([]byte, 256)
	n, err := unix.Read(client, buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	reply, err := wire.Decode(bytes.NewReader(buf[:n]))
	if err != nil {
		t.Fatalf("decoding refusal: %v", err)
	}
	if reply.Type != wire.Failure {
		t.Errorf("refusal type = %v, want FAILURE", reply.Type)
	}
}

// TestFanOut covers the fan-out scenario: room 1 has participants
// {2,3,4}, sender is 2, so mailboxes 3 and 4 get the message and 2
// does not.
func TestFanOut(t *testing.T) {
	notify := &fakeNotifier{}
	dir := mailbox.NewDirectory(notify)
	st := newFakeStore()
	st.participants[1] = []int{2, 3, 4}
	r := newReader(t, dir, st)

	for id := 2; id <= 4; id++ {
		if err := dir.Create(id, mailbox.NewMailbox(int32(id))); err != nil {
			t.Fatalf("Create(%d) error: %v", id, err)
		}
	}

	c, client := testConn(t)
	c.SetUser(2)
	sendFrame(t, client, wire.New(wire.Send, 2, "", 1, "", "hello everyone"))

	r.Handle(c, reactor.ReadInterest)()

	if st.savedCount() != 1 {
		t.Errorf("saved messages = %d, want 1", st.savedCount())
	}
	for id := 3; id <= 4; id++ {
		box, _ := dir.Lookup(id)
		m, ok := box.Dequeue()
		if !ok {
			t.Fatalf("mailbox %d got no delivery", id)
		}
		if m.Contents != "hello everyone" || m.SenderID != 2 {
			t.Errorf("mailbox %d got %q from %d", id, m.Contents, m.SenderID)
		}
	}
	senderBox, _ := dir.Lookup(2)
	if senderBox.Len() != 0 {
		t.Error("sender's own mailbox received the fan-out")
	}
}

// TestSendEmptyRoom covers the empty-participant scenario: the message
// is persisted, nothing is fanned out, and the sender gets no error.
func TestSendEmptyRoom(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	r := newReader(t, dir, st)

	if err := dir.Create(2, mailbox.NewMailbox(2)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Send, 2, "", 42, "", "anyone here?"))

	r.Handle(c, reactor.ReadInterest)()

	if st.savedCount() != 1 {
		t.Errorf("saved messages = %d, want 1", st.savedCount())
	}
	box, _ := dir.Lookup(2)
	if box.Len() != 0 {
		t.Errorf("sender mailbox has %d messages, want 0", box.Len())
	}
}

// TestUnauthenticatedSend verifies a SEND from an id with no mailbox
// changes nothing: no persistence, no deliveries, connection stays
// open. The FAILURE reply has nowhere to land and is dropped.
func TestUnauthenticatedSend(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	st.participants[1] = []int{3}
	r := newReader(t, dir, st)

	if err := dir.Create(3, mailbox.NewMailbox(3)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Send, 2, "", 1, "", "sneaky"))

	r.Handle(c, reactor.ReadInterest)()

	if st.savedCount() != 0 {
		t.Errorf("saved messages = %d, want 0", st.savedCount())
	}
	box, _ := dir.Lookup(3)
	if box.Len() != 0 {
		t.Errorf("bystander mailbox has %d messages, want 0", box.Len())
	}
	if c.Closed() {
		t.Error("connection closed by unauthenticated send")
	}
}

// TestNewThreadReply verifies a NEW_THREAD resolves the room and
// queues a reply carrying its id.
func TestNewThreadReply(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	r := newReader(t, dir, st)

	if err := dir.Create(5, mailbox.NewMailbox(5)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.NewThread, 5, "", 0, "general", ""))

	r.Handle(c, reactor.ReadInterest)()

	box, _ := dir.Lookup(5)
	reply, ok := box.Dequeue()
	if !ok {
		t.Fatal("no NEW_THREAD reply queued")
	}
	if reply.Type != wire.NewThread || reply.ThreadID != 101 || reply.ThreadName != "general" {
		t.Errorf("reply = %v room %d %q, want NEW_THREAD room 101 %q", reply.Type, reply.ThreadID, reply.ThreadName, "general")
	}
}

// TestDisconnect verifies DISCONNECT unhooks the mailbox and closes
// the connection.
func TestDisconnect(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	r := newReader(t, dir, st)

	c, client := testConn(t)
	if err := dir.Create(4, mailbox.NewMailbox(c.Handle())); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	sendFrame(t, client, wire.New(wire.Disconnect, 4, "", 0, "", ""))

	r.Handle(c, reactor.ReadInterest)()

	if dir.Exists(4) {
		t.Error("mailbox still registered after disconnect")
	}
	if !c.Closed() {
		t.Error("connection still open after disconnect")
	}
}

// TestStoreUnavailableDropsConnection verifies a broken store drops
// only the triggering connection.
func TestStoreUnavailableDropsConnection(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	st.lookupErr = fmt.Errorf("%w: db gone", store.ErrUnavailable)
	r := newReader(t, dir, st)

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Connect, 9, "pw", 0, "", ""))

	r.Handle(c, reactor.ReadInterest)()

	if !c.Closed() {
		t.Error("connection still open after store failure")
	}
}

// TestTruncatedFrameTearsDown verifies a peer closing mid-frame tears
// the connection down quietly.
func TestTruncatedFrameTearsDown(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	r := newReader(t, dir, newFakeStore())

	c, client := testConn(t)
	if _, err := unix.Write(client, []byte{0, 0, 0}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	unix.Shutdown(client, unix.SHUT_WR)

	r.Handle(c, reactor.ReadInterest)()

	if !c.Closed() {
		t.Error("connection still open after truncated frame")
	}
}

// TestUnknownFrameIgnored verifies an unrecognized type byte changes
// no state and keeps the connection alive.
func TestUnknownFrameIgnored(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	r := newReader(t, dir, newFakeStore())

	c, client := testConn(t)
	frame := wire.New(wire.Send, 1, "", 0, "", "x").Marshal()
	frame[0] = 0xEE
	for off := 0; off < len(frame); {
		n, err := unix.Write(client, frame[off:])
		if err != nil {
			t.Fatalf("client write: %v", err)
		}
		off += n
	}

	r.Handle(c, reactor.ReadInterest)()

	if c.Closed() {
		t.Error("connection closed by unknown frame")
	}
	if dir.Len() != 0 {
		t.Errorf("directory has %d entries, want 0", dir.Len())
	}
}

// TestRateLimitedSend verifies an over-limit sender gets a FAILURE and
// the message is neither persisted nor fanned out.
func TestRateLimitedSend(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	st := newFakeStore()
	st.participants[1] = []int{3}
	reader := NewReader(ReaderConfig{
		Directory:   dir,
		Store:       st,
		Limiter:     NewSendLimiter(1, 1),
		ReadTimeout: 2 * time.Second,
	})

	if err := dir.Create(2, mailbox.NewMailbox(2)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := dir.Create(3, mailbox.NewMailbox(3)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	c, client := testConn(t)
	sendFrame(t, client, wire.New(wire.Send, 2, "", 1, "", "one"))
	reader.Handle(c, reactor.ReadInterest)()
	sendFrame(t, client, wire.New(wire.Send, 2, "", 1, "", "two"))
	reader.Handle(c, reactor.ReadInterest)()

	if st.savedCount() != 1 {
		t.Errorf("saved messages = %d, want 1", st.savedCount())
	}
	senderBox, _ := dir.Lookup(2)
	reply, ok := senderBox.Dequeue()
	if !ok {
		t.Fatal("no FAILURE queued for throttled sender")
	}
	if reply.Type != wire.Failure {
		t.Errorf("reply type = %v, want FAILURE", reply.Type)
	}
}

// TestWriterDrainsQueue verifies queued messages reach the socket in
// FIFO order and write interest is dropped once the queue empties.
func TestWriterDrainsQueue(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})
	w := NewWriter(WriterConfig{Directory: dir})

	c, client := testConn(t)
	box := mailbox.NewMailbox(c.Handle())
	c.SetAttachment(box)
	if err := dir.Create(6, box); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		box.Enqueue(wire.New(wire.Send, 9, "", 1, "", fmt.Sprintf("msg-%d", i)))
	}

	w.Handle(c, reactor.ReadInterest|reactor.WriteInterest)()

	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	n, err := unix.Read(client, chunk)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	buf.Write(chunk[:n])

	for i := 0; i < 3; i++ {
		m, err := wire.Decode(&buf)
		if err != nil {
			t.Fatalf("decoding frame %d: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%d", i); m.Contents != want {
			t.Errorf("frame %d contents = %q, want %q", i, m.Contents, want)
		}
	}

	if box.Len() != 0 {
		t.Errorf("queue still holds %d messages", box.Len())
	}
	if c.Interest()&reactor.WriteInterest != 0 {
		t.Error("write interest still set after drain")
	}
	if c.Interest()&reactor.ReadInterest == 0 {
		t.Error("read interest not restored after drain")
	}
}

// TestWriterFailureRemovesMailbox verifies a dead peer turns a write
// into a disconnect: error callback fired, mailbox gone, conn closed.
func TestWriterFailureRemovesMailbox(t *testing.T) {
	dir := mailbox.NewDirectory(&fakeNotifier{})

	var gotErr error
	w := NewWriter(WriterConfig{
		Directory: dir,
		OnError:   func(_ int32, err error) { gotErr = err },
	})

	c, client := testConn(t)
	box := mailbox.NewMailbox(c.Handle())
	c.SetAttachment(box)
	if err := dir.Create(6, box); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Close the peer and saturate: the first writes may land in the
	// kernel buffer, but EPIPE arrives quickly.
	unix.Close(client)
	for i := 0; i < 64; i++ {
		box.Enqueue(wire.New(wire.Send, 9, "", 1, "", "doomed"))
	}

	w.Handle(c, reactor.ReadInterest|reactor.WriteInterest)()

	if gotErr == nil {
		t.Error("error callback not invoked")
	}
	if dir.Exists(6) {
		t.Error("mailbox still registered after write failure")
	}
	if !c.Closed() {
		t.Error("connection still open after write failure")
	}
}
