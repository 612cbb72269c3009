package observer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type call struct {
	subscriber string
	source     string
	payload    string
}

type recorder struct {
	calls []call
}

func (r *recorder) sub(name string) Subscriber {
	return &namedSubscriber{name: name, rec: r}
}

type namedSubscriber struct {
	name string
	rec  *recorder
	err  error
}

func (s *namedSubscriber) Notify(source, payload string) error {
	s.rec.calls = append(s.rec.calls, call{subscriber: s.name, source: source, payload: payload})
	return s.err
}

type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Notify(source, payload string) error {
	args := m.Called(source, payload)
	return args.Error(0)
}

func TestBroadcastNotifiesInRegistrationOrder(t *testing.T) {
	rec := &recorder{}
	tech := NewChannel("tech")
	require.NoError(t, tech.Register(rec.sub("ali")))
	require.NoError(t, tech.Register(rec.sub("reza")))

	require.NoError(t, tech.Broadcast("hello"))

	assert.Equal(t, []call{
		{subscriber: "ali", source: "tech", payload: "hello"},
		{subscriber: "reza", source: "tech", payload: "hello"},
	}, rec.calls)
}

func TestBroadcastOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "subscribers")
		payload := rapid.String().Draw(t, "payload")

		rec := &recorder{}
		c := NewChannel("prop")
		for i := 0; i < n; i++ {
			if err := c.Register(rec.sub(fmt.Sprintf("s%d", i))); err != nil {
				t.Fatalf("register: %v", err)
			}
		}
		if err := c.Broadcast(payload); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if len(rec.calls) != n {
			t.Fatalf("expected %d notifications, got %d", n, len(rec.calls))
		}
		for i, got := range rec.calls {
			if got.subscriber != fmt.Sprintf("s%d", i) || got.source != "prop" || got.payload != payload {
				t.Fatalf("unexpected notification %d: %+v", i, got)
			}
		}
	})
}

func TestDuplicateRegistrationNotifiesTwice(t *testing.T) {
	m := &mockSubscriber{}
	m.On("Notify", "dup", "x").Return(nil).Twice()

	c := NewChannel("dup")
	require.NoError(t, c.Register(m))
	require.NoError(t, c.Register(m))
	require.NoError(t, c.Broadcast("x"))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Notify", 2)
}

func TestBroadcastWithoutSubscribersIsNoop(t *testing.T) {
	c := NewChannel("empty")
	require.NoError(t, c.Broadcast("anything"))
	assert.Equal(t, 0, c.Len())
}

func TestChannelsDoNotCrossNotify(t *testing.T) {
	u1 := &mockSubscriber{}
	u2 := &mockSubscriber{}
	u1.On("Notify", "A", "ping").Return(nil).Once()

	a := NewChannel("A")
	b := NewChannel("B")
	require.NoError(t, a.Register(u1))
	require.NoError(t, b.Register(u2))

	require.NoError(t, a.Broadcast("ping"))

	u1.AssertExpectations(t)
	u2.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestBroadcastFailsFast(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	c := NewChannel("ff")
	require.NoError(t, c.Register(rec.sub("first")))
	require.NoError(t, c.Register(&namedSubscriber{name: "broken", rec: rec, err: boom}))
	require.NoError(t, c.Register(rec.sub("never")))

	err := c.Broadcast("m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var nerr *NotifyError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "ff", nerr.Channel)
	assert.Equal(t, 1, nerr.Index)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "broken", rec.calls[1].subscriber)
}

func TestBroadcastWithIsolationCallsEveryone(t *testing.T) {
	first := errors.New("first failure")
	second := errors.New("second failure")
	rec := &recorder{}
	c := NewChannel("iso", WithIsolation())
	require.NoError(t, c.Register(&namedSubscriber{name: "a", rec: rec, err: first}))
	require.NoError(t, c.Register(rec.sub("b")))
	require.NoError(t, c.Register(&namedSubscriber{name: "c", rec: rec, err: second}))

	err := c.Broadcast("m")
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Len(t, rec.calls, 3)
}

func TestPanickingSubscriberPropagates(t *testing.T) {
	rec := &recorder{}
	c := NewChannel("panic")
	require.NoError(t, c.Register(SubscriberFunc(func(string, string) error { panic("subscriber exploded") })))
	require.NoError(t, c.Register(rec.sub("never")))

	assert.PanicsWithValue(t, "subscriber exploded", func() { _ = c.Broadcast("m") })
	assert.Empty(t, rec.calls)
}

func TestRegisterDuringBroadcastDoesNotAffectIt(t *testing.T) {
	rec := &recorder{}
	c := NewChannel("snap")
	late := rec.sub("late")
	require.NoError(t, c.Register(SubscriberFunc(func(source, payload string) error {
		return c.Register(late)
	})))

	require.NoError(t, c.Broadcast("one"))
	assert.Empty(t, rec.calls)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Broadcast("two"))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "two", rec.calls[0].payload)
}

func TestRegisterRejectsNil(t *testing.T) {
	c := NewChannel("nil")
	assert.ErrorIs(t, c.Register(nil), ErrNilSubscriber)
	assert.Equal(t, 0, c.Len())
}

func TestUnregisterRemovesFirstMatchOnly(t *testing.T) {
	rec := &recorder{}
	a := rec.sub("a")
	b := rec.sub("b")
	c := NewChannel("unreg")
	for _, s := range []Subscriber{a, b, a} {
		require.NoError(t, c.Register(s))
	}

	assert.True(t, c.Unregister(a))
	assert.Equal(t, []Subscriber{b, a}, c.Subscribers())

	assert.True(t, c.Unregister(a))
	assert.False(t, c.Unregister(a))
	assert.Equal(t, []Subscriber{b}, c.Subscribers())
}

func TestUnregisterIgnoresFuncSubscribers(t *testing.T) {
	c := NewChannel("funcs")
	f := SubscriberFunc(func(string, string) error { return nil })
	require.NoError(t, c.Register(f))
	assert.False(t, c.Unregister(f))
	assert.Equal(t, 1, c.Len())
}

func TestWithFollowersCopiesInput(t *testing.T) {
	rec := &recorder{}
	seed := []Subscriber{rec.sub("x"), rec.sub("y")}
	c := NewChannel("seeded", WithFollowers(seed...))
	seed[0] = rec.sub("replaced")

	require.NoError(t, c.Broadcast("m"))
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "x", rec.calls[0].subscriber)

	other := NewChannel("fresh")
	assert.Equal(t, 0, other.Len())
}

type countingMetrics struct {
	broadcasts int
	notified   int
	failures   int
}

func (m *countingMetrics) BroadcastCompleted(_ string, notified int) {
	m.broadcasts++
	m.notified += notified
}

func (m *countingMetrics) NotifyFailed(string) {
	m.failures++
}

func TestBroadcastReportsMetrics(t *testing.T) {
	m := &countingMetrics{}
	rec := &recorder{}
	c := NewChannel("metered", WithMetrics(m), WithIsolation())
	require.NoError(t, c.Register(rec.sub("ok")))
	require.NoError(t, c.Register(&namedSubscriber{name: "bad", rec: rec, err: errors.New("nope")}))

	require.Error(t, c.Broadcast("m"))
	assert.Equal(t, 1, m.broadcasts)
	assert.Equal(t, 1, m.notified)
	assert.Equal(t, 1, m.failures)
}

func TestUserRendersNotification(t *testing.T) {
	var buf bytes.Buffer
	ali := NewUser("Ali", &buf)
	c := NewChannel("TeChNoLoGiA")
	require.NoError(t, c.Register(ali))

	require.NoError(t, c.Broadcast("new phone"))
	assert.Equal(t, "\n For `Ali`, there's a new message from channel `TeChNoLoGiA`: new phone\n\n", buf.String())
	assert.Equal(t, "Ali", ali.Name())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("closed")
}

func TestUserWriteFailureIsReturned(t *testing.T) {
	err := NewUser("Reza", failingWriter{}).Notify("SPORTS", "m")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Reza"))
}
