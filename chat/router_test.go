package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSink) Publish(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

type recordingLedger struct {
	mu     sync.Mutex
	msgs   []Message
	reads  []string
	people []Identity
}

func (l *recordingLedger) RecordMessage(c Identity, msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.people = append(l.people, c)
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLedger) MarkRead(customerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads = append(l.reads, customerID)
}

type stubLimiter struct {
	allow bool
	err   error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.allow, s.err }

func TestRouteRejectsEmptyBody(t *testing.T) {
	sink := &recordingSink{}
	h := newTestHub(WithSink(sink))
	c1 := newFakeConn("c1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)

	for _, body := range []string{"", "   ", "\n\t "} {
		_, err := h.router.Route(context.Background(), customer("c1", "Alice"), c1, "", body)
		assert.ErrorIs(t, err, ErrEmptyBody)
	}
	assert.Empty(t, h.History("c1"))
	assert.Empty(t, c1.messages(t))
	assert.Empty(t, sink.msgs)
}

func TestRouteRejectsOversizedBody(t *testing.T) {
	h := NewHub(Options{MaxBodyBytes: 4})
	c1 := newFakeConn("c1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)

	_, err := h.router.Route(context.Background(), customer("c1", "Alice"), c1, "", "hello")
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, h.History("c1"))
}

func TestCustomerMessagesReachEveryAdminInOrder(t *testing.T) {
	h := newTestHub()
	c1 := newFakeConn("c1")
	a1 := newFakeConn("a1")
	a2 := newFakeConn("a2")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	mustAdmit(t, h, admin("a2", "Bob"), a2)

	ctx := context.Background()
	_, err := h.router.Route(ctx, customer("c1", "Alice"), c1, "ignored", "hello")
	require.NoError(t, err)
	_, err = h.router.Route(ctx, customer("c1", "Alice"), c1, "", "are you there?")
	require.NoError(t, err)

	for _, conn := range []*fakeConn{a1, a2, c1} {
		msgs := conn.messages(t)
		require.Len(t, msgs, 2, conn.ID())
		assert.Equal(t, []string{"hello", "are you there?"}, bodies(msgs))
		assert.Equal(t, "c1", msgs[0].CustomerID, "customers always target their own conversation")
		assert.False(t, msgs[0].FromAdmin)
	}
}

func TestCustomerMessageUnreadDependsOnSelection(t *testing.T) {
	h := newTestHub()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	a1 := newFakeConn("a1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	mustAdmit(t, h, customer("c2", "Carl"), c2)
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	ctx := context.Background()

	_, err := h.router.Select(ctx, admin("a1", "Ann"), a1, "c1")
	require.NoError(t, err)

	res, err := h.router.Route(ctx, customer("c1", "Alice"), c1, "", "selected")
	require.NoError(t, err)
	assert.False(t, res.Unread)
	assert.True(t, res.Delivered)

	res, err = h.router.Route(ctx, customer("c2", "Carl"), c2, "", "not selected")
	require.NoError(t, err)
	assert.True(t, res.Unread)

	snap := a1.lastSnapshot(t)
	require.Len(t, snap, 2)
	assert.Equal(t, "c1", snap[0].ID)
	assert.False(t, snap[0].Unread)
	assert.Equal(t, "c2", snap[1].ID)
	assert.True(t, snap[1].Unread)
}

func TestAdminMessageRouting(t *testing.T) {
	h := newTestHub()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	a1 := newFakeConn("a1")
	a2 := newFakeConn("a2")
	a3 := newFakeConn("a3")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	mustAdmit(t, h, customer("c2", "Carl"), c2)
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	mustAdmit(t, h, admin("a2", "Bob"), a2)
	mustAdmit(t, h, admin("a3", "Cy"), a3)
	ctx := context.Background()

	_, err := h.router.Select(ctx, admin("a1", "Ann"), a1, "c1")
	require.NoError(t, err)
	_, err = h.router.Select(ctx, admin("a2", "Bob"), a2, "c1")
	require.NoError(t, err)
	_, err = h.router.Select(ctx, admin("a3", "Cy"), a3, "c2")
	require.NoError(t, err)

	res, err := h.router.Route(ctx, admin("a1", "Ann"), a1, "c1", "how can I help?")
	require.NoError(t, err)
	assert.True(t, res.Delivered)

	require.Len(t, c1.messages(t), 1)
	assert.True(t, c1.messages(t)[0].FromAdmin)
	assert.Equal(t, "Ann", c1.messages(t)[0].SenderName)
	assert.Empty(t, c2.messages(t))
	assert.Len(t, a2.messages(t), 1, "other admins on the same conversation see the reply")
	assert.Empty(t, a1.messages(t), "sender is not echoed")
	assert.Empty(t, a3.messages(t))

	_, err = h.router.Route(ctx, admin("a1", "Ann"), a1, "", "no target")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestOfflineMessagesVisibleAfterReconnect(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()
	a1 := newFakeConn("a1")
	mustAdmit(t, h, admin("a1", "Ann"), a1)

	c1 := newFakeConn("c1-first")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	_, err := h.router.Route(ctx, customer("c1", "Alice"), c1, "", "before")
	require.NoError(t, err)
	h.disconnect(customer("c1", "Alice"), c1)

	res, err := h.router.Route(ctx, admin("a1", "Ann"), a1, "c1", "while offline 1")
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	_, err = h.router.Route(ctx, admin("a1", "Ann"), a1, "c1", "while offline 2")
	require.NoError(t, err)

	c1b := newFakeConn("c1-second")
	mustAdmit(t, h, customer("c1", "Alice"), c1b)
	replay := c1b.ofType(EventConversationHistory)
	require.Len(t, replay, 1)
	var hp ConversationHistoryPayload
	require.NoError(t, replay[0].Decode(&hp))
	assert.Equal(t, []string{"before", "while offline 1", "while offline 2"}, bodies(hp.Messages))
	_, err = h.router.Route(ctx, customer("c1", "Alice"), c1b, "", "after")
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "while offline 1", "while offline 2", "after"}, bodies(h.History("c1")))
}

func TestUnreadSurvivesSupersedingReconnect(t *testing.T) {
	h := newTestHub()
	a1 := newFakeConn("a1")
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	mustAdmit(t, h, customer("c1", "Alice"), newFakeConn("c1-a"))

	_, err := h.router.Route(context.Background(), customer("c1", "Alice"), nil, "", "need help")
	require.NoError(t, err)
	require.True(t, h.Presence()[0].Unread)

	mustAdmit(t, h, customer("c1", "Alice"), newFakeConn("c1-b"))

	presence := h.Presence()
	require.Len(t, presence, 1)
	assert.True(t, presence[0].Unread)
	snap := a1.lastSnapshot(t)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Unread, "admins keep seeing the unanswered customer")
}

func TestAdminToUnknownCustomerIsNotAnError(t *testing.T) {
	h := newTestHub()
	a1 := newFakeConn("a1")
	mustAdmit(t, h, admin("a1", "Ann"), a1)

	res, err := h.router.Route(context.Background(), admin("a1", "Ann"), a1, "nobody", "ping")
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Len(t, h.History("nobody"), 1)
}

func TestRouteRateLimit(t *testing.T) {
	c1 := newFakeConn("c1")

	h := newTestHub(WithLimiter(stubLimiter{allow: false}))
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	_, err := h.router.Route(context.Background(), customer("c1", "Alice"), c1, "", "spam")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Empty(t, h.History("c1"))

	// 限流存储不可用时放行
	h = newTestHub(WithLimiter(stubLimiter{err: errors.New("redis down")}))
	mustAdmit(t, h, customer("c1", "Alice"), newFakeConn("c1b"))
	_, err = h.router.Route(context.Background(), customer("c1", "Alice"), nil, "", "ok")
	assert.NoError(t, err)
	assert.Len(t, h.History("c1"), 1)
}

func TestRouteFeedsSinkAndLedger(t *testing.T) {
	sink := &recordingSink{}
	ledger := &recordingLedger{}
	h := newTestHub(WithSink(sink), WithLedger(ledger))
	c1 := newFakeConn("c1")
	a1 := newFakeConn("a1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	ctx := context.Background()

	_, err := h.router.Route(ctx, customer("c1", "Alice"), c1, "", "help")
	require.NoError(t, err)
	_, err = h.router.Select(ctx, admin("a1", "Ann"), a1, "c1")
	require.NoError(t, err)
	_, err = h.router.Route(ctx, admin("a1", "Ann"), a1, "c1", "sure")
	require.NoError(t, err)

	assert.Equal(t, []string{"help", "sure"}, bodies(sink.msgs))
	assert.Equal(t, []string{"help", "sure"}, bodies(ledger.msgs))
	assert.Equal(t, "Alice", ledger.people[0].Name)
	assert.Equal(t, "c1", ledger.people[1].ID)
	assert.Equal(t, []string{"c1"}, ledger.reads)
}

func TestSelectSendsHistoryThenSnapshot(t *testing.T) {
	h := newTestHub()
	c1 := newFakeConn("c1")
	a1 := newFakeConn("a1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	ctx := context.Background()
	_, err := h.router.Route(ctx, customer("c1", "Alice"), c1, "", "need help")
	require.NoError(t, err)
	mustAdmit(t, h, admin("a1", "Ann"), a1)

	_, err = h.router.Select(ctx, customer("c1", "Alice"), c1, "c1")
	assert.ErrorIs(t, err, ErrNotAdmin)

	history, err := h.router.Select(ctx, admin("a1", "Ann"), a1, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"need help"}, bodies(history))

	a1.mu.Lock()
	types := make([]string, 0, len(a1.events))
	for _, e := range a1.events {
		types = append(types, e.Type)
	}
	a1.mu.Unlock()
	assert.Equal(t, []string{EventIdentified, EventPresenceSnapshot, EventConversationHistory, EventPresenceSnapshot}, types)

	var hp ConversationHistoryPayload
	require.NoError(t, json.Unmarshal(a1.ofType(EventConversationHistory)[0].Payload, &hp))
	assert.Equal(t, "c1", hp.CustomerID)
	require.Len(t, hp.Messages, 1)
	assert.Equal(t, "Alice", hp.Messages[0].SenderName)
}

func TestConcurrentSelectAndRouteDeliversEachMessageOnce(t *testing.T) {
	h := newTestHub()
	c1 := newFakeConn("c1")
	a1 := newFakeConn("a1")
	mustAdmit(t, h, customer("c1", "Alice"), c1)
	mustAdmit(t, h, admin("a1", "Ann"), a1)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, _ = h.router.Route(ctx, customer("c1", "Alice"), c1, "", "m")
		}
	}()
	var lastHistory []Message
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			lastHistory, _ = h.router.Select(ctx, admin("a1", "Ann"), a1, "c1")
		}
	}()
	wg.Wait()

	// 最后一次选中之后的实时消息数 + 当时的历史长度 = 总数
	a1.mu.Lock()
	live := 0
	seenLastHistory := false
	histories := 0
	for _, e := range a1.events {
		if e.Type == EventConversationHistory {
			histories++
			if histories == 10 {
				seenLastHistory = true
			}
			continue
		}
		if seenLastHistory && e.Type == EventMessage {
			live++
		}
	}
	a1.mu.Unlock()
	assert.Equal(t, n, len(lastHistory)+live)
	assert.Len(t, h.History("c1"), n)
}
