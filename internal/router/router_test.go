package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crewmesh/crewmesh/internal/registry"
	"github.com/crewmesh/crewmesh/pkg/models"
)

func newFixture(t *testing.T, opts ...Option) (*registry.Registry, *Router) {
	t.Helper()
	reg := registry.New()
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := reg.Register(name, models.RoleImplementation, nil); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	return reg, New(reg, opts...)
}

func TestSend_deliversToInbox(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t)
	ctx := context.Background()

	sent, err := r.Send(ctx, models.Message{
		From: "alice", To: "bob",
		Type:    models.MessageQuery,
		Payload: models.Payload{Content: "status?"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID == "" || sent.Status != models.MessageDelivered {
		t.Errorf("sent message: %+v", sent)
	}

	inbox, err := r.Inbox("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].ID != sent.ID {
		t.Fatalf("inbox: %v", inbox)
	}

	if err := r.Ack(ctx, "bob", sent.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	inbox, _ = r.Inbox("bob")
	if len(inbox) != 0 {
		t.Error("ack should consume the message")
	}
	if err := r.Ack(ctx, "bob", sent.ID); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("double ack: got %v", err)
	}
}

func TestSend_unknownPartiesRejected(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t)
	ctx := context.Background()

	if _, err := r.Send(ctx, models.Message{From: "ghost", To: "bob"}); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("unknown sender: got %v", err)
	}
	if _, err := r.Send(ctx, models.Message{From: "alice", To: "ghost"}); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("unknown recipient: got %v", err)
	}
}

func TestSend_handoffRequiresOwnership(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t, WithOwnerChecker(ownerFunc(func(agent, task string) bool {
		return agent == "alice" && task == "t1"
	})))
	ctx := context.Background()

	if _, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Type: models.MessageHandoff}); !models.IsKind(err, models.KindPolicyViolation) {
		t.Errorf("handoff without task: got %v", err)
	}
	var ke *models.Error
	_, err := r.Send(ctx, models.Message{From: "bob", To: "alice", Type: models.MessageHandoff, TaskID: "t1"})
	if !errors.As(err, &ke) || ke.Code != models.CodeNotOwner {
		t.Errorf("handoff by non-owner: got %v", err)
	}
	if _, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Type: models.MessageHandoff, TaskID: "t1"}); err != nil {
		t.Errorf("handoff by owner: %v", err)
	}
}

type ownerFunc func(agent, task string) bool

func (f ownerFunc) Owns(agent, task string) bool { return f(agent, task) }

func TestSend_offlineRecipientRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	reg, r := newFixture(t, WithRetryPolicy(3, time.Millisecond))
	ctx := context.Background()

	if _, err := reg.SetStatus("bob", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	sent, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Payload: models.Payload{Content: "hi"}})
	if err != nil {
		t.Fatalf("Send to offline recipient must not error synchronously: %v", err)
	}
	if sent.Status != models.MessagePending {
		t.Errorf("status: %s", sent.Status)
	}

	// Recipient comes back before the retry budget runs out.
	if _, err := reg.SetStatus("bob", models.AgentAvailable, 100, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	r.processRetries(ctx)

	inbox, _ := r.Inbox("bob")
	if len(inbox) != 1 || inbox[0].Payload.Content != "hi" {
		t.Fatalf("message not delivered on retry: %v", inbox)
	}
}

func TestSend_retryBudgetExhaustedNotifiesSender(t *testing.T) {
	t.Parallel()
	reg, r := newFixture(t, WithRetryPolicy(2, time.Millisecond))
	ctx := context.Background()

	if _, err := reg.SetStatus("bob", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	sent, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Payload: models.Payload{Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}

	// Burn through the attempt budget.
	for i := 0; i < 4; i++ {
		time.Sleep(3 * time.Millisecond)
		r.processRetries(ctx)
	}

	// The sender holds a failure notice referencing the dead message.
	inbox, _ := r.Inbox("alice")
	if len(inbox) != 1 {
		t.Fatalf("expected one failure notice, got %v", inbox)
	}
	notice := inbox[0]
	if notice.Type != models.MessageResponse || notice.From != "bob" {
		t.Errorf("notice envelope: %+v", notice)
	}
	if notice.Payload.Context["failed_message_id"] != sent.ID {
		t.Errorf("notice should reference the failed message, got %v", notice.Payload.Context)
	}
}

func TestSend_pairOrderPreservedAcrossRetries(t *testing.T) {
	t.Parallel()
	reg, r := newFixture(t, WithRetryPolicy(5, time.Millisecond))
	ctx := context.Background()

	if _, err := reg.SetStatus("bob", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Payload: models.Payload{Content: "first"}}); err != nil {
		t.Fatal(err)
	}

	// Bob comes back, but the first message is still queued; the second must
	// not overtake it.
	if _, err := reg.SetStatus("bob", models.AgentAvailable, 100, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Send(ctx, models.Message{From: "alice", To: "bob", Payload: models.Payload{Content: "second"}}); err != nil {
		t.Fatal(err)
	}

	inbox, _ := r.Inbox("bob")
	if len(inbox) != 0 {
		t.Fatalf("second message must queue behind the pending first, got %v", inbox)
	}

	time.Sleep(5 * time.Millisecond)
	r.processRetries(ctx)
	inbox, _ = r.Inbox("bob")
	if len(inbox) != 2 {
		t.Fatalf("expected both messages after retry, got %d", len(inbox))
	}
	if inbox[0].Payload.Content != "first" || inbox[1].Payload.Content != "second" {
		t.Errorf("order violated: %q then %q", inbox[0].Payload.Content, inbox[1].Payload.Content)
	}
}

func TestBroadcast_fanOut(t *testing.T) {
	t.Parallel()
	reg, r := newFixture(t)
	ctx := context.Background()

	if _, err := reg.SetStatus("carol", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	_, results, err := r.Broadcast(ctx, models.Message{
		From: "alice", Type: models.MessageStatusUpdate,
		Payload: models.Payload{Content: "going offline soon"},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if _, ok := results["alice"]; ok {
		t.Error("sender must be excluded from its own broadcast")
	}
	if results["bob"] != models.MessageDelivered {
		t.Errorf("bob: %s", results["bob"])
	}
	if results["carol"] != models.MessagePending {
		t.Errorf("offline carol should be pending retry, got %s", results["carol"])
	}
	inbox, _ := r.Inbox("bob")
	if len(inbox) != 1 {
		t.Fatalf("bob inbox: %v", inbox)
	}
}

func TestInboxCapacity(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t, WithInboxCapacity(2), WithRetryPolicy(2, time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Send(ctx, models.Message{From: "alice", To: "bob"}); err != nil {
			t.Fatal(err)
		}
	}
	// Third send hits the bound and goes to the retry queue.
	sent, err := r.Send(ctx, models.Message{From: "alice", To: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != models.MessagePending {
		t.Errorf("over-capacity send should be pending, got %s", sent.Status)
	}
	if r.TotalDepth() != 2 {
		t.Errorf("TotalDepth: got %d", r.TotalDepth())
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t)

	r.Restore(models.Message{ID: "m1", From: "alice", To: "bob", Status: models.MessageDelivered})
	r.Restore(models.Message{ID: "m2", From: "alice", To: "bob", Status: models.MessageRead})
	inbox, err := r.Inbox("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].ID != "m1" {
		t.Errorf("only delivered-unread messages re-enter the inbox: %v", inbox)
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (c *captureRecorder) RecordMessage(_ context.Context, m models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *captureRecorder) snapshots() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestSend_recordsSnapshots(t *testing.T) {
	t.Parallel()
	rec := &captureRecorder{}
	_, r := newFixture(t, WithRecorder(rec))
	ctx := context.Background()

	sent, err := r.Send(ctx, models.Message{
		From: "alice", To: "bob",
		Type:    models.MessageQuery,
		Payload: models.Payload{Content: "status?"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := r.Ack(ctx, "bob", sent.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	snaps := rec.snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected delivery and ack snapshots, got %d", len(snaps))
	}
	if snaps[0].ID != sent.ID || snaps[0].Status != models.MessageDelivered {
		t.Errorf("first snapshot: %+v", snaps[0])
	}
	if snaps[1].ID != sent.ID || snaps[1].Status != models.MessageRead {
		t.Errorf("ack snapshot: %+v", snaps[1])
	}
}

func TestSend_concurrentSendersKeepPairOrder(t *testing.T) {
	t.Parallel()
	_, r := newFixture(t)
	ctx := context.Background()

	const perSender = 20
	var wg sync.WaitGroup
	for _, from := range []string{"alice", "carol"} {
		wg.Add(1)
		go func(from string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := r.Send(ctx, models.Message{
					From: from, To: "bob",
					Type:    models.MessageQuery,
					Payload: models.Payload{Content: fmt.Sprintf("%s-%d", from, i)},
				}); err != nil {
					t.Errorf("Send %s-%d: %v", from, i, err)
					return
				}
			}
		}(from)
	}
	wg.Wait()

	inbox, err := r.Inbox("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 2*perSender {
		t.Fatalf("inbox size: %d", len(inbox))
	}
	seen := map[string]int{}
	for _, m := range inbox {
		want := fmt.Sprintf("%s-%d", m.From, seen[m.From])
		if m.Payload.Content != want {
			t.Fatalf("pair order broken for %s: got %q want %q", m.From, m.Payload.Content, want)
		}
		seen[m.From]++
	}
}
