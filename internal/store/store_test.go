package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func activePipe(t *testing.T, db *DB, chatA, chatB string) *Pipe {
	t.Helper()
	ctx := context.Background()
	p, err := db.CreatePendingPipe(ctx, chatA, chatB, "CODE"+chatB)
	if err != nil {
		t.Fatal(err)
	}
	active, err := db.ConfirmPipe(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	return active
}

func pending(t *testing.T, db *DB, side Side) []PendingMessage {
	t.Helper()
	var out []PendingMessage
	for pm, err := range db.PendingMessagesFor(context.Background(), side) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, pm)
	}
	return out
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestAppendMessageRequiresExactlyOneChat(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"side a only", Message{OriginID: "m1", ChatA: "100", Content: "hi"}, false},
		{"side b only", Message{OriginID: "m2", ChatB: "200", Content: "hi"}, false},
		{"neither", Message{OriginID: "m3", Content: "hi"}, true},
		{"both", Message{OriginID: "m4", ChatA: "100", ChatB: "200", Content: "hi"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.AppendMessage(ctx, &tt.msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("AppendMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPendingMessagesRequireActivePipe(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.AppendMessage(ctx, &Message{OriginID: "m1", ChatA: "100", Content: "hello", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if got := pending(t, db, SideB); len(got) != 0 {
		t.Fatalf("pending without pipe = %d, want 0", len(got))
	}

	// A pending (unconfirmed) pipe does not make the message deliverable.
	p, err := db.CreatePendingPipe(ctx, "100", "200", "AB12CD34")
	if err != nil {
		t.Fatal(err)
	}
	if got := pending(t, db, SideB); len(got) != 0 {
		t.Fatalf("pending with inactive pipe = %d, want 0", len(got))
	}

	if _, err := db.ConfirmPipe(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	got := pending(t, db, SideB)
	if len(got) != 1 {
		t.Fatalf("pending with active pipe = %d, want 1", len(got))
	}
	if got[0].Destination != "200" || got[0].Content != "hello" {
		t.Errorf("pending[0] = %+v, want destination 200 content hello", got[0])
	}

	// Nothing flows back to side A: the message originated there.
	if got := pending(t, db, SideA); len(got) != 0 {
		t.Errorf("pending for origin side = %d, want 0", len(got))
	}
}

func TestPendingMessagesForSideA(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	activePipe(t, db, "100", "200")

	if _, err := db.AppendMessage(ctx, &Message{OriginID: "w1", ChatB: "200", Content: "from b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendMessage(ctx, &Message{OriginID: "w2", ChatB: "999", Content: "unpiped"}); err != nil {
		t.Fatal(err)
	}

	got := pending(t, db, SideA)
	if len(got) != 1 {
		t.Fatalf("pending for side a = %d, want 1", len(got))
	}
	if got[0].Destination != "100" || got[0].OriginID != "w1" {
		t.Errorf("pending[0] = %+v, want w1 -> 100", got[0])
	}
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	activePipe(t, db, "100", "200")

	id, err := db.AppendMessage(ctx, &Message{OriginID: "m1", ChatA: "100", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := db.MarkDelivered(ctx, id, SideB, "200")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first MarkDelivered should change the row")
	}
	changed, err = db.MarkDelivered(ctx, id, SideB, "other")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second MarkDelivered should be a no-op")
	}

	m, err := db.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.ChatB != "200" {
		t.Errorf("ChatB = %q, want 200 (first delivery wins)", m.ChatB)
	}
	if got := pending(t, db, SideB); len(got) != 0 {
		t.Errorf("delivered row still pending: %+v", got)
	}
}

// TestPendingMessagesRestartAfterPartialBatch verifies that a consumer which
// stops mid-batch re-observes the undelivered rows on the next poll.
func TestPendingMessagesRestartAfterPartialBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	activePipe(t, db, "100", "200")

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := db.AppendMessage(ctx, &Message{OriginID: id, ChatA: "100", Content: id}); err != nil {
			t.Fatal(err)
		}
	}

	for pm, err := range db.PendingMessagesFor(ctx, SideB) {
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.MarkDelivered(ctx, pm.InternalID, SideB, pm.Destination); err != nil {
			t.Fatal(err)
		}
		break
	}

	got := pending(t, db, SideB)
	if len(got) != 2 {
		t.Fatalf("pending after partial batch = %d, want 2", len(got))
	}
	if got[0].OriginID != "m2" || got[1].OriginID != "m3" {
		t.Errorf("pending order = %s,%s, want m2,m3", got[0].OriginID, got[1].OriginID)
	}
}

func TestCreatePendingPipeConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.CreatePendingPipe(ctx, "100", "200", "AAAA1111"); err != nil {
		t.Fatal(err)
	}
	_, err := db.CreatePendingPipe(ctx, "100", "200", "BBBB2222")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate pair error = %v, want ErrConflict", err)
	}
	if _, err := db.CreatePendingPipe(ctx, "100", "201", "CCCC3333"); err != nil {
		t.Errorf("different chat b should be allowed: %v", err)
	}
}

func TestConfirmPipePurgesSiblings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p1, err := db.CreatePendingPipe(ctx, "100", "201", "AAAA1111")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := db.CreatePendingPipe(ctx, "100", "202", "BBBB2222")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreatePendingPipe(ctx, "300", "202", "CCCC3333"); err != nil {
		t.Fatal(err)
	}

	if _, err := db.ConfirmPipe(ctx, p2.ID); err != nil {
		t.Fatal(err)
	}

	pipes, err := db.ListPipes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pipes) != 2 {
		t.Fatalf("pipes after confirm = %d, want 2: %+v", len(pipes), pipes)
	}
	for _, p := range pipes {
		if p.ID == p1.ID {
			t.Error("sibling pending pipe was not purged")
		}
		if p.ID == p2.ID && (!p.Active || p.Code != "") {
			t.Errorf("confirmed pipe = %+v, want active with cleared code", p)
		}
		if p.ChatA == "300" && p.Active {
			t.Error("unrelated pending pipe was activated")
		}
	}

	// The loser of a race can no longer be confirmed.
	if _, err := db.ConfirmPipe(ctx, p1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("confirm purged pipe error = %v, want ErrNotFound", err)
	}
	if _, err := db.ConfirmPipe(ctx, p2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("confirm active pipe error = %v, want ErrNotFound", err)
	}
}

func TestConfirmPipeReplacesPreviousActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	activePipe(t, db, "100", "200")

	p, err := db.CreatePendingPipe(ctx, "100", "201", "NEWCODE1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ConfirmPipe(ctx, p.ID); err != nil {
		t.Fatalf("confirm with existing active pipe: %v", err)
	}

	dests, err := db.ActivePipeDestinations(ctx, SideB)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dests["201"]; !ok || len(dests) != 1 {
		t.Errorf("active destinations = %v, want only 201", dests)
	}
}

func TestRemovePipe(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	activePipe(t, db, "100", "200")
	if _, err := db.CreatePendingPipe(ctx, "100", "201", "AAAA1111"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RemovePipe(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	dests, err := db.ActivePipeDestinations(ctx, SideA)
	if err != nil {
		t.Fatal(err)
	}
	if len(dests) != 0 {
		t.Errorf("active destinations after remove = %v, want none", dests)
	}
}

func TestPendingPipesExpiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.now = func() int64 { return 1000 }
	if _, err := db.CreatePendingPipe(ctx, "100", "200", "OLDCODE1"); err != nil {
		t.Fatal(err)
	}
	db.now = func() int64 { return 5000 }
	if _, err := db.CreatePendingPipe(ctx, "101", "200", "NEWCODE1"); err != nil {
		t.Fatal(err)
	}

	got, err := db.PendingPipes(ctx, SideB, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got["200"]) != 1 || got["200"][0].Code != "NEWCODE1" {
		t.Errorf("PendingPipes(after 2000) = %+v, want only NEWCODE1", got)
	}

	n, err := db.PurgeExpiredPipes(ctx, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestUpsertAndListUsers(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	alice := User{ID: "u1", Platform: "mattermost", DisplayName: "Alice", Username: "alice", LastSeen: 10}
	if err := db.UpsertUsers(ctx, []User{alice}, true); err != nil {
		t.Fatal(err)
	}

	alice.LastSeen = 20
	alice.WantsTime = true
	alice.Muted = true
	if err := db.UpsertUsers(ctx, []User{alice}, false); err != nil {
		t.Fatal(err)
	}

	users, err := db.ListUsers(ctx, "mattermost")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := users["u1"]
	if !ok {
		t.Fatal("user u1 not listed")
	}
	if got.LastSeen != 20 || !got.WantsTime || !got.Muted || got.Dirty {
		t.Errorf("user = %+v, want last_seen 20, want_time, muted, not dirty", got)
	}

	other, err := db.ListUsers(ctx, "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("users for other platform = %d, want 0", len(other))
	}
}

func TestAppendObservations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	obs := []Observation{
		{UserID: "u1", Platform: "mattermost", Online: true, ObservedAt: 1},
		{UserID: "u1", Platform: "mattermost", Online: false, ObservedAt: 2},
	}
	if err := db.AppendObservations(ctx, obs); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountObservations(ctx, "mattermost", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("observations = %d, want 2", n)
	}
}
