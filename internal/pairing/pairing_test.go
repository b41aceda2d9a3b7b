package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/store"
	"go.uber.org/zap"
)

type notice struct {
	chatID string
	text   string
}

type fakeNotifier struct {
	notices []notice
}

func (f *fakeNotifier) Notify(chatID, text string) {
	f.notices = append(f.notices, notice{chatID, text})
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fixedCodes(codes ...string) func(int) (string, error) {
	return func(int) (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}
}

func identity(remote string, _ bool) (string, error) {
	return remote, nil
}

func msg(chat, text string) platform.Inbound {
	return platform.Inbound{ID: "m-" + text, ChatID: chat, Text: text, Timestamp: time.Now()}
}

func TestPairingScenario(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, 24*time.Hour, zap.NewNop())
	proto.gen = fixedCodes("AB12CD34", "ZZZZ9999")

	notifyA, notifyB := &fakeNotifier{}, &fakeNotifier{}
	ctrlA := NewController(store.SideA, proto, notifyA, identity, zap.NewNop())
	ctrlB := NewController(store.SideB, proto, notifyB, nil, zap.NewNop())

	if !ctrlA.Offer(msg("100", "/install_pipe 200")) {
		t.Fatal("install command not claimed")
	}
	if !ctrlA.Offer(msg("100", "/install_pipe 201")) {
		t.Fatal("second install command not claimed")
	}
	if err := ctrlA.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(notifyA.notices) != 2 || !strings.HasSuffix(notifyA.notices[0].text, "AB12CD34") {
		t.Fatalf("install replies = %+v", notifyA.notices)
	}

	claimed, err := ctrlB.Claim(ctx, msg("200", "AB12CD34"))
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("code not claimed on side b")
	}
	if len(notifyB.notices) != 1 || notifyB.notices[0] != (notice{"200", ReplyConfirmed}) {
		t.Errorf("confirmation notices = %+v", notifyB.notices)
	}

	pipes, err := db.ListPipes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pipes) != 1 {
		t.Fatalf("pipes = %+v, want only the confirmed one", pipes)
	}
	if p := pipes[0]; !p.Active || p.ChatA != "100" || p.ChatB != "200" {
		t.Errorf("pipe = %+v, want active 100<->200", p)
	}

	// The purged sibling's code no longer confirms anything.
	if _, err := proto.Confirm(ctx, "201", "ZZZZ9999"); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("confirm purged sibling error = %v, want ErrUnknownCode", err)
	}
}

func TestInstallConflictReplies(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	n := &fakeNotifier{}
	ctrl := NewController(store.SideA, proto, n, identity, zap.NewNop())

	ctrl.Offer(msg("100", "/install_pipe 200"))
	ctrl.Offer(msg("100", "/install_pipe 200"))
	ctrl.Offer(msg("100", "/install_pipe"))
	if err := ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(n.notices) != 3 {
		t.Fatalf("replies = %+v, want 3", n.notices)
	}
	if n.notices[1].text != ReplyExists {
		t.Errorf("duplicate install reply = %q, want %q", n.notices[1].text, ReplyExists)
	}
	if n.notices[2].text != ReplyUsage {
		t.Errorf("missing argument reply = %q", n.notices[2].text)
	}
}

func TestInstallPrivateUsesResolver(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	n := &fakeNotifier{}
	resolve := func(remote string, private bool) (string, error) {
		if remote == "bad" {
			return "", errors.New("not a number")
		}
		if private {
			return remote + "@s.whatsapp.net", nil
		}
		return remote + "@g.us", nil
	}
	ctrl := NewController(store.SideA, proto, n, resolve, zap.NewNop())

	ctrl.Offer(msg("100", "/install_pipe_private 555"))
	ctrl.Offer(msg("101", "/install_pipe bad"))
	if err := ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	pipes, err := db.ListPipes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pipes) != 1 || pipes[0].ChatB != "555@s.whatsapp.net" {
		t.Errorf("pipes = %+v, want one private pipe", pipes)
	}
	if n.notices[1].chatID != "101" || !strings.Contains(n.notices[1].text, "bad") {
		t.Errorf("bad remote reply = %+v", n.notices[1])
	}
}

func TestUninstall(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	n := &fakeNotifier{}
	ctrl := NewController(store.SideA, proto, n, identity, zap.NewNop())

	ctrl.Offer(msg("100", "/install_pipe 200"))
	ctrl.Offer(msg("100", "/uninstall"))
	ctrl.Offer(msg("100", "/uninstall"))
	if err := ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := n.notices[1].text; got != ReplyRemoved {
		t.Errorf("uninstall reply = %q, want %q", got, ReplyRemoved)
	}
	if got := n.notices[2].text; got != ReplyNoPipe {
		t.Errorf("second uninstall reply = %q, want %q", got, ReplyNoPipe)
	}
}

func TestClaimLeavesOrdinaryText(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	n := &fakeNotifier{}
	ctrl := NewController(store.SideB, proto, n, nil, zap.NewNop())

	for _, text := range []string{"hello there", "Tomorrow we meet", "whatever"} {
		if ctrl.Offer(msg("200", text)) {
			t.Errorf("Offer(%q) claimed on side b", text)
		}
		claimed, err := ctrl.Claim(ctx, msg("200", text))
		if err != nil {
			t.Fatal(err)
		}
		if claimed {
			t.Errorf("Claim(%q) = true without a pending pipe", text)
		}
	}
	if len(n.notices) != 0 {
		t.Errorf("notices = %+v", n.notices)
	}
}

func TestClaimOnSideAIsNoop(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	proto.gen = fixedCodes("AB12CD34")
	if _, err := proto.Install(ctx, "100", "200"); err != nil {
		t.Fatal(err)
	}
	ctrl := NewController(store.SideA, proto, &fakeNotifier{}, identity, zap.NewNop())
	claimed, err := ctrl.Claim(ctx, msg("200", "AB12CD34"))
	if err != nil || claimed {
		t.Errorf("Claim() = %v, %v on side a", claimed, err)
	}
}

func TestSideBIgnoresPipeCommands(t *testing.T) {
	proto := NewProtocol(testDB(t), 8, time.Hour, zap.NewNop())
	ctrl := NewController(store.SideB, proto, &fakeNotifier{}, nil, zap.NewNop())
	if ctrl.Offer(msg("200", "/install_pipe 100")) {
		t.Error("side b must not accept install commands")
	}
}

func TestExpiredCodeIsRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	proto.gen = fixedCodes("OLDCODE1")

	code, err := proto.Install(ctx, "100", "200")
	if err != nil {
		t.Fatal(err)
	}
	proto.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := proto.Confirm(ctx, "200", code); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("confirm expired code error = %v, want ErrUnknownCode", err)
	}
	n, err := proto.Expire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
}

func TestCollidingCodesFirstCreatedWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	proto := NewProtocol(db, 8, time.Hour, zap.NewNop())
	proto.gen = fixedCodes("SAME0001", "SAME0001")

	if _, err := proto.Install(ctx, "100", "200"); err != nil {
		t.Fatal(err)
	}
	if _, err := proto.Install(ctx, "101", "200"); err != nil {
		t.Fatal(err)
	}

	pipe, err := proto.Confirm(ctx, "200", "same0001")
	if err != nil {
		t.Fatal(err)
	}
	if pipe.ChatA != "100" {
		t.Errorf("activated chat_a = %s, want 100 (first created)", pipe.ChatA)
	}
	pending, err := db.PendingPipes(ctx, store.SideB, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending["200"]) != 1 || pending["200"][0].ChatA != "101" {
		t.Errorf("loser should remain pending: %+v", pending)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text   string
		want   Command
		wantOK bool
	}{
		{"/install_pipe 42", Command{Kind: CmdInstall, Arg: "42"}, true},
		{"/install_pipe@bridgebot 42", Command{Kind: CmdInstall, Arg: "42"}, true},
		{"/install_pipe_private 7", Command{Kind: CmdInstallPrivate, Arg: "7"}, true},
		{"/uninstall", Command{Kind: CmdUninstall}, true},
		{"/time_updates on", Command{Kind: CmdTimeUpdates, On: true}, true},
		{"/notifications OFF", Command{Kind: CmdNotifications}, true},
		{"/time_updates maybe", Command{Kind: CmdTimeUpdates}, false},
		{"/unknown", Command{}, false},
		{"hello /uninstall", Command{}, false},
		{"", Command{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ParseCommand(tt.text)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseCommand(%q) = %+v, %v, want %+v, %v", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 8 {
		t.Fatalf("len = %d, want 8", len(code))
	}
	proto := NewProtocol(nil, 8, 0, zap.NewNop())
	if !proto.LooksLikeCode(code) {
		t.Errorf("generated code %q does not look like a code", code)
	}
	if proto.LooksLikeCode("short") || proto.LooksLikeCode("with-dash") {
		t.Error("LooksLikeCode accepted a non-code")
	}
}

func TestGenerateCodeIsUniform(t *testing.T) {
	counts := make(map[rune]int)
	const codes, n = 12500, 8
	for range codes {
		code, err := GenerateCode(n)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range code {
			counts[r]++
		}
	}
	if len(counts) != len(codeAlphabet) {
		t.Fatalf("saw %d symbols, want %d", len(counts), len(codeAlphabet))
	}
	// A byte-modulo draw would favour the first four symbols by 8/7.
	mean := float64(codes*n) / float64(len(codeAlphabet))
	for _, r := range codeAlphabet[:4] {
		if got := float64(counts[r]); got > mean*1.08 {
			t.Errorf("symbol %c drawn %.0f times, mean %.0f", r, got, mean)
		}
	}
}
