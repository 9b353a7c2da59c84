package injector

import (
	"context"
	"strings"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"go.uber.org/zap"

	"spilled.ink/email"
	"spilled.ink/third_party/imf"
)

func mkdb(t *testing.T) *sqlitex.Pool {
	t.Helper()

	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_URI
	dbpool, err := sqlitex.Open("file::memory:?mode=memory&cache=shared", flags, 8)
	if err != nil {
		t.Fatal(err)
	}

	conn := dbpool.Get(context.Background())
	defer dbpool.Put(conn)
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		t.Fatal(err)
	}
	return dbpool
}

func mkMailbox(t *testing.T, dbpool *sqlitex.Pool, owner int64, name string) int64 {
	t.Helper()
	conn := dbpool.Get(context.Background())
	defer dbpool.Put(conn)

	stmt := conn.Prep(`INSERT INTO mailboxes (id, name, owner) VALUES ($id, $name, $owner);`)
	stmt.SetText("$name", name)
	stmt.SetInt64("$owner", owner)
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func parse(t *testing.T, raw string) *imf.Message {
	t.Helper()
	msg, err := imf.ParseMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !msg.Valid() {
		t.Fatalf("message not valid: %v", msg.Err)
	}
	return msg
}

func TestInjectSingleMessage(t *testing.T) {
	dbpool := mkdb(t)
	defer dbpool.Close()

	mailboxID := mkMailbox(t, dbpool, 1, "INBOX")

	msg := parse(t, "From: alice@example.com\r\n"+
		"To: bob@example.com\r\n"+
		"Subject: hi\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"hello\r\n")

	inj := NewInjector(dbpool, zap.NewNop())
	ie := &Injectee{Msg: msg, MailboxID: mailboxID, Flags: []string{"\\Seen"}}

	if err := inj.Inject(context.Background(), []*Injectee{ie}, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if ie.MessageID == 0 {
		t.Error("MessageID not assigned")
	}
	if ie.UID != 1 {
		t.Errorf("UID = %d, want 1", ie.UID)
	}

	conn := dbpool.Get(context.Background())
	defer dbpool.Put(conn)

	stmt := conn.Prep(`SELECT count(*) FROM mailbox_messages WHERE mailbox = $mailbox;`)
	stmt.SetInt64("$mailbox", mailboxID)
	n, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("mailbox_messages count = %d, want 1", n)
	}

	flagStmt := conn.Prep(`SELECT count(*) FROM flags WHERE mailbox = $mailbox AND uid = $uid;`)
	flagStmt.SetInt64("$mailbox", mailboxID)
	flagStmt.SetInt64("$uid", int64(ie.UID))
	flagCount, err := sqlitex.ResultInt64(flagStmt)
	if err != nil {
		t.Fatal(err)
	}
	if flagCount != 1 {
		t.Errorf("flags count = %d, want 1", flagCount)
	}
}

func TestInjectAssignsIncreasingUIDs(t *testing.T) {
	dbpool := mkdb(t)
	defer dbpool.Close()

	mailboxID := mkMailbox(t, dbpool, 1, "INBOX")
	inj := NewInjector(dbpool, zap.NewNop())

	var uids []uint32
	for i := 0; i < 3; i++ {
		msg := parse(t, "From: alice@example.com\r\n"+
			"To: bob@example.com\r\n"+
			"Subject: hi\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"hello\r\n")
		ie := &Injectee{Msg: msg, MailboxID: mailboxID}
		if err := inj.Inject(context.Background(), []*Injectee{ie}, nil); err != nil {
			t.Fatalf("Inject #%d: %v", i, err)
		}
		uids = append(uids, ie.UID)
	}
	for i := 1; i < len(uids); i++ {
		if uids[i] <= uids[i-1] {
			t.Errorf("uids = %v, want strictly increasing", uids)
		}
	}
}

func TestInjectSharesModSeqWithinBatch(t *testing.T) {
	dbpool := mkdb(t)
	defer dbpool.Close()

	mailboxID := mkMailbox(t, dbpool, 1, "INBOX")
	inj := NewInjector(dbpool, zap.NewNop())

	conn := dbpool.Get(context.Background())
	stmt := conn.Prep(`SELECT nextmodseq FROM mailboxes WHERE id = $mailbox;`)
	stmt.SetInt64("$mailbox", mailboxID)
	before, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		t.Fatal(err)
	}
	dbpool.Put(conn)

	var injectees []*Injectee
	for i := 0; i < 3; i++ {
		msg := parse(t, "From: alice@example.com\r\n"+
			"To: bob@example.com\r\n"+
			"Subject: hi\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"hello\r\n")
		injectees = append(injectees, &Injectee{Msg: msg, MailboxID: mailboxID})
	}
	if err := inj.Inject(context.Background(), injectees, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	for _, ie := range injectees[1:] {
		if ie.ModSeq != injectees[0].ModSeq {
			t.Errorf("ModSeq = %d, want %d (all messages in one batch share a mod-sequence)", ie.ModSeq, injectees[0].ModSeq)
		}
	}

	conn = dbpool.Get(context.Background())
	defer dbpool.Put(conn)
	stmt = conn.Prep(`SELECT nextmodseq FROM mailboxes WHERE id = $mailbox;`)
	stmt.SetInt64("$mailbox", mailboxID)
	after, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		t.Fatal(err)
	}
	if after != before+1 {
		t.Errorf("nextmodseq advanced by %d, want 1", after-before)
	}
}

func TestInjectDedupsIdenticalBodyparts(t *testing.T) {
	dbpool := mkdb(t)
	defer dbpool.Close()

	mailboxID := mkMailbox(t, dbpool, 1, "INBOX")
	inj := NewInjector(dbpool, zap.NewNop())

	body := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"identical body\r\n"

	ie1 := &Injectee{Msg: parse(t, body), MailboxID: mailboxID}
	ie2 := &Injectee{Msg: parse(t, body), MailboxID: mailboxID}
	if err := inj.Inject(context.Background(), []*Injectee{ie1, ie2}, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	conn := dbpool.Get(context.Background())
	defer dbpool.Put(conn)
	count, err := sqlitex.ResultInt64(conn.Prep("SELECT count(*) FROM bodyparts;"))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("bodyparts count = %d, want 1 (content should dedup)", count)
	}
}

func TestInjectDelivery(t *testing.T) {
	dbpool := mkdb(t)
	defer dbpool.Close()

	inj := NewInjector(dbpool, zap.NewNop())
	msg := parse(t, "From: alice@example.com\r\n"+
		"To: bob@example.com\r\n"+
		"Subject: hi\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"hello\r\n")

	d := &Delivery{
		Msg:        msg,
		Sender:     email.Address{Addr: "alice@example.com"},
		Recipients: []email.Address{{Addr: "bob@example.com"}},
	}
	if err := inj.Inject(context.Background(), nil, []*Delivery{d}); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if d.DeliveryID == 0 {
		t.Error("DeliveryID not assigned")
	}

	conn := dbpool.Get(context.Background())
	defer dbpool.Put(conn)
	stmt := conn.Prep(`SELECT count(*) FROM delivery_recipients WHERE delivery = $delivery;`)
	stmt.SetInt64("$delivery", d.DeliveryID)
	n, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("delivery_recipients count = %d, want 1", n)
	}
}
