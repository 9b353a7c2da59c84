// Package injector stores parsed messages into mailboxes: it resolves
// every shared dependency a message touches (header-field names, flag
// names, annotation names, sender/recipient addresses), dedups its
// bodyparts by content hash, assigns each delivery a per-mailbox UID
// and mod-sequence, and records delivery/recipient bookkeeping for
// status tracking — all inside one committed batch.
package injector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"spilled.ink/email"
	"spilled.ink/third_party/imf"
)

// State is a step of a single Inject call's progress, surfaced for
// logging and tests; callers never set it directly.
type State int

const (
	Inactive State = iota
	CreatingDependencies
	InsertingBodyparts
	SelectingMessageIds
	SelectingUids
	InsertingMessages
	AwaitingCompletion
	Done
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case CreatingDependencies:
		return "CreatingDependencies"
	case InsertingBodyparts:
		return "InsertingBodyparts"
	case SelectingMessageIds:
		return "SelectingMessageIds"
	case SelectingUids:
		return "SelectingUids"
	case InsertingMessages:
		return "InsertingMessages"
	case AwaitingCompletion:
		return "AwaitingCompletion"
	case Done:
		return "Done"
	default:
		return "State(?)"
	}
}

// Injectee is one parsed message destined for one mailbox.
type Injectee struct {
	Msg         *imf.Message
	MailboxID   int64
	Flags       []string
	Annotations map[string][]byte // annotation name -> value
	Owner       int64             // annotation owner; 0 for shared annotations

	// filled in by Inject
	MessageID int64
	UID       uint32
	ModSeq    int64
}

// Delivery groups one accepted message with the envelope sender and
// recipients it was submitted for, for status tracking independent of
// which mailboxes it eventually lands in.
type Delivery struct {
	Msg        *imf.Message
	Sender     email.Address
	Recipients []email.Address
	ExpiresAt  time.Time

	// filled in by Inject
	MessageID  int64
	DeliveryID int64
}

// Injector stores messages into a database created by the DDL in
// schema.go.
type Injector struct {
	dbpool *sqlitex.Pool
	log    *zap.Logger

	successes prometheus.Counter
	failures  prometheus.Counter
}

var injectorBatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "seaglass",
		Subsystem: "injector",
		Name:      "batches_total",
		Help:      "Injection batches processed, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(injectorBatches)
}

// NewInjector returns an Injector storing into dbpool. log may be nil,
// in which case zap.NewNop() is used.
func NewInjector(dbpool *sqlitex.Pool, log *zap.Logger) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Injector{
		dbpool:    dbpool,
		log:       log,
		successes: injectorBatches.WithLabelValues("success"),
		failures:  injectorBatches.WithLabelValues("failure"),
	}
}

// Inject stores every Injectee and every Delivery as one atomic batch:
// either all of it lands, or none does. On return, each Injectee's
// MessageID/UID/ModSeq and each Delivery's MessageID/DeliveryID fields
// are filled in.
func (j *Injector) Inject(ctx context.Context, injectees []*Injectee, deliveries []*Delivery) (err error) {
	state := Inactive
	defer func() {
		if err != nil {
			j.failures.Inc()
			j.log.Error("injection failed", zap.Stringer("state", state), zap.Error(err))
		} else {
			j.successes.Inc()
		}
	}()

	if len(injectees) == 0 && len(deliveries) == 0 {
		return nil
	}

	state = CreatingDependencies
	deps := collectDependencySet(injectees, deliveries)
	resolved, err := createDependencies(ctx, j.dbpool, deps)
	if err != nil {
		return fmt.Errorf("injector: creating dependencies: %w", err)
	}

	conn := j.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer j.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	state = InsertingBodyparts
	bodypartIDs := make(map[string]int64) // content hash -> bodyparts.id
	for _, ie := range injectees {
		if ie.Msg == nil || ie.Msg.Root == nil {
			continue
		}
		if err := insertBodyparts(conn, ie.Msg.Root, bodypartIDs); err != nil {
			return fmt.Errorf("injector: inserting bodyparts: %w", err)
		}
	}
	for _, d := range deliveries {
		if d.Msg == nil || d.Msg.Root == nil {
			continue
		}
		if err := insertBodyparts(conn, d.Msg.Root, bodypartIDs); err != nil {
			return fmt.Errorf("injector: inserting bodyparts: %w", err)
		}
	}

	state = SelectingMessageIds
	for _, ie := range injectees {
		id, err := insertMessageRow(conn, ie.Msg)
		if err != nil {
			return fmt.Errorf("injector: inserting message: %w", err)
		}
		ie.MessageID = id
		if err := insertMessageFields(conn, id, ie.Msg, resolved, bodypartIDs); err != nil {
			return fmt.Errorf("injector: indexing message %d: %w", id, err)
		}
	}
	for _, d := range deliveries {
		id, err := insertMessageRow(conn, d.Msg)
		if err != nil {
			return fmt.Errorf("injector: inserting message: %w", err)
		}
		d.MessageID = id
		if err := insertMessageFields(conn, id, d.Msg, resolved, bodypartIDs); err != nil {
			return fmt.Errorf("injector: indexing message %d: %w", id, err)
		}
	}

	state = SelectingUids
	// Acquire each mailbox's UID/mod-sequence in ascending mailbox-id
	// order so that two concurrently-committing batches touching
	// overlapping mailboxes never deadlock against each other, the
	// same ordering discipline spillbox/insertmsg.go's single-message
	// assignMailbox relies on implicitly by only ever touching one
	// mailbox per call.
	order := make([]int, len(injectees))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return injectees[order[a]].MailboxID < injectees[order[b]].MailboxID })
	// All messages landing in the same mailbox within this batch share a
	// single mod-sequence (the mailbox's nextmodseq advances by exactly
	// one per Inject call, not once per message), so NextMsgModSeq is
	// only called on the first injectee seen for each mailbox.
	haveModSeq := false
	var curMailbox int64
	var curModSeq int64
	for _, i := range order {
		ie := injectees[i]
		uid, err := NextMsgUID(conn, ie.MailboxID)
		if err != nil {
			return fmt.Errorf("injector: assigning uid in mailbox %d: %w", ie.MailboxID, err)
		}
		ie.UID = uid

		if !haveModSeq || ie.MailboxID != curMailbox {
			modSeq, err := NextMsgModSeq(conn, ie.MailboxID)
			if err != nil {
				return fmt.Errorf("injector: assigning modseq in mailbox %d: %w", ie.MailboxID, err)
			}
			haveModSeq = true
			curMailbox = ie.MailboxID
			curModSeq = modSeq
		}
		ie.ModSeq = curModSeq
	}

	state = InsertingMessages
	for _, ie := range injectees {
		if err := placeInMailbox(conn, ie, resolved); err != nil {
			return fmt.Errorf("injector: placing message %d in mailbox %d: %w", ie.MessageID, ie.MailboxID, err)
		}
	}
	for _, d := range deliveries {
		id, err := insertDelivery(conn, d, resolved)
		if err != nil {
			return fmt.Errorf("injector: recording delivery: %w", err)
		}
		d.DeliveryID = id
	}

	state = AwaitingCompletion
	// sqlitex.Save's deferred call commits here if err is still nil.
	state = Done
	return nil
}

func collectDependencySet(injectees []*Injectee, deliveries []*Delivery) dependencySet {
	var deps dependencySet
	for _, ie := range injectees {
		deps.FlagNames = append(deps.FlagNames, ie.Flags...)
		for name := range ie.Annotations {
			deps.AnnotationNames = append(deps.AnnotationNames, name)
		}
		collectMessageDeps(ie.Msg, &deps)
	}
	for _, d := range deliveries {
		deps.Addresses = append(deps.Addresses, addressKeyOf(d.Sender))
		for _, r := range d.Recipients {
			deps.Addresses = append(deps.Addresses, addressKeyOf(r))
		}
		collectMessageDeps(d.Msg, &deps)
	}
	return deps
}

func collectMessageDeps(msg *imf.Message, deps *dependencySet) {
	if msg == nil {
		return
	}
	collectHeaderDeps(msg.Header, deps)
	walkBodyparts(msg.Root, func(bp *imf.Bodypart) {
		collectHeaderDeps(bp.Header, deps)
		if bp.Nested != nil {
			collectMessageDeps(bp.Nested, deps)
		}
	})
}

func collectHeaderDeps(hdr email.Header, deps *dependencySet) {
	fields, _ := imf.ParseHeaderFields(hdr)
	for _, f := range fields {
		deps.FieldNames = append(deps.FieldNames, string(f.Name))
		for _, a := range f.Addresses {
			deps.Addresses = append(deps.Addresses, addressKeyOf(a))
		}
	}
}

func walkBodyparts(bp *imf.Bodypart, fn func(*imf.Bodypart)) {
	if bp == nil {
		return
	}
	fn(bp)
	for _, c := range bp.Children {
		walkBodyparts(c, fn)
	}
}

// insertBodyparts walks bp's tree, content-addressing every leaf into
// the bodyparts table and recording its assigned id in ids, keyed by
// ContentHash. Structural nodes (multipart containers, message/rfc822
// wrappers) have no content of their own and are skipped.
func insertBodyparts(conn *sqlite.Conn, bp *imf.Bodypart, ids map[string]int64) error {
	if bp.Kind == imf.ContentLeafText || bp.Kind == imf.ContentLeafBinary {
		if _, ok := ids[bp.ContentHash]; !ok {
			id, err := findOrInsertBodypart(conn, bp)
			if err != nil {
				return err
			}
			ids[bp.ContentHash] = id
		}
	}
	for _, c := range bp.Children {
		if err := insertBodyparts(conn, c, ids); err != nil {
			return err
		}
	}
	if bp.Nested != nil && bp.Nested.Root != nil {
		if err := insertBodyparts(conn, bp.Nested.Root, ids); err != nil {
			return err
		}
	}
	return nil
}

func findOrInsertBodypart(conn *sqlite.Conn, bp *imf.Bodypart) (id int64, err error) {
	defer sqlitex.Save(conn)(&err)

	var text, data interface{}
	if bp.Kind == imf.ContentLeafText {
		text = bp.Text
	} else {
		data = bp.Data
	}

	sel := conn.Prep(`SELECT id FROM bodyparts WHERE hash = $hash AND text IS $text AND data IS $data;`)
	sel.SetText("$hash", bp.ContentHash)
	bindNullable(sel, "$text", text)
	bindNullable(sel, "$data", data)
	hasRow, err := sel.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		id = sel.GetInt64("id")
		sel.Reset()
		return id, nil
	}
	sel.Reset()

	ins := conn.Prep(`INSERT INTO bodyparts (id, bytes, hash, text, data) VALUES ($id, $bytes, $hash, $text, $data);`)
	ins.SetInt64("$bytes", bp.NumBytes)
	ins.SetText("$hash", bp.ContentHash)
	bindNullable(ins, "$text", text)
	bindNullable(ins, "$data", data)
	id, err = sqlitex.InsertRandID(ins, "$id", 1, 1<<31)
	if err == nil {
		return id, nil
	}
	if sqlite.ErrCode(err) != sqlite.SQLITE_CONSTRAINT_UNIQUE {
		return 0, err
	}

	sel = conn.Prep(`SELECT id FROM bodyparts WHERE hash = $hash AND text IS $text AND data IS $data;`)
	sel.SetText("$hash", bp.ContentHash)
	bindNullable(sel, "$text", text)
	bindNullable(sel, "$data", data)
	hasRow, err = sel.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, fmt.Errorf("bodypart %s: unique conflict left no row behind", bp.ContentHash)
	}
	id = sel.GetInt64("id")
	sel.Reset()
	return id, nil
}

func bindNullable(stmt *sqlite.Stmt, param string, v interface{}) {
	switch x := v.(type) {
	case nil:
		stmt.SetNull(param)
	case string:
		stmt.SetText(param, x)
	case []byte:
		stmt.SetBytes(param, x)
	}
}

func insertMessageRow(conn *sqlite.Conn, msg *imf.Message) (int64, error) {
	var idate int64
	if fields, err := imf.ParseHeaderFields(msg.Header); err == nil {
		for _, f := range fields {
			if f.Type == email.FieldDate && !f.Date.IsZero() {
				idate = f.Date.Unix()
			}
		}
	}
	if idate == 0 {
		idate = time.Now().Unix()
	}

	stmt := conn.Prep(`INSERT INTO messages (id, rfc822size, idate) VALUES ($id, $size, $idate);`)
	stmt.SetInt64("$size", msg.RFC822Size)
	stmt.SetInt64("$idate", idate)
	return sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
}

// insertMessageFields records header_fields, address_fields,
// date_fields, and part_numbers for a freshly-inserted message.
func insertMessageFields(conn *sqlite.Conn, messageID int64, msg *imf.Message, resolved *resolvedDependencies, bodypartIDs map[string]int64) error {
	if err := insertHeaderFields(conn, messageID, "", msg.Header, resolved); err != nil {
		return err
	}
	if msg.Root == nil {
		return nil
	}
	// The root bodypart's Header is the same top-level header just
	// inserted under part "" (see Message's doc comment), so skip
	// re-inserting it under part "1" to avoid a redundant duplicate of
	// every envelope field.
	return insertPartNumbers(conn, messageID, "", msg.Root, resolved, bodypartIDs, true)
}

func insertHeaderFields(conn *sqlite.Conn, messageID int64, part string, hdr email.Header, resolved *resolvedDependencies) error {
	fields, _ := imf.ParseHeaderFields(hdr)
	for _, f := range fields {
		fieldID, ok := resolved.FieldNameIDs[string(f.Name)]
		if !ok {
			return fmt.Errorf("field %q not resolved", f.Name)
		}
		stmt := conn.Prep(`INSERT INTO header_fields (message, part, position, field, value) VALUES ($message, $part, $position, $field, $value);`)
		stmt.SetInt64("$message", messageID)
		stmt.SetText("$part", part)
		stmt.SetInt64("$position", int64(f.Position))
		stmt.SetInt64("$field", fieldID)
		stmt.SetBytes("$value", f.Raw)
		if _, err := stmt.Step(); err != nil {
			return err
		}

		if f.Type == email.FieldDate && !f.Date.IsZero() && part == "" {
			stmt := conn.Prep(`INSERT OR REPLACE INTO date_fields (message, value) VALUES ($message, $value);`)
			stmt.SetInt64("$message", messageID)
			stmt.SetInt64("$value", f.Date.Unix())
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}

		for n, addr := range f.Addresses {
			addrID, ok := resolved.AddressIDs[addressKeyOf(addr)]
			if !ok {
				return fmt.Errorf("address %q not resolved", addr.Addr)
			}
			stmt := conn.Prep(`INSERT INTO address_fields (message, part, position, field, number, address)
				VALUES ($message, $part, $position, $field, $number, $address);`)
			stmt.SetInt64("$message", messageID)
			stmt.SetText("$part", part)
			stmt.SetInt64("$position", int64(f.Position))
			stmt.SetInt64("$field", fieldID)
			stmt.SetInt64("$number", int64(n+1))
			stmt.SetInt64("$address", addrID)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertPartNumbers(conn *sqlite.Conn, messageID int64, prefix string, bp *imf.Bodypart, resolved *resolvedDependencies, bodypartIDs map[string]int64, isRoot bool) error {
	part := prefix
	if part == "" {
		part = "1"
	}

	var bodypartID interface{}
	if bp.Kind == imf.ContentLeafText || bp.Kind == imf.ContentLeafBinary {
		id, ok := bodypartIDs[bp.ContentHash]
		if !ok {
			return fmt.Errorf("bodypart %s not resolved", bp.ContentHash)
		}
		bodypartID = id
	}

	stmt := conn.Prep(`INSERT INTO part_numbers (message, part, bodypart, bytes, lines) VALUES ($message, $part, $bodypart, $bytes, $lines);`)
	stmt.SetInt64("$message", messageID)
	stmt.SetText("$part", part)
	bindNullable(stmt, "$bodypart", bodypartID)
	stmt.SetInt64("$bytes", bp.NumBytes)
	stmt.SetInt64("$lines", bp.NumLines)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	if len(bp.Children) > 0 && !isRoot {
		if err := insertHeaderFields(conn, messageID, part, bp.Header, resolved); err != nil {
			return err
		}
	}
	for i, c := range bp.Children {
		if err := insertPartNumbers(conn, messageID, fmt.Sprintf("%s.%d", part, i+1), c, resolved, bodypartIDs, false); err != nil {
			return err
		}
	}
	if bp.Nested != nil && bp.Nested.Root != nil {
		if !isRoot {
			if err := insertHeaderFields(conn, messageID, part, bp.Nested.Header, resolved); err != nil {
				return err
			}
		}
		if err := insertPartNumbers(conn, messageID, part+".1", bp.Nested.Root, resolved, bodypartIDs, false); err != nil {
			return err
		}
	}
	return nil
}

func placeInMailbox(conn *sqlite.Conn, ie *Injectee, resolved *resolvedDependencies) error {
	stmt := conn.Prep(`INSERT INTO mailbox_messages (mailbox, uid, message, modseq) VALUES ($mailbox, $uid, $message, $modseq);`)
	stmt.SetInt64("$mailbox", ie.MailboxID)
	stmt.SetInt64("$uid", int64(ie.UID))
	stmt.SetInt64("$message", ie.MessageID)
	stmt.SetInt64("$modseq", ie.ModSeq)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	for _, flag := range ie.Flags {
		flagID, ok := resolved.FlagNameIDs[flag]
		if !ok {
			return fmt.Errorf("flag %q not resolved", flag)
		}
		stmt := conn.Prep(`INSERT INTO flags (mailbox, uid, flag) VALUES ($mailbox, $uid, $flag);`)
		stmt.SetInt64("$mailbox", ie.MailboxID)
		stmt.SetInt64("$uid", int64(ie.UID))
		stmt.SetInt64("$flag", flagID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	for name, value := range ie.Annotations {
		nameID, ok := resolved.AnnotationNameIDs[name]
		if !ok {
			return fmt.Errorf("annotation %q not resolved", name)
		}
		stmt := conn.Prep(`INSERT INTO annotations (mailbox, uid, name, value, owner) VALUES ($mailbox, $uid, $name, $value, $owner);`)
		stmt.SetInt64("$mailbox", ie.MailboxID)
		stmt.SetInt64("$uid", int64(ie.UID))
		stmt.SetInt64("$name", nameID)
		stmt.SetBytes("$value", value)
		stmt.SetInt64("$owner", ie.Owner)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

func insertDelivery(conn *sqlite.Conn, d *Delivery, resolved *resolvedDependencies) (int64, error) {
	senderID, ok := resolved.AddressIDs[addressKeyOf(d.Sender)]
	if !ok {
		return 0, fmt.Errorf("sender %q not resolved", d.Sender.Addr)
	}

	stmt := conn.Prep(`INSERT INTO deliveries (id, sender, message, injected_at, expires_at) VALUES ($id, $sender, $message, $injectedAt, $expiresAt);`)
	stmt.SetInt64("$sender", senderID)
	stmt.SetInt64("$message", d.MessageID)
	stmt.SetInt64("$injectedAt", time.Now().Unix())
	if d.ExpiresAt.IsZero() {
		stmt.SetNull("$expiresAt")
	} else {
		stmt.SetInt64("$expiresAt", d.ExpiresAt.Unix())
	}
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
	if err != nil {
		return 0, err
	}

	for _, r := range d.Recipients {
		recipientID, ok := resolved.AddressIDs[addressKeyOf(r)]
		if !ok {
			return 0, fmt.Errorf("recipient %q not resolved", r.Addr)
		}
		stmt := conn.Prep(`INSERT INTO delivery_recipients (delivery, recipient) VALUES ($delivery, $recipient);`)
		stmt.SetInt64("$delivery", id)
		stmt.SetInt64("$recipient", recipientID)
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// NextMsgUID returns the next UID to assign in mailboxID, advancing
// the mailbox's counter. Ported from spillbox/insertmsg.go's function
// of the same name: SQLite has no SELECT ... FOR UPDATE, so the
// conditional UPDATE (succeeds only if NextUID hasn't moved since the
// SELECT) serves as the optimistic-concurrency equivalent of a row
// lock.
func NextMsgUID(conn *sqlite.Conn, mailboxID int64) (uint32, error) {
	stmt := conn.Prep(`SELECT uidnext FROM mailboxes WHERE id = $mailboxID;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	nextUID, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return 0, err
	}

	stmt = conn.Prep(`UPDATE mailboxes SET uidnext = $new
		WHERE id = $mailboxID AND uidnext = $new - 1;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$new", nextUID+1)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}

	return uint32(nextUID), nil
}

// NextMsgModSeq returns the next mod-sequence to assign in mailboxID,
// advancing the mailbox's counter. Ported from the equivalent function
// in spillbox/insertmsg.go, simplified to a per-mailbox counter since
// this schema has no separate sequencing-by-name table.
func NextMsgModSeq(conn *sqlite.Conn, mailboxID int64) (modSeq int64, err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`SELECT nextmodseq FROM mailboxes WHERE id = $mailboxID;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	modSeq, err = sqlitex.ResultInt64(stmt)
	if err != nil {
		return 0, err
	}

	stmt = conn.Prep(`UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = $mailboxID;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}

	return modSeq, nil
}
