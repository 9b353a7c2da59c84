package injector

// Schema DDL for the injector's own staging and canonical-storage
// tables. Table and column names are normative (kept lower_snake_case
// rather than the rest of spilldb's PascalCase convention) since they
// are part of this subsystem's external interface; everything else
// about the DDL's shape — CREATE TABLE IF NOT EXISTS, inline column
// comments, a trailing block of CREATE INDEX IF NOT EXISTS statements
// — follows spilldb/spillbox/sql.go's template.
const createSQL = `
-- Schema for the message injector: header-field/flag/annotation/address
-- dedup tables, the bodypart content store, and per-mailbox message
-- placement. A single logical message tree is spread across several
-- tables so that its shared pieces (an address, a field name, a
-- bodypart's bytes) can be referenced by many messages without
-- duplication.

PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS mailboxes (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL,
	uidnext       INTEGER NOT NULL DEFAULT 1,
	nextmodseq    INTEGER NOT NULL DEFAULT 1,
	first_recent  INTEGER NOT NULL DEFAULT 1,
	owner         INTEGER NOT NULL,

	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY,
	rfc822size INTEGER NOT NULL,
	idate      INTEGER NOT NULL -- internal date, unix seconds
);

CREATE TABLE IF NOT EXISTS mailbox_messages (
	mailbox INTEGER NOT NULL,
	uid     INTEGER NOT NULL,
	message INTEGER NOT NULL,
	modseq  INTEGER NOT NULL,

	PRIMARY KEY(mailbox, uid),
	FOREIGN KEY(mailbox) REFERENCES mailboxes(id),
	FOREIGN KEY(message) REFERENCES messages(id)
);

CREATE INDEX IF NOT EXISTS mailbox_messages_message ON mailbox_messages (message);

-- (hash, text, data) is the content identity a bodypart dedups on:
-- two bodyparts with the same decoded content share a row regardless
-- of which message first inserted it. Exactly one of text/data is set
-- per row, and SQLite's default UNIQUE semantics treat NULL as
-- distinct from NULL, so the identity index below coalesces both to
-- an empty value rather than using a plain column UNIQUE constraint
-- (which would never actually conflict on the always-NULL column).
CREATE TABLE IF NOT EXISTS bodyparts (
	id    INTEGER PRIMARY KEY,
	bytes INTEGER NOT NULL,
	hash  TEXT NOT NULL, -- hex SHA-256 of the decoded content
	text  TEXT,          -- set for text/* content
	data  BLOB           -- set for binary content
);

CREATE UNIQUE INDEX IF NOT EXISTS bodyparts_identity
	ON bodyparts (hash, coalesce(text, ''), coalesce(data, x''));

-- part is a dotted numeric string addressing a node in a message's
-- bodypart tree (e.g. "1.2"); bodypart is null for a purely structural
-- node (a multipart container with no leaf content of its own).
CREATE TABLE IF NOT EXISTS part_numbers (
	message  INTEGER NOT NULL,
	part     TEXT NOT NULL,
	bodypart INTEGER,
	bytes    INTEGER NOT NULL,
	lines    INTEGER NOT NULL,

	PRIMARY KEY(message, part),
	FOREIGN KEY(message)  REFERENCES messages(id),
	FOREIGN KEY(bodypart) REFERENCES bodyparts(id)
);

CREATE TABLE IF NOT EXISTS field_names (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS flag_names (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS annotation_names (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS addresses (
	id        INTEGER PRIMARY KEY,
	name      TEXT NOT NULL, -- display name; "" when absent
	localpart TEXT NOT NULL,
	domain    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS addresses_identity
	ON addresses (name, localpart, lower(domain));

CREATE TABLE IF NOT EXISTS header_fields (
	message  INTEGER NOT NULL,
	part     TEXT NOT NULL,
	position INTEGER NOT NULL,
	field    INTEGER NOT NULL, -- field_names.id
	value    BLOB NOT NULL,

	PRIMARY KEY(message, part, field, position),
	FOREIGN KEY(message) REFERENCES messages(id),
	FOREIGN KEY(field)   REFERENCES field_names(id)
);

CREATE TABLE IF NOT EXISTS address_fields (
	message  INTEGER NOT NULL,
	part     TEXT NOT NULL,
	position INTEGER NOT NULL,
	field    INTEGER NOT NULL, -- field_names.id
	number   INTEGER NOT NULL, -- ordinal within the address list
	address  INTEGER NOT NULL, -- addresses.id

	PRIMARY KEY(message, part, field, position, number),
	FOREIGN KEY(message) REFERENCES messages(id),
	FOREIGN KEY(field)   REFERENCES field_names(id),
	FOREIGN KEY(address) REFERENCES addresses(id)
);

CREATE TABLE IF NOT EXISTS date_fields (
	message INTEGER NOT NULL,
	value   INTEGER NOT NULL, -- unix seconds

	PRIMARY KEY(message)
);

CREATE TABLE IF NOT EXISTS flags (
	mailbox INTEGER NOT NULL,
	uid     INTEGER NOT NULL,
	flag    INTEGER NOT NULL, -- flag_names.id

	PRIMARY KEY(mailbox, uid, flag),
	FOREIGN KEY(flag) REFERENCES flag_names(id)
);

CREATE TABLE IF NOT EXISTS annotations (
	mailbox INTEGER NOT NULL,
	uid     INTEGER NOT NULL,
	name    INTEGER NOT NULL, -- annotation_names.id
	value   BLOB,
	owner   INTEGER NOT NULL,

	PRIMARY KEY(mailbox, uid, name, owner),
	FOREIGN KEY(name) REFERENCES annotation_names(id)
);

CREATE TABLE IF NOT EXISTS deliveries (
	id          INTEGER PRIMARY KEY,
	sender      INTEGER NOT NULL,
	message     INTEGER NOT NULL,
	injected_at INTEGER NOT NULL,
	expires_at  INTEGER,

	FOREIGN KEY(sender)  REFERENCES addresses(id),
	FOREIGN KEY(message) REFERENCES messages(id)
);

CREATE TABLE IF NOT EXISTS delivery_recipients (
	delivery  INTEGER NOT NULL,
	recipient INTEGER NOT NULL,

	PRIMARY KEY(delivery, recipient),
	FOREIGN KEY(delivery)  REFERENCES deliveries(id),
	FOREIGN KEY(recipient) REFERENCES addresses(id)
);

-- A message that failed to parse is stored as the WrapUnparsableMessage
-- wrapper's second bodypart (the original bytes, unmodified); this
-- table just records which bodypart that was, for diagnostics.
CREATE TABLE IF NOT EXISTS unparsed_messages (
	bodypart INTEGER NOT NULL,

	FOREIGN KEY(bodypart) REFERENCES bodyparts(id)
);
`
