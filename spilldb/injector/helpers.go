package injector

// Four find-or-insert helper-row creators: field names, flag names,
// annotation names, and addresses. Each tolerates a concurrent
// injector inserting the same row first, by retrying a UNIQUE-
// constraint conflict as a fresh lookup instead of failing — the same
// shape spilldb/spillbox/insertmsg.go uses for SQLITE_CONSTRAINT_
// PRIMARYKEY retries on message ids, applied here to a UNIQUE name
// column instead of a random surrogate id.
//
// Because crawshaw.io/sqlite has no multi-connection shared write
// transaction (SQLite is single-writer), the four creators run as
// four independently-committing find-or-insert passes, each on its
// own pooled connection, launched concurrently via
// golang.org/x/sync/errgroup — real Go-level concurrency standing in
// for the spec's "these four run in parallel" within a single
// database's single-writer constraint. See DESIGN.md.

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/sync/errgroup"
	"spilled.ink/email"
)

// addressKey is the (display name, localpart, lowercased domain)
// identity two addresses are considered the same under.
type addressKey struct {
	Name, Local, Domain string
}

func addressKeyOf(a email.Address) addressKey {
	local, domain := splitAddrSpec(a.Addr)
	return addressKey{Name: a.Name, Local: local, Domain: strings.ToLower(domain)}
}

func splitAddrSpec(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// dependencySet is every distinct name/address an injection run needs
// resolved to a database id before bodyparts and messages can be
// inserted.
type dependencySet struct {
	FieldNames      []string
	FlagNames       []string
	AnnotationNames []string
	Addresses       []addressKey
}

// resolvedDependencies is dependencySet's values mapped to their
// resolved row ids.
type resolvedDependencies struct {
	FieldNameIDs      map[string]int64
	FlagNameIDs       map[string]int64
	AnnotationNameIDs map[string]int64
	AddressIDs        map[addressKey]int64
}

// createDependencies resolves every name/address dependencySet lists,
// running the four independent creators concurrently.
func createDependencies(ctx context.Context, pool *sqlitex.Pool, deps dependencySet) (*resolvedDependencies, error) {
	resolved := &resolvedDependencies{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := resolveNames(gctx, pool, "field_names", deps.FieldNames)
		resolved.FieldNameIDs = ids
		return err
	})
	g.Go(func() error {
		ids, err := resolveNames(gctx, pool, "flag_names", deps.FlagNames)
		resolved.FlagNameIDs = ids
		return err
	})
	g.Go(func() error {
		ids, err := resolveNames(gctx, pool, "annotation_names", deps.AnnotationNames)
		resolved.AnnotationNameIDs = ids
		return err
	})
	g.Go(func() error {
		ids, err := resolveAddresses(gctx, pool, deps.Addresses)
		resolved.AddressIDs = ids
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func resolveNames(ctx context.Context, pool *sqlitex.Pool, table string, names []string) (map[string]int64, error) {
	conn := pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer pool.Put(conn)

	ids := make(map[string]int64, len(names))
	for _, name := range dedupStrings(names) {
		id, err := findOrInsertName(conn, table, name)
		if err != nil {
			return nil, fmt.Errorf("injector: %s: %w", table, err)
		}
		ids[name] = id
	}
	return ids, nil
}

// findOrInsertName resolves name to its row id in table (one of
// field_names, flag_names, annotation_names), inserting a fresh row
// when it doesn't exist yet.
func findOrInsertName(conn *sqlite.Conn, table, name string) (id int64, err error) {
	defer sqlitex.Save(conn)(&err)

	if id, ok, err := lookupNameID(conn, table, name); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	ins := conn.Prep(fmt.Sprintf(`INSERT INTO %s (id, name) VALUES ($id, $name);`, table))
	ins.SetText("$name", name)
	id, err = sqlitex.InsertRandID(ins, "$id", 1, 1<<31)
	if err == nil {
		return id, nil
	}
	if sqlite.ErrCode(err) != sqlite.SQLITE_CONSTRAINT_UNIQUE {
		return 0, err
	}

	// Lost the race to a concurrent insert of the same name; the row
	// exists now, so look it up instead of failing.
	id, ok, err := lookupNameID(conn, table, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("injector: %s: unique conflict on %q left no row behind", table, name)
	}
	return id, nil
}

func lookupNameID(conn *sqlite.Conn, table, name string) (id int64, ok bool, err error) {
	stmt := conn.Prep(fmt.Sprintf(`SELECT id FROM %s WHERE name = $name;`, table))
	stmt.SetText("$name", name)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	id = stmt.GetInt64("id")
	stmt.Reset()
	return id, true, nil
}

func dedupStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func resolveAddresses(ctx context.Context, pool *sqlitex.Pool, addrs []addressKey) (map[addressKey]int64, error) {
	conn := pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer pool.Put(conn)

	ids, err := findOrInsertAddresses(conn, addrs)
	if err != nil {
		return nil, fmt.Errorf("injector: addresses: %w", err)
	}
	return ids, nil
}

// addressBatchSize bounds how many not-yet-known addresses a single
// injection run inserts per round trip, keeping one pathological
// message (thousands of distinct recipients) from holding the
// addresses table's write lock for an unbounded stretch.
const addressBatchSize = 128

// findOrInsertAddresses resolves every key in addrs to its addresses
// row id, batching the insert of previously-unseen addresses in
// groups of at most addressBatchSize.
func findOrInsertAddresses(conn *sqlite.Conn, addrs []addressKey) (_ map[addressKey]int64, err error) {
	defer sqlitex.Save(conn)(&err)

	keys := dedupAddressKeys(addrs)
	result := make(map[addressKey]int64, len(keys))
	var missing []addressKey
	for _, k := range keys {
		id, ok, err := lookupAddressID(conn, k)
		if err != nil {
			return nil, err
		}
		if ok {
			result[k] = id
		} else {
			missing = append(missing, k)
		}
	}

	for len(missing) > 0 {
		n := addressBatchSize
		if n > len(missing) {
			n = len(missing)
		}
		for _, k := range missing[:n] {
			id, err := insertAddress(conn, k)
			if err != nil {
				return nil, err
			}
			result[k] = id
		}
		missing = missing[n:]
	}
	return result, nil
}

func lookupAddressID(conn *sqlite.Conn, k addressKey) (id int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT id FROM addresses WHERE name = $name AND localpart = $local AND lower(domain) = lower($domain);`)
	stmt.SetText("$name", k.Name)
	stmt.SetText("$local", k.Local)
	stmt.SetText("$domain", k.Domain)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	id = stmt.GetInt64("id")
	stmt.Reset()
	return id, true, nil
}

func insertAddress(conn *sqlite.Conn, k addressKey) (int64, error) {
	stmt := conn.Prep(`INSERT INTO addresses (id, name, localpart, domain) VALUES ($id, $name, $local, $domain);`)
	stmt.SetText("$name", k.Name)
	stmt.SetText("$local", k.Local)
	stmt.SetText("$domain", k.Domain)
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
	if err == nil {
		return id, nil
	}
	if sqlite.ErrCode(err) != sqlite.SQLITE_CONSTRAINT_UNIQUE {
		return 0, err
	}
	id, ok, err := lookupAddressID(conn, k)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("injector: addresses: unique conflict on %+v left no row behind", k)
	}
	return id, nil
}

func dedupAddressKeys(keys []addressKey) []addressKey {
	seen := make(map[addressKey]bool, len(keys))
	out := make([]addressKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
