package database

import (
	"context"
	"fmt"
	"strings"
)

// Row security is the enforcement layer: policies live in the database so a
// bug in any single query path cannot leak cross-tenant rows. The
// application connects as a non-owner role (RLS enabled, not bypassed);
// migrations and maintenance run as the table owner.
//
// All policies key on transaction-local settings written by
// WithAuthorization. current_setting(..., true) yields NULL when the
// setting is absent, NULLIF guards the empty string, and a NULL predicate
// selects nothing: a query without context returns zero rows instead of
// erroring or returning unfiltered data.

const (
	identitySetting     = "carebook.identity_id"
	orgSetting          = "carebook.org_id"
	provisioningSetting = "carebook.provisioning"
)

// currentIdentityExpr resolves the caller's identity id or NULL.
func currentIdentityExpr() string {
	return fmt.Sprintf("NULLIF(current_setting('%s', true), '')::uuid", identitySetting)
}

func provisioningExpr() string {
	return fmt.Sprintf("current_setting('%s', true) = 'on'", provisioningSetting)
}

// membershipExpr is the core tenancy predicate: the row is reachable iff an
// active membership links the context identity to the row's organization.
// The org setting alone is never trusted.
func membershipExpr(orgColumn string) string {
	return fmt.Sprintf(`EXISTS (
  SELECT 1 FROM memberships m
  WHERE m.identity_id = %s
    AND m.org_id = %s
    AND m.status = 'active'
)`, currentIdentityExpr(), orgColumn)
}

// OrgScopedTable describes a table isolated per organization.
type OrgScopedTable struct {
	Name      string
	OrgColumn string
	// AppendOnly suppresses the UPDATE and DELETE policies entirely. With
	// row security enabled and no policy, both statements affect zero rows.
	AppendOnly bool
	// Provisioned opens the table to the provisioning scope: INSERT and
	// SELECT carry the provisioning-flag branch. Session resolution has to
	// read and create these rows before any identity context exists, and
	// Postgres checks the SELECT policy against INSERT ... RETURNING rows,
	// so without this branch the bootstrap path can never complete. Only
	// WithProvisioning sets the flag, and only for its own transaction.
	Provisioned bool
}

// IdentityOwnedTable describes a table whose rows belong to a single
// identity rather than an organization.
type IdentityOwnedTable struct {
	Name        string
	OwnerColumn string
	// Provisioned has the same meaning as on OrgScopedTable, and further
	// extends to UPDATE: the resolver touches membership recency before an
	// authorized transaction exists.
	Provisioned bool
}

// SecuredTables is the complete declaration of row-secured tables. The
// migration runner applies the generated policies after the schema
// migrations; VerifyPolicies cross-checks the live catalog at startup.
var SecuredTables = struct {
	OrgScoped     []OrgScopedTable
	IdentityOwned []IdentityOwnedTable
}{
	OrgScoped: []OrgScopedTable{
		{Name: "organizations", OrgColumn: "id", Provisioned: true},
		// Bookings and audit events are only ever touched inside an
		// authorized transaction; the provisioning scope has no business
		// with either.
		{Name: "bookings", OrgColumn: "org_id"},
		{Name: "audit_events", OrgColumn: "org_id", AppendOnly: true},
	},
	IdentityOwned: []IdentityOwnedTable{
		{Name: "identities", OwnerColumn: "id", Provisioned: true},
		{Name: "memberships", OwnerColumn: "identity_id", Provisioned: true},
	},
}

// PolicyStatements renders the full policy DDL for every secured table. The
// statements are idempotent (DROP POLICY IF EXISTS first) so re-running them
// on deploy is safe.
func PolicyStatements() []string {
	var stmts []string
	for _, t := range SecuredTables.OrgScoped {
		stmts = append(stmts, orgScopedStatements(t)...)
	}
	for _, t := range SecuredTables.IdentityOwned {
		stmts = append(stmts, identityOwnedStatements(t)...)
	}
	return stmts
}

func orgScopedStatements(t OrgScopedTable) []string {
	member := membershipExpr(t.Name + "." + t.OrgColumn)

	selectUsing, insertCheck := member, member
	if t.Provisioned {
		selectUsing = fmt.Sprintf("(%s) OR (%s)", member, provisioningExpr())
		insertCheck = selectUsing
	}

	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", t.Name),
		dropCreate(t.Name, t.Name+"_select", fmt.Sprintf(
			"CREATE POLICY %s_select ON %s FOR SELECT USING (%s)", t.Name, t.Name, selectUsing)),
		dropCreate(t.Name, t.Name+"_insert", fmt.Sprintf(
			"CREATE POLICY %s_insert ON %s FOR INSERT WITH CHECK (%s)", t.Name, t.Name, insertCheck)),
	}

	if !t.AppendOnly {
		stmts = append(stmts,
			dropCreate(t.Name, t.Name+"_update", fmt.Sprintf(
				"CREATE POLICY %s_update ON %s FOR UPDATE USING (%s) WITH CHECK (%s)",
				t.Name, t.Name, member, member)),
			dropCreate(t.Name, t.Name+"_delete", fmt.Sprintf(
				"CREATE POLICY %s_delete ON %s FOR DELETE USING (%s)", t.Name, t.Name, member)),
		)
	}
	return stmts
}

func identityOwnedStatements(t IdentityOwnedTable) []string {
	owner := fmt.Sprintf("%s.%s = %s", t.Name, t.OwnerColumn, currentIdentityExpr())

	predicate := owner
	if t.Provisioned {
		predicate = fmt.Sprintf("(%s) OR (%s)", owner, provisioningExpr())
	}

	return []string{
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", t.Name),
		dropCreate(t.Name, t.Name+"_select", fmt.Sprintf(
			"CREATE POLICY %s_select ON %s FOR SELECT USING (%s)", t.Name, t.Name, predicate)),
		dropCreate(t.Name, t.Name+"_insert", fmt.Sprintf(
			"CREATE POLICY %s_insert ON %s FOR INSERT WITH CHECK (%s)", t.Name, t.Name, predicate)),
		dropCreate(t.Name, t.Name+"_update", fmt.Sprintf(
			"CREATE POLICY %s_update ON %s FOR UPDATE USING (%s) WITH CHECK (%s)",
			t.Name, t.Name, predicate, predicate)),
	}
}

func dropCreate(table, policy, create string) string {
	return fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s;\n%s", policy, table, create)
}

// ApplyPolicies executes the generated policy DDL. Must run as the table
// owner (the migration role).
func (db *Database) ApplyPolicies(ctx context.Context) error {
	for _, stmt := range PolicyStatements() {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply policy statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// ExpectedPolicies lists (table, policy) pairs that must exist in the
// catalog.
func ExpectedPolicies() [][2]string {
	var expected [][2]string
	for _, t := range SecuredTables.OrgScoped {
		expected = append(expected,
			[2]string{t.Name, t.Name + "_select"},
			[2]string{t.Name, t.Name + "_insert"})
		if !t.AppendOnly {
			expected = append(expected,
				[2]string{t.Name, t.Name + "_update"},
				[2]string{t.Name, t.Name + "_delete"})
		}
	}
	for _, t := range SecuredTables.IdentityOwned {
		expected = append(expected,
			[2]string{t.Name, t.Name + "_select"},
			[2]string{t.Name, t.Name + "_insert"},
			[2]string{t.Name, t.Name + "_update"})
	}
	return expected
}

// VerifyPolicies checks pg_policies against the expected set and that row
// security is enabled on every secured table. Run at startup so a botched
// migration fails the deploy instead of serving unprotected queries.
func (db *Database) VerifyPolicies(ctx context.Context) error {
	rows, err := db.Pool.Query(ctx, `SELECT tablename, policyname FROM pg_policies WHERE schemaname = current_schema()`)
	if err != nil {
		return fmt.Errorf("failed to query pg_policies: %w", err)
	}
	defer rows.Close()

	present := make(map[[2]string]bool)
	for rows.Next() {
		var table, policy string
		if err := rows.Scan(&table, &policy); err != nil {
			return fmt.Errorf("failed to scan pg_policies: %w", err)
		}
		present[[2]string{table, policy}] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, want := range ExpectedPolicies() {
		if !present[want] {
			missing = append(missing, want[0]+"."+want[1])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("row security policies missing: %s", strings.Join(missing, ", "))
	}

	for _, name := range securedTableNames() {
		var enabled bool
		err := db.Pool.QueryRow(ctx,
			`SELECT relrowsecurity FROM pg_class WHERE relname = $1 AND relnamespace = current_schema()::regnamespace`,
			name).Scan(&enabled)
		if err != nil {
			return fmt.Errorf("failed to check row security on %s: %w", name, err)
		}
		if !enabled {
			return fmt.Errorf("row security not enabled on table %s", name)
		}
	}
	return nil
}

func securedTableNames() []string {
	var names []string
	for _, t := range SecuredTables.OrgScoped {
		names = append(names, t.Name)
	}
	for _, t := range SecuredTables.IdentityOwned {
		names = append(names, t.Name)
	}
	return names
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
