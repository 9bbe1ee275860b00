package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/martinsuchenak/protosync/internal/model"
)

const prototypeColumns = `id, discovery_rule_id, host, name, status, discover, inventory_mode,
	uuid, lineage_id, created_at, updated_at`

// FindHostPrototypesByRuleIDs returns every prototype of the given rules
func (q *queries) FindHostPrototypesByRuleIDs(ctx context.Context, ruleIDs []string) ([]model.HostPrototype, error) {
	ruleIDs = uniqueStrings(ruleIDs)
	if len(ruleIDs) == 0 {
		return nil, nil
	}
	return q.ListHostPrototypes(ctx, &model.HostPrototypeFilter{DiscoveryRuleIDs: ruleIDs})
}

// ListHostPrototypes returns host prototypes, optionally filtered
func (q *queries) ListHostPrototypes(ctx context.Context, filter *model.HostPrototypeFilter) ([]model.HostPrototype, error) {
	query := "SELECT " + prototypeColumns + " FROM host_prototypes WHERE 1=1"
	var args []any

	if filter != nil {
		if ids := uniqueStrings(filter.IDs); len(ids) > 0 {
			query += " AND id IN (" + placeholders(len(ids)) + ")"
			args = append(args, stringArgs(ids)...)
		}
		if ruleIDs := uniqueStrings(filter.DiscoveryRuleIDs); len(ruleIDs) > 0 {
			query += " AND discovery_rule_id IN (" + placeholders(len(ruleIDs)) + ")"
			args = append(args, stringArgs(ruleIDs)...)
		}
		if lineageIDs := uniqueStrings(filter.LineageIDs); len(lineageIDs) > 0 {
			query += " AND lineage_id IN (" + placeholders(len(lineageIDs)) + ")"
			args = append(args, stringArgs(lineageIDs)...)
		}
		if filter.Native {
			query += " AND lineage_id IS NULL"
		}
	}

	query += " ORDER BY discovery_rule_id, host"

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying host prototypes: %w", err)
	}
	defer rows.Close()

	var protos []model.HostPrototype
	for rows.Next() {
		var p model.HostPrototype
		var uuid, lineageID sql.NullString
		err := rows.Scan(
			&p.ID, &p.DiscoveryRuleID, &p.Host, &p.Name, &p.Status, &p.Discover, &p.InventoryMode,
			&uuid, &lineageID, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning host prototype: %w", err)
		}
		p.UUID = uuid.String
		p.LineageID = lineageID.String
		protos = append(protos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating host prototypes: %w", err)
	}
	rows.Close()

	if err := q.loadPrototypeDetails(ctx, protos); err != nil {
		return nil, err
	}
	return protos, nil
}

// SaveHostPrototypes inserts or updates each prototype with its nested rows.
// Callers outside a transaction should go through SQLStore, which wraps it.
func (q *queries) SaveHostPrototypes(ctx context.Context, batch []model.HostPrototype) ([]model.HostPrototype, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	// Park the names of rows being updated on their IDs so that renames
	// inside one batch cannot trip the per-rule unique indexes.
	var existing []string
	for _, p := range batch {
		if p.ID != "" {
			existing = append(existing, p.ID)
		}
	}
	if existing = uniqueStrings(existing); len(existing) > 0 {
		_, err := q.exec(ctx,
			"UPDATE host_prototypes SET host = id, name = id WHERE id IN ("+placeholders(len(existing))+")",
			stringArgs(existing)...)
		if err != nil {
			return nil, fmt.Errorf("releasing host prototype names: %w", err)
		}
	}

	now := time.Now().UTC()
	saved := make([]model.HostPrototype, 0, len(batch))
	for _, p := range batch {
		p = p.Clone()
		p.Normalize()
		p.UpdatedAt = now

		if err := q.upsertPrototype(ctx, &p, now); err != nil {
			return nil, err
		}
		if err := q.saveGroups(ctx, &p); err != nil {
			return nil, err
		}
		if err := q.saveTemplatesTagsMacros(ctx, &p); err != nil {
			return nil, err
		}
		saved = append(saved, p)
	}
	return saved, nil
}

func (q *queries) upsertPrototype(ctx context.Context, p *model.HostPrototype, now time.Time) error {
	if p.ID != "" {
		res, err := q.exec(ctx, `
			UPDATE host_prototypes
			SET discovery_rule_id = ?, host = ?, name = ?, status = ?, discover = ?,
			    inventory_mode = ?, uuid = ?, lineage_id = ?, updated_at = ?
			WHERE id = ?
		`, p.DiscoveryRuleID, p.Host, p.Name, p.Status, p.Discover,
			p.InventoryMode, nullString(p.UUID), nullString(p.LineageID), p.UpdatedAt,
			p.ID)
		if err != nil {
			return fmt.Errorf("updating host prototype %q: %w", p.Host, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			return nil
		}
	} else {
		p.ID = generateID()
	}

	p.CreatedAt = now
	_, err := q.exec(ctx, `
		INSERT INTO host_prototypes
		    (id, discovery_rule_id, host, name, status, discover, inventory_mode,
		     uuid, lineage_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.DiscoveryRuleID, p.Host, p.Name, p.Status, p.Discover, p.InventoryMode,
		nullString(p.UUID), nullString(p.LineageID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting host prototype %q: %w", p.Host, err)
	}
	return nil
}

// saveGroups upserts group links and group prototypes and removes rows the
// prototype no longer carries
func (q *queries) saveGroups(ctx context.Context, p *model.HostPrototype) error {
	var keep []string
	position := 0

	save := func(groups []model.GroupPrototype) error {
		for i := range groups {
			g := &groups[i]
			g.HostPrototypeID = p.ID
			if g.ID == "" {
				g.ID = generateID()
			}

			res, err := q.exec(ctx, `
				UPDATE group_prototypes
				SET host_prototype_id = ?, group_id = ?, name = ?, lineage_id = ?, position = ?
				WHERE id = ?
			`, g.HostPrototypeID, nullString(g.GroupID), nullString(g.Name), nullString(g.LineageID), position, g.ID)
			if err != nil {
				return fmt.Errorf("updating group prototype: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				_, err = q.exec(ctx, `
					INSERT INTO group_prototypes (id, host_prototype_id, group_id, name, lineage_id, position)
					VALUES (?, ?, ?, ?, ?, ?)
				`, g.ID, g.HostPrototypeID, nullString(g.GroupID), nullString(g.Name), nullString(g.LineageID), position)
				if err != nil {
					return fmt.Errorf("inserting group prototype: %w", err)
				}
			}
			keep = append(keep, g.ID)
			position++
		}
		return nil
	}

	if err := save(p.GroupLinks); err != nil {
		return err
	}
	if err := save(p.GroupPrototypes); err != nil {
		return err
	}

	query := "SELECT id FROM group_prototypes WHERE host_prototype_id = ?"
	args := []any{p.ID}
	if len(keep) > 0 {
		query += " AND id NOT IN (" + placeholders(len(keep)) + ")"
		args = append(args, stringArgs(keep)...)
	}
	stale, err := q.selectIDs(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finding stale group prototypes: %w", err)
	}
	return q.DeleteGroupPrototypes(ctx, stale)
}

func (q *queries) saveTemplatesTagsMacros(ctx context.Context, p *model.HostPrototype) error {
	for _, table := range []string{"host_prototype_templates", "host_prototype_tags", "host_prototype_macros"} {
		if _, err := q.exec(ctx, "DELETE FROM "+table+" WHERE host_prototype_id = ?", p.ID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for i, templateID := range p.Templates {
		_, err := q.exec(ctx,
			"INSERT INTO host_prototype_templates (host_prototype_id, template_id, position) VALUES (?, ?, ?)",
			p.ID, templateID, i)
		if err != nil {
			return fmt.Errorf("inserting host prototype template: %w", err)
		}
	}
	for i, t := range p.Tags {
		_, err := q.exec(ctx,
			"INSERT INTO host_prototype_tags (host_prototype_id, tag, value, position) VALUES (?, ?, ?, ?)",
			p.ID, t.Tag, t.Value, i)
		if err != nil {
			return fmt.Errorf("inserting host prototype tag: %w", err)
		}
	}
	for i, m := range p.Macros {
		_, err := q.exec(ctx,
			"INSERT INTO host_prototype_macros (host_prototype_id, macro, value, description, position) VALUES (?, ?, ?, ?, ?)",
			p.ID, m.Macro, m.Value, m.Description, i)
		if err != nil {
			return fmt.Errorf("inserting host prototype macro: %w", err)
		}
	}
	return nil
}

// DeleteHostPrototypes removes the prototypes, their nested rows and every
// host discovered from them. Inherited copies of the deleted prototypes
// that survive lose their lineage.
func (q *queries) DeleteHostPrototypes(ctx context.Context, ids []string) error {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)

	if _, err := q.exec(ctx, "DELETE FROM hosts WHERE prototype_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("deleting discovered hosts: %w", err)
	}

	groupIDs, err := q.selectIDs(ctx, "SELECT id FROM group_prototypes WHERE host_prototype_id IN ("+in+")", args...)
	if err != nil {
		return fmt.Errorf("finding group prototypes: %w", err)
	}
	if err := q.DeleteGroupPrototypes(ctx, groupIDs); err != nil {
		return err
	}

	if _, err := q.exec(ctx, "UPDATE host_prototypes SET lineage_id = NULL WHERE lineage_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("detaching inherited host prototypes: %w", err)
	}
	if _, err := q.exec(ctx, "DELETE FROM host_prototypes WHERE id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("deleting host prototypes: %w", err)
	}
	return nil
}

// DeleteGroupPrototypes removes group prototypes. Inherited copies keep
// existing but lose their lineage.
func (q *queries) DeleteGroupPrototypes(ctx context.Context, ids []string) error {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)

	if _, err := q.exec(ctx, "UPDATE group_prototypes SET lineage_id = NULL WHERE lineage_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("detaching inherited group prototypes: %w", err)
	}
	if _, err := q.exec(ctx, "DELETE FROM group_prototypes WHERE id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("deleting group prototypes: %w", err)
	}
	return nil
}

func (q *queries) loadPrototypeDetails(ctx context.Context, protos []model.HostPrototype) error {
	if len(protos) == 0 {
		return nil
	}

	index := make(map[string]int, len(protos))
	ids := make([]string, len(protos))
	for i, p := range protos {
		index[p.ID] = i
		ids[i] = p.ID
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)

	// Groups
	rows, err := q.query(ctx, `
		SELECT id, host_prototype_id, group_id, name, lineage_id
		FROM group_prototypes WHERE host_prototype_id IN (`+in+`)
		ORDER BY host_prototype_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("querying group prototypes: %w", err)
	}
	for rows.Next() {
		var g model.GroupPrototype
		var groupID, name, lineageID sql.NullString
		if err := rows.Scan(&g.ID, &g.HostPrototypeID, &groupID, &name, &lineageID); err != nil {
			rows.Close()
			return fmt.Errorf("scanning group prototype: %w", err)
		}
		g.GroupID = groupID.String
		g.Name = name.String
		g.LineageID = lineageID.String

		p := &protos[index[g.HostPrototypeID]]
		if g.IsLink() {
			p.GroupLinks = append(p.GroupLinks, g)
		} else {
			p.GroupPrototypes = append(p.GroupPrototypes, g)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating group prototypes: %w", err)
	}

	// Templates
	rows, err = q.query(ctx, `
		SELECT host_prototype_id, template_id FROM host_prototype_templates
		WHERE host_prototype_id IN (`+in+`) ORDER BY host_prototype_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("querying host prototype templates: %w", err)
	}
	for rows.Next() {
		var protoID, templateID string
		if err := rows.Scan(&protoID, &templateID); err != nil {
			rows.Close()
			return fmt.Errorf("scanning host prototype template: %w", err)
		}
		p := &protos[index[protoID]]
		p.Templates = append(p.Templates, templateID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating host prototype templates: %w", err)
	}

	// Tags
	rows, err = q.query(ctx, `
		SELECT host_prototype_id, tag, value FROM host_prototype_tags
		WHERE host_prototype_id IN (`+in+`) ORDER BY host_prototype_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("querying host prototype tags: %w", err)
	}
	for rows.Next() {
		var protoID string
		var t model.Tag
		if err := rows.Scan(&protoID, &t.Tag, &t.Value); err != nil {
			rows.Close()
			return fmt.Errorf("scanning host prototype tag: %w", err)
		}
		p := &protos[index[protoID]]
		p.Tags = append(p.Tags, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating host prototype tags: %w", err)
	}

	// Macros
	rows, err = q.query(ctx, `
		SELECT host_prototype_id, macro, value, description FROM host_prototype_macros
		WHERE host_prototype_id IN (`+in+`) ORDER BY host_prototype_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("querying host prototype macros: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var protoID string
		var m model.Macro
		if err := rows.Scan(&protoID, &m.Macro, &m.Value, &m.Description); err != nil {
			return fmt.Errorf("scanning host prototype macro: %w", err)
		}
		p := &protos[index[protoID]]
		p.Macros = append(p.Macros, m)
	}
	return rows.Err()
}

func (q *queries) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
