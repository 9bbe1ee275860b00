package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/martinsuchenak/protosync/internal/model"
)

const ruleColumns = "id, host_id, name, rule_key, lineage_id, created_at, updated_at"

// GetDiscoveryRules returns the rules with the given IDs. Unknown IDs are ignored.
func (q *queries) GetDiscoveryRules(ctx context.Context, ids []string) ([]model.DiscoveryRule, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	return q.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM discovery_rules WHERE id IN ("+placeholders(len(ids))+") ORDER BY name, id",
		stringArgs(ids)...)
}

// ListDiscoveryRules returns discovery rules, optionally filtered
func (q *queries) ListDiscoveryRules(ctx context.Context, filter *model.DiscoveryRuleFilter) ([]model.DiscoveryRule, error) {
	query := "SELECT " + ruleColumns + " FROM discovery_rules WHERE 1=1"
	var args []any

	if filter != nil {
		if ids := uniqueStrings(filter.IDs); len(ids) > 0 {
			query += " AND id IN (" + placeholders(len(ids)) + ")"
			args = append(args, stringArgs(ids)...)
		}
		if hostIDs := uniqueStrings(filter.HostIDs); len(hostIDs) > 0 {
			query += " AND host_id IN (" + placeholders(len(hostIDs)) + ")"
			args = append(args, stringArgs(hostIDs)...)
		}
		if filter.Native {
			query += " AND lineage_id IS NULL"
		}
	}

	query += " ORDER BY name, id"
	return q.queryRules(ctx, query, args...)
}

// FindDiscoveryRulesByParentIDs returns rules inherited from any of parentIDs
func (q *queries) FindDiscoveryRulesByParentIDs(ctx context.Context, parentIDs, hostIDs []string) ([]model.DiscoveryRule, error) {
	parentIDs = uniqueStrings(parentIDs)
	if len(parentIDs) == 0 {
		return nil, nil
	}

	query := "SELECT " + ruleColumns + " FROM discovery_rules WHERE lineage_id IN (" + placeholders(len(parentIDs)) + ")"
	args := stringArgs(parentIDs)
	if hostIDs = uniqueStrings(hostIDs); len(hostIDs) > 0 {
		query += " AND host_id IN (" + placeholders(len(hostIDs)) + ")"
		args = append(args, stringArgs(hostIDs)...)
	}

	query += " ORDER BY name, id"
	return q.queryRules(ctx, query, args...)
}

// CreateDiscoveryRule inserts a discovery rule
func (q *queries) CreateDiscoveryRule(ctx context.Context, rule *model.DiscoveryRule) error {
	if rule.HostID == "" || rule.Name == "" {
		return fmt.Errorf("discovery rule host and name are required")
	}
	if rule.ID == "" {
		rule.ID = generateID()
	}
	if rule.Key == "" {
		rule.Key = rule.Name
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := q.exec(ctx, `
		INSERT INTO discovery_rules (id, host_id, name, rule_key, lineage_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.HostID, rule.Name, rule.Key, nullString(rule.LineageID), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting discovery rule: %w", err)
	}
	return nil
}

func (q *queries) queryRules(ctx context.Context, query string, args ...any) ([]model.DiscoveryRule, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying discovery rules: %w", err)
	}
	defer rows.Close()

	var rules []model.DiscoveryRule
	for rows.Next() {
		var r model.DiscoveryRule
		var lineageID sql.NullString
		if err := rows.Scan(&r.ID, &r.HostID, &r.Name, &r.Key, &lineageID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning discovery rule: %w", err)
		}
		r.LineageID = lineageID.String
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating discovery rules: %w", err)
	}
	return rules, nil
}
