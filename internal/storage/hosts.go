package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/martinsuchenak/protosync/internal/model"
)

const hostColumns = "h.id, h.name, h.status, h.prototype_id, h.created_at, h.updated_at"

// GetHosts returns the hosts with the given IDs. Unknown IDs are ignored.
func (q *queries) GetHosts(ctx context.Context, ids []string) ([]model.Host, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	query := "SELECT " + hostColumns + " FROM hosts h WHERE h.id IN (" + placeholders(len(ids)) + ") ORDER BY h.name"
	return q.queryHosts(ctx, query, stringArgs(ids)...)
}

// ListHosts returns hosts, optionally filtered
func (q *queries) ListHosts(ctx context.Context, filter *model.HostFilter) ([]model.Host, error) {
	query := "SELECT " + hostColumns + " FROM hosts h WHERE 1=1"
	var args []any

	if filter != nil {
		if filter.Status != "" {
			query += " AND h.status = ?"
			args = append(args, filter.Status)
		}
		if filter.Name != "" {
			query += " AND h.name LIKE ?"
			args = append(args, "%"+filter.Name+"%")
		}
	}

	query += " ORDER BY h.name"
	return q.queryHosts(ctx, query, args...)
}

// FindLinkedHosts returns hosts and templates that link to any of templateIDs
func (q *queries) FindLinkedHosts(ctx context.Context, templateIDs, hostIDs []string) ([]model.Host, error) {
	templateIDs = uniqueStrings(templateIDs)
	if len(templateIDs) == 0 {
		return nil, nil
	}

	query := "SELECT DISTINCT " + hostColumns + `
		FROM hosts h
		JOIN host_templates ht ON ht.host_id = h.id
		WHERE ht.template_id IN (` + placeholders(len(templateIDs)) + `)
		  AND h.status <> ?`
	args := append(stringArgs(templateIDs), model.HostStatusDiscovered)

	if hostIDs = uniqueStrings(hostIDs); len(hostIDs) > 0 {
		query += " AND h.id IN (" + placeholders(len(hostIDs)) + ")"
		args = append(args, stringArgs(hostIDs)...)
	}

	query += " ORDER BY h.name"
	return q.queryHosts(ctx, query, args...)
}

// CreateHost inserts a host and its template links
func (q *queries) CreateHost(ctx context.Context, host *model.Host) error {
	if host.Name == "" {
		return fmt.Errorf("host name is required")
	}
	if host.Status == "" {
		host.Status = model.HostStatusMonitored
	}
	if !host.Status.Valid() {
		return fmt.Errorf("invalid host status %q", host.Status)
	}
	if host.ID == "" {
		host.ID = generateID()
	}

	now := time.Now().UTC()
	host.CreatedAt = now
	host.UpdatedAt = now

	_, err := q.exec(ctx, `
		INSERT INTO hosts (id, name, status, prototype_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, host.ID, host.Name, host.Status, nullString(host.PrototypeID), host.CreatedAt, host.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting host: %w", err)
	}

	for _, templateID := range uniqueStrings(host.ParentTemplateIDs) {
		if _, err := q.exec(ctx, "INSERT INTO host_templates (host_id, template_id) VALUES (?, ?)", host.ID, templateID); err != nil {
			return fmt.Errorf("linking template %s: %w", templateID, err)
		}
	}
	return nil
}

func (q *queries) queryHosts(ctx context.Context, query string, args ...any) ([]model.Host, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		var h model.Host
		var prototypeID sql.NullString
		if err := rows.Scan(&h.ID, &h.Name, &h.Status, &prototypeID, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		h.PrototypeID = prototypeID.String
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hosts: %w", err)
	}
	rows.Close()

	if err := q.loadHostTemplates(ctx, hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (q *queries) loadHostTemplates(ctx context.Context, hosts []model.Host) error {
	if len(hosts) == 0 {
		return nil
	}

	index := make(map[string]int, len(hosts))
	ids := make([]string, len(hosts))
	for i, h := range hosts {
		index[h.ID] = i
		ids[i] = h.ID
	}

	rows, err := q.query(ctx, `
		SELECT host_id, template_id FROM host_templates
		WHERE host_id IN (`+placeholders(len(ids))+`)
		ORDER BY host_id, template_id
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("querying host templates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hostID, templateID string
		if err := rows.Scan(&hostID, &templateID); err != nil {
			return fmt.Errorf("scanning host template: %w", err)
		}
		i := index[hostID]
		hosts[i].ParentTemplateIDs = append(hosts[i].ParentTemplateIDs, templateID)
	}
	return rows.Err()
}
