package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the directory in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the directory database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open directory db: %w", err)
	}
	return NewStore(db)
}

// NewStore creates a store over an existing database handle, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate directory: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS clients (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			client_name           TEXT NOT NULL UNIQUE,
			aliases               TEXT,
			list_id               TEXT,
			list_name             TEXT,
			folder_id             TEXT,
			qa_list_id            TEXT,
			qa_list_name          TEXT,
			internal_channel_id   TEXT,
			internal_channel_name TEXT,
			external_channel_id   TEXT,
			external_channel_name TEXT,
			project_type          TEXT,
			available_hours       REAL,
			revenue               REAL,
			delivery_rate         REAL,
			status                TEXT,
			notes                 TEXT,
			updated_at            TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_clients_internal_channel ON clients(internal_channel_id);
		CREATE INDEX IF NOT EXISTS idx_clients_external_channel ON clients(external_channel_id);

		CREATE TABLE IF NOT EXISTS staff (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL,
			role            TEXT,
			email           TEXT,
			chat_user_id    TEXT,
			tracker_user_id TEXT,
			status          TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_staff_chat_user ON staff(chat_user_id);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const clientColumns = `id, client_name, aliases, list_id, list_name, folder_id,
	qa_list_id, qa_list_name,
	internal_channel_id, internal_channel_name,
	external_channel_id, external_channel_name,
	project_type, available_hours, revenue, delivery_rate, status, notes, updated_at`

func scanClient(row interface{ Scan(...any) error }) (*ClientEntry, error) {
	var c ClientEntry
	var aliases sql.NullString
	var listID, listName, folderID, qaListID, qaListName sql.NullString
	var intChID, intChName, extChID, extChName sql.NullString
	var projectType, status, notes sql.NullString
	var hours, revenue, rate sql.NullFloat64
	var updated sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &aliases, &listID, &listName, &folderID,
		&qaListID, &qaListName,
		&intChID, &intChName, &extChID, &extChName,
		&projectType, &hours, &revenue, &rate, &status, &notes, &updated,
	)
	if err != nil {
		return nil, err
	}

	if aliases.Valid && aliases.String != "" {
		if err := json.Unmarshal([]byte(aliases.String), &c.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases for %s: %w", c.Name, err)
		}
	}
	c.ListID = listID.String
	c.ListName = listName.String
	c.FolderID = folderID.String
	c.QAListID = qaListID.String
	c.QAListName = qaListName.String
	c.InternalChannelID = intChID.String
	c.InternalChannelName = intChName.String
	c.ExternalChannelID = extChID.String
	c.ExternalChannelName = extChName.String
	c.ProjectType = projectType.String
	c.AvailableHours = hours.Float64
	c.Revenue = revenue.Float64
	c.DeliveryRate = rate.Float64
	c.Status = status.String
	c.Notes = notes.String
	c.UpdatedAt = updated.Time
	return &c, nil
}

// ListClients returns all client entries ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]*ClientEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY client_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*ClientEntry
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// GetClientByChannel finds the client bound to a channel ID, checking
// internal and external bindings. Returns sql.ErrNoRows when no client
// is bound.
func (s *Store) GetClientByChannel(ctx context.Context, channelID string) (*ClientEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients
		 WHERE internal_channel_id = ? OR external_channel_id = ?
		 LIMIT 1`, channelID, channelID)
	return scanClient(row)
}

// GetClientByName finds a client by exact display name. Returns
// sql.ErrNoRows when absent.
func (s *Store) GetClientByName(ctx context.Context, name string) (*ClientEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_name = ?`, name)
	return scanClient(row)
}

// UpsertClient inserts a client or replaces the record with the same
// name. The entry's ID and UpdatedAt are refreshed in place.
func (s *Store) UpsertClient(ctx context.Context, c *ClientEntry) error {
	aliases := ""
	if len(c.Aliases) > 0 {
		b, err := json.Marshal(c.Aliases)
		if err != nil {
			return fmt.Errorf("encode aliases: %w", err)
		}
		aliases = string(b)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (
			client_name, aliases, list_id, list_name, folder_id,
			qa_list_id, qa_list_name,
			internal_channel_id, internal_channel_name,
			external_channel_id, external_channel_name,
			project_type, available_hours, revenue, delivery_rate, status, notes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_name) DO UPDATE SET
			aliases = excluded.aliases,
			list_id = excluded.list_id,
			list_name = excluded.list_name,
			folder_id = excluded.folder_id,
			qa_list_id = excluded.qa_list_id,
			qa_list_name = excluded.qa_list_name,
			internal_channel_id = excluded.internal_channel_id,
			internal_channel_name = excluded.internal_channel_name,
			external_channel_id = excluded.external_channel_id,
			external_channel_name = excluded.external_channel_name,
			project_type = excluded.project_type,
			available_hours = excluded.available_hours,
			revenue = excluded.revenue,
			delivery_rate = excluded.delivery_rate,
			status = excluded.status,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		c.Name, aliases, c.ListID, c.ListName, c.FolderID,
		c.QAListID, c.QAListName,
		c.InternalChannelID, c.InternalChannelName,
		c.ExternalChannelID, c.ExternalChannelName,
		c.ProjectType, c.AvailableHours, c.Revenue, c.DeliveryRate, c.Status, c.Notes, now,
	)
	if err != nil {
		return err
	}
	c.UpdatedAt = now
	if c.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			c.ID = id
		}
	}
	return nil
}

// UpdateClientFields applies a partial update to the named client.
// Only keys present in fields change; unknown keys are rejected.
func (s *Store) UpdateClientFields(ctx context.Context, name string, fields map[string]any) error {
	allowed := map[string]bool{
		"list_id": true, "list_name": true, "folder_id": true,
		"qa_list_id": true, "qa_list_name": true,
		"internal_channel_id": true, "internal_channel_name": true,
		"external_channel_id": true, "external_channel_name": true,
		"project_type": true, "available_hours": true, "revenue": true,
		"delivery_rate": true, "status": true, "notes": true,
	}

	query := "UPDATE clients SET updated_at = CURRENT_TIMESTAMP"
	var args []any
	for key, value := range fields {
		if !allowed[key] {
			return fmt.Errorf("unknown client field %q", key)
		}
		query += ", " + key + " = ?"
		args = append(args, value)
	}
	query += " WHERE client_name = ?"
	args = append(args, name)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListStaff returns all staff entries ordered by name.
func (s *Store) ListStaff(ctx context.Context) ([]*StaffEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, email, chat_user_id, tracker_user_id, status
		FROM staff ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staff []*StaffEntry
	for rows.Next() {
		e, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		staff = append(staff, e)
	}
	return staff, rows.Err()
}

// GetStaffByChatID finds the staff member with the given chat user ID.
// Returns sql.ErrNoRows when absent.
func (s *Store) GetStaffByChatID(ctx context.Context, chatUserID string) (*StaffEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, email, chat_user_id, tracker_user_id, status
		FROM staff WHERE chat_user_id = ? LIMIT 1`, chatUserID)
	return scanStaff(row)
}

// UpsertStaff inserts a staff entry, or updates it when the entry
// already has an ID.
func (s *Store) UpsertStaff(ctx context.Context, e *StaffEntry) error {
	if e.ID != 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE staff SET name = ?, role = ?, email = ?,
				chat_user_id = ?, tracker_user_id = ?, status = ?
			WHERE id = ?`,
			e.Name, e.Role, e.Email, e.ChatUserID, e.TrackerUserID, e.Status, e.ID,
		)
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO staff (name, role, email, chat_user_id, tracker_user_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Name, e.Role, e.Email, e.ChatUserID, e.TrackerUserID, e.Status,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func scanStaff(row interface{ Scan(...any) error }) (*StaffEntry, error) {
	var e StaffEntry
	var role, email, chatID, trackerID, status sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &role, &email, &chatID, &trackerID, &status); err != nil {
		return nil, err
	}
	e.Role = role.String
	e.Email = email.String
	e.ChatUserID = chatID.String
	e.TrackerUserID = trackerID.String
	e.Status = status.String
	return &e, nil
}
