package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/core/keycode"
	"github.com/proteanlabs/protean/ports"
)

// KernelStore implements ports.KernelStore using SQLite.
type KernelStore struct {
	db *DB
}

// NewKernelStore creates a new kernel store.
func NewKernelStore(db *DB) *KernelStore {
	return &KernelStore{db: db}
}

// SaveModule upserts one registry entry.
func (s *KernelStore) SaveModule(ctx context.Context, rec kernel.ModuleRecord) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO modules (keycode, address, major, minor, installed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keycode) DO UPDATE SET
			address = excluded.address,
			major = excluded.major,
			minor = excluded.minor`,
		rec.Keycode.String(), string(rec.Address),
		rec.Version.Major, rec.Version.Minor,
		rec.InstalledAt.UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteModule removes one registry entry.
func (s *KernelStore) DeleteModule(ctx context.Context, kc keycode.Keycode) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM modules WHERE keycode = ?`,
		kc.String(),
	)
	return err
}

// SavePolicy upserts one policy record and replaces its permission rows
// in the same transaction.
func (s *KernelStore) SavePolicy(ctx context.Context, rec kernel.PolicyRecord, grants []kernel.Permission) error {
	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	active := 0
	if rec.Active {
		active = 1
	}
	deps := make([]string, 0, len(rec.Dependencies))
	for _, dep := range rec.Dependencies {
		deps = append(deps, dep.String())
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policies (address, active, dependencies, activated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			active = excluded.active,
			dependencies = excluded.dependencies,
			activated_at = excluded.activated_at`,
		string(rec.Address), active, strings.Join(deps, " "),
		rec.ActivatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM permissions WHERE policy = ?`,
		string(rec.Address),
	); err != nil {
		return err
	}

	for _, g := range grants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permissions (policy, keycode, entry_point) VALUES (?, ?, ?)`,
			string(g.Policy), g.Keycode.String(), g.EntryPoint,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveExecutor records the current executor identity.
func (s *KernelStore) SaveExecutor(ctx context.Context, addr kernel.Address) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO executor (id, address) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address`,
		string(addr),
	)
	return err
}

// LoadSnapshot returns everything the store holds.
func (s *KernelStore) LoadSnapshot(ctx context.Context) (ports.Snapshot, error) {
	var snap ports.Snapshot

	err := s.db.DB.QueryRowContext(ctx,
		`SELECT address FROM executor WHERE id = 1`,
	).Scan((*string)(&snap.Executor))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("load executor: %w", err)
	}

	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT keycode, address, major, minor, installed_at FROM modules ORDER BY keycode`,
	)
	if err != nil {
		return snap, fmt.Errorf("load modules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kcStr, addr, installedAt string
		var rec kernel.ModuleRecord
		if err := rows.Scan(&kcStr, &addr, &rec.Version.Major, &rec.Version.Minor, &installedAt); err != nil {
			return snap, err
		}
		kc, err := keycode.Parse(kcStr)
		if err != nil {
			return snap, fmt.Errorf("stored module: %w", err)
		}
		rec.Keycode = kc
		rec.Address = kernel.Address(addr)
		rec.InstalledAt, _ = time.Parse(time.RFC3339, installedAt)
		snap.Modules = append(snap.Modules, rec)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	polRows, err := s.db.DB.QueryContext(ctx,
		`SELECT address, active, dependencies, activated_at FROM policies ORDER BY address`,
	)
	if err != nil {
		return snap, fmt.Errorf("load policies: %w", err)
	}
	defer polRows.Close()
	for polRows.Next() {
		var addr, deps, activatedAt string
		var active int
		var rec kernel.PolicyRecord
		if err := polRows.Scan(&addr, &active, &deps, &activatedAt); err != nil {
			return snap, err
		}
		rec.Address = kernel.Address(addr)
		rec.Active = active != 0
		for _, d := range strings.Fields(deps) {
			kc, err := keycode.Parse(d)
			if err != nil {
				return snap, fmt.Errorf("stored dependency: %w", err)
			}
			rec.Dependencies = append(rec.Dependencies, kc)
		}
		rec.ActivatedAt, _ = time.Parse(time.RFC3339, activatedAt)
		snap.Policies = append(snap.Policies, rec)
	}
	if err := polRows.Err(); err != nil {
		return snap, err
	}

	permRows, err := s.db.DB.QueryContext(ctx,
		`SELECT policy, keycode, entry_point FROM permissions ORDER BY policy, keycode, entry_point`,
	)
	if err != nil {
		return snap, fmt.Errorf("load permissions: %w", err)
	}
	defer permRows.Close()
	for permRows.Next() {
		var policy, kcStr, entry string
		if err := permRows.Scan(&policy, &kcStr, &entry); err != nil {
			return snap, err
		}
		kc, err := keycode.Parse(kcStr)
		if err != nil {
			return snap, fmt.Errorf("stored permission: %w", err)
		}
		snap.Grants = append(snap.Grants, kernel.Permission{
			Policy:     kernel.Address(policy),
			Keycode:    kc,
			EntryPoint: entry,
		})
	}
	if err := permRows.Err(); err != nil {
		return snap, err
	}

	return snap, nil
}

// Ensure interface compliance.
var (
	_ ports.KernelStore    = (*KernelStore)(nil)
	_ ports.SnapshotLoader = (*KernelStore)(nil)
)
