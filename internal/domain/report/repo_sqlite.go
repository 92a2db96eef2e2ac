package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
)

type repoSQLite struct{ db *sql.DB }

func NewRepoSQLite(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

func (r *repoSQLite) Save(ctx context.Context, rep *analysis.Report) (bool, error) {
	body, err := encodeReport(rep)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO reports (id, owner_id, species, overall_severity, severity_rank, top_count,
			finding_count, snapshot_version, digest, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rep.ID, rep.OwnerID, rep.Species, rep.Severity.String(), int(rep.Severity), rep.TopCount(),
		rep.FindingCount, rep.SnapshotVersion, rep.Digest, body,
		rep.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"))
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *repoSQLite) Get(ctx context.Context, id string) (*analysis.Report, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return decodeReport(body)
}

func (r *repoSQLite) Owner(ctx context.Context, id string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM reports WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get report owner: %w", err)
	}
	return owner, nil
}

func (r *repoSQLite) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*analysis.Report, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM reports
		WHERE owner_id = ?
		ORDER BY severity_rank DESC, top_count DESC, created_at DESC, id
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	var out []*analysis.Report
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		rep, err := decodeReport(body)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rep)
	}
	return out, total, rows.Err()
}
