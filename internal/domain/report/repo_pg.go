package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
	"github.com/luiz1143/Analisa-vet/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Save(ctx context.Context, rep *analysis.Report) (bool, error) {
	body, err := encodeReport(rep)
	if err != nil {
		return false, err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reports (id, owner_id, species, overall_severity, severity_rank, top_count,
			finding_count, snapshot_version, digest, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rep.ID, rep.OwnerID, rep.Species, rep.Severity.String(), int(rep.Severity), rep.TopCount(),
		rep.FindingCount, rep.SnapshotVersion, rep.Digest, body, rep.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Get(ctx context.Context, id string) (*analysis.Report, error) {
	var body []byte
	err := r.conn(ctx).QueryRow(ctx, `SELECT body FROM reports WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return decodeReport(body)
}

func (r *repoPG) Owner(ctx context.Context, id string) (string, error) {
	var owner string
	err := r.conn(ctx).QueryRow(ctx, `SELECT owner_id FROM reports WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get report owner: %w", err)
	}
	return owner, nil
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*analysis.Report, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reports WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT body FROM reports
		WHERE owner_id = $1
		ORDER BY severity_rank DESC, top_count DESC, created_at DESC, id
		LIMIT $2 OFFSET $3`, ownerID, limit, offset)
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
