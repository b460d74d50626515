package shops

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) GetByID(ctx context.Context, id int64) (Shop, error) {
	var s Shop
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, type_id, area, address, x, y, avg_price, score, open_hours, created_at, updated_at
		FROM shops WHERE id=$1`, id,
	).Scan(&s.ID, &s.Name, &s.TypeID, &s.Area, &s.Address, &s.X, &s.Y,
		&s.AvgPrice, &s.Score, &s.OpenHours, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// Update overwrites every mutable column of an existing shop.
func (r *Repo) Update(ctx context.Context, s Shop) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE shops SET name=$2, type_id=$3, area=$4, address=$5, x=$6, y=$7,
			avg_price=$8, score=$9, open_hours=$10, updated_at=NOW()
		WHERE id=$1`,
		s.ID, s.Name, s.TypeID, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Score, s.OpenHours)
	if err != nil {
		return fmt.Errorf("update shop %d: %w", s.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Create inserts a shop; used to seed data.
func (r *Repo) Create(ctx context.Context, s Shop) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO shops (id, name, type_id, area, address, x, y, avg_price, score, open_hours)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.Name, s.TypeID, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Score, s.OpenHours)
	if err != nil {
		return fmt.Errorf("insert shop %d: %w", s.ID, err)
	}
	return nil
}

func (r *Repo) ListTypes(ctx context.Context) ([]ShopType, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, icon, sort FROM shop_types ORDER BY sort, id`)
	if err != nil {
		return nil, fmt.Errorf("list shop types: %w", err)
	}
	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ShopType, error) {
		var t ShopType
		err := row.Scan(&t.ID, &t.Name, &t.Icon, &t.Sort)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("list shop types: %w", err)
	}
	return types, nil
}

// CreateType inserts a shop type; used to seed data.
func (r *Repo) CreateType(ctx context.Context, t ShopType) error {
	_, err := r.DB.Exec(ctx, `INSERT INTO shop_types (id, name, icon, sort) VALUES ($1,$2,$3,$4)`,
		t.ID, t.Name, t.Icon, t.Sort)
	if err != nil {
		return fmt.Errorf("insert shop type %d: %w", t.ID, err)
	}
	return nil
}
