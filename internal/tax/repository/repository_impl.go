package repository

import (
	"context"

	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) taxdomain.Repository {
	return &repository{db: db}
}

func (r *repository) ListJurisdictions(ctx context.Context) ([]taxdomain.Jurisdiction, error) {
	var items []taxdomain.Jurisdiction
	err := r.db.WithContext(ctx).Raw(
		`SELECT country_code, bloc, standard_rate, updated_at
		 FROM tax_jurisdictions
		 ORDER BY country_code ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) UpsertJurisdiction(ctx context.Context, j *taxdomain.Jurisdiction) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO tax_jurisdictions (country_code, bloc, standard_rate, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (country_code) DO UPDATE
		 SET bloc = excluded.bloc, standard_rate = excluded.standard_rate, updated_at = excluded.updated_at`,
		j.CountryCode,
		j.Bloc,
		j.StandardRate,
		j.UpdatedAt,
	).Error
}
