package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/identity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, email, display_name, role, access_role, country_code, vat_number,
		        vat_verified, tax_exempt, external_customer_id, created_at, updated_at
		 FROM user_profiles WHERE user_id = ?`,
		userID,
	).Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.UserID == 0 {
		return nil, nil
	}
	return &profile, nil
}

func (r *repo) UpdateTaxProfile(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	return db.WithContext(ctx).Exec(
		`UPDATE user_profiles
		 SET country_code = ?, vat_number = ?, vat_verified = ?, tax_exempt = ?, updated_at = ?
		 WHERE user_id = ?`,
		profile.CountryCode,
		profile.VATNumber,
		profile.VATVerified,
		profile.TaxExempt,
		profile.UpdatedAt,
		profile.UserID,
	).Error
}

func (r *repo) SetVATVerified(ctx context.Context, db *gorm.DB, userID snowflake.ID, verified bool) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_profiles SET vat_verified = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND vat_number IS NOT NULL AND vat_number <> ''`,
		verified,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetExternalCustomerIDIfEmpty(ctx context.Context, db *gorm.DB, userID snowflake.ID, externalID string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_profiles SET external_customer_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND (external_customer_id IS NULL OR external_customer_id = '')`,
		externalID,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
