package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *Request) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Request, error)
	FindByProcessorReference(ctx context.Context, db *gorm.DB, ref string) (*Request, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*Request, error)
	// Transition moves the request to status only while it is in one of
	// from and reports whether a row changed.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, from []Status, at time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, at time.Time) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, from []Status, at time.Time) (bool, error)
	ListOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Request, error)
}
