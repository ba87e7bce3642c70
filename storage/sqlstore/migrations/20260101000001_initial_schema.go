package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/jmcleod/uiagate/storage"
)

func init() {
	Migrations.MustRegister(up_20260101000001, down_20260101000001)
}

var initialModels = []any{
	(*storage.PasswordHash)(nil),
	(*storage.BSSpekeUser)(nil),
	(*storage.UserEmailAddress)(nil),
	(*storage.RegistrationToken)(nil),
	(*storage.PendingTokenRegistration)(nil),
	(*storage.InAppSubscription)(nil),
	(*storage.AcceptedTerms)(nil),
	(*storage.Username)(nil),
	(*storage.BadWord)(nil),
}

// up_20260101000001 creates the enrollment tables
func up_20260101000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating enrollment tables...")

	for _, model := range initialModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*storage.UserEmailAddress)(nil), "idx_user_email_addresses_email", []string{"email"}},
		{(*storage.PendingTokenRegistration)(nil), "idx_pending_token_registrations_created_at", []string{"token", "created_at"}},
		{(*storage.InAppSubscription)(nil), "idx_in_app_subscriptions_product", []string{"provider", "product_id"}},
		{(*storage.InAppSubscription)(nil), "idx_in_app_subscriptions_original_txn", []string{"provider", "original_transaction_id"}},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20260101000001 drops the enrollment tables
func down_20260101000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping enrollment tables...")

	for i := len(initialModels) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(initialModels[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", initialModels[i], err)
		}
	}

	fmt.Println(" OK")
	return nil
}
