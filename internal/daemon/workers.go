package daemon

import (
	"context"
	"log/slog"
	"time"

	"carebook/internal/database"
	"carebook/internal/idp"
)

// KeyWarmer periodically refreshes the identity provider's key set so token
// verification keeps working from cache through short provider outages.
func KeyWarmer(logger *slog.Logger, keys *idp.KeyCache, interval time.Duration) DaemonFunc {
	return func(ctx context.Context, name string) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := keys.Warm(ctx); err != nil {
			logger.Warn("Initial JWKS warmup failed", "daemon", name, "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := keys.Warm(ctx); err != nil {
					logger.Warn("JWKS refresh failed", "daemon", name, "error", err)
				}
			}
		}
	}
}

// PolicyMonitor re-checks the row security policies while the service runs.
// Policies verified only at startup can still be dropped by a later careless
// migration; this surfaces that loudly instead of silently serving
// unprotected tables.
func PolicyMonitor(logger *slog.Logger, db *database.Database, interval time.Duration) DaemonFunc {
	return func(ctx context.Context, name string) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := db.VerifyPolicies(ctx); err != nil {
					logger.Error("Row security drift detected", "daemon", name, "error", err)
				}
			}
		}
	}
}
