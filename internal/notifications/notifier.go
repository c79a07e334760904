package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"carebook/internal/idp"
)

// Notifier delivers out-of-band messages through the identity provider's
// messaging channel. Message content never includes protected health
// information.
type Notifier struct {
	logger   *slog.Logger
	provider idp.ProviderAPI
}

func NewNotifier(logger *slog.Logger, provider idp.ProviderAPI) Notifier {
	return Notifier{logger: logger, provider: provider}
}

// SendAccessCode dispatches a passwordless access code to the identity's
// registered address.
func (n *Notifier) SendAccessCode(ctx context.Context, identityExternalID, code string) error {
	if err := n.provider.SendPasswordlessCode(ctx, identityExternalID, code); err != nil {
		return fmt.Errorf("failed to deliver access code: %w", err)
	}
	n.logger.Info("Dispatched passwordless access code", "identity", identityExternalID)
	return nil
}
