package tx

import (
	"context"
	"fmt"

	"github.com/staale/gomats/broker"
)

// BrokerOnlyManager demarcates the broker session alone; there is no external
// resource. This is the default manager.
type BrokerOnlyManager struct{}

// NewBrokerOnlyManager creates a BrokerOnlyManager.
func NewBrokerOnlyManager() *BrokerOnlyManager {
	return &BrokerOnlyManager{}
}

// Transact runs fn and commits or rolls back the broker session.
func (m *BrokerOnlyManager) Transact(ctx context.Context, sess broker.Session, fn ProcessingFunc) error {
	res := NewResources()
	if err := fn(ctx, res); err != nil {
		if rbErr := sess.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back broker session after %w: %v", err, rbErr)
		}
		return err
	}
	if err := sess.Commit(); err != nil {
		_ = sess.Rollback()
		return fmt.Errorf("committing broker session: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var _ Manager = (*BrokerOnlyManager)(nil)
