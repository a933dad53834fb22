package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type TransactionRequest struct {
	BuyOrder  string
	SessionID string
	Amount    int
	ReturnURL string
}

type Transaction struct {
	Token       string
	RedirectURL string
}

// PaymentGateway is the remote payment processor. Implementations return
// *domain.GatewayError so callers can branch on the failure kind.
type PaymentGateway interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error)
	CommitTransaction(ctx context.Context, token string) (*domain.Verdict, error)
}
