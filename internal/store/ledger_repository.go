package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// LedgerRepository интерфейс для работы с наградами
type LedgerRepository interface {
	Get(ctx context.Context, userID string) (*models.Ledger, error)
	Receipts(ctx context.Context, userID string) ([]*models.LedgerEntry, error)
	ListUserIDs(ctx context.Context) ([]string, error)

	GetTx(ctx context.Context, tx docstore.Tx, userID string) (*models.Ledger, error)
	SaveTx(tx docstore.Tx, l *models.Ledger) error
	AddTrophiesTx(tx docstore.Tx, userID string, amount int) error
	ReceiptExistsTx(ctx context.Context, tx docstore.Tx, id string) (bool, error)
	AddReceiptTx(tx docstore.Tx, entry models.LedgerEntry) error
}

// ledgerRepository реализует LedgerRepository
type ledgerRepository struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewLedgerRepository создает новый репозиторий наград
func NewLedgerRepository(docs docstore.Store, logger *zap.Logger) LedgerRepository {
	return &ledgerRepository{
		docs:   docs,
		logger: logger,
	}
}

func ledgerRef(userID string) docstore.Ref {
	return docstore.Doc(models.CollectionLedgers, userID)
}

func receiptRef(id string) docstore.Ref {
	return docstore.Doc(models.CollectionLedgerEntries, id)
}

func decodeLedger(userID string, snap *docstore.Snapshot, err error) (*models.Ledger, error) {
	if errors.Is(err, docstore.ErrNotFound) {
		return &models.Ledger{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения наград: %w", MapErr(err))
	}
	l, err := decode[models.Ledger](snap)
	if err != nil {
		return nil, err
	}
	l.UserID = userID
	return l, nil
}

// Get получает состояние наград; отсутствующий документ равен пустому состоянию
func (r *ledgerRepository) Get(ctx context.Context, userID string) (*models.Ledger, error) {
	snap, err := r.docs.Get(ctx, ledgerRef(userID))
	return decodeLedger(userID, snap, err)
}

// GetTx читает состояние наград внутри транзакции
func (r *ledgerRepository) GetTx(ctx context.Context, tx docstore.Tx, userID string) (*models.Ledger, error) {
	snap, err := tx.Get(ctx, ledgerRef(userID))
	return decodeLedger(userID, snap, err)
}

func orEmpty(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

// SaveTx записывает счетчик и множества порогов. Трофеи начисляются
// отдельно через AddTrophiesTx.
func (r *ledgerRepository) SaveTx(tx docstore.Tx, l *models.Ledger) error {
	return tx.Set(ledgerRef(l.UserID), docstore.Data{
		"activatedCount":            l.ActivatedCount,
		"pendingMilestones":         orEmpty(l.PendingMilestones),
		"claimedMilestones":         orEmpty(l.ClaimedMilestones),
		"referralMilestonesReached": orEmpty(l.MilestonesReached),
		"updatedAt":                 docstore.ServerTimestamp,
	}, docstore.Merge)
}

// AddTrophiesTx прибавляет трофеи к балансу
func (r *ledgerRepository) AddTrophiesTx(tx docstore.Tx, userID string, amount int) error {
	return tx.Set(ledgerRef(userID), docstore.Data{
		"trophies":  docstore.Increment(amount),
		"updatedAt": docstore.ServerTimestamp,
	}, docstore.Merge)
}

// ReceiptExistsTx проверяет наличие квитанции начисления
func (r *ledgerRepository) ReceiptExistsTx(ctx context.Context, tx docstore.Tx, id string) (bool, error) {
	_, err := tx.Get(ctx, receiptRef(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("ошибка чтения квитанции: %w", MapErr(err))
	}
}

// AddReceiptTx создает квитанцию начисления
func (r *ledgerRepository) AddReceiptTx(tx docstore.Tx, entry models.LedgerEntry) error {
	id := models.LedgerEntryID(entry.Kind, entry.UserID, entry.Key)
	return tx.Create(receiptRef(id), docstore.Data{
		"userId":    entry.UserID,
		"kind":      string(entry.Kind),
		"key":       entry.Key,
		"amount":    entry.Amount,
		"createdAt": docstore.ServerTimestamp,
	})
}

// Receipts возвращает квитанции пользователя в порядке начисления
func (r *ledgerRepository) Receipts(ctx context.Context, userID string) ([]*models.LedgerEntry, error) {
	snaps, err := r.docs.Query(ctx, docstore.NewQuery(models.CollectionLedgerEntries).
		Where("userId", docstore.OpEqual, userID))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения квитанций: %w", MapErr(err))
	}

	out := make([]*models.LedgerEntry, 0, len(snaps))
	for _, snap := range snaps {
		entry, err := decode[models.LedgerEntry](snap)
		if err != nil {
			return nil, err
		}
		entry.ID = snap.Ref.ID
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListUserIDs возвращает пользователей, у которых есть состояние наград
func (r *ledgerRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	snaps, err := r.docs.Query(ctx, docstore.NewQuery(models.CollectionLedgers))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка наград: %w", MapErr(err))
	}
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}
