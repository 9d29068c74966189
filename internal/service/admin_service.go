package service

import (
	"context"
	"time"

	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultStatsRange = 30 * 24 * time.Hour

type AdminService struct {
	store   repository.Store
	gateway Gateway
	logger  *zap.Logger
	now     func() time.Time
}

func NewAdminService(store repository.Store, gateway Gateway, logger *zap.Logger) *AdminService {
	return &AdminService{
		store:   store,
		gateway: gateway,
		logger:  logger.Named("Admin"),
		now:     time.Now,
	}
}

type Page struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func (s *AdminService) ListRefunds(ctx context.Context, filter repository.RefundFilter) (*Page, error) {
	filter.Page, filter.Limit = pageBounds(filter.Page, filter.Limit)
	items, total, err := s.store.Refunds().List(ctx, filter)
	if err != nil {
		return nil, internal("list refund requests", err)
	}
	if items == nil {
		items = []*model.RefundRequest{}
	}
	return &Page{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (s *AdminService) ListTransactions(ctx context.Context, filter repository.TransactionFilter) (*Page, error) {
	filter.Page, filter.Limit = pageBounds(filter.Page, filter.Limit)
	items, total, err := s.store.Transactions().List(ctx, filter)
	if err != nil {
		return nil, internal("list transactions", err)
	}
	if items == nil {
		items = []*model.Transaction{}
	}
	return &Page{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

type Stats struct {
	From         time.Time                        `json:"from"`
	To           time.Time                        `json:"to"`
	ByKind       []*repository.TransactionSummary `json:"byKind"`
	TotalCount   int64                            `json:"totalCount"`
	TotalVolume  decimal.Decimal                  `json:"totalVolume"`
	RefundVolume decimal.Decimal                  `json:"refundVolume"`
}

// Stats summarizes completed transactions in [from, to). Zero bounds default
// to the last thirty days.
func (s *AdminService) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultStatsRange)
	}
	if !from.Before(to) {
		return nil, validationError("from must be before to")
	}

	summaries, err := s.store.Transactions().SummarizeCompleted(ctx, from, to)
	if err != nil {
		return nil, internal("summarize transactions", err)
	}

	stats := &Stats{From: from, To: to, ByKind: summaries, TotalVolume: decimal.Zero, RefundVolume: decimal.Zero}
	for _, sum := range summaries {
		stats.TotalCount += sum.Count
		if sum.Kind == model.TransactionKindRefund {
			stats.RefundVolume = stats.RefundVolume.Add(sum.Total)
			continue
		}
		stats.TotalVolume = stats.TotalVolume.Add(sum.Total)
	}
	if stats.ByKind == nil {
		stats.ByKind = []*repository.TransactionSummary{}
	}
	return stats, nil
}

// QueryMerchantBalance asks the provider for the paybill balance; the figures
// arrive on the balance result webhook.
func (s *AdminService) QueryMerchantBalance(ctx context.Context, remarks string) (*mpesa.AccountBalanceResponse, error) {
	resp, err := s.gateway.AccountBalance(ctx, remarks)
	if err != nil {
		return nil, providerError("the balance query", err)
	}
	s.logger.Info("merchant balance requested", zap.String("correlation_id", resp.ConversationID))
	return resp, nil
}

func (s *AdminService) RegisterC2BURLs(ctx context.Context) (*mpesa.C2BRegisterResponse, error) {
	resp, err := s.gateway.RegisterC2BURLs(ctx)
	if err != nil {
		return nil, providerError("the C2B URL registration", err)
	}
	s.logger.Info("c2b urls registered", zap.String("response", resp.ResponseDescription))
	return resp, nil
}
