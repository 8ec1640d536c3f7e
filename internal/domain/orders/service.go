package orders

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/mapping"
)

// Fetcher is the download side of the sync, satisfied by *Client.
type Fetcher interface {
	FetchOrdersXML(ctx context.Context, fechaExploracion string) (string, error)
}

// SyncStats summarizes one synchronization run.
type SyncStats struct {
	Patients int `json:"patients"`
	Exams    int `json:"exams"`
}

// SyncService downloads the orders of a date and stores them locally. Only
// exams whose protocol code appears in the mapping document are kept, so the
// order table never fills with exams the integration will not process.
type SyncService struct {
	fetcher Fetcher
	repo    Repository
	mapping mapping.Resolver
	log     zerolog.Logger

	running atomic.Bool
}

func NewSyncService(fetcher Fetcher, repo Repository, resolver mapping.Resolver, log zerolog.Logger) *SyncService {
	return &SyncService{
		fetcher: fetcher,
		repo:    repo,
		mapping: resolver,
		log:     log.With().Str("component", "order-sync").Logger(),
	}
}

// Sync downloads, filters, and upserts orders for one exploration date
// (YYYY-MM-DD). Overlapping runs are rejected.
func (s *SyncService) Sync(ctx context.Context, fechaExploracion string) (SyncStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SyncStats{}, fmt.Errorf("order sync already running")
	}
	defer s.running.Store(false)

	xmlText, err := s.fetcher.FetchOrdersXML(ctx, fechaExploracion)
	if err != nil {
		return SyncStats{}, err
	}

	allowed := make(map[string]struct{})
	for _, code := range s.mapping.ClientCodes() {
		allowed[code] = struct{}{}
	}

	records, err := ParseOrders(xmlText, allowed)
	if err != nil {
		return SyncStats{}, err
	}
	if len(records) == 0 {
		s.log.Warn().Str("fecha", fechaExploracion).Msg("no orders found")
		return SyncStats{}, nil
	}

	if err := s.repo.UpsertOrders(ctx, records); err != nil {
		return SyncStats{}, err
	}

	stats := SyncStats{Patients: len(records)}
	for _, r := range records {
		stats.Exams += len(r.Examenes)
	}
	s.log.Info().
		Str("fecha", fechaExploracion).
		Int("patients", stats.Patients).
		Int("exams", stats.Exams).
		Msg("orders stored")
	return stats, nil
}
