package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"gpos/backend/internal/domain"
)

// ListItems returns active items grouped by item group, groups in name order.
func (s *Service) ListItems(ctx context.Context, itemGroup string, updatedSince string) ([]domain.ItemGroupListing, error) {
	var since *time.Time
	if strings.TrimSpace(updatedSince) != "" {
		parsed, err := parseDateTime("updated_since", updatedSince, time.Time{})
		if err != nil {
			return nil, err
		}
		since = &parsed
	}

	items, err := s.repo.ListItems(ctx, strings.TrimSpace(itemGroup), since)
	if err != nil {
		return nil, err
	}

	listings := make([]domain.ItemGroupListing, 0, 8)
	index := make(map[string]int, 8)
	for _, item := range items {
		i, ok := index[item.ItemGroup]
		if !ok {
			listings = append(listings, domain.ItemGroupListing{ItemGroup: item.ItemGroup})
			i = len(listings) - 1
			index[item.ItemGroup] = i
		}
		listings[i].Items = append(listings[i].Items, item)
	}
	slices.SortFunc(listings, func(a, b domain.ItemGroupListing) int {
		return strings.Compare(a.ItemGroup, b.ItemGroup)
	})
	return listings, nil
}

var promotionDiscountTypes = map[string]string{
	"discount percentage": "PERCENTAGE",
	"discount amount":     "AMOUNT",
	"rate":                "RATE",
}

// ListPromotions returns the still valid promotions linked to a POS profile.
func (s *Service) ListPromotions(ctx context.Context, posProfile string) ([]domain.Promotion, error) {
	posProfile = strings.TrimSpace(posProfile)
	if posProfile == "" {
		return nil, invalidf("pos_profile is required")
	}
	if _, err := s.repo.GetPOSProfile(ctx, posProfile); err != nil {
		return nil, wrapNotFound(err, "POS profile %s not found", posProfile)
	}

	promotions, err := s.repo.ListPromotions(ctx, s.now())
	if err != nil {
		return nil, err
	}

	result := make([]domain.Promotion, 0, len(promotions))
	for _, promo := range promotions {
		if promo.Disabled || !slices.Contains(promo.POSProfiles, posProfile) {
			continue
		}
		for i := range promo.Items {
			if mapped, ok := promotionDiscountTypes[strings.ToLower(promo.Items[i].DiscountType)]; ok {
				promo.Items[i].DiscountType = mapped
			}
		}
		result = append(result, promo)
	}
	if len(result) == 0 {
		return nil, notFoundf("no valid promotions for POS profile %s", posProfile)
	}
	return result, nil
}

// CreateSyncLog records a terminal sync report once per sync_id.
func (s *Service) CreateSyncLog(ctx context.Context, req domain.SyncLogRequest) (domain.SyncLog, error) {
	syncID := strings.TrimSpace(req.SyncID)
	if syncID == "" {
		return domain.SyncLog{}, invalidf("sync_id is required")
	}

	saved, err := s.repo.CreateSyncLog(ctx, domain.SyncLog{
		SyncID:   syncID,
		Details:  req.Details,
		LoggedAt: strings.TrimSpace(req.Datetime),
		Location: strings.TrimSpace(req.Location),
	})
	if err != nil {
		return domain.SyncLog{}, err
	}
	s.logAudit(ctx, "sync_log", "sync_log", saved.ID, "sync_id="+syncID)
	return *saved, nil
}
