package translator

import (
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/store"
)

// Legacy table names.
const (
	LegacyUnit            = "unit"
	LegacyItem            = "item"
	LegacyName            = "name"
	LegacyStore           = "store"
	LegacyNameStoreJoin   = "name_store_join"
	LegacyLocation        = "location"
	LegacyItemLine        = "item_line"
	LegacyRequisition     = "requisition"
	LegacyRequisitionLine = "requisition_line"
	LegacyDocument        = "om_document"
)

type legacyUnit struct {
	ID          string `json:"ID"`
	Units       string `json:"units"`
	Comment     string `json:"comment"`
	OrderNumber int    `json:"order_number"`
}

// NewUnitTranslator pulls units. Units are managed centrally.
func NewUnitTranslator() Translator {
	return &rowTranslator[legacyUnit, domain.Unit]{
		table: LegacyUnit,
		repo:  store.Units,
		toDomain: func(l *legacyUnit) (*domain.Unit, error) {
			return &domain.Unit{
				ID:          l.ID,
				Name:        l.Units,
				Description: optional(l.Comment),
				Index:       l.OrderNumber,
			}, nil
		},
		toLegacy: func(u *domain.Unit) *legacyUnit {
			return &legacyUnit{
				ID:          u.ID,
				Units:       u.Name,
				Comment:     fromOptional(u.Description),
				OrderNumber: u.Index,
			}
		},
	}
}

var itemTypes = newEnumMap("item type", map[string]domain.ItemType{
	"general":   domain.ItemTypeStock,
	"service":   domain.ItemTypeService,
	"non_stock": domain.ItemTypeNonStock,
})

type legacyItem struct {
	ID              string  `json:"ID"`
	ItemName        string  `json:"item_name"`
	Code            string  `json:"code"`
	UnitID          string  `json:"unit_ID"`
	TypeOf          string  `json:"type_of"`
	DefaultPackSize float64 `json:"default_pack_size"`
	IsActive        bool    `json:"is_active"`
}

// NewItemTranslator pulls items. Item merges happen centrally and arrive
// as plain updates, so MERGE records are ignored.
func NewItemTranslator() Translator {
	return &rowTranslator[legacyItem, domain.Item]{
		table: LegacyItem,
		deps:  []string{LegacyUnit},
		repo:  store.Items,
		toDomain: func(l *legacyItem) (*domain.Item, error) {
			typ, err := itemTypes.in(l.TypeOf)
			if err != nil {
				return nil, err
			}
			item := &domain.Item{
				ID:              l.ID,
				Name:            l.ItemName,
				Code:            l.Code,
				UnitID:          optional(l.UnitID),
				Type:            typ,
				DefaultPackSize: l.DefaultPackSize,
				IsActive:        l.IsActive,
			}
			return item, item.Validate()
		},
		toLegacy: func(i *domain.Item) *legacyItem {
			return &legacyItem{
				ID:              i.ID,
				ItemName:        i.Name,
				Code:            i.Code,
				UnitID:          fromOptional(i.UnitID),
				TypeOf:          itemTypes.out(i.Type),
				DefaultPackSize: i.DefaultPackSize,
				IsActive:        i.IsActive,
			}
		},
	}
}

type legacyStore struct {
	ID               string `json:"ID"`
	Code             string `json:"code"`
	NameID           string `json:"name_ID"`
	SyncIDRemoteSite int    `json:"sync_id_remote_site"`
}

// NewStoreTranslator pulls stores.
func NewStoreTranslator() Translator {
	return &rowTranslator[legacyStore, domain.Store]{
		table: LegacyStore,
		deps:  []string{LegacyName},
		repo:  store.Stores,
		toDomain: func(l *legacyStore) (*domain.Store, error) {
			return &domain.Store{ID: l.ID, Code: l.Code, NameID: l.NameID, SiteID: l.SyncIDRemoteSite}, nil
		},
		toLegacy: func(s *domain.Store) *legacyStore {
			return &legacyStore{ID: s.ID, Code: s.Code, NameID: s.NameID, SyncIDRemoteSite: s.SiteID}
		},
	}
}

type legacyNameStoreJoin struct {
	ID             string `json:"ID"`
	NameID         string `json:"name_ID"`
	StoreID        string `json:"store_ID"`
	NameIsCustomer bool   `json:"name_is_customer"`
	NameIsSupplier bool   `json:"name_is_supplier"`
}

func nameStoreJoinToLegacy(j *domain.NameStoreJoin) *legacyNameStoreJoin {
	return &legacyNameStoreJoin{
		ID:             j.ID,
		NameID:         j.NameID,
		StoreID:        j.StoreID,
		NameIsCustomer: j.NameIsCustomer,
		NameIsSupplier: j.NameIsSupplier,
	}
}

// NewNameStoreJoinTranslator syncs name visibility per store in both
// directions.
func NewNameStoreJoinTranslator() Translator {
	return &rowTranslator[legacyNameStoreJoin, domain.NameStoreJoin]{
		table: LegacyNameStoreJoin,
		deps:  []string{LegacyName, LegacyStore},
		repo:  store.NameStoreJoins,
		toDomain: func(l *legacyNameStoreJoin) (*domain.NameStoreJoin, error) {
			return &domain.NameStoreJoin{
				ID:             l.ID,
				NameID:         l.NameID,
				StoreID:        l.StoreID,
				NameIsCustomer: l.NameIsCustomer,
				NameIsSupplier: l.NameIsSupplier,
			}, nil
		},
		toLegacy: nameStoreJoinToLegacy,
		push:     pushAlways[domain.NameStoreJoin],
	}
}

type legacyLocation struct {
	ID          string `json:"ID"`
	Description string `json:"Description"`
	Code        string `json:"code"`
	Hold        bool   `json:"hold"`
	StoreID     string `json:"store_ID"`
}

// NewLocationTranslator syncs storage locations. Locations are edited at
// remote sites, so only a remote site pushes them.
func NewLocationTranslator() Translator {
	return &rowTranslator[legacyLocation, domain.Location]{
		table: LegacyLocation,
		deps:  []string{LegacyStore},
		repo:  store.Locations,
		toDomain: func(l *legacyLocation) (*domain.Location, error) {
			return &domain.Location{ID: l.ID, Name: l.Description, Code: l.Code, OnHold: l.Hold, StoreID: l.StoreID}, nil
		},
		toLegacy: func(l *domain.Location) *legacyLocation {
			return &legacyLocation{ID: l.ID, Description: l.Name, Code: l.Code, Hold: l.OnHold, StoreID: l.StoreID}
		},
		push: pushFromRemote[domain.Location],
	}
}

type legacyItemLine struct {
	ID         string  `json:"ID"`
	ItemID     string  `json:"item_ID"`
	StoreID    string  `json:"store_ID"`
	LocationID string  `json:"location_ID"`
	Batch      string  `json:"batch"`
	ExpiryDate string  `json:"expiry_date"`
	PackSize   float64 `json:"pack_size"`
	CostPrice  float64 `json:"cost_price"`
	SellPrice  float64 `json:"sell_price"`
	Available  float64 `json:"available"`
	Quantity   float64 `json:"quantity"`
	Hold       bool    `json:"hold"`
	Note       string  `json:"note"`
}

// NewStockLineTranslator syncs stock lines (legacy item_line).
func NewStockLineTranslator() Translator {
	return &rowTranslator[legacyItemLine, domain.StockLine]{
		table: LegacyItemLine,
		deps:  []string{LegacyItem, LegacyStore, LegacyLocation},
		repo:  store.StockLines,
		toDomain: func(l *legacyItemLine) (*domain.StockLine, error) {
			expiry, err := parseLegacyDate(l.ExpiryDate)
			if err != nil {
				return nil, err
			}
			line := &domain.StockLine{
				ID:                     l.ID,
				ItemID:                 l.ItemID,
				StoreID:                l.StoreID,
				LocationID:             optional(l.LocationID),
				Batch:                  optional(l.Batch),
				ExpiryDate:             expiry,
				PackSize:               l.PackSize,
				CostPricePerPack:       l.CostPrice,
				SellPricePerPack:       l.SellPrice,
				AvailableNumberOfPacks: l.Available,
				TotalNumberOfPacks:     l.Quantity,
				OnHold:                 l.Hold,
				Note:                   optional(l.Note),
			}
			return line, line.Validate()
		},
		toLegacy: func(s *domain.StockLine) *legacyItemLine {
			return &legacyItemLine{
				ID:         s.ID,
				ItemID:     s.ItemID,
				StoreID:    s.StoreID,
				LocationID: fromOptional(s.LocationID),
				Batch:      fromOptional(s.Batch),
				ExpiryDate: formatLegacyDate(s.ExpiryDate),
				PackSize:   s.PackSize,
				CostPrice:  s.CostPricePerPack,
				SellPrice:  s.SellPricePerPack,
				Available:  s.AvailableNumberOfPacks,
				Quantity:   s.TotalNumberOfPacks,
				Hold:       s.OnHold,
				Note:       fromOptional(s.Note),
			}
		},
		push: pushAlways[domain.StockLine],
	}
}
