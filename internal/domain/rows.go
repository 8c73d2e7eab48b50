package domain

import (
	"fmt"
	"time"
)

// Table names of the local replica.
const (
	TableUnit            = "unit"
	TableItem            = "item"
	TableName            = "name"
	TableNameLink        = "name_link"
	TableStore           = "store"
	TableNameStoreJoin   = "name_store_join"
	TableLocation        = "location"
	TableStockLine       = "stock_line"
	TableRequisition     = "requisition"
	TableRequisitionLine = "requisition_line"
	TableDocument        = "document"
)

// ItemType classifies items.
type ItemType string

const (
	ItemTypeStock    ItemType = "STOCK"
	ItemTypeService  ItemType = "SERVICE"
	ItemTypeNonStock ItemType = "NON_STOCK"
)

// IsValid reports whether t is a known item type.
func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeStock, ItemTypeService, ItemTypeNonStock:
		return true
	}
	return false
}

// NameType classifies names (facilities, patients, stores...).
type NameType string

const (
	NameTypeFacility NameType = "FACILITY"
	NameTypePatient  NameType = "PATIENT"
	NameTypeStore    NameType = "STORE"
	NameTypeBuild    NameType = "BUILD"
	NameTypeInvad    NameType = "INVAD"
	NameTypeRepack   NameType = "REPACK"
	NameTypeOthers   NameType = "OTHERS"
)

// IsValid reports whether t is a known name type.
func (t NameType) IsValid() bool {
	switch t {
	case NameTypeFacility, NameTypePatient, NameTypeStore, NameTypeBuild,
		NameTypeInvad, NameTypeRepack, NameTypeOthers:
		return true
	}
	return false
}

// RequisitionType is the direction of a requisition.
type RequisitionType string

const (
	RequisitionTypeRequest  RequisitionType = "REQUEST"
	RequisitionTypeResponse RequisitionType = "RESPONSE"
)

// RequisitionStatus is the lifecycle state of a requisition.
type RequisitionStatus string

const (
	RequisitionStatusDraft     RequisitionStatus = "DRAFT"
	RequisitionStatusSent      RequisitionStatus = "SENT"
	RequisitionStatusFinalised RequisitionStatus = "FINALISED"
)

// Unit is a unit of measure.
type Unit struct {
	ID          string
	Name        string
	Description *string
	Index       int
}

// Item is a catalogue item.
type Item struct {
	ID              string
	Name            string
	Code            string
	UnitID          *string
	Type            ItemType
	DefaultPackSize float64
	IsActive        bool
}

// Name is a facility, patient, store or other party.
type Name struct {
	ID              string
	Name            string
	Code            string
	Type            NameType
	IsCustomer      bool
	IsSupplier      bool
	FirstName       *string
	LastName        *string
	DateOfBirth     *time.Time
	CreatedDatetime *time.Time
}

// NameLink points a (possibly merged-away) name id at the name that now
// represents it. Unmerged names link to themselves.
type NameLink struct {
	ID     string
	NameID string
}

// Store is a store served by a site.
type Store struct {
	ID     string
	Code   string
	NameID string
	SiteID int
}

// NameStoreJoin makes a name visible in a store.
type NameStoreJoin struct {
	ID             string
	NameID         string
	StoreID        string
	NameIsCustomer bool
	NameIsSupplier bool
}

// Location is a storage location inside a store.
type Location struct {
	ID      string
	Name    string
	Code    string
	OnHold  bool
	StoreID string
}

// StockLine is a batch of an item held in a store.
type StockLine struct {
	ID                     string
	ItemID                 string
	StoreID                string
	LocationID             *string
	Batch                  *string
	ExpiryDate             *time.Time
	PackSize               float64
	CostPricePerPack       float64
	SellPricePerPack       float64
	AvailableNumberOfPacks float64
	TotalNumberOfPacks     float64
	OnHold                 bool
	Note                   *string
}

// Requisition is a request for (or response to a request for) stock.
type Requisition struct {
	ID                string
	RequisitionNumber int64
	NameID            string
	StoreID           string
	Type              RequisitionType
	Status            RequisitionStatus
	CreatedDatetime   time.Time
	SentDatetime      *time.Time
	MaxMonthsOfStock  float64
	MinMonthsOfStock  float64
	Comment           *string
}

// RequisitionLine is one item on a requisition.
type RequisitionLine struct {
	ID                        string
	RequisitionID             string
	ItemID                    string
	RequestedQuantity         float64
	SupplyQuantity            float64
	AvailableStockOnHand      float64
	AverageMonthlyConsumption int64
	Comment                   *string
}

// Validate checks the fields the sync engine depends on.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !i.Type.IsValid() {
		return fmt.Errorf("invalid item type: %q", i.Type)
	}
	return nil
}

// Validate checks the fields the sync engine depends on.
func (n *Name) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("invalid name type: %q", n.Type)
	}
	return nil
}

// Validate checks the fields the sync engine depends on.
func (s *StockLine) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if s.StoreID == "" {
		return fmt.Errorf("store_id is required")
	}
	if s.PackSize <= 0 {
		return fmt.Errorf("pack_size must be positive (got %v)", s.PackSize)
	}
	return nil
}

// Validate checks the fields the sync engine depends on.
func (r *Requisition) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch r.Type {
	case RequisitionTypeRequest, RequisitionTypeResponse:
	default:
		return fmt.Errorf("invalid requisition type: %q", r.Type)
	}
	switch r.Status {
	case RequisitionStatusDraft, RequisitionStatusSent, RequisitionStatusFinalised:
	default:
		return fmt.Errorf("invalid requisition status: %q", r.Status)
	}
	if r.CreatedDatetime.IsZero() {
		return fmt.Errorf("created_datetime is required")
	}
	return nil
}

// Validate checks the fields the sync engine depends on.
func (l *RequisitionLine) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.RequisitionID == "" {
		return fmt.Errorf("requisition_id is required")
	}
	if l.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if l.AverageMonthlyConsumption < 0 {
		return fmt.Errorf("average_monthly_consumption must not be negative (got %d)", l.AverageMonthlyConsumption)
	}
	return nil
}
