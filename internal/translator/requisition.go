package translator

import (
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/store"
)

var requisitionTypes = newEnumMap("requisition type", map[string]domain.RequisitionType{
	"request":  domain.RequisitionTypeRequest,
	"response": domain.RequisitionTypeResponse,
})

var requisitionStatuses = newEnumMap("requisition status", map[string]domain.RequisitionStatus{
	"sg": domain.RequisitionStatusDraft,
	"cn": domain.RequisitionStatusSent,
	"fn": domain.RequisitionStatusFinalised,
})

type legacyRequisition struct {
	ID            string  `json:"ID"`
	SerialNumber  int64   `json:"serial_number"`
	NameID        string  `json:"name_ID"`
	StoreID       string  `json:"store_ID"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	DateEntered   string  `json:"date_entered"`
	EnteredTime   int64   `json:"entered_time"`
	DateOrderSent string  `json:"date_order_sent"`
	MaxMOS        float64 `json:"max_MOS"`
	ThresholdMOS  float64 `json:"thresholdMOS"`
	Comment       string  `json:"comment"`
}

// NewRequisitionTranslator syncs requisitions. The legacy schema splits the
// creation time into a date and seconds since midnight.
func NewRequisitionTranslator() Translator {
	return &rowTranslator[legacyRequisition, domain.Requisition]{
		table: LegacyRequisition,
		deps:  []string{LegacyName, LegacyStore},
		repo:  store.Requisitions,
		toDomain: func(l *legacyRequisition) (*domain.Requisition, error) {
			typ, err := requisitionTypes.in(l.Type)
			if err != nil {
				return nil, err
			}
			status, err := requisitionStatuses.in(l.Status)
			if err != nil {
				return nil, err
			}
			created, err := legacyDateTime(l.DateEntered, l.EnteredTime)
			if err != nil {
				return nil, err
			}
			sent, err := parseLegacyDate(l.DateOrderSent)
			if err != nil {
				return nil, err
			}
			r := &domain.Requisition{
				ID:                l.ID,
				RequisitionNumber: l.SerialNumber,
				NameID:            l.NameID,
				StoreID:           l.StoreID,
				Type:              typ,
				Status:            status,
				CreatedDatetime:   created,
				SentDatetime:      sent,
				MaxMonthsOfStock:  l.MaxMOS,
				MinMonthsOfStock:  l.ThresholdMOS,
				Comment:           optional(l.Comment),
			}
			return r, r.Validate()
		},
		toLegacy: func(r *domain.Requisition) *legacyRequisition {
			date, seconds := splitLegacyDateTime(r.CreatedDatetime)
			return &legacyRequisition{
				ID:            r.ID,
				SerialNumber:  r.RequisitionNumber,
				NameID:        r.NameID,
				StoreID:       r.StoreID,
				Type:          requisitionTypes.out(r.Type),
				Status:        requisitionStatuses.out(r.Status),
				DateEntered:   date,
				EnteredTime:   seconds,
				DateOrderSent: formatLegacyDate(r.SentDatetime),
				MaxMOS:        r.MaxMonthsOfStock,
				ThresholdMOS:  r.MinMonthsOfStock,
				Comment:       fromOptional(r.Comment),
			}
		},
		push: pushAlways[domain.Requisition],
	}
}

type legacyRequisitionLine struct {
	ID             string  `json:"ID"`
	RequisitionID  string  `json:"requisition_ID"`
	ItemID         string  `json:"item_ID"`
	CustStockOrder float64 `json:"Cust_stock_order"`
	ActualQuan     float64 `json:"actualQuan"`
	StockOnHand    float64 `json:"stock_on_hand"`
	DailyUsage     float64 `json:"daily_usage"`
	Comment        string  `json:"comment"`
}

// NewRequisitionLineTranslator syncs requisition lines. Legacy daily usage
// becomes whole monthly consumption, rounded up, and is divided back on
// push.
func NewRequisitionLineTranslator() Translator {
	return &rowTranslator[legacyRequisitionLine, domain.RequisitionLine]{
		table: LegacyRequisitionLine,
		deps:  []string{LegacyRequisition, LegacyItem},
		repo:  store.RequisitionLines,
		toDomain: func(l *legacyRequisitionLine) (*domain.RequisitionLine, error) {
			line := &domain.RequisitionLine{
				ID:                        l.ID,
				RequisitionID:             l.RequisitionID,
				ItemID:                    l.ItemID,
				RequestedQuantity:         l.CustStockOrder,
				SupplyQuantity:            l.ActualQuan,
				AvailableStockOnHand:      l.StockOnHand,
				AverageMonthlyConsumption: dailyToMonthly(l.DailyUsage),
				Comment:                   optional(l.Comment),
			}
			return line, line.Validate()
		},
		toLegacy: func(r *domain.RequisitionLine) *legacyRequisitionLine {
			return &legacyRequisitionLine{
				ID:             r.ID,
				RequisitionID:  r.RequisitionID,
				ItemID:         r.ItemID,
				CustStockOrder: r.RequestedQuantity,
				ActualQuan:     r.SupplyQuantity,
				StockOnHand:    r.AvailableStockOnHand,
				DailyUsage:     monthlyToDaily(r.AverageMonthlyConsumption),
				Comment:        fromOptional(r.Comment),
			}
		},
		push: pushAlways[domain.RequisitionLine],
	}
}
