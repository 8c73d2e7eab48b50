package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Table describes how one domain row type maps onto its SQLite table.
//
// Columns[0] must be the primary key column "id". Values returns the column
// values in Columns order.
type Table[T any] struct {
	Name    string
	Columns []string
	ID      func(row *T) string
	Values  func(row *T) []any
	Scan    func(s scanner) (*T, error)
}

func (t *Table[T]) columnList() string {
	quoted := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// FindOneByID returns the row with the given id, or nil when it does not exist.
func (t *Table[T]) FindOneByID(ctx context.Context, q Querier, id string) (*T, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, t.columnList(), t.Name)
	row, err := t.Scan(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", t.Name, id, err)
	}
	return row, nil
}

// FindWhere returns the rows matching a SQL condition, ordered by id.
// An empty condition returns every row.
func (t *Table[T]) FindWhere(ctx context.Context, q Querier, cond string, args ...any) ([]*T, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, t.columnList(), t.Name)
	if cond != "" {
		query += " WHERE " + cond
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var result []*T
	for rows.Next() {
		row, err := t.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// UpsertOne inserts or replaces a row and appends an upsert changelog entry
// in the same transaction.
func (t *Table[T]) UpsertOne(ctx context.Context, tx *Tx, row *T) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	updates := make([]string, 0, len(t.Columns)-1)
	for _, c := range t.Columns[1:] {
		updates = append(updates, fmt.Sprintf(`"%s" = excluded."%s"`, c, c))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		t.Name, t.columnList(), placeholders, strings.Join(updates, ", "))

	id := t.ID(row)
	if _, err := tx.ExecContext(ctx, query, t.Values(row)...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", t.Name, id, err)
	}
	return tx.logChange(ctx, t.Name, id, ChangelogUpsert)
}

// Delete removes a row and appends a delete changelog entry in the same
// transaction. Deleting a missing row is not an error; the entry is still
// written so the deletion propagates.
func (t *Table[T]) Delete(ctx context.Context, tx *Tx, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.Name)
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t.Name, id, err)
	}
	return tx.logChange(ctx, t.Name, id, ChangelogDelete)
}

// Units is the unit table.
var Units = &Table[domain.Unit]{
	Name:    domain.TableUnit,
	Columns: []string{"id", "name", "description", "index"},
	ID:      func(r *domain.Unit) string { return r.ID },
	Values: func(r *domain.Unit) []any {
		return []any{r.ID, r.Name, nullString(r.Description), r.Index}
	},
	Scan: func(s scanner) (*domain.Unit, error) {
		var r domain.Unit
		var desc sql.NullString
		if err := s.Scan(&r.ID, &r.Name, &desc, &r.Index); err != nil {
			return nil, err
		}
		r.Description = ptrString(desc)
		return &r, nil
	},
}

// Items is the item table.
var Items = &Table[domain.Item]{
	Name:    domain.TableItem,
	Columns: []string{"id", "name", "code", "unit_id", "type", "default_pack_size", "is_active"},
	ID:      func(r *domain.Item) string { return r.ID },
	Values: func(r *domain.Item) []any {
		return []any{r.ID, r.Name, r.Code, nullString(r.UnitID), string(r.Type), r.DefaultPackSize, r.IsActive}
	},
	Scan: func(s scanner) (*domain.Item, error) {
		var r domain.Item
		var unitID sql.NullString
		var typ string
		if err := s.Scan(&r.ID, &r.Name, &r.Code, &unitID, &typ, &r.DefaultPackSize, &r.IsActive); err != nil {
			return nil, err
		}
		r.UnitID = ptrString(unitID)
		r.Type = domain.ItemType(typ)
		return &r, nil
	},
}

// Names is the name table.
var Names = &Table[domain.Name]{
	Name: domain.TableName,
	Columns: []string{"id", "name", "code", "type", "is_customer", "is_supplier",
		"first_name", "last_name", "date_of_birth", "created_datetime"},
	ID: func(r *domain.Name) string { return r.ID },
	Values: func(r *domain.Name) []any {
		return []any{r.ID, r.Name, r.Code, string(r.Type), r.IsCustomer, r.IsSupplier,
			nullString(r.FirstName), nullString(r.LastName), nullDate(r.DateOfBirth), nullTime(r.CreatedDatetime)}
	},
	Scan: func(s scanner) (*domain.Name, error) {
		var r domain.Name
		var typ string
		var first, last, dob, created sql.NullString
		if err := s.Scan(&r.ID, &r.Name, &r.Code, &typ, &r.IsCustomer, &r.IsSupplier,
			&first, &last, &dob, &created); err != nil {
			return nil, err
		}
		r.Type = domain.NameType(typ)
		r.FirstName = ptrString(first)
		r.LastName = ptrString(last)
		var err error
		if r.DateOfBirth, err = parseNullTime(dob); err != nil {
			return nil, err
		}
		if r.CreatedDatetime, err = parseNullTime(created); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// NameLinks is the name_link table.
var NameLinks = &Table[domain.NameLink]{
	Name:    domain.TableNameLink,
	Columns: []string{"id", "name_id"},
	ID:      func(r *domain.NameLink) string { return r.ID },
	Values:  func(r *domain.NameLink) []any { return []any{r.ID, r.NameID} },
	Scan: func(s scanner) (*domain.NameLink, error) {
		var r domain.NameLink
		if err := s.Scan(&r.ID, &r.NameID); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// Stores is the store table.
var Stores = &Table[domain.Store]{
	Name:    domain.TableStore,
	Columns: []string{"id", "code", "name_id", "site_id"},
	ID:      func(r *domain.Store) string { return r.ID },
	Values:  func(r *domain.Store) []any { return []any{r.ID, r.Code, r.NameID, r.SiteID} },
	Scan: func(s scanner) (*domain.Store, error) {
		var r domain.Store
		if err := s.Scan(&r.ID, &r.Code, &r.NameID, &r.SiteID); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// NameStoreJoins is the name_store_join table.
var NameStoreJoins = &Table[domain.NameStoreJoin]{
	Name:    domain.TableNameStoreJoin,
	Columns: []string{"id", "name_id", "store_id", "name_is_customer", "name_is_supplier"},
	ID:      func(r *domain.NameStoreJoin) string { return r.ID },
	Values: func(r *domain.NameStoreJoin) []any {
		return []any{r.ID, r.NameID, r.StoreID, r.NameIsCustomer, r.NameIsSupplier}
	},
	Scan: func(s scanner) (*domain.NameStoreJoin, error) {
		var r domain.NameStoreJoin
		if err := s.Scan(&r.ID, &r.NameID, &r.StoreID, &r.NameIsCustomer, &r.NameIsSupplier); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// Locations is the location table.
var Locations = &Table[domain.Location]{
	Name:    domain.TableLocation,
	Columns: []string{"id", "name", "code", "on_hold", "store_id"},
	ID:      func(r *domain.Location) string { return r.ID },
	Values: func(r *domain.Location) []any {
		return []any{r.ID, r.Name, r.Code, r.OnHold, r.StoreID}
	},
	Scan: func(s scanner) (*domain.Location, error) {
		var r domain.Location
		if err := s.Scan(&r.ID, &r.Name, &r.Code, &r.OnHold, &r.StoreID); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// StockLines is the stock_line table.
var StockLines = &Table[domain.StockLine]{
	Name: domain.TableStockLine,
	Columns: []string{"id", "item_id", "store_id", "location_id", "batch", "expiry_date", "pack_size",
		"cost_price_per_pack", "sell_price_per_pack", "available_number_of_packs",
		"total_number_of_packs", "on_hold", "note"},
	ID: func(r *domain.StockLine) string { return r.ID },
	Values: func(r *domain.StockLine) []any {
		return []any{r.ID, r.ItemID, r.StoreID, nullString(r.LocationID), nullString(r.Batch),
			nullDate(r.ExpiryDate), r.PackSize, r.CostPricePerPack, r.SellPricePerPack,
			r.AvailableNumberOfPacks, r.TotalNumberOfPacks, r.OnHold, nullString(r.Note)}
	},
	Scan: func(s scanner) (*domain.StockLine, error) {
		var r domain.StockLine
		var location, batch, expiry, note sql.NullString
		if err := s.Scan(&r.ID, &r.ItemID, &r.StoreID, &location, &batch, &expiry, &r.PackSize,
			&r.CostPricePerPack, &r.SellPricePerPack, &r.AvailableNumberOfPacks,
			&r.TotalNumberOfPacks, &r.OnHold, &note); err != nil {
			return nil, err
		}
		r.LocationID = ptrString(location)
		r.Batch = ptrString(batch)
		r.Note = ptrString(note)
		var err error
		if r.ExpiryDate, err = parseNullTime(expiry); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// Requisitions is the requisition table.
var Requisitions = &Table[domain.Requisition]{
	Name: domain.TableRequisition,
	Columns: []string{"id", "requisition_number", "name_id", "store_id", "type", "status",
		"created_datetime", "sent_datetime", "max_months_of_stock", "min_months_of_stock", "comment"},
	ID: func(r *domain.Requisition) string { return r.ID },
	Values: func(r *domain.Requisition) []any {
		return []any{r.ID, r.RequisitionNumber, r.NameID, r.StoreID, string(r.Type), string(r.Status),
			formatTime(r.CreatedDatetime), nullTime(r.SentDatetime), r.MaxMonthsOfStock,
			r.MinMonthsOfStock, nullString(r.Comment)}
	},
	Scan: func(s scanner) (*domain.Requisition, error) {
		var r domain.Requisition
		var typ, status, created string
		var sent, comment sql.NullString
		if err := s.Scan(&r.ID, &r.RequisitionNumber, &r.NameID, &r.StoreID, &typ, &status,
			&created, &sent, &r.MaxMonthsOfStock, &r.MinMonthsOfStock, &comment); err != nil {
			return nil, err
		}
		r.Type = domain.RequisitionType(typ)
		r.Status = domain.RequisitionStatus(status)
		r.Comment = ptrString(comment)
		var err error
		if r.CreatedDatetime, err = parseTime(created); err != nil {
			return nil, err
		}
		if r.SentDatetime, err = parseNullTime(sent); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

// RequisitionLines is the requisition_line table.
var RequisitionLines = &Table[domain.RequisitionLine]{
	Name: domain.TableRequisitionLine,
	Columns: []string{"id", "requisition_id", "item_id", "requested_quantity", "supply_quantity",
		"available_stock_on_hand", "average_monthly_consumption", "comment"},
	ID: func(r *domain.RequisitionLine) string { return r.ID },
	Values: func(r *domain.RequisitionLine) []any {
		return []any{r.ID, r.RequisitionID, r.ItemID, r.RequestedQuantity, r.SupplyQuantity,
			r.AvailableStockOnHand, r.AverageMonthlyConsumption, nullString(r.Comment)}
	},
	Scan: func(s scanner) (*domain.RequisitionLine, error) {
		var r domain.RequisitionLine
		var comment sql.NullString
		if err := s.Scan(&r.ID, &r.RequisitionID, &r.ItemID, &r.RequestedQuantity, &r.SupplyQuantity,
			&r.AvailableStockOnHand, &r.AverageMonthlyConsumption, &comment); err != nil {
			return nil, err
		}
		r.Comment = ptrString(comment)
		return &r, nil
	},
}

// Helper functions for nullable columns

const (
	dateLayout = "2006-01-02"
	// Fixed width so stored timestamps compare correctly as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func ptrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

// parseTime accepts both RFC3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if len(s) == len(dateLayout) {
		return time.Parse(dateLayout, s)
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
