// Package domain defines the row types of the site replica.
//
// # Overview
//
// Every synced table in the local replica has a row type here. These are the
// "domain" shapes: the legacy central server speaks a different schema, and
// the translator package converts between the two.
//
// Rows are plain structs with flat fields. Optional columns are pointers so
// that NULL survives a round trip through storage and translation unchanged.
//
// # Tables
//
//	unit              Unit
//	item              Item
//	name              Name
//	name_link         NameLink
//	store             Store
//	name_store_join   NameStoreJoin
//	location          Location
//	stock_line        StockLine
//	requisition       Requisition
//	requisition_line  RequisitionLine
//	document          Document (immutable; heads tracked separately)
//
// # Validation
//
// Each row type has a Validate method that checks the fields the sync engine
// depends on (ids and enum values). Business rules live elsewhere.
package domain
