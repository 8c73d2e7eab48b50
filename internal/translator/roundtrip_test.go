package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripper interface {
	roundTrip(data json.RawMessage) (json.RawMessage, error)
}

// legacyCorpus holds representative legacy payloads per table, covering
// the null-date, empty-foreign-key and unit conversion quirks.
var legacyCorpus = map[string][]string{
	LegacyUnit: {
		`{"ID":"u1","units":"Tablet","comment":"","order_number":0}`,
		`{"ID":"u2","units":"Bottle","comment":"250ml","order_number":4}`,
	},
	LegacyItem: {
		`{"ID":"i1","item_name":"Paracetamol 500mg","code":"PAR500","unit_ID":"u1","type_of":"general","default_pack_size":100,"is_active":true}`,
		`{"ID":"i2","item_name":"Consultation","code":"CONS","unit_ID":"","type_of":"service","default_pack_size":1,"is_active":false}`,
		`{"ID":"i3","item_name":"Gloves","code":"GLV","unit_ID":"u2","type_of":"non_stock","default_pack_size":0.5,"is_active":true}`,
	},
	LegacyName: {
		`{"ID":"n1","name":"District Hospital","code":"DH","type":"facility","customer":true,"supplier":false,"first":"","last":"","date_of_birth":"0000-00-00","created_date":"0000-00-00"}`,
		`{"ID":"n2","name":"Doe, Jane","code":"P0001","type":"patient","customer":true,"supplier":false,"first":"Jane","last":"Doe","date_of_birth":"1984-02-29","created_date":"2023-11-05"}`,
		`{"ID":"n3","name":"Main Store","code":"MS","type":"store","customer":false,"supplier":true,"first":"","last":"","date_of_birth":"0000-00-00","created_date":"2020-01-01"}`,
	},
	LegacyStore: {
		`{"ID":"s1","code":"MS","name_ID":"n3","sync_id_remote_site":2}`,
	},
	LegacyNameStoreJoin: {
		`{"ID":"j1","name_ID":"n1","store_ID":"s1","name_is_customer":true,"name_is_supplier":false}`,
	},
	LegacyLocation: {
		`{"ID":"l1","Description":"Cold room","code":"CR1","hold":false,"store_ID":"s1"}`,
		`{"ID":"l2","Description":"Quarantine","code":"Q","hold":true,"store_ID":"s1"}`,
	},
	LegacyItemLine: {
		`{"ID":"il1","item_ID":"i1","store_ID":"s1","location_ID":"l1","batch":"B-001","expiry_date":"2026-12-31","pack_size":100,"cost_price":12.5,"sell_price":15.75,"available":40,"quantity":42,"hold":false,"note":"donation"}`,
		`{"ID":"il2","item_ID":"i1","store_ID":"s1","location_ID":"","batch":"","expiry_date":"0000-00-00","pack_size":1,"cost_price":0,"sell_price":0,"available":0,"quantity":0,"hold":true,"note":""}`,
	},
	LegacyRequisition: {
		`{"ID":"r1","serial_number":17,"name_ID":"n1","store_ID":"s1","type":"request","status":"sg","date_entered":"2024-03-15","entered_time":37815,"date_order_sent":"0000-00-00","max_MOS":3,"thresholdMOS":1.5,"comment":""}`,
		`{"ID":"r2","serial_number":18,"name_ID":"n1","store_ID":"s1","type":"response","status":"fn","date_entered":"2024-03-16","entered_time":0,"date_order_sent":"2024-03-17","max_MOS":6,"thresholdMOS":2,"comment":"urgent"}`,
	},
	LegacyRequisitionLine: {
		`{"ID":"rl1","requisition_ID":"r1","item_ID":"i1","Cust_stock_order":120,"actualQuan":100,"stock_on_hand":35,"daily_usage":0.32854209445585214,"comment":""}`,
		`{"ID":"rl2","requisition_ID":"r1","item_ID":"i2","Cust_stock_order":0,"actualQuan":0,"stock_on_hand":0,"daily_usage":0,"comment":"none used"}`,
		`{"ID":"rl3","requisition_ID":"r1","item_ID":"i3","Cust_stock_order":5.5,"actualQuan":5,"stock_on_hand":1,"daily_usage":9.88911704312115,"comment":""}`,
	},
	LegacyDocument: {
		`{"ID":"d1","name":"patient/n2","parents":[],"author":"user1","datetime":"2024-03-01T10:00:00Z","type":"Patient","data":{"name":"Jane","visits":2},"form_schema_id":"schema1"}`,
		`{"ID":"d2","name":"patient/n2","parents":["d1"],"author":"user2","datetime":"2024-03-01T10:05:30.25Z","type":"Patient","data":{"name":"Jane D"},"form_schema_id":""}`,
		`{"ID":"d3","name":"patient/n2","parents":["d2"],"author":"user1","datetime":"2024-03-01T12:07:00-05:30","type":"Patient","data":{"name":"Jane D","visits":3},"form_schema_id":""}`,
	},
}

func TestTranslators_RoundTrip(t *testing.T) {
	for _, tr := range All(Options{}) {
		tr := tr
		payloads := legacyCorpus[tr.TableName()]
		require.NotEmpty(t, payloads, "no corpus for %s", tr.TableName())

		rt, ok := tr.(roundTripper)
		require.True(t, ok, "%s cannot round trip", tr.TableName())

		for i, payload := range payloads {
			t.Run(tr.TableName(), func(t *testing.T) {
				out, err := rt.roundTrip(json.RawMessage(payload))
				require.NoError(t, err, "payload %d", i)
				assert.JSONEq(t, payload, string(out), "payload %d", i)
			})
		}
	}
}

func TestDailyUsageConversion(t *testing.T) {
	tests := []struct {
		daily   float64
		monthly int64
	}{
		{daily: 0, monthly: 0},
		{daily: 1, monthly: 31},
		{daily: 0.5, monthly: 16},
		{daily: 10.0 / daysPerMonth, monthly: 10},
		{daily: 2, monthly: 61},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.monthly, dailyToMonthly(tt.daily), "daily %v", tt.daily)
	}
	for _, m := range []int64{0, 1, 10, 45, 301, 1000} {
		assert.Equal(t, m, dailyToMonthly(monthlyToDaily(m)))
	}
}

func TestTranslateIn_RejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		payload string
	}{
		{name: "unknown item type", table: LegacyItem, payload: `{"ID":"i1","type_of":"gadget"}`},
		{name: "unknown status", table: LegacyRequisition, payload: `{"ID":"r1","type":"request","status":"zz","date_entered":"2024-01-01"}`},
		{name: "missing requisition date", table: LegacyRequisition, payload: `{"ID":"r1","type":"request","status":"sg","date_entered":"0000-00-00"}`},
		{name: "bad expiry", table: LegacyItemLine, payload: `{"ID":"x","item_ID":"i","store_ID":"s","pack_size":1,"expiry_date":"31/12/2026"}`},
		{name: "zero pack size", table: LegacyItemLine, payload: `{"ID":"x","item_ID":"i","store_ID":"s","pack_size":0,"expiry_date":"0000-00-00"}`},
		{name: "not json", table: LegacyUnit, payload: `{`},
		{name: "document self parent", table: LegacyDocument, payload: `{"ID":"d1","name":"n","parents":["d1"],"datetime":"2024-03-01T10:00:00Z","data":{}}`},
	}

	translators := map[string]Translator{}
	for _, tr := range All(Options{}) {
		translators[tr.TableName()] = tr
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := translators[tt.table].(roundTripper)
			_, err := rt.roundTrip(json.RawMessage(tt.payload))
			assert.Error(t, err)
		})
	}
}
