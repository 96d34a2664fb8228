package crmsync

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readMirror(t *testing.T, path string) ([]string, []map[string]string) {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open mirror failed: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read mirror failed: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("mirror file is empty")
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := map[string]string{}
		for i, name := range header {
			row[name] = record[i]
		}
		rows = append(rows, row)
	}
	return header, rows
}

func mirrorPayload(t *testing.T, fields map[string]any) Payload {
	t.Helper()
	base := map[string]any{"account": "Acme Roofing", "note": "walked the roof"}
	for k, v := range fields {
		base[k] = v
	}
	p, err := NewPayload(base)
	if err != nil {
		t.Fatalf("payload build failed: %v", err)
	}
	p.EnsureID()
	return p
}

func TestMirrorSeedsHeaderAndAppendsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	p := mirrorPayload(t, map[string]any{"ts": "2026-08-30T10:00:00"})
	mirror.Upsert(p, newStatusMeta(StateSynced, 200, ""))

	header, rows := readMirror(t, path)
	if len(header) != len(mirrorHeader) {
		t.Fatalf("expected %d header columns, got %d", len(mirrorHeader), len(header))
	}
	for i, name := range mirrorHeader {
		if header[i] != name {
			t.Fatalf("header column %d is %q, want %q", i, header[i], name)
		}
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row["Customer_ID"] != p.ID {
		t.Fatalf("Customer_ID %q, want %q", row["Customer_ID"], p.ID)
	}
	if row["Customer_Name"] != "Acme Roofing" {
		t.Fatalf("Customer_Name %q", row["Customer_Name"])
	}
	if row["Stage"] != "Synced" {
		t.Fatalf("Stage %q, want Synced", row["Stage"])
	}
	if row["Lead_Source"] != "Demo" {
		t.Fatalf("Lead_Source %q, want Demo fallback", row["Lead_Source"])
	}
	if row["Needs_Follow_Up"] != "False" {
		t.Fatalf("Needs_Follow_Up %q", row["Needs_Follow_Up"])
	}
}

func TestMirrorReplacesRowByCustomerID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	p := mirrorPayload(t, map[string]any{"ts": "2026-08-30T11:00:00", "note": "first visit"})
	mirror.Upsert(p, newStatusMeta(StateSynced, 200, ""))

	other := mirrorPayload(t, map[string]any{"ts": "2026-08-30T11:30:00"})
	mirror.Upsert(other, newStatusMeta(StateSynced, 200, ""))

	updated := mirrorPayload(t, map[string]any{"ts": "2026-08-30T11:00:00", "note": "second visit"})
	mirror.Upsert(updated, newStatusMeta(StateSynced, 200, ""))

	_, rows := readMirror(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after upsert, got %d", len(rows))
	}
	found := false
	for _, row := range rows {
		if row["Customer_ID"] == p.ID {
			found = true
			if row["Notes"] != "second visit" {
				t.Fatalf("row not replaced, Notes %q", row["Notes"])
			}
		}
	}
	if !found {
		t.Fatalf("no row with Customer_ID %q", p.ID)
	}
}

func TestMirrorSplitsAddressHeuristically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	p := mirrorPayload(t, map[string]any{
		"ts":              "2026-08-30T12:00:00",
		"account_address": "410 Pine St, Riverton, CO 80424",
	})
	mirror.Upsert(p, newStatusMeta(StateSynced, 200, ""))

	_, rows := readMirror(t, path)
	row := rows[0]
	if row["Property_Address"] != "410 Pine St" {
		t.Fatalf("Property_Address %q", row["Property_Address"])
	}
	if row["City"] != "Riverton" {
		t.Fatalf("City %q", row["City"])
	}
	if row["State"] != "CO" || row["Zip_Code"] != "80424" {
		t.Fatalf("State/Zip %q/%q", row["State"], row["Zip_Code"])
	}
}

func TestMirrorFormatsContractValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	p := mirrorPayload(t, map[string]any{
		"ts":            "2026-08-30T13:00:00",
		"quote_summary": map[string]any{"total": 12480.25},
	})
	mirror.Upsert(p, newStatusMeta(StateSynced, 200, ""))

	_, rows := readMirror(t, path)
	row := rows[0]
	if row["Estimated_Contract_Value_Num"] != "12480.25" {
		t.Fatalf("numeric value %q", row["Estimated_Contract_Value_Num"])
	}
	if row["Estimated_Contract_Value"] != "$12,480" {
		t.Fatalf("display value %q", row["Estimated_Contract_Value"])
	}
}

func TestMirrorTruncatesSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	long := strings.Repeat("inspected gutter section a ", 10)
	p := mirrorPayload(t, map[string]any{"ts": "2026-08-30T14:00:00", "note": long})
	mirror.Upsert(p, newStatusMeta(StateSynced, 200, ""))

	_, rows := readMirror(t, path)
	row := rows[0]
	if len(row["Summary"]) != mirrorSummaryLimit {
		t.Fatalf("summary length %d, want %d", len(row["Summary"]), mirrorSummaryLimit)
	}
	if !strings.HasPrefix(row["Notes"], "inspected gutter") {
		t.Fatalf("Notes %q", row["Notes"])
	}
	if len(row["Notes"]) <= mirrorSummaryLimit {
		t.Fatal("Notes column should keep the full note")
	}
}

func TestMirrorUsesStatusDateForLastContact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm_sample.csv")
	mirror := NewCRMMirror(path, testLogger())

	p := mirrorPayload(t, map[string]any{"ts": "2026-08-30T15:00:00"})
	status := StatusMeta{State: StateSynced, Timestamp: "2026-08-30T15:00:02"}
	mirror.Upsert(p, status)

	_, rows := readMirror(t, path)
	if rows[0]["Last_Contact_Date"] != "2026-08-30" {
		t.Fatalf("Last_Contact_Date %q", rows[0]["Last_Contact_Date"])
	}
}

func TestGroupThousands(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{950, "950"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-98765, "-98,765"},
	}
	for _, tc := range cases {
		if got := groupThousands(tc.in); got != tc.want {
			t.Fatalf("groupThousands(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
