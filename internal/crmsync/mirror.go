package crmsync

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultMirrorPath = "data/crm_sample.csv"

const mirrorSummaryLimit = 120

var mirrorHeader = []string{
	"Customer_ID",
	"Customer_Name",
	"Customer_Type",
	"Primary_Contact",
	"Contact_Phone",
	"Contact_Email",
	"Lead_Source",
	"Service_Interest",
	"Property_Address",
	"City",
	"State",
	"Zip_Code",
	"Estimated_Contract_Value",
	"Estimated_Contract_Value_Num",
	"Stage",
	"Last_Contact_Date",
	"Assigned_Rep",
	"Region",
	"Notes",
	"Summary",
	"Needs_Follow_Up",
}

// CRMMirror maintains the denormalized sample ledger. It is a best-effort
// side channel: I/O failures are logged and swallowed, never surfaced to the
// delivery worker.
type CRMMirror struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

func NewCRMMirror(path string, logger *logrus.Logger) *CRMMirror {
	if path == "" {
		path = DefaultMirrorPath
	}
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &CRMMirror{path: path, logger: logger}
}

// Upsert maps the payload onto a flat row and replaces any existing row
// sharing its Customer_ID, else appends. A missing ledger file is seeded
// with the fixed header.
func (m *CRMMirror) Upsert(p Payload, status StatusMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	header, rows, err := m.readLedger()
	if err != nil {
		m.logger.Warnf("unable to read crm mirror: %v", err)
		return
	}

	row := buildMirrorRow(header, p, status)
	replaced := false
	for i, existing := range rows {
		if existing["Customer_ID"] == row["Customer_ID"] {
			rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, row)
	}

	if err := m.writeLedger(header, rows); err != nil {
		m.logger.Warnf("unable to update crm mirror: %v", err)
	}
}

func (m *CRMMirror) readLedger() ([]string, []map[string]string, error) {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return append([]string(nil), mirrorHeader...), nil, nil
		}
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return append([]string(nil), mirrorHeader...), nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func (m *CRMMirror) writeLedger(header []string, rows []map[string]string) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		_ = file.Close()
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, name := range header {
			record[i] = row[name]
		}
		if err := writer.Write(record); err != nil {
			_ = file.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func buildMirrorRow(header []string, p Payload, status StatusMeta) map[string]string {
	row := make(map[string]string, len(header))
	for _, name := range header {
		row[name] = ""
	}

	customerID := p.ID
	if customerID == "" {
		customerID = p.fieldString("customer_id")
	}
	if customerID == "" {
		customerID = p.fieldString("ts")
	}
	if customerID == "" {
		customerID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	row["Customer_ID"] = customerID
	row["Customer_Name"] = p.fieldString("account")
	row["Customer_Type"] = p.fieldString("customer_type")
	row["Primary_Contact"] = p.fieldString("contact_name")
	row["Contact_Phone"] = p.fieldString("contact_phone")
	row["Contact_Email"] = p.fieldString("contact_email")
	row["Lead_Source"] = p.fieldString("lead_source")
	if row["Lead_Source"] == "" {
		row["Lead_Source"] = "Demo"
	}
	row["Service_Interest"] = p.fieldString("service")

	splitAddressInto(row, p.fieldString("account_address"))

	if total, ok := quoteTotal(p.Fields["quote_summary"]); ok {
		row["Estimated_Contract_Value_Num"] = fmt.Sprintf("%.2f", total)
		row["Estimated_Contract_Value"] = fmt.Sprintf("$%s", groupThousands(total))
	}

	row["Stage"] = capitalize(status.State)
	if status.Timestamp != "" && strings.Contains(status.Timestamp, "T") {
		row["Last_Contact_Date"] = strings.SplitN(status.Timestamp, "T", 2)[0]
	}
	row["Assigned_Rep"] = p.fieldString("assigned_rep")
	row["Region"] = p.fieldString("region")

	note := strings.TrimSpace(strings.ReplaceAll(p.fieldString("note"), "\n", " "))
	row["Notes"] = note
	if len(note) > mirrorSummaryLimit {
		row["Summary"] = note[:mirrorSummaryLimit]
	} else {
		row["Summary"] = note
	}
	row["Needs_Follow_Up"] = "False"
	return row
}

// splitAddressInto applies the comma-and-whitespace heuristic:
// "street, city, ST zip".
func splitAddressInto(row map[string]string, address string) {
	if address == "" {
		return
	}
	parts := strings.Split(address, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	if len(parts) > 0 {
		row["Property_Address"] = parts[0]
	}
	if len(parts) >= 2 {
		row["City"] = parts[1]
	}
	if len(parts) >= 3 {
		stateParts := strings.Fields(parts[2])
		if len(stateParts) > 0 {
			row["State"] = stateParts[0]
		}
		if len(stateParts) > 1 {
			row["Zip_Code"] = stateParts[1]
		}
	}
}

func quoteTotal(value any) (float64, bool) {
	quote, ok := value.(map[string]any)
	if !ok {
		return 0, false
	}
	switch total := quote["total"].(type) {
	case float64:
		return total, true
	case int:
		return float64(total), true
	case json.Number:
		parsed, err := total.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// groupThousands renders a whole-dollar figure with comma separators.
func groupThousands(value float64) string {
	whole := fmt.Sprintf("%.0f", value)
	negative := strings.HasPrefix(whole, "-")
	digits := strings.TrimPrefix(whole, "-")
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	result := strings.Join(groups, ",")
	if negative {
		result = "-" + result
	}
	return result
}

func capitalize(value string) string {
	if value == "" {
		return ""
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
