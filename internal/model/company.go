package model

import "strings"

// ColumnMapping maps logical company fields to source column names.
type ColumnMapping struct {
	CompanyName string `json:"company_name"`
	Location    string `json:"location,omitempty"`
	Website     string `json:"website,omitempty"`
	Industry    string `json:"industry,omitempty"`
	Address     string `json:"address,omitempty"`
}

// CompanyRow is one input record inside a job. It is never mutated after submission.
type CompanyRow struct {
	Index    int               `json:"index"`
	Name     string            `json:"name,omitempty"`
	Address  string            `json:"address,omitempty"`
	Industry string            `json:"industry,omitempty"`
	Website  string            `json:"website,omitempty"`
	Location string            `json:"location,omitempty"`
	Raw      map[string]string `json:"raw,omitempty"`
}

// HasAnchor reports whether the row carries enough identity to be searched.
func (r CompanyRow) HasAnchor() bool {
	return strings.TrimSpace(r.Name) != "" || strings.TrimSpace(r.Website) != ""
}

// MapRow builds a CompanyRow from a raw record using the column mapping.
// An empty mapping entry leaves the field blank.
func MapRow(index int, raw map[string]string, m ColumnMapping) CompanyRow {
	get := func(col string) string {
		if col == "" {
			return ""
		}
		return strings.TrimSpace(raw[col])
	}
	return CompanyRow{
		Index:    index,
		Name:     get(m.CompanyName),
		Address:  get(m.Address),
		Industry: get(m.Industry),
		Website:  get(m.Website),
		Location: get(m.Location),
		Raw:      raw,
	}
}

// MapRows maps every raw record, assigning indexes in input order.
func MapRows(raw []map[string]string, m ColumnMapping) []CompanyRow {
	rows := make([]CompanyRow, len(raw))
	for i, r := range raw {
		rows[i] = MapRow(i, r, m)
	}
	return rows
}

// Identity is the normalized company identity produced by enrichment.
type Identity struct {
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	Industry string `json:"industry,omitempty"`
	Location string `json:"location,omitempty"`
}
