package remote

import "github.com/kalambet/kosmoi/internal/schema"

// fullRow returns doc with every declared field of col present. Fields the
// document leaves out are sent as null, so an upsert replaces the whole row
// instead of patching the columns the document happens to carry.
func fullRow(col schema.Collection, doc schema.Document) schema.Document {
	row := doc.Clone()
	for _, f := range col.Fields {
		if _, ok := row[f.Name]; !ok {
			row[f.Name] = nil
		}
	}
	return row
}
