package persistence

import (
	"strings"

	"gorm.io/gorm/clause"
)

// sessionSortColumns maps accepted sort keys to session columns. API
// aliases resolve to the same column as the column name itself.
var sessionSortColumns = map[string]string{
	"created_at":     "created_at",
	"updated_at":     "updated_at",
	"order_id":       "order_id",
	"status":         "status",
	"priority":       "priority",
	"response_count": "response_count",
	"responses":      "response_count",
	"final_price":    "final_price",
	"price":          "final_price",
	"closed_at":      "closed_at",
}

const defaultSessionSort = "created_at"

// sortDescending reports whether dir asks for descending order. Anything
// other than "asc" sorts newest first.
func sortDescending(dir string) bool {
	return !strings.EqualFold(strings.TrimSpace(dir), "asc")
}

// sessionSortColumn resolves a requested sort key, falling back to
// created_at for unknown keys
func sessionSortColumn(key string) string {
	if col, ok := sessionSortColumns[strings.TrimSpace(key)]; ok {
		return col
	}
	return defaultSessionSort
}

// sessionOrder builds the ORDER BY column of a session listing. The column
// name never comes from user input verbatim.
func sessionOrder(orderBy, orderDir string) clause.OrderByColumn {
	return clause.OrderByColumn{
		Column: clause.Column{Name: sessionSortColumn(orderBy)},
		Desc:   sortDescending(orderDir),
	}
}
