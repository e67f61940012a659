package naming

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// CamelToSnake converts a CamelCase string to snake_case.
// Consecutive uppercase letters (acronyms) are kept together:
// "ID" → "id", "UserID" → "user_id", "CreatedAt" → "created_at".
func CamelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				next := rune(0)
				if i+1 < len(runes) {
					next = runes[i+1]
				}
				if unicode.IsLower(prev) || (unicode.IsUpper(prev) && unicode.IsLower(next)) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TableName derives a table name from an entity type name.
// A trailing "Mapper" suffix is stripped so data-mapper façades map to
// the same table as the record type: "UserMapper" → "users",
// "OrderItem" → "order_items".
func TableName(typeName string) string {
	name := strings.TrimSuffix(typeName, "Mapper")
	if name == "" {
		name = typeName
	}
	return inflection.Plural(CamelToSnake(name))
}

// ForeignKey derives the foreign-key column pointing at a table.
// When the table's primary key is "id" the key is the singularized
// table name plus "_id" ("users" → "user_id"); any other primary key
// is used as-is.
func ForeignKey(table, primaryKey string) string {
	if primaryKey != "id" {
		return primaryKey
	}
	return inflection.Singular(table) + "_id"
}
