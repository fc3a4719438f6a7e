package catalog

import "github.com/Arslan16/Ufanet-autum-practice/relay/outbox"

// Column names of the categories table, in table order.
const (
	ColumnID   = "id"
	ColumnName = "name"
)

// CategoryEntity describes the categories table to the outbox event builders.
type CategoryEntity struct{}

var _ outbox.EventBuilder = CategoryEntity{}

// Entity returns the table name.
func (CategoryEntity) Entity() string { return "categories" }

// Fields returns the exposed columns.
func (CategoryEntity) Fields() []string { return []string{ColumnID, ColumnName} }

// Category is one row of the categories table.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
