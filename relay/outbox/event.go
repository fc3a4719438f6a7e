package outbox

// Action names the data operation an Event describes.
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EventBuilder describes an entity whose operations are recorded in the outbox.
// Fields lists the columns an operation exposes, in table order.
type EventBuilder interface {
	Entity() string
	Fields() []string
}

// Filter is one column predicate of an Event.
type Filter struct {
	Column   string
	Operator string
	Value    any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Operator: "=", Value: value}
}

// Event is a structured description of a data operation.
type Event struct {
	Action  Action
	Entity  string
	Fields  []string
	Filters []Filter
	Values  map[string]any
}

// SelectEvent describes a read of b matching filters.
func SelectEvent(b EventBuilder, filters ...Filter) Event {
	return Event{Action: ActionSelect, Entity: b.Entity(), Fields: b.Fields(), Filters: filters}
}

// InsertEvent describes a new row of b.
func InsertEvent(b EventBuilder, values map[string]any) Event {
	return Event{Action: ActionInsert, Entity: b.Entity(), Fields: b.Fields(), Values: values}
}

// UpdateEvent describes changes to the row of b with the given id.
func UpdateEvent(b EventBuilder, id any, values map[string]any) Event {
	return Event{Action: ActionUpdate, Entity: b.Entity(), Fields: b.Fields(), Filters: []Filter{Eq("id", id)}, Values: values}
}

// DeleteEvent describes removal of the row of b with the given id.
func DeleteEvent(b EventBuilder, id any) Event {
	return Event{Action: ActionDelete, Entity: b.Entity(), Fields: b.Fields(), Filters: []Filter{Eq("id", id)}}
}

// Payload renders e as an outbox payload:
//
//	{"action":"select","entity":"categories","fields":["id","name"],
//	 "filters":[{"column":"id","operator":"=","value":1}]}
//
// "values" is present only when the event carries values.
func (e Event) Payload() Payload {
	fields := make([]any, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, f)
	}

	filters := make([]any, 0, len(e.Filters))
	for _, f := range e.Filters {
		filters = append(filters, map[string]any{
			"column":   f.Column,
			"operator": f.Operator,
			"value":    f.Value,
		})
	}

	payload := Payload{
		"action":  string(e.Action),
		"entity":  e.Entity,
		"fields":  fields,
		"filters": filters,
	}

	if len(e.Values) > 0 {
		values := make(map[string]any, len(e.Values))
		for k, v := range e.Values {
			values[k] = v
		}

		payload["values"] = values
	}

	return payload
}
