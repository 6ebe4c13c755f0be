package schema

import "encoding/json"

// OpType names an operation in plans and apply reports.
type OpType string

const (
	OpCreateTable          OpType = "create_table"
	OpAddColumn            OpType = "add_column"
	OpAddForeignKey        OpType = "add_foreign_key"
	OpAddForeignKeySkipped OpType = "add_foreign_key_skipped"
)

// Operation is one additive schema change. The set of implementations is
// closed: CreateTable, AddColumn and AddForeignKey.
type Operation interface {
	Kind() OpType
	TableName() Identifier
	Statement() string
	operation()
}

// CreateTable creates a missing table without its foreign keys. References
// lists the tables named by the original definition, including the split-out
// constraints; when nil they are parsed from SQL.
type CreateTable struct {
	Table      Identifier
	SQL        string
	References []string
}

// AddColumn adds a column missing from an existing table.
type AddColumn struct {
	Table  Identifier
	Column string
	SQL    string
}

// AddForeignKey adds a constraint split out of a CreateTable.
type AddForeignKey struct {
	Table Identifier
	SQL   string
}

func (CreateTable) Kind() OpType   { return OpCreateTable }
func (AddColumn) Kind() OpType     { return OpAddColumn }
func (AddForeignKey) Kind() OpType { return OpAddForeignKey }

func (o CreateTable) TableName() Identifier   { return o.Table }
func (o AddColumn) TableName() Identifier     { return o.Table }
func (o AddForeignKey) TableName() Identifier { return o.Table }

func (o CreateTable) Statement() string   { return o.SQL }
func (o AddColumn) Statement() string     { return o.SQL }
func (o AddForeignKey) Statement() string { return o.SQL }

func (CreateTable) operation()   {}
func (AddColumn) operation()     {}
func (AddForeignKey) operation() {}

type operationJSON struct {
	Type   OpType  `json:"type"`
	Table  string  `json:"table"`
	Column *string `json:"column"`
	SQL    string  `json:"sql"`
}

func (o CreateTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationJSON{Type: OpCreateTable, Table: o.Table.String(), SQL: o.SQL})
}

func (o AddColumn) MarshalJSON() ([]byte, error) {
	column := o.Column
	return json.Marshal(operationJSON{Type: OpAddColumn, Table: o.Table.String(), Column: &column, SQL: o.SQL})
}

func (o AddForeignKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationJSON{Type: OpAddForeignKey, Table: o.Table.String(), SQL: o.SQL})
}
