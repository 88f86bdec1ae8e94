// Package migrations embeds the schema files applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in application order.
var Files = []string{
	"001_create_task_records.sql",
	"002_create_result_records.sql",
}
