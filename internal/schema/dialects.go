package schema

import "github.com/sqlagent/sqlagent/internal/target"

// catalogQueries are read-only lookups against catalog views every role can
// read. Column queries yield (table, column, type, is_nullable YES|NO, default);
// foreign-key queries yield (table, column, foreign table, foreign column).
type catalogQueries struct {
	columns     string
	foreignKeys string
}

var dialectQueries = map[target.Dialect]catalogQueries{
	target.DialectPostgres: {
		columns: `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = current_schema()
ORDER BY table_name, ordinal_position`,
		foreignKeys: `
SELECT tc.table_name, kcu.column_name, ccu.table_name AS foreign_table_name, ccu.column_name AS foreign_column_name
FROM information_schema.table_constraints AS tc
JOIN information_schema.key_column_usage AS kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage AS ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = current_schema()
ORDER BY tc.table_name, kcu.column_name`,
	},
	target.DialectMySQL: {
		columns: `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = DATABASE()
ORDER BY table_name, ordinal_position`,
		foreignKeys: `
SELECT table_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE()
  AND referenced_table_name IS NOT NULL
ORDER BY table_name, column_name`,
	},
	target.DialectDuckDB: {
		columns: `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = current_schema()
ORDER BY table_name, ordinal_position`,
		foreignKeys: `
SELECT table_name, unnest(constraint_column_names), referenced_table, unnest(referenced_column_names)
FROM duckdb_constraints()
WHERE constraint_type = 'FOREIGN KEY'
  AND schema_name = current_schema()
ORDER BY table_name`,
	},
	target.DialectSQLite: {
		columns: `
SELECT m.name, p.name, p.type, CASE WHEN p."notnull" = 0 THEN 'YES' ELSE 'NO' END, p.dflt_value
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`,
		foreignKeys: `
SELECT m.name, f."from", f."table", f."to"
FROM sqlite_master AS m
JOIN pragma_foreign_key_list(m.name) AS f
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, f."from"`,
	},
}
