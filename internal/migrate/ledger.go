package migrate

import "github.com/rossigee/cms-deployer/internal/database"

// LedgerTable records applied migration files.
const LedgerTable = "cms_migrations"

var (
	mysqlLedger = "CREATE TABLE IF NOT EXISTS cms_migrations (\n" +
		"  id INT UNSIGNED NOT NULL AUTO_INCREMENT,\n" +
		"  migration_name VARCHAR(255) NOT NULL,\n" +
		"  checksum CHAR(64) NULL,\n" +
		"  applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,\n" +
		"  PRIMARY KEY (id),\n" +
		"  UNIQUE KEY uniq_cms_migrations_name (migration_name)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

	sqliteLedger = `CREATE TABLE IF NOT EXISTS cms_migrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	migration_name TEXT NOT NULL UNIQUE,
	checksum TEXT,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
)

func ledgerDDL(dialect database.Dialect) string {
	if dialect == database.SQLite {
		return sqliteLedger
	}
	return mysqlLedger
}
