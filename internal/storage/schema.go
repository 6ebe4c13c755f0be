// Package storage persists deploy jobs in the cms_deploy_jobs queue table.
package storage

import "github.com/rossigee/cms-deployer/internal/database"

// JobsTable is the queue table shared with the CMS.
const JobsTable = "cms_deploy_jobs"

// Schema definitions for the job queue, one statement per entry
var (
	mysqlSchema = []string{
		"CREATE TABLE IF NOT EXISTS `cms_deploy_jobs` (\n" +
			"  `id` INT UNSIGNED NOT NULL AUTO_INCREMENT,\n" +
			"  `site_root` VARCHAR(255) NOT NULL,\n" +
			"  `job_type` VARCHAR(32) NOT NULL DEFAULT 'frontend_deploy',\n" +
			"  `status` VARCHAR(16) NOT NULL DEFAULT 'queued',\n" +
			"  `requested_by` INT UNSIGNED NULL,\n" +
			"  `requested_at` DATETIME NOT NULL,\n" +
			"  `started_at` DATETIME NULL,\n" +
			"  `finished_at` DATETIME NULL,\n" +
			"  `exit_code` INT NULL,\n" +
			"  `output_text` MEDIUMTEXT NULL,\n" +
			"  `showonweb` VARCHAR(3) NOT NULL DEFAULT 'Yes',\n" +
			"  `archived` TINYINT(1) NOT NULL DEFAULT 0,\n" +
			"  PRIMARY KEY (`id`),\n" +
			"  KEY `idx_deploy_jobs_claim` (`status`, `job_type`, `archived`, `requested_at`),\n" +
			"  KEY `idx_deploy_jobs_site` (`site_root`, `id`)\n" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}

	sqliteSchema = []string{
		`CREATE TABLE IF NOT EXISTS cms_deploy_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_root TEXT NOT NULL,
	job_type TEXT NOT NULL DEFAULT 'frontend_deploy',
	status TEXT NOT NULL DEFAULT 'queued',
	requested_by INTEGER,
	requested_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME,
	exit_code INTEGER,
	output_text TEXT,
	showonweb TEXT NOT NULL DEFAULT 'Yes',
	archived INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_jobs_claim ON cms_deploy_jobs(status, job_type, archived, requested_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_jobs_site ON cms_deploy_jobs(site_root, id)`,
	}
)

// SchemaStatements returns the DDL creating the queue table for dialect.
func SchemaStatements(dialect database.Dialect) []string {
	if dialect == database.SQLite {
		return sqliteSchema
	}
	return mysqlSchema
}
