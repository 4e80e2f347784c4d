package sqlstore

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS eventbus_outbox (
		id              BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id        CHAR(36)     NOT NULL UNIQUE,
		event_name      VARCHAR(255) NOT NULL,
		event_data      JSON         NOT NULL,
		metadata        JSON         NOT NULL,
		status          VARCHAR(16)  NOT NULL DEFAULT 'pending' COMMENT 'pending, processing, completed, failed',
		retry_count     INT          NOT NULL DEFAULT 0,
		max_retries     INT          NOT NULL DEFAULT 3,
		created_at      TIMESTAMP(6) NOT NULL,
		processed_at    TIMESTAMP(6) NULL,
		next_attempt_at TIMESTAMP(6) NULL,
		error_message   TEXT         NULL,
		INDEX idx_eventbus_outbox_pending (status, next_attempt_at, id),
		INDEX idx_eventbus_outbox_processed (status, processed_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS eventbus_dead_letters (
		id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		original_id    BIGINT        NOT NULL UNIQUE,
		event_id       CHAR(36)      NOT NULL,
		event_name     VARCHAR(255)  NOT NULL,
		event_data     JSON          NOT NULL,
		metadata       JSON          NOT NULL,
		retry_count    INT           NOT NULL,
		max_retries    INT           NOT NULL,
		failure_reason VARCHAR(2000) NULL,
		created_at     TIMESTAMP(6)  NOT NULL,
		failed_at      TIMESTAMP(6)  NOT NULL,
		INDEX idx_eventbus_dead_letters_failed (failed_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS eventbus_processing_log (
		handler_name    VARCHAR(255) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		event_id        CHAR(36)     NOT NULL,
		processed_at    TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (handler_name, idempotency_key),
		INDEX idx_eventbus_processing_log_processed (processed_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS eventbus_history (
		id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id       CHAR(36)     NOT NULL,
		event_name     VARCHAR(255) NOT NULL,
		source_module  VARCHAR(255) NOT NULL,
		correlation_id CHAR(36)     NOT NULL,
		event_data     JSON         NOT NULL,
		metadata       JSON         NOT NULL,
		created_at     TIMESTAMP(6) NOT NULL,
		INDEX idx_eventbus_history_created (created_at),
		INDEX idx_eventbus_history_correlation (correlation_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS eventbus_outbox (
		id              BIGSERIAL PRIMARY KEY,
		event_id        UUID         NOT NULL UNIQUE,
		event_name      VARCHAR(255) NOT NULL,
		event_data      JSONB        NOT NULL,
		metadata        JSONB        NOT NULL,
		status          VARCHAR(16)  NOT NULL DEFAULT 'pending',
		retry_count     INT          NOT NULL DEFAULT 0,
		max_retries     INT          NOT NULL DEFAULT 3,
		created_at      TIMESTAMPTZ  NOT NULL,
		processed_at    TIMESTAMPTZ  NULL,
		next_attempt_at TIMESTAMPTZ  NULL,
		error_message   TEXT         NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_outbox_pending ON eventbus_outbox (status, next_attempt_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_outbox_processed ON eventbus_outbox (status, processed_at)`,
	`CREATE TABLE IF NOT EXISTS eventbus_dead_letters (
		id             BIGSERIAL PRIMARY KEY,
		original_id    BIGINT        NOT NULL UNIQUE,
		event_id       UUID          NOT NULL,
		event_name     VARCHAR(255)  NOT NULL,
		event_data     JSONB         NOT NULL,
		metadata       JSONB         NOT NULL,
		retry_count    INT           NOT NULL,
		max_retries    INT           NOT NULL,
		failure_reason VARCHAR(2000) NULL,
		created_at     TIMESTAMPTZ   NOT NULL,
		failed_at      TIMESTAMPTZ   NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_dead_letters_failed ON eventbus_dead_letters (failed_at)`,
	`CREATE TABLE IF NOT EXISTS eventbus_processing_log (
		handler_name    VARCHAR(255) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		event_id        UUID         NOT NULL,
		processed_at    TIMESTAMPTZ  NOT NULL,
		PRIMARY KEY (handler_name, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_processing_log_processed ON eventbus_processing_log (processed_at)`,
	`CREATE TABLE IF NOT EXISTS eventbus_history (
		id             BIGSERIAL PRIMARY KEY,
		event_id       UUID         NOT NULL,
		event_name     VARCHAR(255) NOT NULL,
		source_module  VARCHAR(255) NOT NULL,
		correlation_id VARCHAR(64)  NOT NULL,
		event_data     JSONB        NOT NULL,
		metadata       JSONB        NOT NULL,
		created_at     TIMESTAMPTZ  NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_history_created ON eventbus_history (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_history_correlation ON eventbus_history (correlation_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS eventbus_outbox (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT     NOT NULL UNIQUE,
		event_name      TEXT     NOT NULL,
		event_data      TEXT     NOT NULL,
		metadata        TEXT     NOT NULL,
		status          TEXT     NOT NULL DEFAULT 'pending',
		retry_count     INTEGER  NOT NULL DEFAULT 0,
		max_retries     INTEGER  NOT NULL DEFAULT 3,
		created_at      DATETIME NOT NULL,
		processed_at    DATETIME NULL,
		next_attempt_at DATETIME NULL,
		error_message   TEXT     NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eventbus_outbox_pending ON eventbus_outbox (status, next_attempt_at, id)`,
	`CREATE TABLE IF NOT EXISTS eventbus_dead_letters (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		original_id    INTEGER  NOT NULL UNIQUE,
		event_id       TEXT     NOT NULL,
		event_name     TEXT     NOT NULL,
		event_data     TEXT     NOT NULL,
		metadata       TEXT     NOT NULL,
		retry_count    INTEGER  NOT NULL,
		max_retries    INTEGER  NOT NULL,
		failure_reason TEXT     NULL,
		created_at     DATETIME NOT NULL,
		failed_at      DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS eventbus_processing_log (
		handler_name    TEXT     NOT NULL,
		idempotency_key TEXT     NOT NULL,
		event_id        TEXT     NOT NULL,
		processed_at    DATETIME NOT NULL,
		PRIMARY KEY (handler_name, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS eventbus_history (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       TEXT     NOT NULL,
		event_name     TEXT     NOT NULL,
		source_module  TEXT     NOT NULL,
		correlation_id TEXT     NOT NULL,
		event_data     TEXT     NOT NULL,
		metadata       TEXT     NOT NULL,
		created_at     DATETIME NOT NULL
	)`,
}
