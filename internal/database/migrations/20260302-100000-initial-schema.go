package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260302-100000",
		Description: "initial schema",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS source_pages (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				url TEXT NOT NULL,
				page_type TEXT NOT NULL,
				depth INTEGER NOT NULL DEFAULT 0,
				last_hash TEXT,
				last_rendered_hash TEXT,
				last_checked_at TEXT,
				last_changed_at TEXT,
				consecutive_no_change INTEGER NOT NULL DEFAULT 0,
				consecutive_not_found INTEGER NOT NULL DEFAULT 0,
				consecutive_blocked INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active',
				error_message TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(oem_id, url)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_source_pages_oem_status ON source_pages(oem_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_source_pages_checked ON source_pages(last_checked_at)`,

			`CREATE TABLE IF NOT EXISTS discovered_apis (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				url TEXT NOT NULL,
				method TEXT NOT NULL DEFAULT 'GET',
				required_headers TEXT,
				data_type TEXT NOT NULL DEFAULT 'unknown',
				reliability_score REAL NOT NULL DEFAULT 0.5,
				last_success_at TEXT,
				last_failure_at TEXT,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(oem_id, url, method)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_discovered_apis_oem ON discovered_apis(oem_id, status)`,

			`CREATE TABLE IF NOT EXISTS products (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				external_key TEXT NOT NULL,
				title TEXT NOT NULL,
				subtitle TEXT,
				body_type TEXT,
				fuel_type TEXT,
				availability TEXT,
				price_json TEXT,
				key_features TEXT,
				variants TEXT,
				cta_links TEXT,
				meta TEXT,
				content_hash TEXT NOT NULL,
				first_seen_at TEXT NOT NULL,
				last_seen_at TEXT NOT NULL,
				UNIQUE(oem_id, external_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_products_oem ON products(oem_id)`,
			`CREATE INDEX IF NOT EXISTS idx_products_last_seen ON products(oem_id, last_seen_at)`,

			`CREATE TABLE IF NOT EXISTS product_versions (
				id TEXT PRIMARY KEY,
				product_id TEXT NOT NULL REFERENCES products(id),
				content_hash TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				captured_at TEXT NOT NULL,
				UNIQUE(product_id, content_hash)
			)`,

			`CREATE TABLE IF NOT EXISTS offers (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				external_key TEXT NOT NULL,
				title TEXT NOT NULL,
				offer_type TEXT,
				description TEXT,
				applicable_models TEXT,
				validity_start TEXT,
				validity_end TEXT,
				saving_amount INTEGER NOT NULL DEFAULT 0,
				price_json TEXT,
				cta_links TEXT,
				meta TEXT,
				content_hash TEXT NOT NULL,
				first_seen_at TEXT NOT NULL,
				last_seen_at TEXT NOT NULL,
				UNIQUE(oem_id, external_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_offers_oem ON offers(oem_id)`,
			`CREATE INDEX IF NOT EXISTS idx_offers_last_seen ON offers(oem_id, last_seen_at)`,

			`CREATE TABLE IF NOT EXISTS offer_versions (
				id TEXT PRIMARY KEY,
				offer_id TEXT NOT NULL REFERENCES offers(id),
				content_hash TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				captured_at TEXT NOT NULL,
				UNIQUE(offer_id, content_hash)
			)`,

			`CREATE TABLE IF NOT EXISTS banners (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				external_key TEXT NOT NULL,
				headline TEXT,
				subtext TEXT,
				image_url TEXT,
				target_url TEXT,
				meta TEXT,
				content_hash TEXT NOT NULL,
				first_seen_at TEXT NOT NULL,
				last_seen_at TEXT NOT NULL,
				UNIQUE(oem_id, external_key)
			)`,

			`CREATE TABLE IF NOT EXISTS change_events (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT,
				event_type TEXT NOT NULL,
				severity TEXT NOT NULL,
				summary TEXT NOT NULL,
				diff_json TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_change_events_oem_created ON change_events(oem_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_change_events_severity ON change_events(severity, created_at)`,

			`CREATE TABLE IF NOT EXISTS import_runs (
				id TEXT PRIMARY KEY,
				oem_id TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT,
				status TEXT NOT NULL DEFAULT 'running',
				pages_checked INTEGER NOT NULL DEFAULT 0,
				pages_changed INTEGER NOT NULL DEFAULT 0,
				products_upserted INTEGER NOT NULL DEFAULT 0,
				offers_upserted INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				error_json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_import_runs_oem_started ON import_runs(oem_id, started_at)`,

			`CREATE TABLE IF NOT EXISTS ai_inference_log (
				id TEXT PRIMARY KEY,
				provider TEXT NOT NULL,
				model TEXT NOT NULL,
				task_type TEXT NOT NULL,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_usd REAL NOT NULL DEFAULT 0,
				latency_ms INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				was_fallback INTEGER NOT NULL DEFAULT 0,
				prompt_hash TEXT NOT NULL,
				response_hash TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ai_inference_log_created ON ai_inference_log(created_at)`,
		},
	})
}
