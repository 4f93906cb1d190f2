package postgres

// Schema creates every table the crawler uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS statuses (
    id BIGSERIAL PRIMARY KEY,
    label TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS registries (
    id BIGSERIAL PRIMARY KEY,
    shortname TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL UNIQUE,
    base_path TEXT NOT NULL,
    charset TEXT NOT NULL DEFAULT '',
    selectors JSONB NOT NULL DEFAULT '{}'::jsonb,
    timeout_ms BIGINT NOT NULL DEFAULT 0,
    status_id BIGINT NOT NULL REFERENCES statuses(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS codes (
    id BIGSERIAL PRIMARY KEY,
    code TEXT NOT NULL,
    url TEXT NOT NULL UNIQUE,
    registry_id BIGINT NOT NULL REFERENCES registries(id) ON DELETE CASCADE,
    status_id BIGINT NOT NULL REFERENCES statuses(id),
    last_page INTEGER,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_codes_registry_status ON codes(registry_id, status_id);

CREATE TABLE IF NOT EXISTS names (
    id BIGSERIAL PRIMARY KEY,
    code_id BIGINT NOT NULL REFERENCES codes(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    url TEXT NOT NULL UNIQUE,
    status_id BIGINT NOT NULL REFERENCES statuses(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_names_status ON names(status_id);

CREATE TABLE IF NOT EXISTS rawdata (
    id BIGSERIAL PRIMARY KEY,
    name_id BIGINT NOT NULL UNIQUE REFERENCES names(id) ON DELETE CASCADE,
    body_html TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    parsed_data JSONB NOT NULL DEFAULT '{}'::jsonb,
    status_id BIGINT NOT NULL REFERENCES statuses(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE rawdata ADD COLUMN IF NOT EXISTS title TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS field_keys (
    id BIGSERIAL PRIMARY KEY,
    short_name VARCHAR(25) NOT NULL,
    full_name TEXT NOT NULL UNIQUE,
    frequency BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_field_keys_frequency ON field_keys(frequency DESC);

CREATE TABLE IF NOT EXISTS crawl_jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    target_id BIGINT NOT NULL,
    status TEXT NOT NULL,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    error_text TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
