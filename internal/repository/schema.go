package repository

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id                 TEXT PRIMARY KEY,
    pipeline_config_id TEXT NOT NULL,
    status             TEXT NOT NULL CHECK (status IN ('pending','running','success','failed','cancelled')),
    started_at         TIMESTAMPTZ NOT NULL,
    duration_seconds   DOUBLE PRECISION,
    branch             TEXT NOT NULL DEFAULT '',
    commit_hash        TEXT NOT NULL DEFAULT '',
    triggered_by       TEXT NOT NULL DEFAULT '',
    error_message      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline_started ON pipeline_runs (pipeline_config_id, started_at DESC);

CREATE TABLE IF NOT EXISTS quality_checks (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES pipeline_runs (id),
    tool_name   TEXT NOT NULL,
    gate_passed BOOLEAN NOT NULL,
    score       DOUBLE PRECISION NOT NULL DEFAULT 0,
    issues      JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_quality_checks_run ON quality_checks (run_id);

CREATE TABLE IF NOT EXISTS optimizations (
    id                   TEXT PRIMARY KEY,
    pipeline_config_id   TEXT NOT NULL,
    type                 TEXT NOT NULL,
    title                TEXT NOT NULL,
    description          TEXT NOT NULL DEFAULT '',
    confidence           DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 100),
    current_metrics      JSONB NOT NULL,
    projected_metrics    JSONB NOT NULL,
    implementation_steps JSONB NOT NULL DEFAULT '[]',
    status               TEXT NOT NULL CHECK (status IN ('pending','applied','rejected')),
    applied_at           TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK ((status = 'applied') = (applied_at IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_optimizations_pipeline_status ON optimizations (pipeline_config_id, status);
`
