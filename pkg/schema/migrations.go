package schema

// Migration is one numbered, checksummed unit of schema change. SQL may
// reference the __SCHEMA__ placeholder, resolved to the target schema
// name at apply time so the same migration set can be deployed into any
// schema (multi-tenant-by-schema deployments, test schemas, etc).
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the declarative schema: tables, indexes and functions
// for the tables in SPEC_FULL.md §3 and the function contracts in §6.1.
// Declared as data, in order, rather than as a directory of files, so
// the migration set ships inside the binary.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "service_instances",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.service_instances (
    instance_id       text PRIMARY KEY,
    service_name      text NOT NULL,
    host_name         text NOT NULL,
    process_id        integer NOT NULL,
    last_heartbeat_at timestamptz NOT NULL,
    active            boolean NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_service_instances_active
    ON __SCHEMA__.service_instances (active, last_heartbeat_at);
`,
	},
	{
		Version: 2,
		Name:    "active_streams",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.active_streams (
    stream_id            text PRIMARY KEY,
    partition_number     integer NOT NULL,
    assigned_instance_id text,
    lease_expiry         timestamptz,
    created_at           timestamptz NOT NULL DEFAULT now(),
    updated_at           timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_active_streams_partition
    ON __SCHEMA__.active_streams (partition_number);
`,
	},
	{
		Version: 3,
		Name:    "outbox",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.outbox (
    message_id       text PRIMARY KEY,
    destination      text NOT NULL,
    message_type     text NOT NULL,
    envelope_type    text NOT NULL,
    event_data       jsonb NOT NULL,
    metadata         jsonb NOT NULL,
    scope            jsonb,
    stream_id        text,
    partition_number integer,
    is_event         boolean NOT NULL DEFAULT false,
    status           integer NOT NULL DEFAULT 1,
    attempts         integer NOT NULL DEFAULT 0,
    error            text,
    failure_reason   integer NOT NULL DEFAULT 0,
    instance_id      text,
    lease_expiry     timestamptz,
    scheduled_for    timestamptz,
    created_at       timestamptz NOT NULL DEFAULT now(),
    published_at     timestamptz,
    processed_at     timestamptz
);
CREATE INDEX IF NOT EXISTS idx_outbox_claimable
    ON __SCHEMA__.outbox (partition_number, lease_expiry)
    WHERE status & 32768 = 0;
CREATE INDEX IF NOT EXISTS idx_outbox_stream ON __SCHEMA__.outbox (stream_id);
`,
	},
	{
		Version: 4,
		Name:    "inbox",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.inbox (
    message_id    text NOT NULL,
    handler_name  text NOT NULL,
    destination   text NOT NULL,
    message_type  text NOT NULL,
    envelope_type text NOT NULL,
    event_data    jsonb NOT NULL,
    metadata      jsonb NOT NULL,
    scope         jsonb,
    stream_id     text,
    is_event      boolean NOT NULL DEFAULT false,
    status        integer NOT NULL DEFAULT 1,
    attempts      integer NOT NULL DEFAULT 0,
    error         text,
    failure_reason integer NOT NULL DEFAULT 0,
    instance_id   text,
    lease_expiry  timestamptz,
    scheduled_for timestamptz,
    received_at   timestamptz NOT NULL DEFAULT now(),
    processed_at  timestamptz,
    PRIMARY KEY (message_id, handler_name)
);
CREATE INDEX IF NOT EXISTS idx_inbox_claimable
    ON __SCHEMA__.inbox (lease_expiry)
    WHERE status & 32768 = 0;
CREATE INDEX IF NOT EXISTS idx_inbox_stream ON __SCHEMA__.inbox (stream_id);
`,
	},
	{
		Version: 5,
		Name:    "perspective_events_and_checkpoints",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.perspective_events (
    event_work_id    text PRIMARY KEY,
    stream_id        text NOT NULL,
    perspective_name text NOT NULL,
    event_id         text NOT NULL,
    sequence_number  bigint NOT NULL,
    status           integer NOT NULL DEFAULT 1,
    attempts         integer NOT NULL DEFAULT 0,
    instance_id      text,
    lease_expiry     timestamptz,
    created_at       timestamptz NOT NULL DEFAULT now(),
    processed_at     timestamptz,
    UNIQUE (stream_id, perspective_name, event_id)
);
CREATE INDEX IF NOT EXISTS idx_perspective_events_claimable
    ON __SCHEMA__.perspective_events (stream_id, sequence_number)
    WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS __SCHEMA__.perspective_checkpoints (
    stream_id        text NOT NULL,
    perspective_name text NOT NULL,
    last_event_id    text,
    status           integer NOT NULL DEFAULT 0,
    error            text,
    processed_at     timestamptz,
    PRIMARY KEY (stream_id, perspective_name)
);

CREATE TABLE IF NOT EXISTS __SCHEMA__.perspective_models (
    perspective_name text NOT NULL,
    stream_id        text NOT NULL,
    version          bigint NOT NULL DEFAULT 0,
    data             jsonb NOT NULL,
    updated_at       timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (perspective_name, stream_id)
);
`,
	},
	{
		Version: 6,
		Name:    "message_associations",
		SQL: `
CREATE TABLE IF NOT EXISTS __SCHEMA__.message_associations (
    message_type     text NOT NULL,
    handler_name     text NOT NULL DEFAULT '',
    perspective_name text NOT NULL DEFAULT '',
    PRIMARY KEY (message_type, handler_name, perspective_name)
);
`,
	},
	{
		Version: 7,
		Name:    "compute_partition_function",
		SQL: `
CREATE OR REPLACE FUNCTION __SCHEMA__.compute_partition(p_stream_id text, p_partition_count integer)
RETURNS integer AS $$
BEGIN
    IF p_stream_id IS NULL OR p_partition_count <= 0 THEN
        RETURN NULL;
    END IF;
    RETURN abs(hashtext(p_stream_id)) % p_partition_count;
END;
$$ LANGUAGE plpgsql IMMUTABLE;
`,
	},
	{
		Version: 8,
		Name:    "calculate_instance_rank_function",
		SQL: `
CREATE OR REPLACE FUNCTION __SCHEMA__.calculate_instance_rank(p_instance_id text, p_stale_cutoff interval)
RETURNS TABLE(rank integer, active_count integer) AS $$
BEGIN
    RETURN QUERY
    WITH live AS (
        SELECT instance_id,
               row_number() OVER (ORDER BY instance_id) - 1 AS rn
        FROM __SCHEMA__.service_instances
        WHERE last_heartbeat_at >= now() - p_stale_cutoff
    )
    SELECT COALESCE((SELECT rn::integer FROM live WHERE instance_id = p_instance_id), -1),
           (SELECT count(*)::integer FROM live);
END;
$$ LANGUAGE plpgsql STABLE;
`,
	},
}
