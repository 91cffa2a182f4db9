package db

const taskTable = "tracked_task"

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- TRACKED_TASK TABLE
    -- ==========================================================================
    -- One record per (namespace, task_id). The task itself is stored as a
    -- flexible object so new task fields need no migration.
    DEFINE TABLE IF NOT EXISTS tracked_task SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS namespace ON tracked_task TYPE string;
    DEFINE FIELD IF NOT EXISTS task_id ON tracked_task TYPE string;
    DEFINE FIELD IF NOT EXISTS normalized_key ON tracked_task TYPE string;
    DEFINE FIELD IF NOT EXISTS state ON tracked_task TYPE string;
    DEFINE FIELD IF NOT EXISTS task ON tracked_task TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON tracked_task TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON tracked_task TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS tracked_task_ns_id ON tracked_task FIELDS namespace, task_id UNIQUE;
    DEFINE INDEX IF NOT EXISTS tracked_task_ns_created ON tracked_task FIELDS namespace, created_at;
`
